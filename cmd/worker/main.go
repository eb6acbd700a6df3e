package main

import (
	"context"
	"image-analysis-backend/cmd"
	"image-analysis-backend/internal/config"
	"image-analysis-backend/internal/core"
	"image-analysis-backend/internal/messaging"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.WorkerConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	requests, err := cmd.NewCorrelationStore(cfg.StoreConfig)
	if err != nil {
		log.Fatalf("Failed to create correlation store: %v", err)
	}

	payloads, err := cmd.NewPayloadStore(context.Background(), cfg.PayloadConfig)
	if err != nil {
		log.Fatalf("Failed to create payload store: %v", err)
	}

	scorer, err := cmd.NewScorer(cfg.ScorerConfig)
	if err != nil {
		log.Fatalf("Failed to load scorer: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQWorkReceiver(cfg.RabbitMQURL, max(cfg.PrefetchCount, cfg.WorkerConcurrency))
	if err != nil {
		log.Fatalf("Failed to start message consumer: %v", err)
	}

	worker := core.NewTaskProcessor(requests, publisher, reciever, payloads, scorer, cfg.WorkerConcurrency, cfg.ScoreTimeout)

	done := make(chan struct{})
	go func() {
		worker.Start()
		close(done)
	}()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, waiting for in flight tasks to finish...")

	// Closing the reciever stops deliveries; unacked messages are requeued by
	// the broker.
	worker.Stop()
	<-done

	log.Println("Worker process stopped.")
}
