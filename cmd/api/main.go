package main

import (
	"context"
	"errors"
	"image-analysis-backend/cmd"
	"image-analysis-backend/internal/api"
	"image-analysis-backend/internal/config"
	"image-analysis-backend/internal/core"
	"image-analysis-backend/internal/messaging"
	"image-analysis-backend/internal/notify"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.APIConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	requests, err := cmd.NewCorrelationStore(cfg.StoreConfig)
	if err != nil {
		log.Fatalf("Failed to create correlation store: %v", err)
	}

	payloads, err := cmd.NewPayloadStore(ctx, cfg.PayloadConfig)
	if err != nil {
		log.Fatalf("Failed to create payload store: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	results, err := messaging.NewRabbitMQResultReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to subscribe to analysis results: %v", err)
	}

	hub := notify.NewHub(requests, notify.DefaultSessionBuffer)
	listener := notify.NewResultListener(hub, results)
	reaper := core.NewReaper(requests, payloads, cfg.ResultRetention, cfg.RetentionSweep)
	reaper.SetProcessingTimeout(cfg.ProcessingTimeout)
	reaper.SetPublisher(publisher)
	submitter := core.NewSubmitter(requests, publisher, payloads, cfg.MaxUploadBytes)

	service := api.NewBackendService(requests, submitter, reaper, hub)
	server := cmd.NewServer(cmd.NewRouter(service, "api"), ":"+cfg.APIPort)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		listener.Start()
		return nil
	})

	g.Go(func() error {
		return reaper.Run(gctx)
	})

	g.Go(func() error {
		log.Printf("API server listening on port %s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		hub.Shutdown()
		listener.Stop()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("API server stopped with error: %v", err)
		os.Exit(1)
	}

	log.Println("Server stopped.")
}
