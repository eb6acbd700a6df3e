package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"image-analysis-backend/cmd"
	"image-analysis-backend/internal/api"
	"image-analysis-backend/internal/config"
	"image-analysis-backend/internal/core"
	"image-analysis-backend/internal/messaging"
	"image-analysis-backend/internal/notify"

	"golang.org/x/sync/errgroup"
)

const queueCapacity = 1000

func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.LocalConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "store", cfg.StoreType, "payload_store", cfg.PayloadStore, "scorer", cfg.ScorerType)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	requests, err := cmd.NewCorrelationStore(config.StoreConfig{
		StoreType:  cfg.StoreType,
		SqlitePath: filepath.Join(cfg.Root, "db", "requests.db"),
	})
	if err != nil {
		log.Fatalf("Failed to create correlation store: %v", err)
	}

	payloadCfg := cfg.PayloadConfig
	if payloadCfg.PayloadStore == "local" && !filepath.IsAbs(payloadCfg.PayloadDir) {
		payloadCfg.PayloadDir = filepath.Join(cfg.Root, payloadCfg.PayloadDir)
	}
	payloads, err := cmd.NewPayloadStore(ctx, payloadCfg)
	if err != nil {
		log.Fatalf("Failed to create payload store: %v", err)
	}

	scorer, err := cmd.NewScorer(cfg.ScorerConfig)
	if err != nil {
		log.Fatalf("Failed to load scorer: %v", err)
	}

	queue := messaging.NewInMemoryQueue(queueCapacity)

	worker := core.NewTaskProcessor(requests, queue, queue.WorkReciever(), payloads, scorer, cfg.WorkerConcurrency, cfg.ScoreTimeout)

	hub := notify.NewHub(requests, notify.DefaultSessionBuffer)
	listener := notify.NewResultListener(hub, queue.ResultReciever())
	reaper := core.NewReaper(requests, payloads, cfg.ResultRetention, cfg.RetentionSweep)
	reaper.SetProcessingTimeout(cfg.ProcessingTimeout)
	reaper.SetPublisher(queue)
	submitter := core.NewSubmitter(requests, queue, payloads, cfg.MaxUploadBytes)

	service := api.NewBackendService(requests, submitter, reaper, hub)
	server := cmd.NewServer(cmd.NewRouter(service, "local"), fmt.Sprintf(":%d", cfg.Port))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting worker")
		worker.Start()
		return nil
	})

	g.Go(func() error {
		listener.Start()
		return nil
	})

	// Work items of an earlier run were lost with its in-memory queue. This
	// has to finish before uploads are accepted, and the worker is already
	// consuming so requeueing cannot fill the queue.
	if _, err := core.RecoverPending(gctx, requests, queue); err != nil {
		slog.Error("error recovering pending requests", "error", err)
	}

	g.Go(func() error {
		return reaper.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("server started", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %d: %w", cfg.Port, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		hub.Shutdown()
		err := server.Shutdown(shutdownCtx)

		slog.Info("shutting down worker")
		worker.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("backend stopped with error: %v", err)
	}

	slog.Info("server stopped")
}
