package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gmarconi/deckflow/internal/config"
	"github.com/gmarconi/deckflow/internal/events"
	"github.com/gmarconi/deckflow/internal/generator"
	"github.com/gmarconi/deckflow/internal/httpapi"
	"github.com/gmarconi/deckflow/internal/hub"
	"github.com/gmarconi/deckflow/internal/manus"
	"github.com/gmarconi/deckflow/internal/observability"
	"github.com/gmarconi/deckflow/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	ctx := context.Background()
	store, err := tasks.NewStore(ctx, cfg.DatabaseURL, cfg.TasksFile)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	defer store.Close()
	log.Printf("task store: %s", store.Mode())

	client, err := manus.NewClient(cfg.ManusBaseURL, cfg.ManusAPIKey)
	if err != nil {
		log.Fatalf("manus client init failed: %v", err)
	}

	h := hub.New()
	h.SetChangeHook(func() {
		metrics.ActiveConnections.Set(float64(h.ActiveCount()))
		metrics.TaskSubscriptions.Set(float64(h.SubscriberCount()))
	})

	gen := generator.NewService(client, store, h, metrics, generator.Options{
		OutputDir:    cfg.OutputDir,
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		Poll:         !cfg.WebhookEnabled,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	adapter := events.NewAdapter(h, store, gen, metrics, cfg.EventQueueSize)
	adapter.Start(runCtx)

	api := httpapi.New(cfg, h, store, gen, adapter, client, metrics)

	var webhookID string
	if cfg.WebhookEnabled {
		webhookID, err = client.RegisterWebhook(ctx, cfg.WebhookURL())
		if err != nil {
			// Keep serving; the webhook may already be registered out of
			// band, and task status still flows through the callbacks.
			log.Printf("webhook registration failed: %v", err)
		} else {
			api.SetWebhookID(webhookID)
		}
	} else {
		log.Printf("webhook delivery disabled, falling back to status polling")
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if webhookID != "" {
		if err := client.UnregisterWebhook(shutdownCtx, webhookID); err != nil {
			log.Printf("webhook unregister failed: %v", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
