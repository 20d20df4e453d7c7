package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vaxllo/calls"
	"vaxllo/classify"
	"vaxllo/gemini"
	"vaxllo/telnyx"
)

const shutdownTimeout = 30 * time.Second

// ServerState holds the running server components
type ServerState struct {
	db         *DB
	registry   *calls.Registry
	classifier *classify.Classifier
	feed       *FeedHub
	webhook    *WebhookServer
	logger     *slog.Logger
	running    bool
}

var serverState *ServerState
var serverMu sync.Mutex

// StartServer wires the call pipeline and starts the webhook server.
func StartServer(ctx context.Context, config *Config, logger *slog.Logger) error {
	serverMu.Lock()
	defer serverMu.Unlock()

	if serverState != nil && serverState.running {
		return fmt.Errorf("server already running")
	}
	if err := config.ValidateForServe(); err != nil {
		return err
	}

	logger.Info("starting vaxllo receptionist")

	db, err := InitDB(ctx, config.DatabaseDriver, config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("database initialized", "driver", config.DatabaseDriver)

	notifier, err := NewNotifier(config.TelegramBotToken, logger)
	if err != nil {
		db.Close()
		return err
	}
	var notify callNotifier
	if notifier != nil {
		notify = notifier
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, owners will not be notified")
	}

	gen, err := gemini.New(ctx, gemini.Config{APIKey: config.GeminiAPIKey, Model: config.GeminiModel})
	if err != nil {
		db.Close()
		return err
	}

	var verifier *telnyx.Verifier
	if config.TelnyxPublicKey != "" {
		verifier, err = telnyx.NewVerifier(config.TelnyxPublicKey)
		if err != nil {
			db.Close()
			return fmt.Errorf("invalid TELNYX_PUBLIC_KEY: %w", err)
		}
	} else {
		logger.Warn("TELNYX_PUBLIC_KEY not set, webhook signatures are not verified")
	}

	feed := NewFeedHub(config.AllowedOrigins, logger)
	records := newRecordFanout(db, notify, feed, logger)
	classifier := classify.New(config.Classify, gen, records, logger)

	registry := calls.NewRegistry(calls.WithRegistryLogger(logger))
	gateway := telnyx.NewClient(config.TelnyxAPIKey, config.TelnyxAPIBase, nil)
	orchestrator := calls.NewOrchestrator(config.Call, registry, db, gateway, gen, classifier, logger)
	orchestrator.Observe(feed.PublishActivity)
	router := calls.NewRouter(registry, orchestrator, logger)

	state := &ServerState{
		db:         db,
		registry:   registry,
		classifier: classifier,
		feed:       feed,
		webhook:    NewWebhookServer(config, router, verifier, feed, logger),
		logger:     logger,
		running:    true,
	}

	go func() {
		if err := state.webhook.Start(); err != nil {
			logger.Error("webhook server error", "err", err)
		}
	}()

	serverState = state
	return nil
}

// StopServer shuts down in dependency order: no new webhooks, finish every
// call lane, drain classification, close the database.
func StopServer() {
	serverMu.Lock()
	defer serverMu.Unlock()

	if serverState == nil || !serverState.running {
		return
	}
	s := serverState
	s.logger.Info("stopping vaxllo")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.webhook.Shutdown(ctx); err != nil {
		s.logger.Warn("webhook shutdown", "err", err)
	}

	lanes := make(chan struct{})
	go func() {
		s.registry.Wait()
		close(lanes)
	}()
	select {
	case <-lanes:
	case <-ctx.Done():
		s.logger.Warn("call lanes still busy at shutdown", "sessions", s.registry.Len())
	}

	if err := s.classifier.Close(ctx); err != nil {
		s.logger.Warn("classifier shutdown", "err", err)
	}
	s.feed.Close()

	if err := s.db.Close(); err != nil {
		s.logger.Warn("database close", "err", err)
	}

	s.running = false
	serverState = nil
	s.logger.Info("vaxllo shutdown complete")
}

// WaitForShutdown blocks until a shutdown signal is received
func WaitForShutdown(logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", "signal", sig.String())
}
