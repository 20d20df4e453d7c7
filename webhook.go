package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vaxllo/calls"
	"vaxllo/telnyx"
)

// hangupTeXML tells Telnyx to drop a call we could not make sense of.
const hangupTeXML = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`

// eventRouter is the part of calls.Router the webhook needs.
type eventRouter interface {
	Route(ev calls.Event) error
}

// WebhookServer receives Telnyx Call Control webhooks and serves the live feed.
type WebhookServer struct {
	router   eventRouter
	seen     *calls.RecentIDs
	verifier *telnyx.Verifier
	feed     *FeedHub
	limiter  *RateLimiter
	config   *Config
	logger   *slog.Logger
	server   *http.Server
}

// NewWebhookServer creates a new webhook server. verifier and feed may be nil.
func NewWebhookServer(config *Config, router eventRouter, verifier *telnyx.Verifier, feed *FeedHub, logger *slog.Logger) *WebhookServer {
	w := &WebhookServer{
		router:   router,
		seen:     calls.NewRecentIDs(10 * time.Minute),
		verifier: verifier,
		feed:     feed,
		limiter:  NewRateLimiter(config.FeedRPS, config.FeedBurst),
		config:   config,
		logger:   logger.With("component", "webhook"),
	}
	w.server = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return w
}

// Handler builds the route table.
func (w *WebhookServer) Handler() http.Handler {
	mux := http.NewServeMux()
	recoverer := recoverMiddleware(w.logger)

	mux.Handle("POST /webhooks/telnyx", otelhttp.NewHandler(chainMiddleware(w.handleTelnyx,
		recoverer,
		maxBodyMiddleware(w.config.MaxBodyBytes),
		telnyxSignatureMiddleware(w.verifier, w.logger),
	), "telnyx.webhook"))
	mux.HandleFunc("GET /health", w.handleHealth)

	// The feed hijacks its connection, so it stays outside the HTTP instrumentation.
	if w.feed != nil {
		mux.HandleFunc("GET /feed", chainMiddleware(w.feed.HandleWebSocket,
			recoverer,
			w.limiter.Middleware,
			wsAuthMiddleware(w.config.FeedToken, w.config.AllowedOrigins),
		))
	}

	return mux
}

// Start serves until Shutdown is called.
func (w *WebhookServer) Start() error {
	addr := fmt.Sprintf(":%d", w.config.WebhookPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return w.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (w *WebhookServer) Serve(ln net.Listener) error {
	w.logger.Info("webhook server starting", "addr", ln.Addr().String())
	if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting webhooks and waits for in-flight requests.
func (w *WebhookServer) Shutdown(ctx context.Context) error {
	w.limiter.Stop()
	return w.server.Shutdown(ctx)
}

func (w *WebhookServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("OK"))
}

func (w *WebhookServer) handleTelnyx(rw http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rw.Header().Set("X-Request-ID", requestID)
	log := w.logger.With("request_id", requestID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(rw, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	ev, err := telnyx.DecodeEvent(body)
	if err != nil {
		log.Warn("undecodable telnyx webhook", "err", err)
		w.rejectCall(rw)
		return
	}
	log = log.With("event_type", ev.Type, "call_control_id", ev.Token)

	if w.seen.Seen(ev.ID) {
		log.Debug("duplicate webhook delivery", "event_id", ev.ID)
		w.acknowledge(rw)
		return
	}

	if err := w.router.Route(ev); err != nil {
		// A rejected delivery is answered the same way when it comes again.
		w.seen.Forget(ev.ID)
		log.Warn("webhook event rejected", "err", err)
		if errors.Is(err, calls.ErrMalformedEvent) {
			w.rejectCall(rw)
			return
		}
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	log.Debug("webhook event accepted", "kind", ev.Kind.String())
	w.acknowledge(rw)
}

func (w *WebhookServer) acknowledge(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte(`{"received":true}`))
}

func (w *WebhookServer) rejectCall(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/xml")
	rw.WriteHeader(http.StatusBadRequest)
	rw.Write([]byte(hangupTeXML))
}
