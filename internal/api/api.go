// Package api provides the HTTP server for FlowPipe.
//
// It accepts normalized inbound events, receives payment provider callbacks
// and the Twilio webhook, and exposes operator endpoints for conversation
// state, staff interventions and flow definitions.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flowdef"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Constants for API server configuration
const (
	// DefaultAddr is the default listen address
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps request bodies
	maxBodyBytes = 1 << 20
)

// EventProcessor runs inbound events and payment outcomes through the flows.
type EventProcessor interface {
	Process(ctx context.Context, ev models.InboundEvent) ([]models.OutputAction, error)
	HandlePaymentOutcome(ctx context.Context, reference string, status models.PaymentStatus) error
}

// FlowReloader reloads flow definitions and reports the problems found.
type FlowReloader func(ctx context.Context) ([]*flowdef.ConfigError, error)

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
	Reload        FlowReloader
	CallbackToken string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts h at POST /webhook/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithFlowReloader enables POST /flows/reload.
func WithFlowReloader(fn FlowReloader) Option {
	return func(o *Opts) { o.Reload = fn }
}

// WithCallbackToken requires payment callbacks to carry this bearer token.
func WithCallbackToken(token string) Option {
	return func(o *Opts) { o.CallbackToken = token }
}

// Server is the FlowPipe HTTP API.
type Server struct {
	processor EventProcessor
	st        store.Store
	registry  *flowdef.Registry
	opts      Opts
	mux       *http.ServeMux
}

// NewServer builds the server and its routes.
func NewServer(processor EventProcessor, st store.Store, registry *flowdef.Registry, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{processor: processor, st: st, registry: registry, opts: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("POST /events", s.eventsHandler)
	s.mux.HandleFunc("GET /contacts/{id}", s.getContactHandler)
	s.mux.HandleFunc("GET /contacts/{id}/state", s.getStateHandler)
	s.mux.HandleFunc("DELETE /contacts/{id}/state", s.deleteStateHandler)
	s.mux.HandleFunc("GET /interventions", s.listInterventionsHandler)
	s.mux.HandleFunc("POST /interventions/{id}/resolve", s.resolveInterventionHandler)
	s.mux.HandleFunc("GET /flows", s.listFlowsHandler)
	s.mux.HandleFunc("GET /flows/{name}", s.getFlowHandler)
	s.mux.HandleFunc("POST /flows/reload", s.reloadFlowsHandler)
	s.mux.HandleFunc("POST /payments/callback", s.paymentCallbackHandler)
	if s.opts.TwilioWebhook != nil {
		s.mux.HandleFunc("POST /webhook/twilio", s.opts.TwilioWebhook)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
