// Package server exposes the Evolution webhook, the tenant cadence admin API,
// health and Prometheus metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/cadence"
	"github.com/spigell/wa-interviewer/internal/metrics"
	"github.com/spigell/wa-interviewer/internal/phone"
	"github.com/spigell/wa-interviewer/internal/transport"
)

const (
	defaultHandleTimeout = 5 * time.Minute
	maxWebhookBody       = 16 << 20
)

type InboundHandler interface {
	HandleInboundMessage(ctx context.Context, msg transport.Message) error
}

type SlotLookup interface {
	Lookup(handle string) (transport.Slot, bool)
}

// Cadence is the tenant-facing control surface of the distributor.
type Cadence interface {
	ActivateImmediateCadence(ctx context.Context, triggeringPhone, tenantID string) error
	DistributeCandidates(ctx context.Context, tenantID string, phones []string) error
	ConfigureCadence(tenantID string, cfg cadence.Config) error
	Config(tenantID string, immediate bool) cadence.Config
	StopCadence(tenantID string) bool
	GetStats(tenantID string) cadence.Stats
}

type Options struct {
	Inbound InboundHandler
	Slots   SlotLookup
	Cadence Cadence
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Metrics        metrics.Recorder
	Logger         *zap.Logger

	// CountryCodes maps tenant ids to the country code used for their phones.
	CountryCodes       map[string]string
	DefaultCountryCode string
	// HandleTimeout bounds one inbound event, AI calls included.
	HandleTimeout time.Duration
}

// Server dispatches every webhook event on its own goroutine and tracks them
// for Drain.
type Server struct {
	inbound        InboundHandler
	slots          SlotLookup
	cadence        Cadence
	metricsHandler http.Handler
	metrics        metrics.Recorder
	logger         *zap.Logger
	countryCodes   map[string]string
	defaultCC      string
	handleTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	switch {
	case opts.Inbound == nil:
		return nil, errors.New("inbound handler is required")
	case opts.Slots == nil:
		return nil, errors.New("slot lookup is required")
	case opts.Cadence == nil:
		return nil, errors.New("cadence is required")
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.DefaultCountryCode == "" {
		opts.DefaultCountryCode = phone.DefaultCountryCode
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = defaultHandleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		inbound:        opts.Inbound,
		slots:          opts.Slots,
		cadence:        opts.Cadence,
		metricsHandler: opts.MetricsHandler,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		countryCodes:   opts.CountryCodes,
		defaultCC:      opts.DefaultCountryCode,
		handleTimeout:  opts.HandleTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /webhook/evolution", s.handleWebhook)
	// Evolution can append the event name when "webhook by events" is enabled.
	mux.HandleFunc("POST /webhook/evolution/{event}", s.handleWebhook)

	mux.HandleFunc("GET /admin/tenants/{tenant}/cadence", s.handleCadenceStats)
	mux.HandleFunc("POST /admin/tenants/{tenant}/cadence", s.handleCadenceStart)
	mux.HandleFunc("DELETE /admin/tenants/{tenant}/cadence", s.handleCadenceStop)
	mux.HandleFunc("GET /admin/tenants/{tenant}/cadence/config", s.handleCadenceConfigGet)
	mux.HandleFunc("PUT /admin/tenants/{tenant}/cadence/config", s.handleCadenceConfigPut)

	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	return withLogging(s.logger, mux)
}

// Drain waits for dispatched events until ctx expires, then cancels the rest.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Server) countryCode(tenantID string) string {
	if cc, ok := s.countryCodes[tenantID]; ok && cc != "" {
		return cc
	}
	return s.defaultCC
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if strings.HasPrefix(r.URL.Path, "/metrics") || r.URL.Path == "/healthz" {
			return
		}
		log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}
