// Package server is the local HTTP surface of the daemon: notification ingest,
// rule management, the pending queue, background runs, the device socket and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/neboloop/vox/internal/agent/orchestrator"
	"github.com/neboloop/vox/internal/agent/triage"
	"github.com/neboloop/vox/internal/agent/uiauto"
	"github.com/neboloop/vox/internal/delivery"
	"github.com/neboloop/vox/internal/logging"
	"github.com/neboloop/vox/internal/voice"
)

// Deps are the components the routes serve. Automation, Device, Session and
// Gatherer may be nil; their routes then answer 503 or fall back to defaults.
type Deps struct {
	Queue      *delivery.Queue
	Rules      *triage.Store
	Triage     *triage.Agent
	Agents     *orchestrator.Orchestrator
	Automation *uiauto.Agent
	Device     http.Handler
	Session    *voice.Session
	Gatherer   prometheus.Gatherer
	// Quiet disables per-request logging.
	Quiet bool
}

type server struct {
	Deps
	log *zap.SugaredLogger
}

// Handler builds the router.
func Handler(d Deps) http.Handler {
	s := &server{Deps: d, log: logging.Named("http")}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	if !d.Quiet {
		r.Use(s.requestLogger)
	}
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		if d.Device != nil {
			r.Get("/device", d.Device.ServeHTTP)
		}
		r.Post("/notifications", s.ingestNotification)

		r.Get("/pending", s.peekPending)
		r.Post("/pending/drain", s.drainPending)

		r.Get("/rules", s.listRules)
		r.Post("/rules", s.createRule)
		r.Put("/rules/order", s.reorderRules)
		r.Get("/rules/{id}", s.getRule)
		r.Put("/rules/{id}", s.updateRule)
		r.Patch("/rules/{id}", s.setRuleEnabled)
		r.Delete("/rules/{id}", s.deleteRule)
		r.Get("/sources", s.listSources)

		r.Post("/automation", s.startAutomation)

		r.Get("/agents", s.listAgents)
		r.Get("/agents/{id}", s.getAgent)
		r.Delete("/agents/{id}", s.cancelAgent)

		r.Get("/session", s.sessionState)
		r.Post("/session/text", s.sessionText)
		r.Post("/session/mic", s.sessionMic)
		r.Delete("/session/history", s.clearHistory)
	})
	return r
}

func (s *server) metricsHandler() http.Handler {
	if s.Gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()))
	})
}

// Run serves h on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return Serve(ctx, ln, h)
}

// Serve is Run on an existing listener.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	// No read/write timeouts: they would cut the hijacked device socket.
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log := logging.Named("http")
	log.Infof("listening on http://%s", ln.Addr())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errc
	return err
}
