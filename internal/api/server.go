// Package api is the reference HTTP layer in front of the idempotency
// coordinator. It implements the caller contract: extract the client key and
// tenant, acquire before executing a handler, replay cached responses, and
// surface conflicts for in-flight duplicates. The coordinator itself knows
// nothing about HTTP.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/tinyplat/idemgate/internal/idempotency"
	"github.com/tinyplat/idemgate/internal/reqlog"
	"github.com/tinyplat/idemgate/pkg/httpx"
)

type Server struct {
	coordinator *idempotency.Coordinator
	recorder    *reqlog.Recorder
	validate    *validator.Validate
	failureMode FailureMode
	logger      *log.Logger
}

func NewServer(coordinator *idempotency.Coordinator, recorder *reqlog.Recorder, failureMode FailureMode, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if failureMode == "" {
		failureMode = FailureRelease
	}
	return &Server{
		coordinator: coordinator,
		recorder:    recorder,
		validate:    validator.New(),
		failureMode: failureMode,
		logger:      logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/orders", s.withIdempotency("orders:create", s.handleCreateOrder))
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestMeta is filled in by the idempotency middleware so the request-log
// entry can carry the scope and verdict of the dedup decision.
type requestMeta struct {
	scope   string
	verdict string
}

type requestMetaKey struct{}

func metaFromContext(ctx context.Context) *requestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(*requestMeta)
	return meta
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.recorder == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		meta := &requestMeta{}
		r = r.WithContext(context.WithValue(r.Context(), requestMetaKey{}, meta))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.recorder.Record(reqlog.Entry{
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     ww.Status(),
			TenantID:   r.Header.Get(tenantHeader),
			Scope:      meta.scope,
			Verdict:    meta.verdict,
			DurationMS: time.Since(start).Milliseconds(),
			CreatedAt:  start.UTC(),
		})
	})
}
