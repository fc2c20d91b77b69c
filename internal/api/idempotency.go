package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/tinyplat/idemgate/internal/idempotency"
	"github.com/tinyplat/idemgate/pkg/httpx"
)

const (
	idempotencyHeader = "Idempotency-Key"
	tenantHeader      = "X-Tenant-ID"
)

// FailureMode decides what happens to the claim when the wrapped handler
// fails (5xx): release it so the next retry can execute immediately, or cache
// the error response so retries replay it instead of hammering a failing
// downstream.
type FailureMode string

const (
	FailureRelease FailureMode = "release"
	FailureCache   FailureMode = "cache"
)

func ParseFailureMode(value string) (FailureMode, error) {
	switch FailureMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", FailureRelease:
		return FailureRelease, nil
	case FailureCache:
		return FailureCache, nil
	default:
		return "", errors.New("failure mode must be release or cache")
	}
}

// cachedResponse is the envelope persisted as the coordinator's opaque
// payload. The coordinator never interprets it.
type cachedResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// withIdempotency wraps a handler with the caller contract. Requests without
// an Idempotency-Key header pass straight through. Completion and release run
// on a detached context: once the business side effect happened, a client
// disconnect must not keep it out of the cache.
func (s *Server) withIdempotency(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if clientKey == "" {
			next(w, r)
			return
		}

		meta := metaFromContext(r.Context())
		if meta != nil {
			meta.scope = scope
		}

		tenantID := strings.TrimSpace(r.Header.Get(tenantHeader))
		storageKey, err := idempotency.StorageKey(tenantID, scope, clientKey)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_idempotency_key", err.Error())
			return
		}

		verdict, err := s.coordinator.Acquire(r.Context(), storageKey)
		if err != nil {
			// Fail closed: executing without a claim could run the
			// operation twice.
			s.logger.Printf("api: idempotency acquire failed for scope %s: %v", scope, err)
			httpx.WriteError(w, http.StatusServiceUnavailable, "idempotency_unavailable", "idempotency backend unavailable")
			return
		}
		if meta != nil {
			meta.verdict = string(verdict.Kind)
		}

		switch verdict.Kind {
		case idempotency.VerdictCompleted:
			s.replayCachedResponse(w, verdict.Payload)
			return
		case idempotency.VerdictInProgress:
			httpx.WriteError(w, http.StatusConflict, "request_in_progress",
				"another request with this idempotency key is still in progress")
			return
		}

		rec := httptest.NewRecorder()
		next(rec, r)

		result := rec.Result()
		defer result.Body.Close()
		body, _ := io.ReadAll(result.Body)

		if result.StatusCode >= http.StatusInternalServerError && s.failureMode == FailureRelease {
			if err := s.coordinator.Release(context.Background(), storageKey, verdict.OwnerToken); err != nil {
				s.logger.Printf("api: idempotency release failed for scope %s: %v", scope, err)
			}
		} else {
			payload, err := json.Marshal(cachedResponse{
				StatusCode:  result.StatusCode,
				ContentType: result.Header.Get("Content-Type"),
				Body:        bytes.Clone(body),
			})
			if err == nil {
				err = s.coordinator.Complete(context.Background(), storageKey, verdict.OwnerToken, payload)
			}
			if err != nil {
				// The response still goes out; only replay is lost. An
				// owner mismatch means the claim expired mid-flight and the
				// outcome now belongs to whoever reclaimed the key.
				s.logger.Printf("api: idempotency complete failed for scope %s: %v", scope, err)
			}
		}

		copyResponse(w, result.Header, result.StatusCode, body)
	}
}

func (s *Server) replayCachedResponse(w http.ResponseWriter, payload []byte) {
	var cached cachedResponse
	if err := json.Unmarshal(payload, &cached); err != nil {
		s.logger.Printf("api: corrupt cached response: %v", err)
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_corrupt", "cached response could not be decoded")
		return
	}
	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	status := cached.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(cached.Body)
}

func copyResponse(w http.ResponseWriter, header http.Header, status int, body []byte) {
	for key, values := range header {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
