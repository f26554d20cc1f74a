package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"assetescrow/gateway/middleware"
	"assetescrow/observability/auditlog"
)

const headerIdempotencyKey = "Idempotency-Key"

// idempotent replays the cached response when a caller repeats a mutation
// with the same Idempotency-Key. The key is reserved before the handler runs,
// so a concurrent duplicate is refused instead of executing twice. Only
// successful responses are cached; any other outcome releases the key. The
// header is optional; requests without it run normally.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" || s.audit == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := readRequestBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		who := strings.ToLower(caller(r).Hex())
		requestHash := hashRequest(r.Method, r.URL.Path, body)
		cached, err := s.audit.ReserveIdempotency(r.Context(), who, key, requestHash)
		switch {
		case errors.Is(err, auditlog.ErrIdempotencyMismatch), errors.Is(err, auditlog.ErrIdempotencyInProgress):
			writeError(w, http.StatusConflict, err)
			return
		case err != nil:
			s.logger.Error("idempotency lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("idempotency store unavailable"))
			return
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		settleCtx := context.WithoutCancel(r.Context())
		saved := false
		defer func() {
			if saved {
				return
			}
			if err := s.audit.ReleaseIdempotency(settleCtx, who, key); err != nil {
				s.logger.Warn("idempotency release failed", "request_id", middleware.RequestIDFromContext(r.Context()), "error", err)
			}
		}()
		capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status < 200 || capture.status >= 300 {
			return
		}
		if err := s.audit.SaveIdempotency(settleCtx, who, key, requestHash, capture.status, capture.body.Bytes()); err != nil {
			s.logger.Warn("idempotency save failed", "request_id", middleware.RequestIDFromContext(r.Context()), "error", err)
			return
		}
		saved = true
	})
}

type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *responseCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
