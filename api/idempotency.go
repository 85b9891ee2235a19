package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// IdempotencyHeader names the client-chosen key for a purchase attempt.
const IdempotencyHeader = "Idempotency-Key"

// maxIdempotentBody caps how much of a keyed request body is buffered.
const maxIdempotentBody = 1 << 20

// IdempotencyStore is a key/value store with an atomic claim.
type IdempotencyStore interface {
	// Reserve stores value under key only when key is absent and reports
	// whether it did.
	Reserve(ctx context.Context, key string, value []byte) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set overwrites key.
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// idempotencyRecord is what a key maps to: a pending claim while the first
// request runs, then its response.
type idempotencyRecord struct {
	Fingerprint string `json:"fingerprint"`
	Pending     bool   `json:"pending,omitempty"`
	Status      int    `json:"status,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Idempotency makes a keyed request run at most once.
//
// The key is claimed before the handler runs, so a duplicate that arrives
// while the first request is in flight gets 409 instead of running again.
// Once the first request finishes, duplicates replay its response. Reusing
// a key with a different request body is 422. Responses with status >= 500
// release the key so the client can retry. If the store cannot be reached
// the request is refused with 503 rather than run unprotected.
func Idempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid request body", err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := requestFingerprint(r, body)

			claim, _ := json.Marshal(idempotencyRecord{Fingerprint: fingerprint, Pending: true})
			reserved, err := store.Reserve(ctx, key, claim)
			if err != nil {
				logger.ErrorContext(ctx, "idempotency reserve failed", "key", key, "error", err)
				writeError(w, http.StatusServiceUnavailable, "Idempotency store unavailable", err)
				return
			}
			if !reserved {
				replayIdempotent(w, r, store, logger, key, fingerprint)
				return
			}

			// Context survives client disconnects so the claim is always settled.
			settleCtx := context.WithoutCancel(ctx)
			settled := false
			defer func() {
				if !settled {
					if err := store.Delete(settleCtx, key); err != nil {
						logger.WarnContext(ctx, "failed to release idempotency key", "key", key, "error", err)
					}
				}
			}()

			var buf bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}

			done, _ := json.Marshal(idempotencyRecord{Fingerprint: fingerprint, Status: status, Body: buf.Bytes()})
			if err := store.Set(settleCtx, key, done); err != nil {
				logger.ErrorContext(ctx, "failed to save idempotency key", "key", key, "error", err)
				return
			}
			settled = true
		})
	}
}

// replayIdempotent answers a request whose key is already claimed.
func replayIdempotent(w http.ResponseWriter, r *http.Request, store IdempotencyStore, logger *slog.Logger, key, fingerprint string) {
	ctx := r.Context()

	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		logger.ErrorContext(ctx, "idempotency lookup failed", "key", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Idempotency store unavailable", err)
		return
	}
	var rec idempotencyRecord
	if !ok || json.Unmarshal(raw, &rec) != nil {
		// Released between the claim attempt and the lookup.
		writeError(w, http.StatusConflict, "A request with this Idempotency-Key is in progress", nil)
		return
	}

	switch {
	case rec.Fingerprint != fingerprint:
		writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key was already used for a different request", nil)
	case rec.Pending:
		writeError(w, http.StatusConflict, "A request with this Idempotency-Key is in progress", nil)
	default:
		logger.InfoContext(ctx, "idempotency hit, replaying response", "key", key)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotency-Hit", "true")
		w.WriteHeader(rec.Status)
		_, _ = w.Write(rec.Body)
	}
}

func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
