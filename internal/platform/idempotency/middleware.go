package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solucity-dev/solucity-sub000/internal/platform/auth"
	"github.com/solucity-dev/solucity-sub000/internal/platform/httpx"
	"github.com/solucity-dev/solucity-sub000/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	// ReplayHeader marks a response served from the store.
	ReplayHeader = "Idempotent-Replayed"
	maxKeyLength = 255
)

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	clock      func() time.Time
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL sets how long completed responses stay replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware guards POST requests that carry the idempotency header. Requests without the header
// pass through untouched since order commands already converge on retry. Keys are scoped to the
// authenticated caller. Responses with status 5xx are not stored so the client can retry.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := middlewareConfig{headerName: defaultHeaderName, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "idempotency key too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "unable to read request body", http.StatusBadRequest))
				return
			}

			caller := requester(ctx)
			scoped := caller + "|" + key
			fingerprint := sha256Hex([]byte(r.Method + "|" + r.URL.Path + "|" + r.URL.RawQuery + "|" + caller + "|" + sha256Hex(body)))
			logger := requestctx.Logger(ctx).With(zap.String("idempotency_key", key))

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
				return
			case err != nil:
				logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				replay(w, reservation.Record)
				return
			case ReservationStatePending:
				w.Header().Set("Retry-After", "1")
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			recorder := &bufferedWriter{header: make(http.Header)}
			completed := false
			defer func() {
				if !completed {
					if err := store.Release(context.WithoutCancel(ctx), scoped); err != nil {
						logger.Warn("idempotency release failed", zap.Error(err))
					}
				}
			}()

			next.ServeHTTP(recorder, r)

			status := recorder.statusCode()
			if status < http.StatusInternalServerError {
				resp := Response{Status: status, Headers: recorder.header, Body: recorder.body.Bytes()}
				if err := store.Complete(context.WithoutCancel(ctx), scoped, fingerprint, resp, cfg.clock(), cfg.ttl); err != nil {
					logger.Warn("idempotency persist failed", zap.Error(err))
				} else {
					completed = true
				}
			}
			recorder.flushTo(w)
		})
	}
}

func requester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	if caller, ok := auth.CallerIdentityFromContext(ctx); ok && caller.Subject != "" {
		return "svc:" + caller.Subject
	}
	return "anonymous"
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

// bufferedWriter holds the handler response until it has been persisted.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}
