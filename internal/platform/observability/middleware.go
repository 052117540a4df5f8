package observability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/solucity-dev/solucity-sub000/internal/platform/auth"
	"github.com/solucity-dev/solucity-sub000/internal/platform/httpx"
	"github.com/solucity-dev/solucity-sub000/internal/platform/requestctx"
)

// InjectLoggerMiddleware stores logger on the request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware derives a per-request logger and logs one completion line per request.
// Must run after TraceMiddleware and chi's RequestID so both ids are available.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)
			logger := requestctx.Logger(ctx).With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", clean(r.Method, 10)),
				zap.String("path", clean(r.URL.Path, 180)),
				zap.String("trace_id", info.TraceID),
			)
			if projectID != "" && info.TraceID != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace", fmt.Sprintf("projects/%s/traces/%s", projectID, info.TraceID)))
			}
			if ip := remoteIP(r); ip != "" {
				logger = logger.With(zap.String("remote_ip", ip))
			}

			holder := &actorHolder{}
			ctx = withActorHolder(requestctx.WithLogger(ctx, logger), holder)
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			defer func() {
				status := recorder.status
				if rec := recover(); rec != nil {
					status = http.StatusInternalServerError
					annotate(ctx, r, status)
					logger.Error("request completed", completionFields(r, holder, status, start, recorder.bytes)...)
					panic(rec)
				}
				annotate(ctx, r, status)
				fields := completionFields(r, holder, status, start, recorder.bytes)
				switch {
				case status >= http.StatusInternalServerError:
					logger.Error("request completed", fields...)
				case status >= http.StatusBadRequest:
					logger.Warn("request completed", fields...)
				default:
					logger.Info("request completed", fields...)
				}
			}()

			next.ServeHTTP(recorder, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware turns panics into a 500 JSON envelope after logging the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				ctx := r.Context()
				logger := fallback
				if requestctx.HasLogger(ctx) {
					logger = requestctx.Logger(ctx)
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(ctx, w, httpx.NewError("internal", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// actorHolder lets the logger see the identity resolved by auth middleware further down the chain.
type actorHolder struct {
	identity *auth.Identity
}

type actorHolderKey struct{}

func withActorHolder(ctx context.Context, holder *actorHolder) context.Context {
	return context.WithValue(ctx, actorHolderKey{}, holder)
}

// CaptureIdentity records the authenticated identity for the request log line. Mount it after
// the auth middleware.
func CaptureIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if holder, ok := r.Context().Value(actorHolderKey{}).(*actorHolder); ok {
			if identity, ok := auth.IdentityFromContext(r.Context()); ok {
				holder.identity = identity
			}
		}
		next.ServeHTTP(w, r)
	})
}

func completionFields(r *http.Request, holder *actorHolder, status int, start time.Time, bytes int64) []zap.Field {
	fields := []zap.Field{
		zap.String("route", routePattern(r)),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(start)),
		zap.Int64("bytes", bytes),
	}
	if holder != nil && holder.identity != nil {
		fields = append(fields,
			zap.String("user_id", clean(holder.identity.UID, 64)),
			zap.Strings("roles", holder.identity.Roles),
		)
	}
	return fields
}

func annotate(ctx context.Context, r *http.Request, status int) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(routePattern(r)))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return clean(pattern, 180)
		}
	}
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return clean(r.URL.Path, 180)
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clean(addr, 64)
}

// clean strips control characters and clips to limit runes to keep log lines single-line.
func clean(value string, limit int) string {
	out := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return string(out)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}
