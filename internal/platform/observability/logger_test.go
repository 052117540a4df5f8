package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/solucity-dev/solucity-sub000/internal/platform/auth"
	"github.com/solucity-dev/solucity-sub000/internal/platform/requestctx"
)

func TestEventLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logFn := EventLogger(zap.New(core))

	logFn(context.Background(), "order.accept.applied", map[string]any{"orderId": "ord-1", "version": 2})
	logFn(context.Background(), "order.publish.failed", map[string]any{"error": errors.New("boom"), "after": time.Second})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].ContextMap()["orderId"] != "ord-1" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["error"] != "boom" {
		t.Fatalf("unexpected second entry %+v", entries[1].ContextMap())
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	logFn := EventLogger(zap.New(baseCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	logFn(ctx, "order.created", nil)

	if baseLogs.Len() != 0 || reqLogs.Len() != 1 {
		t.Fatalf("expected request logger to receive the event (base=%d req=%d)", baseLogs.Len(), reqLogs.Len())
	}
}

func TestRequestLoggerMiddlewareLogsIdentity(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	identity := &auth.Identity{UID: "cust-1", Roles: []string{auth.RoleCustomer}}

	inner := CaptureIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	withIdentity := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
	handler := InjectLoggerMiddleware(zap.New(core))(RequestLoggerMiddleware("")(withIdentity))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/orders/o1/accept", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if entries[0].Level != zapcore.WarnLevel || fields["status"] != int64(http.StatusConflict) {
		t.Fatalf("unexpected entry level=%s fields=%v", entries[0].Level, fields)
	}
	if fields["user_id"] != "cust-1" {
		t.Fatalf("expected user_id logged, got %v", fields)
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}
