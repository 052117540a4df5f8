package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/solucity-dev/solucity-sub000/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		ok      bool
		sampled bool
	}{
		{name: "decimal span sampled", header: "105445aa7843bc8bf206b12000100000/1;o=1", ok: true, sampled: true},
		{name: "hex span", header: "105445aa7843bc8bf206b12000100000/00f067aa0ba902b7;o=0", ok: true},
		{name: "no options", header: "105445aa7843bc8bf206b12000100000/123", ok: true},
		{name: "short trace", header: "abc/1;o=1"},
		{name: "zero span", header: "105445aa7843bc8bf206b12000100000/0;o=1"},
		{name: "garbage", header: "not-a-header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, ok := ParseCloudTraceContext(tt.header)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && sc.IsSampled() != tt.sampled {
				t.Fatalf("expected sampled=%v", tt.sampled)
			}
		})
	}
}

func TestFormatCloudTraceContextRoundTrip(t *testing.T) {
	sc, ok := ParseCloudTraceContext("105445aa7843bc8bf206b12000100000/4242;o=1")
	if !ok {
		t.Fatalf("expected parse success")
	}
	if got := FormatCloudTraceContext(sc); got != "105445aa7843bc8bf206b12000100000/4242;o=1" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var info requestctx.TraceInfo
	handler := TraceMiddleware("proj-1")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = requestctx.Trace(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(CloudTraceHeader, "105445aa7843bc8bf206b12000100000/7;o=1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// The global noop tracer propagates the remote span context unchanged.
	if info.TraceID != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected inbound trace id, got %q", info.TraceID)
	}
	if info.ProjectID != "proj-1" || !info.Sampled {
		t.Fatalf("unexpected trace info %+v", info)
	}
}
