package observability

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/solucity-dev/solucity-sub000/internal/platform/requestctx"
)

// CloudTraceHeader is the propagation header set by Google front ends.
const CloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/solucity-dev/solucity-sub000/internal/platform/observability")

// TraceMiddleware continues a Cloud Trace context when present, starts a server span and
// stores the resulting ids on the request context.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if remote, ok := ParseCloudTraceContext(r.Header.Get(CloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("server.address", r.Host),
				),
			)
			defer span.End()

			sc := span.SpanContext()
			info := requestctx.TraceInfo{ProjectID: projectID, Sampled: sc.IsSampled()}
			if sc.HasTraceID() {
				info.TraceID = sc.TraceID().String()
			}
			if sc.HasSpanID() {
				info.SpanID = sc.SpanID().String()
			}
			if header := FormatCloudTraceContext(sc); header != "" {
				w.Header().Set(CloudTraceHeader, header)
			}
			next.ServeHTTP(w, r.WithContext(requestctx.WithTrace(ctx, info)))
		})
	}
}

// ParseCloudTraceContext reads "TRACE_ID/SPAN_ID;o=OPTIONS". SPAN_ID is decimal per the header
// format; a 16 character hex value is also accepted.
func ParseCloudTraceContext(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	traceHex, rest, ok := strings.Cut(header, "/")
	if !ok || len(traceHex) != 32 {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(strings.ToLower(traceHex))
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(strings.TrimSpace(spanPart))
	if !ok {
		return trace.SpanContext{}, false
	}
	var flags trace.TraceFlags
	if strings.TrimSpace(options) == "o=1" {
		flags = trace.FlagsSampled
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

func parseSpanID(value string) (trace.SpanID, bool) {
	if n, err := strconv.ParseUint(value, 10, 64); err == nil && n != 0 {
		var id trace.SpanID
		binary.BigEndian.PutUint64(id[:], n)
		return id, true
	}
	if len(value) == 16 {
		if id, err := trace.SpanIDFromHex(strings.ToLower(value)); err == nil {
			return id, true
		}
	}
	return trace.SpanID{}, false
}

// FormatCloudTraceContext renders sc in the Cloud Trace header format with a decimal span id.
func FormatCloudTraceContext(sc trace.SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	spanID := sc.SpanID()
	option := 0
	if sc.IsSampled() {
		option = 1
	}
	return fmt.Sprintf("%s/%d;o=%d", sc.TraceID().String(), binary.BigEndian.Uint64(spanID[:]), option)
}
