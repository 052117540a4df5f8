package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/platform/httpx"
	"github.com/solucity-dev/solucity-sub000/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	build  services.BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the service backing /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs HealthHandlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthCheckPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type healthPayload struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	CommitSHA   string                        `json:"commitSha,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime"`
	Timestamp   string                        `json:"timestamp"`
	Checks      map[string]healthCheckPayload `json:"checks,omitempty"`
	Details     []string                      `json:"details,omitempty"`
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthPayload{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz probes dependencies. It answers 503 only when a check reports an error.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}
	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("unavailable", "health report unavailable", http.StatusServiceUnavailable))
		return
	}

	payload := healthPayload{
		Status:      report.Status,
		Version:     firstNonEmpty(report.Version, h.build.Version),
		CommitSHA:   firstNonEmpty(report.CommitSHA, h.build.CommitSHA),
		Environment: firstNonEmpty(report.Environment, h.build.Environment),
		Uptime:      report.Uptime.Round(time.Second).String(),
		Timestamp:   h.clock().UTC().Format(time.RFC3339),
		Checks:      make(map[string]healthCheckPayload, len(report.Checks)),
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		item := healthCheckPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMs: check.Latency.Milliseconds(),
		}
		if !check.CheckedAt.IsZero() {
			item.CheckedAt = check.CheckedAt.UTC().Format(time.RFC3339)
		}
		payload.Checks[name] = item
		if check.Status != domain.HealthStatusOK {
			reason := firstNonEmpty(check.Error, check.Detail, check.Status)
			payload.Details = append(payload.Details, fmt.Sprintf("%s: %s", name, reason))
		}
	}

	// a degraded dependency (slow event sink, expiry backlog) keeps the instance in rotation
	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
