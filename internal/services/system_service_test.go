package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

func storeOnly(status string) *stubHealthRepository {
	return &stubHealthRepository{report: domain.SystemHealthReport{
		Status: status,
		Checks: map[string]domain.SystemHealthCheck{"store": {Status: status}},
	}}
}

func TestNewSystemServiceRequiresRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error when repository missing")
	}
}

func TestSystemServiceFillsBuildMetadata(t *testing.T) {
	start := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: storeOnly(domain.HealthStatusOK),
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "0.4.0", CommitSHA: "f00d", Environment: "staging", StartedAt: start},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Version != "0.4.0" || report.CommitSHA != "f00d" || report.Environment != "staging" {
		t.Fatalf("unexpected build metadata %+v", report)
	}
	if report.Uptime != 90*time.Second {
		t.Fatalf("expected uptime 90s, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
	if _, ok := report.Checks[backlogCheckName]; ok {
		t.Fatalf("backlog check should be absent without an order repository")
	}
}

func TestSystemServicePropagatesCollectError(t *testing.T) {
	boom := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: boom}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
}

func TestSystemServiceStatusFromChecks(t *testing.T) {
	cases := map[string]struct {
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		"all ok": {
			checks: map[string]domain.SystemHealthCheck{"store": {Status: domain.HealthStatusOK}},
			want:   domain.HealthStatusOK,
		},
		"degraded": {
			checks: map[string]domain.SystemHealthCheck{
				"store":  {Status: domain.HealthStatusOK},
				"events": {Status: domain.HealthStatusDegraded},
			},
			want: domain.HealthStatusDegraded,
		},
		"error wins": {
			checks: map[string]domain.SystemHealthCheck{
				"events": {Status: domain.HealthStatusDegraded},
				"store":  {Status: domain.HealthStatusError, Error: "pebble closed"},
			},
			want: domain.HealthStatusError,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			repo := &stubHealthRepository{report: domain.SystemHealthReport{Checks: tc.checks}}
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, report.Status)
			}
			if repo.calls != 1 {
				t.Fatalf("expected one collect call, got %d", repo.calls)
			}
		})
	}
}

func TestSystemServiceBacklogCheck(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	overdue := func(n int) []domain.Order {
		out := make([]domain.Order, n)
		for i := range out {
			out[i] = overdueOrder("ord", now.Add(-time.Hour))
		}
		return out
	}

	cases := map[string]struct {
		listed     []domain.Order
		listErr    error
		wantCheck  string
		wantReport string
	}{
		"within threshold": {listed: overdue(2), wantCheck: domain.HealthStatusOK, wantReport: domain.HealthStatusOK},
		"over threshold":   {listed: overdue(4), wantCheck: domain.HealthStatusDegraded, wantReport: domain.HealthStatusDegraded},
		"store failure":    {listErr: errors.New("iterator closed"), wantCheck: domain.HealthStatusError, wantReport: domain.HealthStatusError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			orders := &stubExpiredOrders{
				listFn: func(_ context.Context, at time.Time, limit int) ([]domain.Order, error) {
					if !at.Equal(now) {
						t.Fatalf("expected probe at %s, got %s", now, at)
					}
					if limit != 4 {
						t.Fatalf("expected limit threshold+1, got %d", limit)
					}
					return tc.listed, tc.listErr
				},
			}
			svc, err := NewSystemService(SystemServiceDeps{
				HealthRepository: storeOnly(domain.HealthStatusOK),
				Orders:           orders,
				BacklogThreshold: 3,
				Clock:            func() time.Time { return now },
			})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			check, ok := report.Checks[backlogCheckName]
			if !ok {
				t.Fatalf("expected %s check, got %v", backlogCheckName, report.Checks)
			}
			if check.Status != tc.wantCheck {
				t.Fatalf("expected check %s, got %s (%s)", tc.wantCheck, check.Status, check.Detail)
			}
			if report.Status != tc.wantReport {
				t.Fatalf("expected report %s, got %s", tc.wantReport, report.Status)
			}
			if tc.listErr != nil && !strings.Contains(check.Error, "iterator closed") {
				t.Fatalf("expected list error in check, got %q", check.Error)
			}
		})
	}
}
