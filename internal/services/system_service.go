package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
	"github.com/solucity-dev/solucity-sub000/internal/repositories"
)

const (
	backlogCheckName        = "expiry_backlog"
	defaultBacklogThreshold = 100
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
//
// When Orders is set the report carries an expiry_backlog check: PENDING orders past their
// acceptance deadline that the sweeper has not expired yet. More than BacklogThreshold of them
// degrades the report.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Orders           repositories.OrderRepository
	BacklogThreshold int
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	health    repositories.HealthRepository
	orders    repositories.OrderRepository
	threshold int
	now       func() time.Time
	build     BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService builds the readiness reporter.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	threshold := deps.BacklogThreshold
	if threshold <= 0 {
		threshold = defaultBacklogThreshold
	}
	svc := &systemService{
		health:    deps.HealthRepository,
		orders:    deps.Orders,
		threshold: threshold,
		now:       func() time.Time { return clock().UTC() },
		build:     deps.Build,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	return svc, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.now()

	if report.Checks == nil {
		report.Checks = make(map[string]domain.SystemHealthCheck, 1)
	}
	if s.orders != nil {
		report.Checks[backlogCheckName] = s.backlog(ctx, now)
		// the repository status was computed without the backlog check
		report.Status = ""
	}

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = worstStatus(report.Checks)
	}
	return report, nil
}

// backlog asks for one more overdue order than the threshold so the count never scans the whole
// PENDING set.
func (s *systemService) backlog(ctx context.Context, now time.Time) domain.SystemHealthCheck {
	started := time.Now()
	overdue, err := s.orders.ListExpired(ctx, now, s.threshold+1)
	check := domain.SystemHealthCheck{CheckedAt: now, Latency: time.Since(started)}
	switch {
	case err != nil:
		check.Status = domain.HealthStatusError
		check.Error = err.Error()
	case len(overdue) > s.threshold:
		check.Status = domain.HealthStatusDegraded
		check.Detail = fmt.Sprintf("more than %d overdue pending orders", s.threshold)
	default:
		check.Status = domain.HealthStatusOK
		check.Detail = fmt.Sprintf("%d overdue pending orders", len(overdue))
	}
	return check
}

func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
