package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/solucity-dev/solucity-sub000/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck describes a dependency probe executed during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// DependencyHealthOption customises the dependency-backed health repository.
type DependencyHealthOption func(*dependencyHealthRepository)

// WithDependencyTimeout overrides the timeout applied when a check omits its own.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if timeout > 0 {
			repo.defaultTimeout = timeout
		}
	}
}

// WithDependencyClock injects a custom clock, mainly for tests.
func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type dependencyHealthRepository struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ HealthRepository = (*dependencyHealthRepository)(nil)

// NewDependencyHealthRepository builds a HealthRepository over the given probes. Probes are validated up front.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, errors.New("health repository: dependency check missing name")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("health repository: dependency %s missing check function", check.Name)
		}
	}

	repo := &dependencyHealthRepository{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultProbeTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *dependencyHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}

	results := make(map[string]domain.SystemHealthCheck, len(r.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range r.checks {
		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := r.probe(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	return domain.SystemHealthReport{
		Status:      aggregateStatus(results),
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}

func (r *dependencyHealthRepository) probe(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(probeCtx)
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}
	end := r.now()

	result := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		result.Status, result.Detail, result.Error = domain.HealthStatusError, "cancelled", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		result.Status, result.Detail, result.Error = domain.HealthStatusError, "timeout", err.Error()
	default:
		result.Status, result.Detail, result.Error = domain.HealthStatusDegraded, err.Error(), err.Error()
	}
	return result
}

func aggregateStatus(results map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, result := range results {
		switch result.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusDegraded:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
