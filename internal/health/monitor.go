package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/sysops"
	"github.com/opshive/opshive/pkg/models"
)

// sweepParallelism bounds how many probes run at once.
const sweepParallelism = 8

// Fixer repairs one diagnosed issue. Implemented by the fixer package;
// declared here so the monitor does not depend on it.
type Fixer interface {
	Fix(ctx context.Context, issue models.Issue) models.FixReport
}

// Monitor sweeps the service catalogue and reports per-service health.
type Monitor struct {
	catalogue []models.ServiceDescriptor
	prober    *prober
	fixer     Fixer

	mu          sync.Mutex
	lastRestart map[string]time.Time

	now func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithFixer enables auto-fix dispatch.
func WithFixer(f Fixer) Option {
	return func(m *Monitor) { m.fixer = f }
}

// WithMCPRegistry supplies the registry consulted by mcp probes.
func WithMCPRegistry(r MCPRegistry) Option {
	return func(m *Monitor) { m.prober.mcp = r }
}

// WithHTTPClient overrides the probe HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.prober.client = c }
}

// NewMonitor builds a monitor over the given catalogue. All external
// commands go through runner.
func NewMonitor(catalogue []models.ServiceDescriptor, runner execshell.Runner, opts ...Option) *Monitor {
	m := &Monitor{
		catalogue: catalogue,
		prober: &prober{
			docker:  sysops.Docker{Run: runner},
			systemd: sysops.Systemd{Run: runner},
			runner:  runner,
			client:  &http.Client{Timeout: 30 * time.Second},
		},
		lastRestart: make(map[string]time.Time),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Services returns the catalogue the monitor sweeps.
func (m *Monitor) Services() []models.ServiceDescriptor { return m.catalogue }

// RecordRestart notes that a service was just restarted, arming its
// startup grace period.
func (m *Monitor) RecordRestart(serviceID string) {
	m.mu.Lock()
	m.lastRestart[serviceID] = m.now()
	m.mu.Unlock()
}

// RunHealthCheck probes every service concurrently. With autoFix set,
// unhealthy services get one fix dispatch and a re-probe.
func (m *Monitor) RunHealthCheck(ctx context.Context, autoFix bool) map[string]models.HealthResult {
	results := make(map[string]models.HealthResult, len(m.catalogue))
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for i := range m.catalogue {
		d := &m.catalogue[i]
		g.Go(func() error {
			res := m.checkOne(gctx, d, autoFix)
			resMu.Lock()
			results[d.ID] = res
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors
	return results
}

// CheckService probes a single catalogue entry by id.
func (m *Monitor) CheckService(ctx context.Context, serviceID string, autoFix bool) (models.HealthResult, bool) {
	for i := range m.catalogue {
		if m.catalogue[i].ID == serviceID {
			return m.checkOne(ctx, &m.catalogue[i], autoFix), true
		}
	}
	return models.HealthResult{}, false
}

func (m *Monitor) checkOne(ctx context.Context, d *models.ServiceDescriptor, autoFix bool) models.HealthResult {
	res := m.prober.probe(ctx, d)

	if !res.Healthy && m.inGracePeriod(d) {
		log.Debug().Str("service", d.ID).Msg("failure within startup grace period")
		res.Healthy = true
		res.Warning = "recently restarted: " + res.Error
		res.Error = ""
		return res
	}

	if !res.Healthy && autoFix && m.fixer != nil {
		res.FixAttempted = true
		report := m.fixer.Fix(ctx, issueFor(d, res))
		if report.Success {
			m.RecordRestart(d.ID)
			verify := m.prober.probe(ctx, d)
			if verify.Healthy {
				verify.FixAttempted = true
				verify.AutoFixed = true
				return verify
			}
			res.Error = "fix reported success but service still unhealthy: " + verify.Error
		} else {
			log.Warn().Str("service", d.ID).Str("reason", report.FinalMessage).Msg("auto-fix failed")
		}
	}
	return res
}

func (m *Monitor) inGracePeriod(d *models.ServiceDescriptor) bool {
	if d.StartupGraceSecs <= 0 {
		return false
	}
	m.mu.Lock()
	restartedAt, ok := m.lastRestart[d.ID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.now().Sub(restartedAt) < time.Duration(d.StartupGraceSecs)*time.Second
}

// issueFor translates a failed probe into a fixer issue.
func issueFor(d *models.ServiceDescriptor, res models.HealthResult) models.Issue {
	issue := models.Issue{
		Source:      "health_monitor",
		Message:     res.Error,
		FixStrategy: d.Fix,
	}
	switch d.Kind {
	case models.ServiceContainer, models.ServiceContainerHTTP, models.ServiceDockerExec:
		issue.Type = models.IssueContainerFailure
		issue.Container = d.Container
		issue.Service = d.ID
	case models.ServiceSystemd, models.ServiceSystemdDB:
		issue.Type = models.IssueServiceFailure
		issue.Service = d.SystemdUnit
	default:
		issue.Type = models.IssueServiceFailure
		issue.Service = d.ID
		if d.Container != "" {
			issue.Container = d.Container
		}
	}
	return issue
}

// ExitCode implements the CLI contract: 0 all healthy, 2 a critical
// service is unhealthy, 1 only non-critical services are unhealthy.
func ExitCode(results map[string]models.HealthResult) int {
	code := 0
	for _, r := range results {
		if r.Healthy {
			continue
		}
		if r.Critical {
			return 2
		}
		code = 1
	}
	return code
}

// sortedIDs gives deterministic report ordering.
func sortedIDs(results map[string]models.HealthResult) []string {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
