// Package fixer runs the multi-attempt remediation loop: proven-service
// shortcut, learned-pattern hint, issue-typed strategy selection, and
// an AI research fallback, with every attempt recorded in the learning
// store.
package fixer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/learning"
	"github.com/opshive/opshive/internal/resilience"
	"github.com/opshive/opshive/internal/telemetry"
	"github.com/opshive/opshive/pkg/models"
)

// Config tunes the attempt loop. Zero values fall back to defaults.
type Config struct {
	MaxAttempts    int
	RetryDelays    []time.Duration
	ProvenServices []string
	AITimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{
			15 * time.Second, 30 * time.Second, 60 * time.Second,
			90 * time.Second, 120 * time.Second,
		}
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 60 * time.Second
	}
	return c
}

// Fixer coordinates strategies against one issue at a time. Safe for
// concurrent use; all state lives in the learning store.
type Fixer struct {
	cfg       Config
	learning  *learning.Store
	toolbox   *toolbox
	registry  map[string]Strategy
	breakers  *resilience.Registry
	diagnoser Diagnoser
	healer    AdminHealer
	proven    map[string]struct{}

	sleep func(ctx context.Context, d time.Duration)
}

// Option configures a Fixer.
type Option func(*Fixer)

// WithDiagnoser wires the AI diagnosis collaborator.
func WithDiagnoser(d Diagnoser) Option {
	return func(f *Fixer) { f.diagnoser = d }
}

// WithAdminHealer wires the platform admin auto-heal operation.
func WithAdminHealer(h AdminHealer) Option {
	return func(f *Fixer) { f.healer = h }
}

// WithStrategy registers or replaces a named strategy.
func WithStrategy(s Strategy) Option {
	return func(f *Fixer) { f.registry[s.Name()] = s }
}

// New builds a fixer over the learning store and command runner.
func New(store *learning.Store, runner execshell.Runner, breakers *resilience.Registry, cfg Config, opts ...Option) *Fixer {
	cfg = cfg.withDefaults()
	t := newToolbox(runner)
	f := &Fixer{
		cfg:      cfg,
		learning: store,
		toolbox:  t,
		breakers: breakers,
		proven:   make(map[string]struct{}, len(cfg.ProvenServices)),
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}
	f.registry = map[string]Strategy{
		StrategyBasicRestart:     basicRestart{t: t},
		StrategyDeepRestart:      deepRestart{t: t},
		StrategyDependencyCheck:  dependencyCheck{t: t},
		StrategyInstallPyModule:  installPyModule{t: t},
		StrategyContainerMemory:  containerMemory{t: t, memory: "2g", memorySwap: "4g"},
		StrategyAdvancedRecovery: advancedRecovery{t: t, level: 1},
	}
	for _, s := range cfg.ProvenServices {
		f.proven[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fix runs the full remediation loop for one issue. It never panics
// and never returns an error: the report carries the outcome.
func (f *Fixer) Fix(ctx context.Context, issue models.Issue) (report models.FixReport) {
	ctx, span := telemetry.StartSpan(ctx, "fixer.fix",
		trace.WithAttributes(
			attribute.String("issue_type", string(issue.Type)),
			attribute.String("target", issue.Target()),
		))
	defer span.End()

	start := time.Now()
	errorPattern := learning.ExtractErrorPattern(issue.Message)
	logger := log.With().
		Str("issue_type", string(issue.Type)).
		Str("target", issue.Target()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("fix loop panicked")
			report.Success = false
			report.FinalMessage = fmt.Sprintf("internal error: %v", r)
		}
		report.TotalAttempts = len(report.AllAttempts)
		report.TotalTime = time.Since(start)
	}()

	record := func(res models.FixResult) {
		report.AllAttempts = append(report.AllAttempts, res)
		err := f.learning.RecordAttempt(ctx, models.FixAttempt{
			IssueType:     issue.Type,
			ErrorPattern:  errorPattern,
			Strategy:      res.Strategy,
			Success:       res.Success,
			Message:       res.Message,
			ExecutionTime: res.Duration,
			Timestamp:     time.Now().UTC(),
		})
		if err != nil {
			logger.Warn().Err(err).Str("strategy", res.Strategy).Msg("attempt not recorded")
		}
	}

	// Proven services get the platform admin shortcut before anything
	// else; on success the loop never starts.
	if _, proven := f.proven[issue.Target()]; proven && f.healer != nil {
		res := f.execute(ctx, adminAutoHeal{healer: f.healer}, issue)
		record(res)
		if res.Success {
			report.Success = true
			report.SuccessfulStrategy = res.Strategy
			report.FinalMessage = res.Message
			return report
		}
		logger.Info().Str("reason", res.Message).Msg("admin shortcut failed, entering strategy loop")
	}

	learned := f.learnedHint(ctx, issue)

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		name := f.selectStrategy(issue, attempt, learned)
		logger.Info().Int("attempt", attempt).Str("strategy", name).Msg("trying fix strategy")

		var res models.FixResult
		if name == StrategyResearchBasedFix {
			res = f.runResearch(ctx, issue, errorPattern)
		} else {
			res = f.execute(ctx, f.strategyFor(name, attempt), issue)
		}
		record(res)

		if res.Success {
			report.Success = true
			report.SuccessfulStrategy = res.Strategy
			report.FinalMessage = res.Message
			return report
		}
		if ctx.Err() != nil {
			report.FinalMessage = "fix aborted: " + ctx.Err().Error()
			return report
		}
		if attempt < f.cfg.MaxAttempts {
			f.sleep(ctx, f.delayFor(attempt))
		}
	}

	report.FinalMessage = "all strategies exhausted"
	if n := len(report.AllAttempts); n > 0 {
		report.FinalMessage = fmt.Sprintf("all strategies exhausted; last: %s", report.AllAttempts[n-1].Message)
	}
	return report
}

// learnedHint asks the learning store for the historically best
// strategy; lookup failures only lose the hint.
func (f *Fixer) learnedHint(ctx context.Context, issue models.Issue) string {
	strategy, ok, err := f.learning.BestStrategy(ctx, issue)
	if err != nil {
		log.Warn().Err(err).Msg("learned strategy lookup failed")
		return ""
	}
	if !ok {
		return ""
	}
	if !f.knownStrategy(strategy) {
		return ""
	}
	return strategy
}

// selectStrategy picks the strategy for one attempt. A catalogue-
// declared strategy takes the first attempt, ahead of the learned hint
// and typed selection; late attempts fall back to AI research.
func (f *Fixer) selectStrategy(issue models.Issue, attempt int, learned string) string {
	if attempt == 1 && issue.FixStrategy != "" && f.knownStrategy(issue.FixStrategy) {
		return issue.FixStrategy
	}

	switch {
	case issue.Type == models.IssueLogError:
		if _, ok := MissingModule(issue.Message); ok {
			if attempt <= 3 {
				return StrategyInstallPyModule
			}
			return StrategyResearchBasedFix
		}
	case issue.Type == models.IssueContainerMemoryLeak, issue.Type == models.IssueContainerMemoryPressure:
		if attempt <= 3 {
			return StrategyContainerMemory
		}
		return StrategyResearchBasedFix
	case issue.Type == models.IssueServiceFailure:
		// Learned hint first, then the escalation ladder takes over.
		if attempt == 1 && learned != "" {
			return learned
		}
		return StrategyAdvancedRecovery
	}

	switch attempt {
	case 1:
		if learned != "" {
			return learned
		}
		return StrategyBasicRestart
	case 2:
		return StrategyDeepRestart
	case 3:
		return StrategyDependencyCheck
	default:
		return StrategyResearchBasedFix
	}
}

func (f *Fixer) knownStrategy(name string) bool {
	if _, ok := f.registry[name]; ok {
		return true
	}
	return name == StrategyResearchBasedFix
}

// strategyFor resolves a name, parameterizing recovery by level.
func (f *Fixer) strategyFor(name string, attempt int) Strategy {
	if name == StrategyAdvancedRecovery {
		return advancedRecovery{t: f.toolbox, level: attempt}
	}
	if s, ok := f.registry[name]; ok {
		return s
	}
	return basicRestart{t: f.toolbox}
}

// execute shields the loop from a panicking strategy.
func (f *Fixer) execute(ctx context.Context, s Strategy, issue models.Issue) (res models.FixResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("strategy", s.Name()).Msg("strategy panicked")
			res = result(s.Name(), start, false, "strategy panicked: %v", r)
		}
	}()
	return s.Execute(ctx, issue)
}

func (f *Fixer) delayFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(f.cfg.RetryDelays) {
		idx = len(f.cfg.RetryDelays) - 1
	}
	return f.cfg.RetryDelays[idx]
}
