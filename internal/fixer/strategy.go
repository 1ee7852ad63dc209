package fixer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/sysops"
	"github.com/opshive/opshive/pkg/models"
)

// Strategy names double as the learning store's strategy keys.
const (
	StrategyBasicRestart     = "basic_restart"
	StrategyDeepRestart      = "deep_restart"
	StrategyDependencyCheck  = "dependency_check"
	StrategyInstallPyModule  = "install_python_module"
	StrategyContainerMemory  = "container_memory_optimization"
	StrategyAdvancedRecovery = "advanced_service_recovery"
	StrategyResearchBasedFix = "research_based_fix"
	StrategyPlatformAutoHeal = "platform_admin_auto_heal"
)

// Strategy is one remediation handler. Execute reports its outcome in
// the result and never returns an error: a failed fix is data, not a
// fault.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, issue models.Issue) models.FixResult
}

// toolbox carries the system handles shared by the built-in strategies.
type toolbox struct {
	docker  sysops.Docker
	systemd sysops.Systemd
	runner  execshell.Runner
	settle  func(ctx context.Context) // short wait before verifying
}

func newToolbox(runner execshell.Runner) *toolbox {
	return &toolbox{
		docker:  sysops.Docker{Run: runner},
		systemd: sysops.Systemd{Run: runner},
		runner:  runner,
		settle: func(ctx context.Context) {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
		},
	}
}

func result(name string, start time.Time, success bool, format string, args ...interface{}) models.FixResult {
	return models.FixResult{
		Success:  success,
		Strategy: name,
		Message:  fmt.Sprintf(format, args...),
		Duration: time.Since(start),
	}
}

// targetsContainer reports whether the issue should be fixed at the
// container rather than the unit level.
func targetsContainer(issue models.Issue) bool {
	if issue.Container == "" {
		return false
	}
	switch issue.Type {
	case models.IssueContainerFailure, models.IssueContainerMemoryLeak, models.IssueContainerMemoryPressure:
		return true
	}
	return issue.Service == ""
}

// verifyUnit waits briefly and checks the unit is active.
func (t *toolbox) verifyUnit(ctx context.Context, unit string) (bool, string) {
	t.settle(ctx)
	st, err := t.systemd.Status(ctx, unit)
	if err != nil {
		return false, fmt.Sprintf("verify failed: %v", err)
	}
	if !st.Active() {
		return false, fmt.Sprintf("unit %s is %s after fix", unit, st.ActiveState)
	}
	return true, fmt.Sprintf("unit %s active", unit)
}

// verifyContainer waits briefly and checks the container is running.
func (t *toolbox) verifyContainer(ctx context.Context, name string) (bool, string) {
	t.settle(ctx)
	state, err := t.docker.Inspect(ctx, name)
	if err != nil {
		return false, fmt.Sprintf("verify failed: %v", err)
	}
	if !state.Running {
		return false, fmt.Sprintf("container %s is %s after fix", name, state.Status)
	}
	return true, fmt.Sprintf("container %s running", name)
}

// ── basic_restart ────────────────────────────────────────────

type basicRestart struct{ t *toolbox }

func (basicRestart) Name() string { return StrategyBasicRestart }

func (s basicRestart) Execute(ctx context.Context, issue models.Issue) models.FixResult {
	start := time.Now()
	if targetsContainer(issue) {
		if err := s.t.docker.Restart(ctx, issue.Container); err != nil {
			return result(StrategyBasicRestart, start, false, "restart failed: %v", err)
		}
		ok, msg := s.t.verifyContainer(ctx, issue.Container)
		return result(StrategyBasicRestart, start, ok, "%s", msg)
	}
	unit := issue.Target()
	if unit == "" {
		return result(StrategyBasicRestart, start, false, "issue names no service or container")
	}
	if err := s.t.systemd.Restart(ctx, unit); err != nil {
		return result(StrategyBasicRestart, start, false, "restart failed: %v", err)
	}
	ok, msg := s.t.verifyUnit(ctx, unit)
	return result(StrategyBasicRestart, start, ok, "%s", msg)
}

// ── deep_restart ─────────────────────────────────────────────

// deepRestart clears failure state before bringing the target back:
// reset-failed + stop + start for units, a full restart for containers.
type deepRestart struct{ t *toolbox }

func (deepRestart) Name() string { return StrategyDeepRestart }

func (s deepRestart) Execute(ctx context.Context, issue models.Issue) models.FixResult {
	start := time.Now()
	if targetsContainer(issue) {
		if err := s.t.docker.Restart(ctx, issue.Container); err != nil {
			return result(StrategyDeepRestart, start, false, "restart failed: %v", err)
		}
		ok, msg := s.t.verifyContainer(ctx, issue.Container)
		return result(StrategyDeepRestart, start, ok, "%s", msg)
	}
	unit := issue.Target()
	if unit == "" {
		return result(StrategyDeepRestart, start, false, "issue names no service or container")
	}
	if err := s.t.systemd.ResetFailed(ctx, unit); err != nil {
		return result(StrategyDeepRestart, start, false, "reset-failed: %v", err)
	}
	if err := s.t.systemd.Stop(ctx, unit); err != nil {
		return result(StrategyDeepRestart, start, false, "stop: %v", err)
	}
	s.t.settle(ctx)
	if err := s.t.systemd.Start(ctx, unit); err != nil {
		return result(StrategyDeepRestart, start, false, "start: %v", err)
	}
	ok, msg := s.t.verifyUnit(ctx, unit)
	return result(StrategyDeepRestart, start, ok, "%s", msg)
}

// ── dependency_check ─────────────────────────────────────────

// dependencyCheck restarts failed dependencies of the unit, then the
// unit itself.
type dependencyCheck struct{ t *toolbox }

func (dependencyCheck) Name() string { return StrategyDependencyCheck }

func (s dependencyCheck) Execute(ctx context.Context, issue models.Issue) models.FixResult {
	start := time.Now()
	unit := issue.Target()
	if unit == "" || targetsContainer(issue) {
		return result(StrategyDependencyCheck, start, false, "dependency check needs a systemd unit")
	}
	deps, err := s.t.systemd.Dependencies(ctx, unit)
	if err != nil {
		return result(StrategyDependencyCheck, start, false, "list dependencies: %v", err)
	}
	var revived []string
	for _, dep := range deps {
		st, err := s.t.systemd.Status(ctx, dep)
		if err != nil || !st.Failed() {
			continue
		}
		if err := s.t.systemd.ResetFailed(ctx, dep); err != nil {
			continue
		}
		if err := s.t.systemd.Restart(ctx, dep); err == nil {
			revived = append(revived, dep)
		}
	}
	if err := s.t.systemd.Restart(ctx, unit); err != nil {
		return result(StrategyDependencyCheck, start, false, "restart after dependency check: %v", err)
	}
	ok, msg := s.t.verifyUnit(ctx, unit)
	if len(revived) > 0 {
		msg = fmt.Sprintf("%s (revived dependencies: %s)", msg, strings.Join(revived, ", "))
	}
	return result(StrategyDependencyCheck, start, ok, "%s", msg)
}

// ── install_python_module ────────────────────────────────────

var moduleNameRe = regexp.MustCompile(`No module named ['"]?([A-Za-z0-9_.]+)`)

// MissingModule extracts the module name from a Python import error,
// if the message contains one.
func MissingModule(message string) (string, bool) {
	m := moduleNameRe.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// installPyModule installs a missing Python module: user install first,
// then system-wide, then a forced upgrade. On success the declared
// service is restarted so it picks the module up.
type installPyModule struct{ t *toolbox }

func (installPyModule) Name() string { return StrategyInstallPyModule }

func (s installPyModule) Execute(ctx context.Context, issue models.Issue) models.FixResult {
	start := time.Now()
	module, ok := MissingModule(issue.Message)
	if !ok {
		return result(StrategyInstallPyModule, start, false, "no module name in message")
	}

	const pipTimeout = 120 * time.Second
	attempts := [][]string{
		{"pip3", "install", "--user", module},
		{"pip3", "install", module},
		{"pip3", "install", "--upgrade", module},
	}
	installed := false
	var lastErr string
	for _, argv := range attempts {
		out, err := s.t.runner.Run(ctx, pipTimeout, argv[0], argv[1:]...)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		if out.Ok() {
			installed = true
			break
		}
		lastErr = strings.TrimSpace(out.Stderr)
	}
	if !installed {
		return result(StrategyInstallPyModule, start, false, "install %s failed: %s", module, lastErr)
	}
	if issue.Service != "" {
		if err := s.t.systemd.Restart(ctx, issue.Service); err != nil {
			return result(StrategyInstallPyModule, start, false, "installed %s but restart failed: %v", module, err)
		}
		ok, msg := s.t.verifyUnit(ctx, issue.Service)
		return result(StrategyInstallPyModule, start, ok, "installed %s; %s", module, msg)
	}
	return result(StrategyInstallPyModule, start, true, "installed %s", module)
}

// ── container_memory_optimization ────────────────────────────

// containerMemory raises the container's memory ceiling and restarts
// it. Limits are fixed; running it twice just reapplies them.
type containerMemory struct {
	t          *toolbox
	memory     string
	memorySwap string
}

func (containerMemory) Name() string { return StrategyContainerMemory }

func (s containerMemory) Execute(ctx context.Context, issue models.Issue) models.FixResult {
	start := time.Now()
	if issue.Container == "" {
		return result(StrategyContainerMemory, start, false, "issue names no container")
	}
	if err := s.t.docker.UpdateMemory(ctx, issue.Container, s.memory, s.memorySwap); err != nil {
		return result(StrategyContainerMemory, start, false, "update limits: %v", err)
	}
	if err := s.t.docker.Restart(ctx, issue.Container); err != nil {
		return result(StrategyContainerMemory, start, false, "restart after limit change: %v", err)
	}
	ok, msg := s.t.verifyContainer(ctx, issue.Container)
	return result(StrategyContainerMemory, start, ok, "limits %s/%s applied; %s", s.memory, s.memorySwap, msg)
}

// ── advanced_service_recovery ────────────────────────────────

// advancedRecovery escalates through five levels; the level is chosen
// by the attempt loop, so repeated attempts try harder.
type advancedRecovery struct {
	t     *toolbox
	level int
}

func (advancedRecovery) Name() string { return StrategyAdvancedRecovery }

func (s advancedRecovery) Execute(ctx context.Context, issue models.Issue) models.FixResult {
	start := time.Now()
	unit := issue.Target()
	if unit == "" {
		return result(StrategyAdvancedRecovery, start, false, "issue names no service")
	}
	level := s.level
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}

	var err error
	switch level {
	case 1:
		err = s.t.systemd.Restart(ctx, unit)
	case 2:
		if err = s.t.systemd.ResetFailed(ctx, unit); err == nil {
			err = s.t.systemd.Restart(ctx, unit)
		}
	case 3:
		err = s.clearStaleState(ctx, unit)
	case 4:
		err = s.restartDependencies(ctx, unit)
	case 5:
		if err = s.t.systemd.DaemonReload(ctx); err == nil {
			err = s.t.systemd.Restart(ctx, unit)
		}
	}
	if err != nil {
		return result(StrategyAdvancedRecovery, start, false, "level %d: %v", level, err)
	}
	ok, msg := s.t.verifyUnit(ctx, unit)
	return result(StrategyAdvancedRecovery, start, ok, "level %d: %s", level, msg)
}

// clearStaleState stops the unit, removes conventional PID and lock
// files, then starts it again.
func (s advancedRecovery) clearStaleState(ctx context.Context, unit string) error {
	if err := s.t.systemd.Stop(ctx, unit); err != nil {
		return err
	}
	base := strings.TrimSuffix(unit, ".service")
	paths := []string{
		"/var/run/" + base + ".pid",
		"/run/" + base + ".pid",
		"/var/lock/" + base + ".lock",
		"/tmp/" + base + ".lock",
	}
	args := append([]string{"-f"}, paths...)
	if out, err := s.t.runner.Run(ctx, 10*time.Second, "rm", args...); err != nil || !out.Ok() {
		// Stale files are best effort; a failed rm must not block the start.
		if err == nil {
			err = fmt.Errorf("rm exited %d", out.ExitCode)
		}
		log.Warn().Err(err).Str("unit", unit).Msg("stale file cleanup failed, starting anyway")
	}
	return s.t.systemd.Start(ctx, unit)
}

// restartDependencies restarts the unit's top dependencies, then the
// unit itself.
func (s advancedRecovery) restartDependencies(ctx context.Context, unit string) error {
	deps, err := s.t.systemd.Dependencies(ctx, unit)
	if err != nil {
		return err
	}
	const topDeps = 3
	if len(deps) > topDeps {
		deps = deps[:topDeps]
	}
	for _, dep := range deps {
		if err := s.t.systemd.Restart(ctx, dep); err != nil {
			return fmt.Errorf("restart dependency %s: %w", dep, err)
		}
	}
	return s.t.systemd.Restart(ctx, unit)
}

// ── platform_admin_auto_heal ─────────────────────────────────

// AdminHealer invokes the platform administrator's auto-heal operation
// for a proven service. Wired to the healing agent by the caller.
type AdminHealer interface {
	AutoHeal(ctx context.Context, target string) (bool, string)
}

type adminAutoHeal struct{ healer AdminHealer }

func (adminAutoHeal) Name() string { return StrategyPlatformAutoHeal }

func (s adminAutoHeal) Execute(ctx context.Context, issue models.Issue) models.FixResult {
	start := time.Now()
	if s.healer == nil {
		return result(StrategyPlatformAutoHeal, start, false, "no platform admin configured")
	}
	ok, msg := s.healer.AutoHeal(ctx, issue.Target())
	return result(StrategyPlatformAutoHeal, start, ok, "%s", msg)
}
