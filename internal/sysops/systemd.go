package sysops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/faults"
)

const systemdTimeout = 60 * time.Second

// UnitState is the supervisor's view of one unit.
type UnitState struct {
	ActiveState string // active, inactive, failed, activating
	SubState    string // running, dead, failed, ...
}

func (u UnitState) Active() bool { return u.ActiveState == "active" }
func (u UnitState) Failed() bool { return u.ActiveState == "failed" }

// Systemd drives the host service supervisor.
type Systemd struct {
	Run execshell.Runner
}

// Status reports the active and sub state of a unit.
func (s Systemd) Status(ctx context.Context, unit string) (UnitState, error) {
	res, err := s.Run.Run(ctx, systemdTimeout, "systemctl", "show", unit,
		"--property=ActiveState,SubState", "--no-pager")
	if err != nil {
		return UnitState{}, faults.Transient("systemd.status", err)
	}
	if !res.Ok() {
		return UnitState{}, fmt.Errorf("systemctl show %s: %s", unit, res.Stderr)
	}
	var st UnitState
	for _, line := range strings.Split(res.Stdout, "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			switch k {
			case "ActiveState":
				st.ActiveState = v
			case "SubState":
				st.SubState = v
			}
		}
	}
	return st, nil
}

// Restart restarts a unit.
func (s Systemd) Restart(ctx context.Context, unit string) error {
	return s.simple(ctx, "restart", unit)
}

// Start starts a unit.
func (s Systemd) Start(ctx context.Context, unit string) error {
	return s.simple(ctx, "start", unit)
}

// Stop stops a unit.
func (s Systemd) Stop(ctx context.Context, unit string) error {
	return s.simple(ctx, "stop", unit)
}

// ResetFailed clears the failed state of a unit so a subsequent start
// is not rate-limited.
func (s Systemd) ResetFailed(ctx context.Context, unit string) error {
	return s.simple(ctx, "reset-failed", unit)
}

// DaemonReload reloads unit definitions.
func (s Systemd) DaemonReload(ctx context.Context) error {
	res, err := s.Run.Run(ctx, systemdTimeout, "systemctl", "daemon-reload")
	if err != nil {
		return faults.Transient("systemd.daemon-reload", err)
	}
	if !res.Ok() {
		return fmt.Errorf("systemctl daemon-reload: %s", res.Stderr)
	}
	return nil
}

// Dependencies lists the units a unit requires or wants.
func (s Systemd) Dependencies(ctx context.Context, unit string) ([]string, error) {
	res, err := s.Run.Run(ctx, systemdTimeout, "systemctl", "list-dependencies", unit,
		"--plain", "--no-pager")
	if err != nil {
		return nil, faults.Transient("systemd.list-dependencies", err)
	}
	if !res.Ok() {
		return nil, fmt.Errorf("systemctl list-dependencies %s: %s", unit, res.Stderr)
	}
	var deps []string
	for i, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || i == 0 { // first line is the unit itself
			continue
		}
		deps = append(deps, line)
	}
	return deps, nil
}

// Journal returns the last n log lines for a unit.
func (s Systemd) Journal(ctx context.Context, unit string, lines int) (string, error) {
	res, err := s.Run.Run(ctx, systemdTimeout, "journalctl", "-u", unit,
		"-n", fmt.Sprintf("%d", lines), "--no-pager")
	if err != nil {
		return "", faults.Transient("systemd.journal", err)
	}
	if !res.Ok() {
		return "", fmt.Errorf("journalctl -u %s: %s", unit, res.Stderr)
	}
	return res.Stdout, nil
}

func (s Systemd) simple(ctx context.Context, verb, unit string) error {
	res, err := s.Run.Run(ctx, systemdTimeout, "systemctl", verb, unit)
	if err != nil {
		return faults.Transient("systemd."+verb, err)
	}
	if res.TimedOut {
		return faults.Transient("systemd."+verb, fmt.Errorf("timed out"))
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("systemctl %s %s: %s", verb, unit, strings.TrimSpace(res.Stderr))
	}
	return nil
}
