// Package execshell is the single boundary through which the platform
// runs external commands: the container runtime CLI, the service
// supervisor, subprocess agents, and the MCP tool shim. Every command
// carries a hard timeout; output streams are captured in full.
//
// Components depend on the Runner interface so tests substitute a
// scripted fake without touching the host.
package execshell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Ok reports whether the command completed with exit code 0.
func (r Result) Ok() bool { return !r.TimedOut && r.ExitCode == 0 }

// Runner executes one external command with a hard timeout.
// A non-nil error means the command could not be run at all; command
// failures and timeouts are reported through the Result.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)
}

// Local runs commands on the host via os/exec.
type Local struct{}

// Run executes name with args, killing the process when the timeout
// elapses. Stdout and stderr are captured separately.
func (Local) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout: strings.TrimRight(stdout.String(), "\n"),
		Stderr: strings.TrimRight(stderr.String(), "\n"),
	}

	switch {
	case cctx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = -1
		log.Warn().
			Str("command", name).
			Dur("timeout", timeout).
			Msg("command timed out")
		return res, nil
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// Spawn failure: binary missing, permission denied.
			return res, err
		}
	}

	log.Debug().
		Str("command", name).
		Int("exit", res.ExitCode).
		Dur("took", time.Since(start)).
		Msg("command finished")
	return res, nil
}
