package fixer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/pkg/models"
)

// CommandDiagnoser shells a diagnosis prompt out to an external AI CLI
// and returns its raw stdout for ParseDiagnosis to interpret. The
// command line is split on whitespace; the prompt is appended as the
// final argument.
type CommandDiagnoser struct {
	runner  execshell.Runner
	command []string
	timeout time.Duration
}

func NewCommandDiagnoser(runner execshell.Runner, command string, timeout time.Duration) *CommandDiagnoser {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &CommandDiagnoser{runner: runner, command: strings.Fields(command), timeout: timeout}
}

func (d *CommandDiagnoser) Diagnose(ctx context.Context, issue models.Issue, errorPattern string) (string, error) {
	if len(d.command) == 0 {
		return "", fmt.Errorf("no diagnosis command configured")
	}
	args := append(append([]string(nil), d.command[1:]...), diagnosisPrompt(issue, errorPattern))
	out, err := d.runner.Run(ctx, d.timeout, d.command[0], args...)
	if err != nil {
		return "", fmt.Errorf("diagnosis command: %w", err)
	}
	if !out.Ok() {
		return "", fmt.Errorf("diagnosis command failed: exit code %d", out.ExitCode)
	}
	return out.Stdout, nil
}

func diagnosisPrompt(issue models.Issue, errorPattern string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A Linux host service is failing and automated recovery has been unable to fix it.\n")
	fmt.Fprintf(&b, "Issue type: %s\n", issue.Type)
	if issue.Service != "" {
		fmt.Fprintf(&b, "Systemd unit: %s\n", issue.Service)
	}
	if issue.Container != "" {
		fmt.Fprintf(&b, "Container: %s\n", issue.Container)
	}
	fmt.Fprintf(&b, "Error: %s\n", issue.Message)
	if errorPattern != "" {
		fmt.Fprintf(&b, "Normalized pattern: %s\n", errorPattern)
	}
	b.WriteString(`
Respond in exactly this format:
DIAGNOSIS: <one-line root cause>
CONFIDENCE: <0-100>%
FIX_1: <strategy> | <description> | <shell commands>
FIX_2: <strategy> | <description> | <shell commands>
`)
	return b.String()
}
