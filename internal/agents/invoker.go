package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/resilience"
	"github.com/opshive/opshive/pkg/models"
)

const (
	subprocessTimeout = 300 * time.Second
	mcpTimeout        = 120 * time.Second
	commandTimeout    = 300 * time.Second

	// defaultMCPShim is the tool-call bridge binary; it speaks JSON on
	// its argv and prints the tool result to stdout.
	defaultMCPShim = "opshive-mcp-call"
)

// knownFlags restricts argv building for capabilities whose agents
// accept a fixed flag set; params outside the set are dropped.
var knownFlags = map[string]map[string]struct{}{
	"healing": {
		"service":      {},
		"once":         {},
		"no_auto_heal": {},
		"interval":     {},
	},
}

// Invoker executes capabilities through the registry. Invocations go
// through the breaker registry and the API retry policy; the result is
// always a value, never an error.
type Invoker struct {
	registry *Registry
	runner   execshell.Runner
	breakers *resilience.Registry
	mcpShim  string
}

// NewInvoker wires the worker adapter.
func NewInvoker(reg *Registry, runner execshell.Runner, breakers *resilience.Registry) *Invoker {
	return &Invoker{
		registry: reg,
		runner:   runner,
		breakers: breakers,
		mcpShim:  defaultMCPShim,
	}
}

// Invoke runs the agent registered for capability with the given
// params. Timeouts and failures come back inside the result.
func (v *Invoker) Invoke(ctx context.Context, capability string, params map[string]interface{}) models.InvocationResult {
	desc, ok := v.registry.Lookup(capability)
	if !ok {
		return models.InvocationResult{Success: false, Error: "Unknown agent: " + capability}
	}

	var timeout time.Duration
	var argv []string
	switch desc.Kind {
	case KindSubprocess:
		timeout = subprocessTimeout
		argv = subprocessArgv(desc, capability, params)
	case KindMCP:
		timeout = mcpTimeout
		var err error
		argv, err = v.mcpArgv(desc, params)
		if err != nil {
			return models.InvocationResult{Success: false, Error: err.Error()}
		}
	case KindCommand:
		timeout = commandTimeout
		argv = commandArgv(desc, params)
	default:
		return models.InvocationResult{Success: false, Error: fmt.Sprintf("unsupported agent kind %q", desc.Kind)}
	}

	breaker := v.breakers.Get(v.breakerName(desc), resilience.APIBreaker)

	var out execshell.Result
	err := breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.API.Do(ctx, "agent."+capability, func() error {
			res, err := v.runner.Run(ctx, timeout, argv[0], argv[1:]...)
			if err != nil {
				// Spawn failures (missing binary, bad permissions) are
				// permanent; retrying cannot help.
				return fmt.Errorf("agent %s: %w", capability, err)
			}
			out = res
			return nil
		})
	})
	if err != nil {
		log.Warn().Err(err).Str("capability", capability).Msg("agent invocation failed")
		return models.InvocationResult{Success: false, Error: err.Error()}
	}
	return mapResult(out)
}

// AutoHeal runs the healing agent once against a target service.
// Satisfies the fixer's platform admin interface.
func (v *Invoker) AutoHeal(ctx context.Context, target string) (bool, string) {
	res := v.Invoke(ctx, "healing", map[string]interface{}{
		"service": target,
		"once":    true,
	})
	switch {
	case res.Success:
		msg := strings.TrimSpace(res.Stdout)
		if msg == "" {
			msg = "auto-heal completed for " + target
		}
		return true, msg
	case res.Error != "":
		return false, res.Error
	default:
		return false, fmt.Sprintf("auto-heal exited %d: %s", res.ReturnCode, strings.TrimSpace(res.Stderr))
	}
}

func (v *Invoker) breakerName(desc AgentDescriptor) string {
	if desc.Breaker != "" {
		return desc.Breaker
	}
	if desc.Kind == KindMCP {
		return "mcp_" + desc.Server
	}
	return "agent_" + desc.Capability
}

func mapResult(out execshell.Result) models.InvocationResult {
	if out.TimedOut {
		return models.InvocationResult{Success: false, Error: "timeout", ReturnCode: -1}
	}
	res := models.InvocationResult{
		Success:    out.ExitCode == 0,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		ReturnCode: out.ExitCode,
	}
	if !res.Success {
		res.Error = fmt.Sprintf("exit code %d", out.ExitCode)
	}
	return res
}

// ── argv building ────────────────────────────────────────────

// subprocessArgv translates params into CLI flags: snake_case keys
// become --kebab-case, true booleans become bare flags, false ones are
// dropped. Keys are sorted so argv is deterministic.
func subprocessArgv(desc AgentDescriptor, capability string, params map[string]interface{}) []string {
	argv := []string{desc.Executable}
	if desc.Method != "" {
		argv = append(argv, desc.Method)
	}
	allowed := knownFlags[capability]

	for _, key := range sortedKeys(params) {
		if allowed != nil {
			if _, ok := allowed[key]; !ok {
				continue
			}
		}
		flag := "--" + strings.ReplaceAll(key, "_", "-")
		switch val := params[key].(type) {
		case bool:
			if val {
				argv = append(argv, flag)
			}
		case nil:
			// skip
		default:
			argv = append(argv, flag, fmt.Sprintf("%v", val))
		}
	}
	return argv
}

// mcpArgv hands the shim the server, the tool, and the remaining
// params as a JSON payload.
func (v *Invoker) mcpArgv(desc AgentDescriptor, params map[string]interface{}) ([]string, error) {
	tool := desc.DefaultTool
	payload := make(map[string]interface{}, len(params))
	for k, val := range params {
		if k == "tool" {
			if s, ok := val.(string); ok {
				tool = s
			}
			continue
		}
		payload[k] = val
	}
	if tool == "" {
		return nil, fmt.Errorf("mcp agent %q: no tool named", desc.Capability)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mcp payload: %w", err)
	}
	return []string{v.mcpShim, "--server", desc.Server, "--tool", tool, "--payload", string(raw)}, nil
}

// commandArgv appends params as --key=value to the configured command.
func commandArgv(desc AgentDescriptor, params map[string]interface{}) []string {
	line := desc.Command
	for _, key := range sortedKeys(params) {
		switch val := params[key].(type) {
		case bool:
			if val {
				line += fmt.Sprintf(" --%s=true", key)
			}
		case nil:
		default:
			line += fmt.Sprintf(" --%s=%v", key, val)
		}
	}
	return []string{"sh", "-c", line}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
