package agents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/resilience"
)

const registryYAML = `
agents:
  - capability: healing
    kind: subprocess
    executable: /opt/opshive/agents/healing_agent.py
  - capability: deploy
    kind: subprocess
    executable: /opt/opshive/agents/deploy.py
    method: rollout
  - capability: research
    kind: mcp
    server: knowledge-base
    tool: search
  - capability: cleanup
    kind: command
    command: opshive-cleanup --all
mcp_servers:
  - deployment
`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)
	return reg
}

func TestParseRegistry(t *testing.T) {
	reg := testRegistry(t)
	assert.Equal(t, []string{"cleanup", "deploy", "healing", "research"}, reg.Capabilities())

	d, ok := reg.Lookup("research")
	require.True(t, ok)
	assert.Equal(t, KindMCP, d.Kind)
	assert.Equal(t, "knowledge-base", d.Server)

	assert.True(t, reg.HasServer("knowledge-base"))
	assert.True(t, reg.HasServer("deployment"))
	assert.False(t, reg.HasServer("retired"))
}

func TestParseRegistryRejectsBadDescriptors(t *testing.T) {
	cases := map[string]string{
		"missing executable": `
agents:
  - {capability: a, kind: subprocess}
`,
		"missing server": `
agents:
  - {capability: a, kind: mcp}
`,
		"missing command": `
agents:
  - {capability: a, kind: command}
`,
		"bad kind": `
agents:
  - {capability: a, kind: smoke-signal}
`,
		"duplicate": `
agents:
  - {capability: a, kind: command, command: x}
  - {capability: a, kind: command, command: y}
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func newInvoker(reg *Registry, fake *execshell.Fake) *Invoker {
	return NewInvoker(reg, fake, resilience.NewRegistry())
}

func TestSubprocessArgvTranslation(t *testing.T) {
	fake := execshell.NewFake()
	inv := newInvoker(testRegistry(t), fake)

	res := inv.Invoke(context.Background(), "deploy", map[string]interface{}{
		"target_env":  "staging",
		"dry_run":     true,
		"skip_checks": false,
		"replicas":    3,
	})
	require.True(t, res.Success)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/opshive/agents/deploy.py", calls[0].Name)
	assert.Equal(t, []string{"rollout", "--dry-run", "--replicas", "3", "--target-env", "staging"}, calls[0].Args)
}

func TestHealingAgentOnlyKnownFlags(t *testing.T) {
	fake := execshell.NewFake()
	inv := newInvoker(testRegistry(t), fake)

	inv.Invoke(context.Background(), "healing", map[string]interface{}{
		"service":      "api.service",
		"once":         true,
		"no_auto_heal": true,
		"interval":     30,
		"verbosity":    "high", // not a healing agent flag
	})

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"--interval", "30", "--no-auto-heal", "--once", "--service", "api.service"}, calls[0].Args)
}

func TestMCPInvocationBuildsShimPayload(t *testing.T) {
	fake := execshell.NewFake().
		Respond("opshive-mcp-call", execshell.Result{Stdout: `{"answer":"42"}`})
	inv := newInvoker(testRegistry(t), fake)

	res := inv.Invoke(context.Background(), "research", map[string]interface{}{
		"tool":  "lookup",
		"query": "disk full",
	})
	require.True(t, res.Success)
	assert.Equal(t, `{"answer":"42"}`, res.Stdout)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	args := calls[0].Args
	require.Len(t, args, 6)
	assert.Equal(t, []string{"--server", "knowledge-base", "--tool", "lookup"}, args[:4])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(args[5]), &payload))
	assert.Equal(t, map[string]interface{}{"query": "disk full"}, payload)
}

func TestCommandInvocationAppendsKeyValues(t *testing.T) {
	fake := execshell.NewFake()
	inv := newInvoker(testRegistry(t), fake)

	res := inv.Invoke(context.Background(), "cleanup", map[string]interface{}{
		"older_than": "7d",
		"force":      true,
	})
	require.True(t, res.Success)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sh", calls[0].Name)
	assert.Equal(t, []string{"-c", "opshive-cleanup --all --force=true --older_than=7d"}, calls[0].Args)
}

func TestUnknownCapability(t *testing.T) {
	inv := newInvoker(testRegistry(t), execshell.NewFake())
	res := inv.Invoke(context.Background(), "time-travel", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "Unknown agent: time-travel", res.Error)
}

func TestTimeoutMapsToTimeoutError(t *testing.T) {
	fake := execshell.NewFake().
		Respond("/opt/opshive/agents/deploy.py", execshell.Result{TimedOut: true, ExitCode: -1})
	inv := newInvoker(testRegistry(t), fake)

	res := inv.Invoke(context.Background(), "deploy", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Error)
}

func TestNonZeroExitMapsToFailure(t *testing.T) {
	fake := execshell.NewFake().
		Respond("/opt/opshive/agents/deploy.py", execshell.Result{ExitCode: 3, Stderr: "rollout refused"})
	inv := newInvoker(testRegistry(t), fake)

	res := inv.Invoke(context.Background(), "deploy", nil)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ReturnCode)
	assert.Equal(t, "rollout refused", res.Stderr)
	assert.Contains(t, res.Error, "exit code 3")
}

func TestSpawnFailureSurfacesAsError(t *testing.T) {
	fake := execshell.NewFake().
		RespondErr("/opt/opshive/agents/deploy.py", errors.New("no such file"))
	inv := newInvoker(testRegistry(t), fake)

	res := inv.Invoke(context.Background(), "deploy", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no such file")
}

func TestAutoHealUsesHealingAgent(t *testing.T) {
	fake := execshell.NewFake().
		Respond("/opt/opshive/agents/healing_agent.py", execshell.Result{Stdout: "healed api.service"})
	inv := newInvoker(testRegistry(t), fake)

	ok, msg := inv.AutoHeal(context.Background(), "api.service")
	assert.True(t, ok)
	assert.Equal(t, "healed api.service", msg)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"--once", "--service", "api.service"}, calls[0].Args)
}
