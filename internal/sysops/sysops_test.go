package sysops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/faults"
)

func TestDockerInspectStates(t *testing.T) {
	tests := []struct {
		name string
		res  execshell.Result
		want ContainerState
	}{
		{"running", execshell.Result{Stdout: "running\n"}, ContainerState{Exists: true, Running: true, Status: "running"}},
		{"exited", execshell.Result{Stdout: "exited"}, ContainerState{Exists: true, Running: false, Status: "exited"}},
		{"missing", execshell.Result{ExitCode: 1, Stderr: "Error: No such object: ghost"}, ContainerState{Exists: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := execshell.NewFake()
			fake.Respond("docker inspect", tt.res)
			st, err := Docker{Run: fake}.Inspect(context.Background(), "ghost")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
		})
	}
}

func TestDockerInspectRunnerErrorIsTransient(t *testing.T) {
	fake := execshell.NewFake()
	fake.RespondErr("docker inspect", assert.AnError)

	_, err := Docker{Run: fake}.Inspect(context.Background(), "api")
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}

func TestDockerListRunning(t *testing.T) {
	fake := execshell.NewFake()
	fake.Respond("docker ps", execshell.Result{Stdout: "api-1\napi-2\n"})

	names, err := Docker{Run: fake}.ListRunning(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, []string{"api-1", "api-2"}, names)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Args, "name=api")
}

func TestSystemdStatusParsing(t *testing.T) {
	fake := execshell.NewFake()
	fake.Respond("systemctl show", execshell.Result{Stdout: "ActiveState=active\nSubState=running\n"})

	st, err := Systemd{Run: fake}.Status(context.Background(), "api.service")
	require.NoError(t, err)
	assert.True(t, st.Active())
	assert.False(t, st.Failed())
	assert.Equal(t, "running", st.SubState)
}

func TestSystemdStatusFailedUnit(t *testing.T) {
	fake := execshell.NewFake()
	fake.Respond("systemctl show", execshell.Result{Stdout: "ActiveState=failed\nSubState=failed"})

	st, err := Systemd{Run: fake}.Status(context.Background(), "api.service")
	require.NoError(t, err)
	assert.True(t, st.Failed())
}

func TestSystemdDependenciesSkipsHeader(t *testing.T) {
	fake := execshell.NewFake()
	fake.Respond("systemctl list-dependencies", execshell.Result{
		Stdout: "api.service\nnetwork.target\npostgresql.service\n",
	})

	deps, err := Systemd{Run: fake}.Dependencies(context.Background(), "api.service")
	require.NoError(t, err)
	assert.Equal(t, []string{"network.target", "postgresql.service"}, deps)
}
