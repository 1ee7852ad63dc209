package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/pkg/models"
)

func TestParseCatalogue(t *testing.T) {
	raw := []byte(`
services:
  - id: api
    name: Public API
    kind: http
    critical: true
    url: http://localhost:8080/health
    expected_status: [200, 204]
    timeout: 5
  - id: worker
    name: Worker unit
    kind: systemd
    systemd_unit: opshive-worker.service
  - id: cache
    name: Cache container
    kind: container
    container: opshive-cache
`)
	services, err := ParseCatalogue(raw)
	require.NoError(t, err)
	require.Len(t, services, 3)
	assert.Equal(t, models.ServiceHTTP, services[0].Kind)
	assert.True(t, services[0].Critical)
	assert.Equal(t, []int{200, 204}, services[0].ExpectedStatus)
	assert.Equal(t, "opshive-worker.service", services[1].SystemdUnit)
}

func TestParseCatalogueRejectsBadDescriptors(t *testing.T) {
	cases := map[string]string{
		"missing url": `
services:
  - {id: a, name: A, kind: http}
`,
		"missing check command": `
services:
  - {id: a, name: A, kind: docker_exec, container: c}
`,
		"unknown kind": `
services:
  - {id: a, name: A, kind: carrier-pigeon}
`,
		"duplicate id": `
services:
  - {id: a, name: A, kind: container, container: c}
  - {id: a, name: B, kind: container, container: d}
`,
		"empty": `services: []`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalogue([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/teapot" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	catalogue := []models.ServiceDescriptor{
		{ID: "good", Name: "good", Kind: models.ServiceHTTP, URL: srv.URL + "/health", ExpectedStatus: []int{200}},
		{ID: "bad-status", Name: "bad", Kind: models.ServiceHTTP, URL: srv.URL + "/teapot", ExpectedStatus: []int{200}},
	}
	m := NewMonitor(catalogue, execshell.NewFake())
	results := m.RunHealthCheck(context.Background(), false)

	assert.True(t, results["good"].Healthy)
	assert.Equal(t, 200, results["good"].HTTPCode)

	assert.False(t, results["bad-status"].Healthy)
	assert.Equal(t, http.StatusTeapot, results["bad-status"].HTTPCode)
	assert.Contains(t, results["bad-status"].Error, "unexpected status 418")
}

func TestHTTPProbeConnectionRefused(t *testing.T) {
	catalogue := []models.ServiceDescriptor{
		// Reserved port with nothing listening.
		{ID: "down", Name: "down", Kind: models.ServiceHTTP, URL: "http://127.0.0.1:1", TimeoutSecs: 2},
	}
	m := NewMonitor(catalogue, execshell.NewFake())
	res, ok := m.CheckService(context.Background(), "down", false)
	require.True(t, ok)
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Error, "connection refused")
}

func TestHTTPProbeSkipsWhenContainerDown(t *testing.T) {
	fake := execshell.NewFake().
		Respond("docker inspect -f {{.State.Status}} web", execshell.Result{Stdout: "exited"})
	catalogue := []models.ServiceDescriptor{
		{ID: "web", Name: "web", Kind: models.ServiceHTTP, Container: "web", URL: "http://127.0.0.1:1"},
	}
	m := NewMonitor(catalogue, fake)
	res, _ := m.CheckService(context.Background(), "web", false)

	assert.False(t, res.Healthy)
	require.NotNil(t, res.ContainerRunning)
	assert.False(t, *res.ContainerRunning)
	assert.Contains(t, res.Error, "container web is exited")
	// The HTTP request must have been skipped entirely.
	assert.Zero(t, res.HTTPCode)
}

func TestDockerExecProbe(t *testing.T) {
	fake := execshell.NewFake().
		Respond("docker inspect -f {{.State.Status}} db", execshell.Result{Stdout: "running"}).
		Respond("docker exec db sh -c pg_isready", execshell.Result{ExitCode: 0})
	catalogue := []models.ServiceDescriptor{
		{ID: "db", Name: "db", Kind: models.ServiceDockerExec, Container: "db", CheckCommand: "pg_isready"},
	}
	m := NewMonitor(catalogue, fake)
	res, _ := m.CheckService(context.Background(), "db", false)
	assert.True(t, res.Healthy)

	fake2 := execshell.NewFake().
		Respond("docker inspect -f {{.State.Status}} db", execshell.Result{Stdout: "running"}).
		Respond("docker exec db", execshell.Result{ExitCode: 2, Stderr: "no response"})
	m2 := NewMonitor(catalogue, fake2)
	res2, _ := m2.CheckService(context.Background(), "db", false)
	assert.False(t, res2.Healthy)
	assert.Contains(t, res2.Error, "exited 2")
}

func TestSystemdProbe(t *testing.T) {
	active := execshell.Result{Stdout: "ActiveState=active\nSubState=running"}
	failed := execshell.Result{Stdout: "ActiveState=failed\nSubState=failed"}

	fake := execshell.NewFake().
		Respond("systemctl show good.service", active).
		Respond("systemctl show broken.service", failed)
	catalogue := []models.ServiceDescriptor{
		{ID: "good", Name: "good", Kind: models.ServiceSystemd, SystemdUnit: "good.service"},
		{ID: "broken", Name: "broken", Kind: models.ServiceSystemd, SystemdUnit: "broken.service", Critical: true},
	}
	m := NewMonitor(catalogue, fake)
	results := m.RunHealthCheck(context.Background(), false)

	assert.True(t, results["good"].Healthy)
	assert.Equal(t, "active", results["good"].ActiveState)
	assert.False(t, results["broken"].Healthy)
	assert.Contains(t, results["broken"].Error, "failed")

	assert.Equal(t, 2, ExitCode(results))
}

func TestSystemdDBProbe(t *testing.T) {
	fake := execshell.NewFake().
		Respond("systemctl show pg.service", execshell.Result{Stdout: "ActiveState=active\nSubState=running"}).
		Respond("sh -c psql -c 'SELECT 1'", execshell.Result{ExitCode: 1, Stderr: "could not connect"})
	catalogue := []models.ServiceDescriptor{
		{ID: "pg", Name: "pg", Kind: models.ServiceSystemdDB, SystemdUnit: "pg.service", DBTest: "psql -c 'SELECT 1'"},
	}
	m := NewMonitor(catalogue, fake)
	res, _ := m.CheckService(context.Background(), "pg", false)

	assert.False(t, res.Healthy)
	assert.Equal(t, "active", res.ActiveState)
	assert.Contains(t, res.Error, "db probe exited 1")
}

func TestMCPProbe(t *testing.T) {
	catalogue := []models.ServiceDescriptor{
		{ID: "kb", Name: "kb", Kind: models.ServiceMCP, MCPName: "knowledge-base"},
		{ID: "gone", Name: "gone", Kind: models.ServiceMCP, MCPName: "retired"},
	}
	m := NewMonitor(catalogue, execshell.NewFake(),
		WithMCPRegistry(staticMCP{"knowledge-base": true}))
	results := m.RunHealthCheck(context.Background(), false)
	assert.True(t, results["kb"].Healthy)
	assert.False(t, results["gone"].Healthy)
}

type staticMCP map[string]bool

func (s staticMCP) HasServer(name string) bool { return s[name] }

func TestGracePeriodDowngradesFirstFailure(t *testing.T) {
	fake := execshell.NewFake().
		Respond("docker inspect", execshell.Result{Stdout: "restarting"})
	catalogue := []models.ServiceDescriptor{
		{ID: "cache", Name: "cache", Kind: models.ServiceContainer, Container: "cache", StartupGraceSecs: 30},
	}
	m := NewMonitor(catalogue, fake)
	now := time.Now()
	m.now = func() time.Time { return now }

	// No recorded restart: failure is a failure.
	res, _ := m.CheckService(context.Background(), "cache", false)
	assert.False(t, res.Healthy)

	// Within the grace window the failure is a warning.
	m.RecordRestart("cache")
	res, _ = m.CheckService(context.Background(), "cache", false)
	assert.True(t, res.Healthy)
	assert.Contains(t, res.Warning, "recently restarted")

	// Once the window elapses the failure surfaces again.
	m.now = func() time.Time { return now.Add(31 * time.Second) }
	res, _ = m.CheckService(context.Background(), "cache", false)
	assert.False(t, res.Healthy)
}

type scriptedFixer struct {
	report models.FixReport
	issues []models.Issue
}

func (s *scriptedFixer) Fix(_ context.Context, issue models.Issue) models.FixReport {
	s.issues = append(s.issues, issue)
	return s.report
}

func TestAutoFixDispatchAndReprobe(t *testing.T) {
	fake := execshell.NewFake().
		RespondOnce("docker inspect -f {{.State.Status}} cache", execshell.Result{Stdout: "exited"}).
		Respond("docker inspect -f {{.State.Status}} cache", execshell.Result{Stdout: "running"})
	fixer := &scriptedFixer{report: models.FixReport{Success: true, SuccessfulStrategy: "basic_restart"}}

	catalogue := []models.ServiceDescriptor{
		{ID: "cache", Name: "cache", Kind: models.ServiceContainer, Container: "cache", Critical: true, Fix: "deep_restart"},
	}
	m := NewMonitor(catalogue, fake, WithFixer(fixer))
	res, _ := m.CheckService(context.Background(), "cache", true)

	require.Len(t, fixer.issues, 1)
	assert.Equal(t, models.IssueContainerFailure, fixer.issues[0].Type)
	assert.Equal(t, "cache", fixer.issues[0].Container)
	assert.Equal(t, "deep_restart", fixer.issues[0].FixStrategy)
	assert.True(t, res.Healthy)
	assert.True(t, res.FixAttempted)
	assert.True(t, res.AutoFixed)
}

func TestAutoFixFailureKeepsUnhealthy(t *testing.T) {
	fake := execshell.NewFake().
		Respond("systemctl show api.service", execshell.Result{Stdout: "ActiveState=failed\nSubState=failed"})
	fixer := &scriptedFixer{report: models.FixReport{Success: false, FinalMessage: "all strategies failed"}}

	catalogue := []models.ServiceDescriptor{
		{ID: "api", Name: "api", Kind: models.ServiceSystemd, SystemdUnit: "api.service"},
	}
	m := NewMonitor(catalogue, fake, WithFixer(fixer))
	res, _ := m.CheckService(context.Background(), "api", true)

	assert.False(t, res.Healthy)
	assert.True(t, res.FixAttempted)
	assert.False(t, res.AutoFixed)
	require.Len(t, fixer.issues, 1)
	assert.Equal(t, models.IssueServiceFailure, fixer.issues[0].Type)
	assert.Equal(t, "api.service", fixer.issues[0].Service)
}

func TestExitCode(t *testing.T) {
	ok := models.HealthResult{Healthy: true}
	warn := models.HealthResult{Healthy: false}
	crit := models.HealthResult{Healthy: false, Critical: true}

	assert.Equal(t, 0, ExitCode(map[string]models.HealthResult{"a": ok}))
	assert.Equal(t, 1, ExitCode(map[string]models.HealthResult{"a": ok, "b": warn}))
	assert.Equal(t, 2, ExitCode(map[string]models.HealthResult{"a": warn, "b": crit}))
}

func TestReportRender(t *testing.T) {
	results := map[string]models.HealthResult{
		"api":   {ServiceID: "api", Healthy: true, Kind: models.ServiceHTTP, HTTPCode: 200},
		"cache": {ServiceID: "cache", Healthy: false, Critical: true, Kind: models.ServiceContainer, Error: "container cache is exited"},
	}
	rep := NewReport(results)
	assert.Equal(t, 1, rep.Healthy)
	assert.Equal(t, 1, rep.Unhealthy)
	assert.Equal(t, 1, rep.Critical)

	out := rep.Render()
	assert.Contains(t, out, "[OK  ] api")
	assert.Contains(t, out, "[CRIT] cache")
	assert.Contains(t, out, "container cache is exited")

	raw, err := rep.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"critical_unhealthy": 1`)
}
