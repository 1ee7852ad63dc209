package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/sysops"
	"github.com/opshive/opshive/pkg/models"
)

const defaultProbeTimeout = 10 * time.Second

// MCPRegistry answers whether an MCP server is known to the platform.
type MCPRegistry interface {
	HasServer(name string) bool
}

// prober evaluates a single descriptor against the live system.
type prober struct {
	docker  sysops.Docker
	systemd sysops.Systemd
	runner  execshell.Runner
	client  *http.Client
	mcp     MCPRegistry
}

func (p *prober) probe(ctx context.Context, d *models.ServiceDescriptor) models.HealthResult {
	res := models.HealthResult{
		ServiceID: d.ID,
		Critical:  d.Critical,
		Kind:      d.Kind,
		CheckedAt: time.Now().UTC(),
	}
	switch d.Kind {
	case models.ServiceHTTP:
		p.probeHTTP(ctx, d, &res)
	case models.ServiceDockerExec:
		p.probeDockerExec(ctx, d, &res)
	case models.ServiceSystemd:
		p.probeSystemd(ctx, d, &res)
	case models.ServiceSystemdDB:
		p.probeSystemdDB(ctx, d, &res)
	case models.ServiceContainer:
		p.probeContainer(ctx, d, &res)
	case models.ServiceContainerHTTP:
		p.probeContainer(ctx, d, &res)
		if res.Healthy {
			p.probeHTTP(ctx, d, &res)
		}
	case models.ServiceMCP:
		p.probeMCP(d, &res)
	default:
		res.Error = fmt.Sprintf("unknown service kind %q", d.Kind)
	}
	return res
}

func (p *prober) probeHTTP(ctx context.Context, d *models.ServiceDescriptor, res *models.HealthResult) {
	res.Healthy = false
	if d.Container != "" {
		state, err := p.docker.Inspect(ctx, d.Container)
		if err != nil {
			res.Error = fmt.Sprintf("container check failed: %v", err)
			return
		}
		running := state.Running
		res.ContainerRunning = &running
		if !state.Exists {
			res.Error = fmt.Sprintf("container %s does not exist", d.Container)
			return
		}
		if !state.Running {
			res.Error = fmt.Sprintf("container %s is %s, not running", d.Container, state.Status)
			return
		}
	}

	timeout := defaultProbeTimeout
	if d.TimeoutSecs > 0 {
		timeout = time.Duration(d.TimeoutSecs) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, d.URL, nil)
	if err != nil {
		res.Error = fmt.Sprintf("bad url: %v", err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		res.Error = describeHTTPError(err, timeout)
		return
	}
	defer resp.Body.Close()

	res.HTTPCode = resp.StatusCode
	expected := d.ExpectedStatus
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}
	for _, code := range expected {
		if resp.StatusCode == code {
			res.Healthy = true
			res.Error = ""
			return
		}
	}
	res.Error = fmt.Sprintf("unexpected status %d (want one of %v)", resp.StatusCode, expected)
}

// describeHTTPError keeps timeouts, refusals and other transport
// failures distinguishable in the report.
func describeHTTPError(err error, timeout time.Duration) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Sprintf("request timed out after %s", timeout)
	case strings.Contains(err.Error(), "connection refused"):
		return "connection refused"
	default:
		return fmt.Sprintf("request failed: %v", err)
	}
}

func (p *prober) probeDockerExec(ctx context.Context, d *models.ServiceDescriptor, res *models.HealthResult) {
	state, err := p.docker.Inspect(ctx, d.Container)
	if err != nil {
		res.Error = fmt.Sprintf("container check failed: %v", err)
		return
	}
	running := state.Running
	res.ContainerRunning = &running
	if !state.Running {
		res.Error = fmt.Sprintf("container %s is not running", d.Container)
		return
	}
	out, err := p.docker.Exec(ctx, d.Container, "sh", "-c", d.CheckCommand)
	if err != nil {
		res.Error = fmt.Sprintf("check command failed: %v", err)
		return
	}
	if out.TimedOut {
		res.Error = "check command timed out"
		return
	}
	if out.ExitCode != 0 {
		res.Error = fmt.Sprintf("check command exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
		return
	}
	res.Healthy = true
}

func (p *prober) probeSystemd(ctx context.Context, d *models.ServiceDescriptor, res *models.HealthResult) {
	st, err := p.systemd.Status(ctx, d.SystemdUnit)
	if err != nil {
		res.Error = fmt.Sprintf("unit status failed: %v", err)
		return
	}
	res.ActiveState = st.ActiveState
	if !st.Active() {
		res.Error = fmt.Sprintf("unit %s is %s", d.SystemdUnit, st.ActiveState)
		return
	}
	if st.SubState != "" && st.SubState != "running" && st.SubState != "exited" {
		res.Error = fmt.Sprintf("unit %s sub-state is %s", d.SystemdUnit, st.SubState)
		return
	}
	res.Healthy = true
}

func (p *prober) probeSystemdDB(ctx context.Context, d *models.ServiceDescriptor, res *models.HealthResult) {
	p.probeSystemd(ctx, d, res)
	if !res.Healthy {
		return
	}
	res.Healthy = false
	out, err := p.runner.Run(ctx, defaultProbeTimeout, "sh", "-c", d.DBTest)
	if err != nil {
		res.Error = fmt.Sprintf("db probe failed: %v", err)
		return
	}
	if out.TimedOut {
		res.Error = "db probe timed out"
		return
	}
	if out.ExitCode != 0 {
		res.Error = fmt.Sprintf("db probe exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
		return
	}
	res.Healthy = true
}

func (p *prober) probeContainer(ctx context.Context, d *models.ServiceDescriptor, res *models.HealthResult) {
	state, err := p.docker.Inspect(ctx, d.Container)
	if err != nil {
		res.Error = fmt.Sprintf("container check failed: %v", err)
		return
	}
	running := state.Running
	res.ContainerRunning = &running
	if !state.Exists {
		res.Error = fmt.Sprintf("container %s does not exist", d.Container)
		return
	}
	if !state.Running {
		res.Error = fmt.Sprintf("container %s is %s", d.Container, state.Status)
		return
	}
	res.Healthy = true
}

func (p *prober) probeMCP(d *models.ServiceDescriptor, res *models.HealthResult) {
	if p.mcp == nil {
		res.Error = "no mcp registry configured"
		return
	}
	if !p.mcp.HasServer(d.MCPName) {
		res.Error = fmt.Sprintf("mcp server %s not registered", d.MCPName)
		return
	}
	res.Healthy = true
}
