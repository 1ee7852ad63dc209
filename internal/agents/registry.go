// Package agents maps capability tags to invocable workers: subprocess
// agents, MCP tools behind a shim, and plain commands.
package agents

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opshive/opshive/internal/faults"
)

// AgentKind selects the invocation mechanism.
type AgentKind string

const (
	KindSubprocess AgentKind = "subprocess"
	KindMCP        AgentKind = "mcp"
	KindCommand    AgentKind = "command"
)

// AgentDescriptor declares how one capability is invoked.
type AgentDescriptor struct {
	Capability  string    `yaml:"capability" validate:"required"`
	Kind        AgentKind `yaml:"kind" validate:"required,oneof=subprocess mcp command"`
	Description string    `yaml:"description,omitempty"`

	// subprocess
	Executable string `yaml:"executable,omitempty"`
	Method     string `yaml:"method,omitempty"`

	// mcp
	Server      string `yaml:"server,omitempty"`
	DefaultTool string `yaml:"tool,omitempty"`

	// command
	Command string `yaml:"command,omitempty"`

	// Breaker overrides the default breaker name for this capability.
	Breaker string `yaml:"breaker,omitempty"`
}

type registryFile struct {
	Agents     []AgentDescriptor `yaml:"agents"`
	MCPServers []string          `yaml:"mcp_servers,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Registry is the static capability table loaded at startup.
type Registry struct {
	byCapability map[string]AgentDescriptor
	mcpServers   map[string]struct{}
}

// LoadRegistry reads and validates the agent registry YAML.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent registry: %w", err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry decodes registry YAML and checks per-kind fields.
func ParseRegistry(raw []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, faults.Validationf("agents", "invalid registry yaml: %v", err)
	}
	reg := &Registry{
		byCapability: make(map[string]AgentDescriptor, len(file.Agents)),
		mcpServers:   make(map[string]struct{}),
	}
	for _, d := range file.Agents {
		if err := validate.Struct(d); err != nil {
			return nil, faults.Validationf("agents", "agent %q: %v", d.Capability, err)
		}
		if _, dup := reg.byCapability[d.Capability]; dup {
			return nil, faults.Validationf("agents", "duplicate capability %q", d.Capability)
		}
		switch d.Kind {
		case KindSubprocess:
			if d.Executable == "" {
				return nil, faults.Validationf("executable", "agent %q needs an executable", d.Capability)
			}
		case KindMCP:
			if d.Server == "" {
				return nil, faults.Validationf("server", "agent %q needs an mcp server", d.Capability)
			}
			reg.mcpServers[d.Server] = struct{}{}
		case KindCommand:
			if d.Command == "" {
				return nil, faults.Validationf("command", "agent %q needs a command", d.Capability)
			}
		}
		reg.byCapability[d.Capability] = d
	}
	for _, s := range file.MCPServers {
		reg.mcpServers[s] = struct{}{}
	}
	return reg, nil
}

// Lookup resolves a capability tag.
func (r *Registry) Lookup(capability string) (AgentDescriptor, bool) {
	d, ok := r.byCapability[capability]
	return d, ok
}

// Capabilities lists the registered tags, sorted.
func (r *Registry) Capabilities() []string {
	out := make([]string, 0, len(r.byCapability))
	for c := range r.byCapability {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// HasServer reports whether an MCP server is known to the registry.
// Satisfies the health monitor's mcp probe.
func (r *Registry) HasServer(name string) bool {
	_, ok := r.mcpServers[name]
	return ok
}
