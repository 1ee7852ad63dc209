// Package health evaluates a declarative catalogue of platform
// services with kind-specific probes and optionally dispatches fixes
// for the ones found unhealthy.
package health

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opshive/opshive/internal/faults"
	"github.com/opshive/opshive/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type catalogueFile struct {
	Services []models.ServiceDescriptor `yaml:"services"`
}

// LoadCatalogue reads and validates the service catalogue YAML.
func LoadCatalogue(path string) ([]models.ServiceDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return ParseCatalogue(raw)
}

// ParseCatalogue decodes catalogue YAML and checks per-kind field
// requirements.
func ParseCatalogue(raw []byte) ([]models.ServiceDescriptor, error) {
	var file catalogueFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, faults.Validationf("services", "invalid catalogue yaml: %v", err)
	}
	if len(file.Services) == 0 {
		return nil, faults.Validationf("services", "catalogue declares no services")
	}
	seen := make(map[string]struct{}, len(file.Services))
	for i := range file.Services {
		d := &file.Services[i]
		if err := validate.Struct(d); err != nil {
			return nil, faults.Validationf("services", "service %q: %v", d.ID, err)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, faults.Validationf("services", "duplicate service id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		if err := checkKindFields(d); err != nil {
			return nil, err
		}
	}
	return file.Services, nil
}

func checkKindFields(d *models.ServiceDescriptor) error {
	missing := func(field string) error {
		return faults.Validationf(field, "service %q (kind %s) requires %s", d.ID, d.Kind, field)
	}
	switch d.Kind {
	case models.ServiceHTTP:
		if d.URL == "" {
			return missing("url")
		}
	case models.ServiceDockerExec:
		if d.Container == "" {
			return missing("container")
		}
		if d.CheckCommand == "" {
			return missing("check_command")
		}
	case models.ServiceSystemd:
		if d.SystemdUnit == "" {
			return missing("systemd_unit")
		}
	case models.ServiceSystemdDB:
		if d.SystemdUnit == "" {
			return missing("systemd_unit")
		}
		if d.DBTest == "" {
			return missing("db_test")
		}
	case models.ServiceContainer:
		if d.Container == "" {
			return missing("container")
		}
	case models.ServiceContainerHTTP:
		if d.Container == "" {
			return missing("container")
		}
		if d.URL == "" {
			return missing("url")
		}
	case models.ServiceMCP:
		if d.MCPName == "" {
			return missing("mcp_name")
		}
	default:
		return faults.Validationf("kind", "service %q: unknown kind %q", d.ID, d.Kind)
	}
	return nil
}
