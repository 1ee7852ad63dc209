package health

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opshive/opshive/pkg/models"
)

// Report is the serializable outcome of one catalogue sweep.
type Report struct {
	Healthy   int                            `json:"healthy"`
	Unhealthy int                            `json:"unhealthy"`
	Critical  int                            `json:"critical_unhealthy"`
	Services  map[string]models.HealthResult `json:"services"`
}

// NewReport summarizes a result map.
func NewReport(results map[string]models.HealthResult) Report {
	rep := Report{Services: results}
	for _, r := range results {
		if r.Healthy {
			rep.Healthy++
			continue
		}
		rep.Unhealthy++
		if r.Critical {
			rep.Critical++
		}
	}
	return rep
}

// JSON renders the report for machine consumers.
func (r Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Render writes the human-readable report.
func (r Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Platform health: %d healthy, %d unhealthy", r.Healthy, r.Unhealthy)
	if r.Critical > 0 {
		fmt.Fprintf(&b, " (%d critical)", r.Critical)
	}
	b.WriteString("\n\n")
	for _, id := range sortedIDs(r.Services) {
		res := r.Services[id]
		mark := "OK  "
		if !res.Healthy {
			if res.Critical {
				mark = "CRIT"
			} else {
				mark = "WARN"
			}
		}
		fmt.Fprintf(&b, "  [%s] %-28s %s", mark, id, res.Kind)
		if res.HTTPCode != 0 {
			fmt.Fprintf(&b, " http=%d", res.HTTPCode)
		}
		if res.ActiveState != "" {
			fmt.Fprintf(&b, " state=%s", res.ActiveState)
		}
		if res.ContainerRunning != nil {
			fmt.Fprintf(&b, " container_running=%t", *res.ContainerRunning)
		}
		if res.AutoFixed {
			b.WriteString(" auto_fixed")
		} else if res.FixAttempted {
			b.WriteString(" fix_attempted")
		}
		if res.Error != "" {
			fmt.Fprintf(&b, "\n         %s", res.Error)
		}
		if res.Warning != "" {
			fmt.Fprintf(&b, "\n         warning: %s", res.Warning)
		}
		b.WriteString("\n")
	}
	return b.String()
}
