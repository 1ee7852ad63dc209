// Package orchestrator ingests task lists from files, persists them,
// and executes them against the agent registry while honoring
// dependencies.
package orchestrator

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opshive/opshive/internal/faults"
	"github.com/opshive/opshive/pkg/models"
)

// ParsedList is the outcome of ingesting one input file.
type ParsedList struct {
	List  models.TaskList
	Tasks []models.Task
}

// SupportedExtension reports whether the daemon should pick a file up.
func SupportedExtension(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".csv", ".md", ".txt":
		return true
	}
	return false
}

// ParseFile ingests one task list file, detecting the format by
// extension.
func ParseFile(path string) (*ParsedList, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var tasks []models.Task
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		tasks, err = parseJSON(raw)
	case ".csv":
		tasks, err = parseCSV(raw)
	case ".md":
		tasks, err = parseMarkdown(raw)
	case ".txt":
		tasks, err = parseText(raw)
	default:
		return nil, faults.Validationf("path", "unsupported task file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, faults.Validationf("tasks", "file %s contains no tasks", filepath.Base(path))
	}

	now := time.Now().UTC()
	list := models.TaskList{
		ListID:    uuid.NewString(),
		Name:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Source:    path,
		CreatedAt: now,
		Total:     len(tasks),
	}
	stamp := now.Format("20060102150405")
	for i := range tasks {
		t := &tasks[i]
		t.ListID = list.ListID
		if t.TaskID == "" {
			t.TaskID = fmt.Sprintf("task-%s-%d", stamp, i)
		}
		if t.Status == "" {
			t.Status = models.TaskPending
		}
		if t.Priority == 0 {
			t.Priority = models.PriorityMedium
		}
		if t.CreatedAt.IsZero() {
			// Preserve file order for equal priorities.
			t.CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
		}
	}
	return &ParsedList{List: list, Tasks: tasks}, nil
}

// ── JSON ─────────────────────────────────────────────────────

type jsonTask struct {
	TaskID      string                 `json:"task_id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Agent       string                 `json:"agent"`
	Priority    int                    `json:"priority"`
	DependsOn   []string               `json:"depends_on"`
	Params      map[string]interface{} `json:"params"`
	MaxRetries  int                    `json:"max_retries"`
}

func (j jsonTask) toTask() models.Task {
	return models.Task{
		TaskID:      j.TaskID,
		Title:       j.Title,
		Description: j.Description,
		Agent:       j.Agent,
		Priority:    models.TaskPriority(j.Priority),
		DependsOn:   j.DependsOn,
		Params:      j.Params,
		MaxRetries:  j.MaxRetries,
	}
}

// parseJSON accepts either a bare array or {"tasks": [...]}.
func parseJSON(raw []byte) ([]models.Task, error) {
	var arr []jsonTask
	if err := json.Unmarshal(raw, &arr); err != nil {
		var wrapper struct {
			Tasks []jsonTask `json:"tasks"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, faults.Validationf("tasks", "invalid task json: %v", err)
		}
		arr = wrapper.Tasks
	}
	tasks := make([]models.Task, 0, len(arr))
	for _, j := range arr {
		tasks = append(tasks, j.toTask())
	}
	return tasks, nil
}

// ── CSV ──────────────────────────────────────────────────────

// parseCSV reads rows of id,title,description,agent,priority,
// depends_on,params. depends_on is semicolon-joined; params is an
// embedded JSON object. A leading header row is skipped.
func parseCSV(raw []byte) ([]models.Task, error) {
	r := csv.NewReader(strings.NewReader(string(raw)))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, faults.Validationf("tasks", "invalid task csv: %v", err)
	}

	var tasks []models.Task
	for i, row := range rows {
		if i == 0 && len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "id") {
			continue
		}
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" && len(row) == 1 {
			continue
		}
		field := func(idx int) string {
			if idx < len(row) {
				return strings.TrimSpace(row[idx])
			}
			return ""
		}
		t := models.Task{
			TaskID:      field(0),
			Title:       field(1),
			Description: field(2),
			Agent:       field(3),
		}
		if p := field(4); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				t.Priority = models.ParsePriority(p)
			} else {
				t.Priority = models.TaskPriority(n)
			}
		}
		if deps := field(5); deps != "" {
			for _, d := range strings.Split(deps, ";") {
				if d = strings.TrimSpace(d); d != "" {
					t.DependsOn = append(t.DependsOn, d)
				}
			}
		}
		if params := field(6); params != "" {
			if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
				return nil, faults.Validationf("params", "row %d: invalid params json: %v", i+1, err)
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ── Markdown checklist ───────────────────────────────────────

var (
	checklistRe = regexp.MustCompile(`^\s*-\s*\[([ xX])\]\s*(.+)$`)
	metadataRe  = regexp.MustCompile(`\(([^)]*(?:agent|priority|depends):[^)]*)\)\s*$`)
)

// parseMarkdown reads one task per checklist line. Inline metadata
// lives in a trailing parenthesized group, e.g.
// "- [ ] Rotate certs (agent: certs, priority: high, depends: backup)".
// A checked box means the task is already COMPLETED.
func parseMarkdown(raw []byte) ([]models.Task, error) {
	var tasks []models.Task
	for _, line := range strings.Split(string(raw), "\n") {
		m := checklistRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		t := models.Task{Title: strings.TrimSpace(m[2])}
		if m[1] != " " {
			t.Status = models.TaskCompleted
		}

		if meta := metadataRe.FindStringSubmatch(t.Title); meta != nil {
			t.Title = strings.TrimSpace(strings.TrimSuffix(t.Title, meta[0]))
			for _, kv := range strings.Split(meta[1], ",") {
				key, val, ok := strings.Cut(kv, ":")
				if !ok {
					continue
				}
				key, val = strings.TrimSpace(key), strings.TrimSpace(val)
				switch key {
				case "agent":
					t.Agent = val
				case "priority":
					if n, err := strconv.Atoi(val); err == nil {
						t.Priority = models.TaskPriority(n)
					} else {
						t.Priority = models.ParsePriority(val)
					}
				case "depends":
					for _, d := range strings.Split(val, ";") {
						if d = strings.TrimSpace(d); d != "" {
							t.DependsOn = append(t.DependsOn, d)
						}
					}
				}
			}
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ── Plain text ───────────────────────────────────────────────

// parseText reads one task per non-comment line. There is no agent
// column, so routing will fail unless an "unknown" agent is registered.
func parseText(raw []byte) ([]models.Task, error) {
	var tasks []models.Task
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tasks = append(tasks, models.Task{Title: line, Agent: "unknown"})
	}
	return tasks, nil
}
