package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opshive/opshive/pkg/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseJSONArray(t *testing.T) {
	path := writeFile(t, "list.json", `[
		{"task_id": "a", "title": "Build", "agent": "builder", "priority": 8},
		{"title": "Deploy", "agent": "deploy", "depends_on": ["a"],
		 "params": {"target_env": "staging"}}
	]`)
	parsed, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, parsed.Tasks, 2)

	assert.Equal(t, "list", parsed.List.Name)
	assert.Equal(t, 2, parsed.List.Total)

	a, b := parsed.Tasks[0], parsed.Tasks[1]
	assert.Equal(t, "a", a.TaskID)
	assert.Equal(t, models.PriorityHigh, a.Priority)
	assert.Equal(t, models.TaskPending, a.Status)

	assert.Regexp(t, `^task-\d{14}-1$`, b.TaskID)
	assert.Equal(t, []string{"a"}, b.DependsOn)
	assert.Equal(t, "staging", b.Params["target_env"])
	assert.Equal(t, models.PriorityMedium, b.Priority)
}

func TestParseJSONWrappedObject(t *testing.T) {
	path := writeFile(t, "list.json", `{"tasks": [{"title": "One", "agent": "x"}]}`)
	parsed, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, parsed.Tasks, 1)
	assert.Equal(t, "One", parsed.Tasks[0].Title)
}

func TestParseCSV(t *testing.T) {
	path := writeFile(t, "list.csv",
		"id,title,description,agent,priority,depends_on,params\n"+
			`t1,Backup,nightly backup,backup,10,,"{""retention"": 7}"`+"\n"+
			"t2,Verify,check backup,verify,5,t1;Backup,\n")
	parsed, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, parsed.Tasks, 2)

	t1 := parsed.Tasks[0]
	assert.Equal(t, "t1", t1.TaskID)
	assert.Equal(t, models.PriorityCritical, t1.Priority)
	assert.Equal(t, float64(7), t1.Params["retention"])

	t2 := parsed.Tasks[1]
	assert.Equal(t, []string{"t1", "Backup"}, t2.DependsOn)
}

func TestParseMarkdownChecklist(t *testing.T) {
	path := writeFile(t, "list.md", `# Ops runbook

- [x] Provision VM (agent: provision, priority: high)
- [ ] Install packages (agent: install, depends: Provision VM)
- [ ] Smoke test (agent: smoketest, priority: critical, depends: Install packages)
not a task line
`)
	parsed, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, parsed.Tasks, 3)

	provision := parsed.Tasks[0]
	assert.Equal(t, "Provision VM", provision.Title)
	assert.Equal(t, models.TaskCompleted, provision.Status)
	assert.Equal(t, models.PriorityHigh, provision.Priority)

	install := parsed.Tasks[1]
	assert.Equal(t, "Install packages", install.Title)
	assert.Equal(t, models.TaskPending, install.Status)
	assert.Equal(t, []string{"Provision VM"}, install.DependsOn)

	smoke := parsed.Tasks[2]
	assert.Equal(t, models.PriorityCritical, smoke.Priority)
}

func TestParsePlainText(t *testing.T) {
	path := writeFile(t, "list.txt", `# comment line
Rotate logs

Check disk space
`)
	parsed, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, parsed.Tasks, 2)
	assert.Equal(t, "Rotate logs", parsed.Tasks[0].Title)
	assert.Equal(t, "unknown", parsed.Tasks[0].Agent)
}

func TestParseRejectsEmptyAndUnknown(t *testing.T) {
	empty := writeFile(t, "empty.json", `[]`)
	_, err := ParseFile(empty)
	assert.Error(t, err)

	unknown := writeFile(t, "list.xml", `<tasks/>`)
	_, err = ParseFile(unknown)
	assert.Error(t, err)
}

func TestSupportedExtension(t *testing.T) {
	assert.True(t, SupportedExtension("a.json"))
	assert.True(t, SupportedExtension("b.MD"))
	assert.False(t, SupportedExtension("c.yaml"))
	assert.False(t, SupportedExtension("d"))
}
