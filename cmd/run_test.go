package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/internal/workflow"
)

func TestRunCmd_Offline(t *testing.T) {
	dir, cfgPath := resetForTest(t)
	pages := writeFile(t, dir, "pages.yaml", testPagesYAML)
	tmpl := writeFile(t, dir, "cart.yaml", cartTemplate)

	out, err := executeCommand(t, "run", "--config", cfgPath, "--pages", pages, tmpl)
	require.NoError(t, err)

	var res workflow.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "cart", res.WorkflowID)
	assert.Equal(t, workflow.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.ExecutionID)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "open", res.Steps[0].StepID)
	assert.Equal(t, "go", res.Steps[1].StepID)
}

func TestRunCmd_MultipleTemplatesKeepOrder(t *testing.T) {
	dir, cfgPath := resetForTest(t)
	pages := writeFile(t, dir, "pages.yaml", testPagesYAML)
	first := writeFile(t, dir, "a.yaml", cartTemplate)
	second := writeFile(t, dir, "b.yaml", `
id: search
task_type: form_filling
steps:
  - id: open
    kind: navigate
    params:
      url: https://shop.test
  - id: query
    kind: type
    params:
      selector: "input[name=q]"
      text: ${term}
`)
	outFile := filepath.Join(dir, "results.json")

	out, err := executeCommand(t, "run", "--config", cfgPath, "--pages", pages,
		"--param", "term=shoes", "-j", "2", "-o", outFile, first, second)
	require.NoError(t, err)
	assert.Empty(t, out, "results go to the output file")

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	var results []workflow.ExecutionResult
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 2)
	assert.Equal(t, "cart", results[0].WorkflowID)
	assert.Equal(t, "search", results[1].WorkflowID)
	for _, r := range results {
		assert.Equal(t, workflow.StatusCompleted, r.Status, r.WorkflowID)
	}
}

func TestRunCmd_FailedWorkflowReturnsError(t *testing.T) {
	dir, cfgPath := resetForTest(t)
	pages := writeFile(t, dir, "pages.yaml", testPagesYAML)
	tmpl := writeFile(t, dir, "missing.yaml", missingTemplate)

	out, err := executeCommand(t, "run", "--config", cfgPath, "--pages", pages, tmpl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 workflows did not complete")

	// The result is still printed.
	var res workflow.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEqual(t, workflow.StatusCompleted, res.Status)
	assert.Equal(t, "click", res.LastStep())
}

func TestRunCmd_InputErrors(t *testing.T) {
	tests := []struct {
		name   string
		args   func(dir string) []string
		errMsg string
	}{
		{
			name:   "template file missing",
			args:   func(dir string) []string { return []string{filepath.Join(dir, "none.yaml")} },
			errMsg: "failed to open template",
		},
		{
			name: "invalid template",
			args: func(dir string) []string {
				return []string{writeFile(t, dir, "bad.yaml", "id: bad\nsteps: []\nbogus: 1\n")}
			},
			errMsg: "bad.yaml",
		},
		{
			name: "malformed param",
			args: func(dir string) []string {
				return []string{"--param", "novalue", writeFile(t, dir, "cart.yaml", cartTemplate)}
			},
			errMsg: "expected key=value",
		},
		{
			name: "resume without database",
			args: func(dir string) []string {
				return []string{"--offline", "--resume", "exec-1", writeFile(t, dir, "cart.yaml", cartTemplate)}
			},
			errMsg: "needs a configured database",
		},
		{
			name: "resume with two templates",
			args: func(dir string) []string {
				p := writeFile(t, dir, "cart.yaml", cartTemplate)
				return []string{"--resume", "exec-1", p, p}
			},
			errMsg: "exactly one template",
		},
		{
			name: "required parameter missing",
			args: func(dir string) []string {
				return []string{"--offline", writeFile(t, dir, "req.yaml", `
id: req
parameters:
  - name: url
    required: true
steps:
  - id: open
    kind: navigate
    params:
      url: ${url}
`)}
			},
			errMsg: "could not start",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, cfgPath := resetForTest(t)
			args := append([]string{"run", "--config", cfgPath}, tt.args(dir)...)
			_, err := executeCommand(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"a=1", " b =x=y", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y", "empty": ""}, got)

	_, err = parseParams([]string{"=v"})
	assert.Error(t, err)
}
