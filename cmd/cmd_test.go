// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/internal/observability"
)

const testPagesYAML = `
"https://shop.test": |
  <html><head><title>Shop</title></head><body>
  <h1>Shop</h1>
  <a id="cart" href="/cart">Cart</a>
  <form id="search"><input name="q" placeholder="Search products"><button type="submit">Search</button></form>
  </body></html>
"https://shop.test/cart": |
  <html><head><title>Cart</title></head><body><p id="total">Total: 0</p></body></html>
`

const cartTemplate = `
id: cart
task_type: navigation
parameters:
  - name: base
    default: https://shop.test
steps:
  - id: open
    kind: navigate
    params:
      url: ${base}
  - id: go
    kind: click
    params:
      selector: "#cart"
success_criteria:
  - source: page_title
    expected: Cart
`

const missingTemplate = `
id: missing
steps:
  - id: open
    kind: navigate
    params:
      url: https://shop.test
  - id: click
    kind: click
    params:
      selector: "#nope"
`

// resetForTest gives each test a fresh logger and a config file that keeps
// log output inside the test's temp dir.
func resetForTest(t *testing.T) (dir, cfgPath string) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	dir = t.TempDir()
	cfgPath = writeFile(t, dir, "config.yaml", "logger:\n  level: error\n  log_file: "+filepath.Join(dir, "webpilot.log")+"\nmetrics:\n  enabled: false\n")
	return dir, cfgPath
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// executeCommand runs a fresh command tree and returns what it wrote to stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestVersionCmd(t *testing.T) {
	resetForTest(t)
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "webpilot "+Version+"\n", out)
}

func TestRootCmd_NoArgsPrintsHelp(t *testing.T) {
	resetForTest(t)
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "declarative workflows")
	assert.Contains(t, out, "perceive")
	assert.Contains(t, out, "run")
}

func TestRootCmd_ConfigErrors(t *testing.T) {
	t.Run("missing explicit config file", func(t *testing.T) {
		dir, _ := resetForTest(t)
		_, err := executeCommand(t, "run", "--config", filepath.Join(dir, "nope.yaml"), "x.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize configuration")
	})

	t.Run("flag overrides are validated", func(t *testing.T) {
		_, cfgPath := resetForTest(t)
		_, err := executeCommand(t, "run", "--config", cfgPath, "--concurrency", "-1", "x.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "worker_concurrency")
	})

	t.Run("environment overrides are validated", func(t *testing.T) {
		_, cfgPath := resetForTest(t)
		t.Setenv("WEBPILOT_BROWSER_POOL_SIZE", "0")
		_, err := executeCommand(t, "run", "--config", cfgPath, "x.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool_size")
	})
}
