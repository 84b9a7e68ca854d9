package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/internal/perception"
)

func TestPerceiveCmd_Offline(t *testing.T) {
	dir, cfgPath := resetForTest(t)
	pages := writeFile(t, dir, "pages.yaml", testPagesYAML)

	out, err := executeCommand(t, "perceive", "--config", cfgPath, "--pages", pages, "--tier", "standard", "https://shop.test")
	require.NoError(t, err)

	res, err := perception.DecodeResult([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "Shop", res.Title)
	assert.Equal(t, perception.Standard, res.TierRequested)
	assert.True(t, res.HasTierFields(perception.Standard))
	assert.NotEmpty(t, res.Forms)
}

func TestPerceiveCmd_AdaptiveResolvesConcreteTier(t *testing.T) {
	dir, cfgPath := resetForTest(t)
	pages := writeFile(t, dir, "pages.yaml", testPagesYAML)

	out, err := executeCommand(t, "perceive", "--config", cfgPath, "--pages", pages,
		"--task-type", "navigation", "--priority", "critical", "https://shop.test")
	require.NoError(t, err)

	res, err := perception.DecodeResult([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, perception.Adaptive, res.TierRequested)
	assert.True(t, res.TierActual.Concrete())
}

func TestPerceiveCmd_InvalidFlags(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		errMsg string
	}{
		{name: "unknown tier", args: []string{"--tier", "ultra"}, errMsg: "ultra"},
		{name: "unknown priority", args: []string{"--priority", "urgent"}, errMsg: "unknown priority"},
		{name: "unknown strategy", args: []string{"--strategy", "sideways"}, errMsg: "strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, cfgPath := resetForTest(t)
			args := append([]string{"perceive", "--config", cfgPath, "--offline"}, tt.args...)
			_, err := executeCommand(t, append(args, "https://shop.test")...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
