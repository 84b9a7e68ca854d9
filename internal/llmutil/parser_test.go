package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

func TestParseJSONResponse(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bare", `{"type":"click","confidence":0.9}`},
		{"fenced", "```json\n{\"type\":\"click\",\"confidence\":0.9}\n```"},
		{"fenced without tag", "```\n{\"type\":\"click\",\"confidence\":0.9}\n```"},
		{"prose", `Sure! Here you go: {"type":"click","confidence":0.9} Let me know.`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSONResponse[reply](tt.in)
			require.NoError(t, err)
			assert.Equal(t, reply{Type: "click", Confidence: 0.9}, *got)
		})
	}
}

func TestParseJSONResponse_Array(t *testing.T) {
	got, err := ParseJSONResponse[[]string]("steps: [\"a\", \"b\"]")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, *got)
}

func TestParseJSONResponse_Invalid(t *testing.T) {
	_, err := ParseJSONResponse[reply]("no json here")
	assert.Error(t, err)
}
