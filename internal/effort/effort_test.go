package effort

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForModel(t *testing.T) {
	tests := []struct {
		model string
		want  Effort
	}{
		{"claude-opus-4-1", XHigh},
		{"Claude-OPUS", XHigh},
		{"claude-sonnet-4-5-20250929", Medium},
		{"claude-3-5-haiku-latest", Low},
		{"gpt-5.3-codex", Medium},
		{"", Medium},
	}

	m := Default()
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ForModel(tt.model))
		})
	}
}

func TestResolve(t *testing.T) {
	m := Default()

	assert.Equal(t, High, m.Resolve("claude-haiku", "high"))
	assert.Equal(t, Low, m.Resolve("claude-opus", "xlow"))
	assert.Equal(t, XHigh, m.Resolve("gpt-4o", "XHIGH"))
	assert.Equal(t, Low, m.Resolve("claude-haiku", "turbo"))
	assert.Equal(t, XHigh, m.Resolve("claude-opus", ""))
}

func TestNewMapper_CustomTable(t *testing.T) {
	m := NewMapper([]Rule{
		{Match: "Sonnet", Effort: "high"},
		{Match: "mini", Effort: "bogus"},
		{Match: "", Effort: "low"},
	}, "low")

	assert.Equal(t, High, m.ForModel("claude-sonnet-4"))
	assert.Equal(t, Low, m.ForModel("gpt-4o-mini"))
	assert.Equal(t, Low, m.ForModel("claude-opus"))
}

func TestNewMapper_UnknownFallback(t *testing.T) {
	assert.Equal(t, Medium, NewMapper(nil, "ludicrous").ForModel("anything"))
}

func TestMatch(t *testing.T) {
	m := Default()

	e, ok := m.Match("Claude-Opus-4")
	assert.True(t, ok)
	assert.Equal(t, XHigh, e)

	_, ok = m.Match("mistral-large")
	assert.False(t, ok)
}
