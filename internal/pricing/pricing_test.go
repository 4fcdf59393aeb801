package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostCents(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		in, out  int64
		want     int64
	}{
		{"unknown model is free", "openai", "totally-new-model", 1000, 1000, 0},
		{"unknown provider is free", "acme", "gpt-4o", 1000, 1000, 0},
		{"zero tokens", "openai", "gpt-4o", 0, 0, 0},
		// gpt-4o-mini: 15/60 hundredths-of-cent per 1M tokens
		{"mini one million each", "openai", "gpt-4o-mini", 1_000_000, 1_000_000, 75},
		{"mini rounds to nearest", "openai", "gpt-4o-mini", 100_000, 0, 2}, // 1.5 rounds up
		{"mini small request rounds down", "openai", "gpt-4o-mini", 10_000, 0, 0},
		{"case insensitive", "OpenAI", "GPT-4O-MINI", 1_000_000, 0, 15},
		// gpt-4o: 25000 in / 100000 out per 1M
		{"gpt-4o typical", "openai", "gpt-4o", 1_000, 500, 75},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CostCents(tc.provider, tc.model, tc.in, tc.out))
		})
	}
}

func TestPlannedCostCents(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		in       int64
		want     int64
	}{
		{"unknown model is free", "openai", "totally-new-model", 1000, 0},
		{"zero tokens", "openai", "gpt-4o-mini", 0, 0},
		// 16 tokens at 15 per 1M is a fraction of a hundredth-cent but
		// still charges one, so a spent budget refuses the next request
		{"tiny estimate rounds up", "openai", "gpt-4o-mini", 16, 1},
		{"exact million", "openai", "gpt-4o-mini", 1_000_000, 15},
		{"just past a unit rounds up", "openai", "gpt-4o-mini", 1_000_001, 16},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PlannedCostCents(tc.provider, tc.model, tc.in))
		})
	}
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("anthropic", "claude-3-5-haiku-20241022"))
	assert.False(t, Known("anthropic", "claude-unknown"))
	assert.False(t, Known("nobody", "gpt-4o"))
}
