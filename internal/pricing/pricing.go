// Package pricing holds the embedded per-model price table.
//
// Prices are integer hundredths-of-cents per million tokens, so a model
// priced at $0.15 per 1M input tokens carries an input price of 1500.
package pricing

import "strings"

// Price is the cost per million tokens, in hundredths-of-cents.
type Price struct {
	InputPerMillion  int64
	OutputPerMillion int64
}

// table maps provider/model to prices. Models missing here cost zero; the
// proxy still records their token counts.
var table = map[string]map[string]Price{
	"openai": {
		"gpt-4o":                 {InputPerMillion: 25000, OutputPerMillion: 100000},
		"gpt-4o-mini":            {InputPerMillion: 15, OutputPerMillion: 60},
		"gpt-4.1":                {InputPerMillion: 20000, OutputPerMillion: 80000},
		"gpt-4.1-mini":           {InputPerMillion: 4000, OutputPerMillion: 16000},
		"gpt-4.1-nano":           {InputPerMillion: 1000, OutputPerMillion: 4000},
		"o3":                     {InputPerMillion: 20000, OutputPerMillion: 80000},
		"o4-mini":                {InputPerMillion: 11000, OutputPerMillion: 44000},
		"gpt-3.5-turbo":          {InputPerMillion: 5000, OutputPerMillion: 15000},
		"text-embedding-3-small": {InputPerMillion: 200, OutputPerMillion: 0},
		"text-embedding-3-large": {InputPerMillion: 1300, OutputPerMillion: 0},
	},
	"anthropic": {
		"claude-3-5-haiku-20241022":  {InputPerMillion: 8000, OutputPerMillion: 40000},
		"claude-3-5-sonnet-20241022": {InputPerMillion: 30000, OutputPerMillion: 150000},
		"claude-3-7-sonnet-20250219": {InputPerMillion: 30000, OutputPerMillion: 150000},
		"claude-sonnet-4-20250514":   {InputPerMillion: 30000, OutputPerMillion: 150000},
		"claude-opus-4-20250514":     {InputPerMillion: 150000, OutputPerMillion: 750000},
		"claude-3-haiku-20240307":    {InputPerMillion: 2500, OutputPerMillion: 12500},
	},
	"google": {
		"gemini-2.0-flash":      {InputPerMillion: 1000, OutputPerMillion: 4000},
		"gemini-2.0-flash-lite": {InputPerMillion: 750, OutputPerMillion: 3000},
		"gemini-1.5-pro":        {InputPerMillion: 12500, OutputPerMillion: 50000},
		"gemini-1.5-flash":      {InputPerMillion: 750, OutputPerMillion: 3000},
	},
	"mistral": {
		"mistral-large-latest": {InputPerMillion: 20000, OutputPerMillion: 60000},
		"mistral-small-latest": {InputPerMillion: 1000, OutputPerMillion: 3000},
		"codestral-latest":     {InputPerMillion: 3000, OutputPerMillion: 9000},
	},
	"groq": {
		"llama-3.3-70b-versatile": {InputPerMillion: 590, OutputPerMillion: 790},
		"llama-3.1-8b-instant":    {InputPerMillion: 50, OutputPerMillion: 80},
	},
	"deepseek": {
		"deepseek-chat":     {InputPerMillion: 2700, OutputPerMillion: 11000},
		"deepseek-reasoner": {InputPerMillion: 5500, OutputPerMillion: 21900},
	},
}

// Lookup returns the price for a provider/model pair. The zero Price is
// returned for unknown models.
func Lookup(provider, model string) Price {
	models, ok := table[strings.ToLower(provider)]
	if !ok {
		return Price{}
	}
	return models[strings.ToLower(model)]
}

// Known reports whether the provider/model pair has a price entry.
func Known(provider, model string) bool {
	models, ok := table[strings.ToLower(provider)]
	if !ok {
		return false
	}
	_, ok = models[strings.ToLower(model)]
	return ok
}

// CostCents estimates the cost of a request in hundredths-of-cents, rounded
// to nearest. Unknown models cost zero.
func CostCents(provider, model string, inputTokens, outputTokens int64) int64 {
	p := Lookup(provider, model)
	if p == (Price{}) {
		return 0
	}
	total := inputTokens*p.InputPerMillion + outputTokens*p.OutputPerMillion
	return (total + 500_000) / 1_000_000
}

// PlannedCostCents estimates the admission cost of a request from its input
// tokens, rounded up. Rounding up keeps an exhausted budget refusing the
// next request even when the estimate is below one hundredth of a cent.
func PlannedCostCents(provider, model string, inputTokens int64) int64 {
	p := Lookup(provider, model)
	if p == (Price{}) || inputTokens <= 0 {
		return 0
	}
	total := inputTokens * p.InputPerMillion
	return (total + 999_999) / 1_000_000
}
