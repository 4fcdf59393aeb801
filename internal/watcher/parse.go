package watcher

import (
	"encoding/json"
	"math"
	"strings"
)

// RemoteUsage is the provider-reported usage extracted from a usage-endpoint
// response. Cost is in hundredths of a cent to match local accounting. Each
// Known flag records whether the response carried that dimension at all.
type RemoteUsage struct {
	CostCents    int64
	InputTokens  int64
	OutputTokens int64
	Requests     int64

	CostKnown     bool
	TokensKnown   bool
	RequestsKnown bool
}

// TotalTokens is input plus output.
func (r RemoteUsage) TotalTokens() int64 { return r.InputTokens + r.OutputTokens }

// Exceeds reports whether any counter strictly grew versus a previous
// observation.
func (r RemoteUsage) Exceeds(prev RemoteUsage) bool {
	return r.CostCents > prev.CostCents ||
		r.InputTokens > prev.InputTokens ||
		r.OutputTokens > prev.OutputTokens ||
		r.Requests > prev.Requests
}

type usageDimension int

const (
	dimCost usageDimension = iota
	dimInput
	dimOutput
	dimRequests
)

type usageKey struct {
	dim usageDimension
	// multiplier converts the reported value to internal units
	// (hundredths of a cent for cost, count otherwise).
	multiplier float64
	// total values are reported aggregates and taken as the maximum seen;
	// non-totals are per-bucket parts and summed.
	total bool
}

// Key synonyms across OpenAI's cost/usage endpoints, Anthropic's reports,
// and assorted dashboard formats. Bare "cents" fields are whole cents.
var usageKeys = map[string]usageKey{
	"total_usage":       {dim: dimCost, multiplier: 100, total: true},
	"total_usage_cents": {dim: dimCost, multiplier: 100, total: true},
	"total_cost":        {dim: dimCost, multiplier: 10000, total: true},
	"total_cost_cents":  {dim: dimCost, multiplier: 100, total: true},
	"cost":              {dim: dimCost, multiplier: 10000},
	"cost_usd":          {dim: dimCost, multiplier: 10000},
	"cost_cents":        {dim: dimCost, multiplier: 100},
	"amount":            {dim: dimCost, multiplier: 10000},

	"total_input_tokens":  {dim: dimInput, multiplier: 1, total: true},
	"total_prompt_tokens": {dim: dimInput, multiplier: 1, total: true},
	"input_tokens":        {dim: dimInput, multiplier: 1},
	"prompt_tokens":       {dim: dimInput, multiplier: 1},

	"total_output_tokens":     {dim: dimOutput, multiplier: 1, total: true},
	"total_completion_tokens": {dim: dimOutput, multiplier: 1, total: true},
	"output_tokens":           {dim: dimOutput, multiplier: 1},
	"completion_tokens":       {dim: dimOutput, multiplier: 1},

	"cache_read_input_tokens":     {dim: dimInput, multiplier: 1},
	"cache_creation_input_tokens": {dim: dimInput, multiplier: 1},

	"total_requests": {dim: dimRequests, multiplier: 1, total: true},
	"requests":       {dim: dimRequests, multiplier: 1},
	"num_requests":   {dim: dimRequests, multiplier: 1},
}

type usageAccumulator struct {
	sums   [4]int64
	maxes  [4]int64
	known  [4]bool
	hasMax [4]bool
}

func (a *usageAccumulator) add(key usageKey, value float64) {
	units := int64(math.Round(value * key.multiplier))
	a.known[key.dim] = true
	if key.total {
		if !a.hasMax[key.dim] || units > a.maxes[key.dim] {
			a.maxes[key.dim] = units
			a.hasMax[key.dim] = true
		}
		return
	}
	a.sums[key.dim] += units
}

// value prefers a reported total over a sum of parts when both exist and the
// total is at least as large.
func (a *usageAccumulator) value(dim usageDimension) int64 {
	if a.hasMax[dim] && a.maxes[dim] >= a.sums[dim] {
		return a.maxes[dim]
	}
	return a.sums[dim]
}

// ParseRemoteUsage walks an arbitrary usage-endpoint JSON body and collects
// the recognized counters. Unknown structure is tolerated; only leaf numbers
// under known key names contribute.
func ParseRemoteUsage(body []byte) (RemoteUsage, bool) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return RemoteUsage{}, false
	}
	var acc usageAccumulator
	walkUsage(root, &acc)

	out := RemoteUsage{
		CostCents:     acc.value(dimCost),
		InputTokens:   acc.value(dimInput),
		OutputTokens:  acc.value(dimOutput),
		Requests:      acc.value(dimRequests),
		CostKnown:     acc.known[dimCost],
		TokensKnown:   acc.known[dimInput] || acc.known[dimOutput],
		RequestsKnown: acc.known[dimRequests],
	}
	parsed := out.CostKnown || out.TokensKnown || out.RequestsKnown
	return out, parsed
}

func walkUsage(node any, acc *usageAccumulator) {
	switch v := node.(type) {
	case map[string]any:
		for name, child := range v {
			if num, ok := child.(float64); ok {
				if key, known := usageKeys[strings.ToLower(name)]; known {
					acc.add(key, num)
					continue
				}
			}
			walkUsage(child, acc)
		}
	case []any:
		for _, child := range v {
			walkUsage(child, acc)
		}
	}
}
