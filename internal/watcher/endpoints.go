package watcher

import (
	"fmt"
	"strings"
	"time"
)

// usageEndpoints returns the candidate usage URLs for a provider, tried in
// order until one parses. Custom overrides replace the built-in list.
func usageEndpoints(provider, upstream, custom string, from, to time.Time) []string {
	if custom != "" {
		return []string{custom}
	}
	base := strings.TrimRight(upstream, "/")
	switch strings.ToLower(provider) {
	case "anthropic":
		return []string{
			fmt.Sprintf("%s/v1/organizations/cost_report?starting_at=%s&ending_at=%s",
				base, from.Format(time.RFC3339), to.Format(time.RFC3339)),
			fmt.Sprintf("%s/v1/organizations/usage_report/messages?starting_at=%s&ending_at=%s&limit=100",
				base, from.Format(time.RFC3339), to.Format(time.RFC3339)),
			fmt.Sprintf("%s/v1/usage?start_date=%s&end_date=%s",
				base, from.Format("2006-01-02"), to.Format("2006-01-02")),
		}
	case "openai", "openrouter", "mistral", "groq", "deepseek", "together":
		return []string{
			fmt.Sprintf("%s/v1/organization/costs?start_time=%d&end_time=%d",
				base, from.Unix(), to.Unix()),
			fmt.Sprintf("%s/v1/dashboard/billing/usage?start_date=%s&end_date=%s",
				base, from.Format("2006-01-02"), to.Format("2006-01-02")),
			fmt.Sprintf("%s/v1/organization/usage/completions?start_time=%d&end_time=%d",
				base, from.Unix(), to.Unix()),
		}
	default:
		return nil
	}
}
