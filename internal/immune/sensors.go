package immune

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Sensor regex sets are compiled once at package load and shared; no
// per-request compilation.
var (
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)sk-[a-z0-9-]{16,}`),
		regexp.MustCompile(`(?i)gsk_[a-z0-9-]{32,}`),
		regexp.MustCompile(`(?i)AIza[0-9A-Za-z_-]{35}`),
		regexp.MustCompile(`(?i)xox[baprs]-[0-9]{10,}-[0-9a-zA-Z_-]{10,}`),
		regexp.MustCompile(`(?i)api[_-]?key["']?\s*[:=]\s*["']?[a-zA-Z0-9_-]{16,}`),
	}

	endpointPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)/v1/files`),
		regexp.MustCompile(`(?i)/v1/fine[_-]?tuning`),
		regexp.MustCompile(`(?i)/v1/admin`),
		regexp.MustCompile(`(?i)/v1/assistants`),
		regexp.MustCompile(`(?i)/v1/billing`),
		regexp.MustCompile(`(?i)/v1/keys`),
	}

	overridePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(system_override|override)\b`),
		regexp.MustCompile(`(?i)\bsudo\b`),
		regexp.MustCompile(`(?i)\brun[_-]command\b`),
		regexp.MustCompile(`(?i)\bexec\b`),
	}

	base64Looking = regexp.MustCompile(`^[A-Za-z0-9+/_=-]+$`)
)

// candidateTransforms expands text into the decoded variants a sensor scans:
// identity, percent-decoded, quoted-string-decoded, base64-decoded, and
// percent-then-base64. Agents hide payloads behind exactly these encodings.
func candidateTransforms(text string) []string {
	candidates := []string{text}

	if decoded, err := url.QueryUnescape(text); err == nil && decoded != text {
		candidates = append(candidates, decoded)
		if fromB64, ok := tryBase64(decoded); ok {
			candidates = append(candidates, fromB64)
		}
	}
	if unquoted, err := strconv.Unquote(`"` + strings.ReplaceAll(text, `"`, `\"`) + `"`); err == nil && unquoted != text {
		candidates = append(candidates, unquoted)
	}
	if fromB64, ok := tryBase64(text); ok {
		candidates = append(candidates, fromB64)
	}
	return candidates
}

// tryBase64 decodes text when it is base64-looking and at least 16 chars.
func tryBase64(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 16 || !base64Looking.MatchString(trimmed) {
		return "", false
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(trimmed); err == nil {
			if utf8.Valid(raw) {
				return string(raw), true
			}
			return "", false
		}
	}
	return "", false
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, candidate := range candidateTransforms(text) {
		for _, p := range patterns {
			if p.MatchString(candidate) {
				return true
			}
		}
	}
	return false
}

// ScanBody runs the secret and override sensors over a request body and
// returns the risk events raised.
func ScanBody(body string) []Event {
	var events []Event
	if matchAny(secretPatterns, body) {
		events = append(events, EventSecretLeak)
	}
	if matchAny(overridePatterns, body) {
		events = append(events, EventSystemOverride)
	}
	return events
}

// ScanPath reports whether the request path hits a high-risk admin, files,
// or billing endpoint.
func ScanPath(path string) bool {
	for _, p := range endpointPatterns {
		if p.MatchString(path) {
			return true
		}
	}
	return false
}
