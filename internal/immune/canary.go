package immune

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// newCanary generates the per-process marker: a random opaque ~32-char
// string held only in memory.
func newCanary() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate canary: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Canary exposes the marker so tests and the pipeline can plant and detect it.
// It must never be logged or persisted.
func (c *Core) Canary() string { return c.canary }

// ContainsCanary scans response bytes for the marker, directly and through
// the candidate-transform ladder. The marker is also matched in its own
// base64 encodings, which covers responses that re-encode rather than decode.
func (c *Core) ContainsCanary(data []byte) bool {
	text := string(data)
	for _, candidate := range candidateTransforms(text) {
		if strings.Contains(candidate, c.canary) {
			return true
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if strings.Contains(text, enc.EncodeToString([]byte(c.canary))) {
			return true
		}
	}
	return false
}
