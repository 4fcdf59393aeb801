package proxy

import (
	"net/http"
	"strings"
)

// anthropicVersion is pinned; upstream rejects requests without it.
const anthropicVersion = "2023-06-01"

// inboundAuthHeaders are removed from every forwarded request so client
// credentials and proxy secrets never reach the upstream.
var inboundAuthHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"X-Api-Key",
	"X-Goog-Api-Key",
	"Cookie",
}

// hopByHopHeaders are connection-scoped and stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"TE",
	"Trailer",
	"Upgrade",
	"Proxy-Connection",
}

// StripInboundAuth removes auth-like headers from a forwarded request.
// Idempotent.
func StripInboundAuth(h http.Header) {
	for _, name := range inboundAuthHeaders {
		h.Del(name)
	}
}

// StripHopByHop removes connection-scoped headers. Applied to both the
// forwarded request and the relayed response.
func StripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	h.Del("Content-Length")
}

// ApplyProviderAuth injects the upstream credential using the provider
// family's header convention.
func ApplyProviderAuth(h http.Header, provider, credential string) {
	switch strings.ToLower(provider) {
	case "anthropic":
		h.Set("x-api-key", credential)
		h.Set("anthropic-version", anthropicVersion)
	case "google":
		h.Set("x-goog-api-key", credential)
	default:
		h.Set("Authorization", "Bearer "+credential)
	}
}

// CloneHeader deep-copies a header map.
func CloneHeader(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for key, values := range src {
		copied := make([]string, len(values))
		copy(copied, values)
		out[key] = copied
	}
	return out
}

// CopyHeader replaces dst entries with src entries, leaving unrelated dst
// keys alone.
func CopyHeader(dst, src http.Header) {
	for key, values := range src {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
