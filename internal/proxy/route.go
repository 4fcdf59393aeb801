// Package proxy implements the request-forwarding mechanics of the daemon:
// route resolution, header sanitization, upstream authentication, streaming
// copy, and usage extraction from responses.
package proxy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/tferr"
)

// Route is a resolved proxied request target. Path keeps its leading slash
// and excludes the provider segment.
type Route struct {
	Provider string
	Path     string
	Upstream *url.URL
}

// ForwardURL is the full upstream URL including the query string.
func (r Route) ForwardURL() string {
	u := *r.Upstream
	u.Path = strings.TrimRight(u.Path, "/") + r.Path
	return u.String()
}

// Resolve maps an inbound request path to a configured provider. The first
// path segment selects the provider and is stripped before forwarding.
func Resolve(cfg *config.Config, path, rawQuery string) (Route, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return Route{}, tferr.New(tferr.KindInvalidArgument, "request path must include a provider segment")
	}

	provider := trimmed
	rest := "/"
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		provider = trimmed[:idx]
		rest = trimmed[idx:]
	}
	provider = strings.ToLower(provider)

	pcfg, ok := cfg.Providers[provider]
	if !ok {
		return Route{}, tferr.New(tferr.KindUnknownProvider, fmt.Sprintf("provider %q is not configured", provider)).WithProvider(provider)
	}
	upstream, err := url.Parse(pcfg.Upstream)
	if err != nil {
		return Route{}, tferr.Wrap(tferr.KindConfigInvalid, "proxy.resolve", err).WithProvider(provider)
	}
	upstream.RawQuery = rawQuery

	return Route{Provider: provider, Path: rest, Upstream: upstream}, nil
}
