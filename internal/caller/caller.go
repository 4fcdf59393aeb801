// Package caller resolves a best-effort (name, pid) identity for the agent
// process behind an inbound request.
package caller

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// Header lets clients self-identify as "name" or "name:pid".
const Header = "X-Tokfence-Caller"

// Identity is who issued a proxied request. Zero value means unknown.
type Identity struct {
	Name string
	PID  int
}

type peerCredKey struct{}

// WithPeerCred stashes the UDS peer pid on the connection context so the
// handler can reach it. Set from the listener's ConnContext hook.
func WithPeerCred(ctx context.Context, pid int) context.Context {
	return context.WithValue(ctx, peerCredKey{}, pid)
}

func peerPID(ctx context.Context) int {
	pid, _ := ctx.Value(peerCredKey{}).(int)
	return pid
}

// Identify resolves the caller: the self-reported header wins, then the
// socket peer credential. Lookup failures leave fields empty.
func Identify(ctx context.Context, r *http.Request) Identity {
	if raw := strings.TrimSpace(r.Header.Get(Header)); raw != "" {
		return parseHeader(raw)
	}
	if pid := peerPID(ctx); pid > 0 {
		return Identity{Name: processName(ctx, pid), PID: pid}
	}
	return Identity{}
}

func parseHeader(raw string) Identity {
	name, pidPart, ok := strings.Cut(raw, ":")
	id := Identity{Name: strings.TrimSpace(name)}
	if ok {
		if pid, err := strconv.Atoi(strings.TrimSpace(pidPart)); err == nil && pid > 0 {
			id.PID = pid
		}
	}
	return id
}

func processName(ctx context.Context, pid int) string {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		log.Debug().Int("pid", pid).Err(err).Msg("caller process lookup failed")
		return ""
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}
