// Package immune is the runtime security layer: signed capabilities, the
// per-session risk state machine, content sensors, and the canary marker.
package immune

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// RiskState is a session's security mode. States only escalate; a downgrade
// requires restarting the session.
type RiskState string

const (
	RiskGreen  RiskState = "GREEN"
	RiskYellow RiskState = "YELLOW"
	RiskOrange RiskState = "ORANGE"
	RiskRed    RiskState = "RED"
)

// riskRank orders states for comparison.
func riskRank(s RiskState) int {
	switch s {
	case RiskYellow:
		return 1
	case RiskOrange:
		return 2
	case RiskRed:
		return 3
	default:
		return 0
	}
}

// ParseRiskState normalizes a string; unknown values are treated as GREEN.
func ParseRiskState(s string) RiskState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YELLOW":
		return RiskYellow
	case "ORANGE":
		return RiskOrange
	case "RED":
		return RiskRed
	default:
		return RiskGreen
	}
}

// MaxRisk returns the higher of two states.
func MaxRisk(a, b RiskState) RiskState {
	if riskRank(a) >= riskRank(b) {
		return a
	}
	return b
}

// Event is a sensor-observed risk signal.
type Event string

const (
	EventSecretLeak         Event = "secret_leak"
	EventSystemOverride     Event = "system_override"
	EventDisallowedEndpoint Event = "disallowed_endpoint"
	EventCanaryLeak         Event = "canary_leak"
)

// DefaultSession groups requests that carry no capability.
const DefaultSession = "default"

type sessionState struct {
	state RiskState
	seen  []Event
}

// RiskMachine tracks per-session risk. All transitions are monotonic
// escalations and linearized under one lock.
type RiskMachine struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewRiskMachine creates an empty machine; unseen sessions are GREEN.
func NewRiskMachine() *RiskMachine {
	return &RiskMachine{sessions: make(map[string]*sessionState)}
}

// StateFor returns the current state of a session.
func (m *RiskMachine) StateFor(session string) RiskState {
	if session == "" {
		session = DefaultSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[session]; ok {
		return s.state
	}
	return RiskGreen
}

// Events returns the ordered risk events observed for a session.
func (m *RiskMachine) Events(session string) []Event {
	if session == "" {
		session = DefaultSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[session]
	if !ok {
		return nil
	}
	out := make([]Event, len(s.seen))
	copy(out, s.seen)
	return out
}

// Escalate applies one event's transition rule to a session and returns the
// resulting state.
func (m *RiskMachine) Escalate(session string, event Event) RiskState {
	if session == "" {
		session = DefaultSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[session]
	if !ok {
		s = &sessionState{state: RiskGreen}
		m.sessions[session] = s
	}
	s.seen = append(s.seen, event)

	next := transition(s.state, event)
	if next != s.state {
		log.Warn().
			Str("session", session).
			Str("event", string(event)).
			Str("from", string(s.state)).
			Str("to", string(next)).
			Msg("risk state escalated")
		s.state = next
	}
	return s.state
}

// transition implements the escalation table. No event ever lowers a state.
func transition(current RiskState, event Event) RiskState {
	switch event {
	case EventCanaryLeak:
		return RiskRed
	case EventSecretLeak:
		if current == RiskGreen {
			return RiskYellow
		}
	case EventSystemOverride, EventDisallowedEndpoint:
		if current == RiskGreen || current == RiskYellow {
			return RiskOrange
		}
	}
	return current
}

// safe-route prefixes admitted under YELLOW and ORANGE.
var safeRoutePrefixes = []string{"/v1/models", "/models"}

// IsSafeRoute reports whether (method, path) is a read-only model-listing
// route. The check is case-insensitive and tolerates a trailing slash.
func IsSafeRoute(method, path string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
	default:
		return false
	}
	lower := strings.ToLower(path)
	for _, prefix := range safeRoutePrefixes {
		if lower == prefix || lower == prefix+"/" || strings.HasPrefix(lower, prefix+"/") {
			return true
		}
	}
	return false
}

// Admit decides whether a request is allowed under a risk state. Scope is
// accepted for symmetry with the policy table: YELLOW and ORANGE restrict to
// safe routes regardless of scope, and RED denies everything.
func Admit(state RiskState, scope, method, path string) bool {
	switch state {
	case RiskRed:
		return false
	case RiskYellow, RiskOrange:
		return IsSafeRoute(method, path)
	default:
		return true
	}
}
