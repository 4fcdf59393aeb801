package immune

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tokfence/tokfence/internal/tferr"
)

// Scope values a capability can carry.
const (
	ScopeProxy = "proxy"
	ScopeSafe  = "safe"
)

const (
	defaultTTL = 12 * time.Minute
	minTTL     = time.Second
)

// Capability is the decoded payload of a signed capability token.
type Capability struct {
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
	RiskState string `json:"risk_state"`
	Expiry    int64  `json:"expiry"` // unix seconds
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"issued_at"`
}

// Risk returns the capability's risk state, defaulting unknown values to GREEN.
func (c Capability) Risk() RiskState { return ParseRiskState(c.RiskState) }

// Core owns the process-wide security state: the Ed25519 signing pair, the
// canary marker, and the risk machine. The key pair and canary are generated
// once per process start and never persisted.
type Core struct {
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
	canary string
	Risk   *RiskMachine
	now    func() time.Time
}

// NewCore generates the key pair and canary marker.
func NewCore() (*Core, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate capability key pair: %w", err)
	}
	canary, err := newCanary()
	if err != nil {
		return nil, err
	}
	return &Core{
		pub:    pub,
		priv:   priv,
		canary: canary,
		Risk:   NewRiskMachine(),
		now:    time.Now,
	}, nil
}

// NormalizeScope maps empty or unknown scopes to "proxy".
func NormalizeScope(scope string) string {
	if strings.ToLower(strings.TrimSpace(scope)) == ScopeSafe {
		return ScopeSafe
	}
	return ScopeProxy
}

// Mint issues a signed capability token. clientID must be non-empty; empty
// sessionID defaults to "default" and empty scope to "proxy". A YELLOW
// capability gets half the TTL.
func (c *Core) Mint(scope, clientID, sessionID string, riskState RiskState, ttl time.Duration) (string, error) {
	if strings.TrimSpace(clientID) == "" {
		return "", tferr.New(tferr.KindInvalidArgument, "capability client id must be non-empty")
	}
	if sessionID == "" {
		sessionID = DefaultSession
	}
	scope = NormalizeScope(scope)

	if ttl < 0 {
		ttl = defaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if riskState == RiskYellow {
		ttl /= 2
		if ttl < minTTL {
			ttl = minTTL
		}
	}

	nonce, err := newNonce()
	if err != nil {
		return "", err
	}

	now := c.now().UTC()
	payload, err := json.Marshal(Capability{
		ClientID:  clientID,
		SessionID: sessionID,
		Scope:     scope,
		RiskState: string(riskState),
		Expiry:    now.Add(ttl).Unix(),
		Nonce:     nonce,
		IssuedAt:  now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode capability: %w", err)
	}

	sig := ed25519.Sign(c.priv, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// Validate checks a token's structure, signature, and expiry.
func (c *Core) Validate(token string) (Capability, error) {
	var out Capability

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return out, tferr.New(tferr.KindInvalidCapability, "malformed capability token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return out, tferr.New(tferr.KindInvalidCapability, "capability payload is not base64url")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return out, tferr.New(tferr.KindInvalidCapability, "capability signature is not base64url")
	}
	if !ed25519.Verify(c.pub, payload, sig) {
		return out, tferr.New(tferr.KindInvalidCapability, "capability signature verification failed")
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, tferr.New(tferr.KindInvalidCapability, "capability payload is not valid JSON")
	}
	if out.ClientID == "" || out.SessionID == "" || out.Nonce == "" {
		return out, tferr.New(tferr.KindInvalidCapability, "capability is missing required fields")
	}
	if out.Expiry <= c.now().Unix() {
		return out, tferr.New(tferr.KindInvalidCapability, "capability has expired")
	}
	out.Scope = NormalizeScope(out.Scope)
	out.RiskState = string(ParseRiskState(out.RiskState))
	return out, nil
}

// newNonce returns 12 random hex characters.
func newNonce() (string, error) {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
