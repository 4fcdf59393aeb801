package caller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifyHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   Identity
	}{
		{"name only", "openclaw", Identity{Name: "openclaw"}},
		{"name and pid", "openclaw:4321", Identity{Name: "openclaw", PID: 4321}},
		{"spaces trimmed", "  openclaw : 99 ", Identity{Name: "openclaw", PID: 99}},
		{"bad pid ignored", "openclaw:abc", Identity{Name: "openclaw"}},
		{"negative pid ignored", "openclaw:-5", Identity{Name: "openclaw"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set(Header, tc.header)
			assert.Equal(t, tc.want, Identify(context.Background(), r))
		})
	}
}

func TestIdentifyPeerCred(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := WithPeerCred(context.Background(), os.Getpid())
	id := Identify(ctx, r)
	assert.Equal(t, os.Getpid(), id.PID)
	// resolving our own pid yields the test binary's process name
	assert.NotEmpty(t, id.Name)
}

func TestIdentifyUnknown(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, Identity{}, Identify(context.Background(), r))
}

func TestHeaderWinsOverPeerCred(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(Header, "agent:7")
	ctx := WithPeerCred(context.Background(), os.Getpid())
	assert.Equal(t, Identity{Name: "agent", PID: 7}, Identify(ctx, r))
}
