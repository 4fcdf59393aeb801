package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/tferr"
)

// daemonClient talks to the running daemon's control surface. The UNIX
// socket is preferred; the TCP listener is the fallback for setups that
// disabled the socket.
type daemonClient struct {
	http *http.Client
	base string
}

func newDaemonClient(cfg *config.Config) *daemonClient {
	if sock := cfg.Daemon.SocketPath; sock != "" {
		if _, err := os.Stat(sock); err == nil {
			return &daemonClient{
				base: "http://tokfence",
				http: &http.Client{
					Timeout: 30 * time.Second,
					Transport: &http.Transport{
						DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
							var d net.Dialer
							return d.DialContext(ctx, "unix", sock)
						},
					},
				},
			}
		}
	}
	return &daemonClient{
		base: "http://" + cfg.ListenAddr(),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *daemonClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return tferr.Wrap(tferr.KindInvalidArgument, "client.encode", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return tferr.Wrap(tferr.KindInvalidArgument, "client.request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return tferr.New(tferr.KindDaemonNotRunning, "daemon is not reachable, is it running?")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return tferr.Wrap(tferr.KindLocalStoreError, "client.read", err)
	}
	if resp.StatusCode >= 400 {
		return decodeWireError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return tferr.Wrap(tferr.KindLocalStoreError, "client.decode", err)
		}
	}
	return nil
}

func (c *daemonClient) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *daemonClient) post(ctx context.Context, path string, query url.Values, body, out any) error {
	return c.do(ctx, http.MethodPost, path, query, body, out)
}

func (c *daemonClient) del(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodDelete, path, query, nil, out)
}

// decodeWireError maps the daemon's JSON error body back to a typed error.
func decodeWireError(status int, data []byte) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return tferr.New(tferr.Kind(body.Error), body.Message)
	}
	return fmt.Errorf("daemon returned HTTP %d", status)
}
