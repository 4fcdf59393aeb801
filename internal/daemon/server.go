// Package daemon hosts the proxy pipeline behind a dual Unix-socket and TCP
// listener, together with the control endpoints, the PID file, and the
// snapshot writer.
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/tokfence/tokfence/internal/budget"
	"github.com/tokfence/tokfence/internal/caller"
	"github.com/tokfence/tokfence/internal/config"
	"github.com/tokfence/tokfence/internal/immune"
	"github.com/tokfence/tokfence/internal/logstore"
	"github.com/tokfence/tokfence/internal/pricing"
	"github.com/tokfence/tokfence/internal/proxy"
	"github.com/tokfence/tokfence/internal/ratelimit"
	"github.com/tokfence/tokfence/internal/snapshot"
	"github.com/tokfence/tokfence/internal/tferr"
	"github.com/tokfence/tokfence/internal/vault"
)

const (
	// RequestIDHeader carries the record id back to the client on every
	// response, including rejections.
	RequestIDHeader = "X-Tokfence-Request-Id"
	// CapabilityHeader lets clients present a previously minted token.
	CapabilityHeader = "X-Tokfence-Capability"

	controlPrefix = "/__tokfence/"

	defaultMaxBodyBytes = 8 << 20
	// maxSocketPath is the portable upper bound for sun_path (103 on
	// Darwin-family systems, 107 on Linux).
	maxSocketPath = 103

	snapshotInterval = 30 * time.Second
	// writeTimeout bounds a single response, sized for long SSE streams.
	writeTimeout = 10 * time.Minute
	// shutdownTimeout matches the write timeout so in-flight streams can
	// drain instead of being force-closed mid-response.
	shutdownTimeout = writeTimeout
)

type listenerHandle struct {
	network  string
	address  string
	listener net.Listener
	server   *http.Server
}

// Server is the daemon host. One instance owns the listeners, the security
// core, and the periodic snapshot writer.
type Server struct {
	cfgMu   sync.RWMutex
	cfg     *config.Config
	vault   vault.Store
	store   *logstore.Store
	budget  *budget.Engine
	limiter *ratelimit.Limiter
	immune  *immune.Core
	metrics *metrics
	builder *snapshot.Builder
	client  *http.Client
	maxBody int64

	startedAt time.Time
	running   atomic.Bool

	mu        sync.Mutex
	listeners []listenerHandle
}

// NewServer wires the pipeline. The security core mints a fresh keypair and
// canary per process.
func NewServer(cfg *config.Config, v vault.Store, store *logstore.Store, engine *budget.Engine) (*Server, error) {
	core, err := immune.NewCore()
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	s := &Server{
		cfg:     cfg,
		vault:   v,
		store:   store,
		budget:  engine,
		limiter: ratelimit.NewLimiter(),
		immune:  core,
		metrics: newMetrics(),
		client:  &http.Client{Transport: transport},
		maxBody: maxBodyBytes(),
	}
	s.builder = snapshot.NewBuilder(s.config, store, engine, v)
	return s, nil
}

// config returns the live configuration; ReloadConfig may swap it while
// requests are in flight.
func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ReloadConfig swaps the provider table after a config file change. Listener
// settings keep their startup values until restart.
func (s *Server) ReloadConfig(next *config.Config) {
	s.cfgMu.Lock()
	s.cfg = next
	s.cfgMu.Unlock()
	log.Info().Int("providers", len(next.Providers)).Msg("configuration reloaded")
}

func maxBodyBytes() int64 {
	if raw := strings.TrimSpace(os.Getenv("TOKFENCE_MAX_REQUEST_BODY_BYTES")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultMaxBodyBytes
}

// Handler builds the HTTP mux served on both listeners.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(controlPrefix+"health", s.handleHealth)
	mux.HandleFunc(controlPrefix+"status", s.handleStatus)
	mux.Handle(controlPrefix+"metrics", s.metrics.handler())
	mux.HandleFunc(controlPrefix+"revoke", s.handleRevoke(true))
	mux.HandleFunc(controlPrefix+"restore", s.handleRevoke(false))
	mux.HandleFunc(controlPrefix+"kill", s.handleKill(true))
	mux.HandleFunc(controlPrefix+"unkill", s.handleKill(false))
	mux.HandleFunc(controlPrefix+"requests", s.handleRequests)
	mux.HandleFunc(controlPrefix+"stats", s.handleStats)
	mux.HandleFunc(controlPrefix+"budgets", s.handleBudgets)
	mux.HandleFunc(controlPrefix+"ratelimits", s.handleRateLimits)
	mux.HandleFunc(controlPrefix+"snapshot", s.handleSnapshot)
	mux.HandleFunc("/", s.handleProxy)
	return mux
}

// Run starts both listeners and blocks until the context is cancelled or a
// listener fails. The socket file and stale state are cleaned up on return.
func (s *Server) Run(ctx context.Context) error {
	s.startedAt = time.Now().UTC()

	if days := s.cfg.Logging.RetentionDays; days > 0 {
		if pruned, err := s.store.Prune(ctx, days); err != nil {
			log.Warn().Err(err).Msg("retention prune failed")
		} else if pruned > 0 {
			log.Info().Int64("rows", pruned).Msg("pruned old request records")
		}
	}

	template := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if pid := caller.PeerPID(c); pid > 0 {
				return caller.WithPeerCred(ctx, pid)
			}
			return ctx
		},
	}

	listeners, err := s.openListeners(template)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listeners = listeners
	s.mu.Unlock()
	s.running.Store(true)

	snapCtx, snapCancel := context.WithCancel(context.Background())
	defer snapCancel()
	go s.builder.Run(snapCtx, snapshotInterval, s.cfg.ListenAddr())

	errCh := make(chan error, len(listeners))
	for _, lh := range listeners {
		lh := lh
		log.Info().Str("network", lh.network).Str("address", lh.address).Msg("listener started")
		go func() {
			if err := lh.server.Serve(lh.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s listener: %w", lh.network, err)
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		s.running.Store(false)
		if err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) openListeners(template *http.Server) ([]listenerHandle, error) {
	var listeners []listenerHandle

	if path := strings.TrimSpace(s.cfg.Daemon.SocketPath); path != "" {
		if len(path) > maxSocketPath {
			return nil, tferr.New(tferr.KindConfigInvalid,
				fmt.Sprintf("socket path exceeds %d bytes: %s", maxSocketPath, path))
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create socket directory: %w", err)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("unix listener: %w", err)
		}
		if err := os.Chmod(path, 0o660); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		srv := *template
		srv.Addr = path
		listeners = append(listeners, listenerHandle{network: "unix", address: path, listener: ln, server: &srv})
	}

	if s.cfg.Daemon.Port > 0 {
		addr := s.cfg.ListenAddr()
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			closeListeners(listeners)
			return nil, fmt.Errorf("tcp listener: %w", err)
		}
		srv := *template
		srv.Addr = addr
		listeners = append(listeners, listenerHandle{network: "tcp", address: addr, listener: ln, server: &srv})
	}

	if len(listeners) == 0 {
		return nil, tferr.New(tferr.KindConfigInvalid, "no listeners configured")
	}
	return listeners, nil
}

func closeListeners(listeners []listenerHandle) {
	for _, lh := range listeners {
		lh.listener.Close()
	}
}

// Shutdown drains in-flight requests and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) {
	s.running.Store(false)
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, lh := range listeners {
		if err := lh.server.Shutdown(ctx); err != nil {
			log.Warn().Str("network", lh.network).Err(err).Msg("listener shutdown failed")
		}
	}
	if path := strings.TrimSpace(s.cfg.Daemon.SocketPath); path != "" {
		os.Remove(path)
	}
}

// reject writes an error response for a request refused before upstream
// contact. No request record is produced.
func (s *Server) reject(w http.ResponseWriter, err error) {
	s.metrics.rejections.WithLabelValues(string(tferr.KindOf(err))).Inc()
	tferr.WriteJSON(w, err)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	requestID := ulid.Make().String()
	w.Header().Set(RequestIDHeader, requestID)
	ctx := r.Context()
	started := time.Now()

	cfg := s.config()
	route, err := proxy.Resolve(cfg, r.URL.Path, r.URL.RawQuery)
	if err != nil {
		s.reject(w, err)
		return
	}
	identity := caller.Identify(ctx, r)

	capability, session, err := s.resolveCapability(r, identity)
	if err != nil {
		s.reject(w, tferr.Wrap(tferr.KindInvalidCapability, "proxy.capability", err).WithProvider(route.Provider))
		return
	}

	if cfg.Daemon.ImmuneEnabled {
		state := s.immune.Risk.StateFor(session)
		if !immune.Admit(state, capability.Scope, r.Method, route.Path) {
			s.rejectRisk(w, route.Provider, state)
			return
		}
	}

	revoked, err := s.store.IsProviderRevoked(ctx, route.Provider)
	if err != nil {
		s.reject(w, tferr.Wrap(tferr.KindLocalStoreError, "proxy.state", err).WithProvider(route.Provider))
		return
	}
	if revoked {
		s.reject(w, tferr.New(tferr.KindProviderRevoked, "provider access is revoked").WithProvider(route.Provider))
		return
	}

	rpm, err := s.store.GetRateLimit(ctx, route.Provider)
	if err != nil {
		s.reject(w, tferr.Wrap(tferr.KindLocalStoreError, "proxy.ratelimit", err).WithProvider(route.Provider))
		return
	}
	if !s.limiter.Allow(route.Provider, rpm) {
		s.reject(w, tferr.New(tferr.KindRateLimited, "request rate limit reached").
			WithProvider(route.Provider).
			WithField("rpm_limit", rpm).
			WithField("retry_after_seconds", 1))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.reject(w, tferr.New(tferr.KindInvalidArgument,
				fmt.Sprintf("request body exceeds %d bytes", s.maxBody)).WithProvider(route.Provider))
			return
		}
		s.reject(w, tferr.Wrap(tferr.KindInvalidArgument, "proxy.readbody", err).WithProvider(route.Provider))
		return
	}

	if cfg.Daemon.ImmuneEnabled {
		if immune.ScanPath(route.Path) {
			s.escalate(session, immune.EventDisallowedEndpoint)
		}
		for _, event := range immune.ScanBody(string(body)) {
			s.escalate(session, event)
		}
		if state := s.immune.Risk.StateFor(session); !immune.Admit(state, capability.Scope, r.Method, route.Path) {
			s.rejectRisk(w, route.Provider, state)
			return
		}
	}

	model := proxy.ExtractModel(body)
	isStreaming := proxy.IsStreamingRequest(r, body)

	// streamed requests charge only the final metered cost
	var plannedCents int64
	if !isStreaming && pricing.Known(route.Provider, model) {
		plannedCents = pricing.PlannedCostCents(route.Provider, model, proxy.EstimateInputTokens(body))
	}
	handle, err := s.budget.CheckAndCharge(ctx, route.Provider, plannedCents)
	if err != nil {
		s.reject(w, err)
		return
	}

	credential, err := s.vault.Get(ctx, route.Provider)
	if err != nil {
		s.reject(w, err)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, route.ForwardURL(), bytes.NewReader(body))
	if err != nil {
		s.reject(w, tferr.Wrap(tferr.KindInvalidArgument, "proxy.build", err).WithProvider(route.Provider))
		return
	}
	upstreamReq.Header = proxy.CloneHeader(r.Header)
	proxy.StripInboundAuth(upstreamReq.Header)
	proxy.StripHopByHop(upstreamReq.Header)
	upstreamReq.Header.Set(RequestIDHeader, requestID)
	proxy.ApplyProviderAuth(upstreamReq.Header, route.Provider, credential)
	for name, value := range cfg.Providers[route.Provider].ExtraHeaders {
		upstreamReq.Header.Set(name, value)
	}

	record := logstore.RequestRecord{
		ID:          requestID,
		Timestamp:   started.UTC(),
		Provider:    route.Provider,
		Model:       model,
		Endpoint:    route.Path,
		HTTPMethod:  r.Method,
		CallerName:  identity.Name,
		CallerPID:   identity.PID,
		IsStreaming: isStreaming,
		RequestHash: proxy.RequestHash(body),
	}

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		record.StatusCode = 0
		record.LatencyMS = time.Since(started).Milliseconds()
		record.ErrorType = proxy.ErrorTypeForTransport(err)
		record.ErrorMessage = "upstream unreachable"
		s.finishRequest(ctx, record, handle, 0)
		s.metrics.requests.WithLabelValues(route.Provider, statusClass(0)).Inc()
		tferr.WriteJSON(w, tferr.New(tferr.KindUpstreamUnreachable, "upstream request failed").WithProvider(route.Provider))
		return
	}
	defer resp.Body.Close()
	s.metrics.upstreamSecs.WithLabelValues(route.Provider).Observe(time.Since(started).Seconds())

	respHeader := proxy.CloneHeader(resp.Header)
	proxy.StripHopByHop(respHeader)
	proxy.CopyHeader(w.Header(), respHeader)
	w.Header().Set(RequestIDHeader, requestID)

	var usage proxy.Usage
	if isStreaming || proxy.IsSSEContentType(resp.Header.Get("Content-Type")) {
		record.IsStreaming = true
		w.WriteHeader(resp.StatusCode)
		flusher, _ := w.(http.Flusher)
		flush := func() {}
		if flusher != nil {
			flush = flusher.Flush
			flusher.Flush()
		}
		var firstChunk time.Time
		result, copyErr := proxy.CopySSE(w, resp.Body, flush, func(chunk []byte) {
			if firstChunk.IsZero() {
				firstChunk = time.Now()
				record.TTFTMS = firstChunk.Sub(started).Milliseconds()
			}
			if s.immune.ContainsCanary(chunk) {
				s.escalate(session, immune.EventCanaryLeak)
			}
		})
		if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
			log.Warn().Str("provider", route.Provider).Err(copyErr).Msg("stream copy interrupted")
			record.ErrorType = proxy.ErrorTypeForTransport(copyErr)
		}
		usage = result.Usage
	} else {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			log.Warn().Str("provider", route.Provider).Err(readErr).Msg("response read failed")
		}
		if s.immune.ContainsCanary(respBody) {
			s.escalate(session, immune.EventCanaryLeak)
		}
		usage = proxy.ParseUsage(respBody)
		w.WriteHeader(resp.StatusCode)
		if len(respBody) > 0 {
			w.Write(respBody)
		}
		if resp.StatusCode >= 400 {
			record.ErrorMessage = proxy.ExtractErrorMessage(respBody)
		}
	}

	record.StatusCode = resp.StatusCode
	record.InputTokens = usage.InputTokens
	record.OutputTokens = usage.OutputTokens
	record.EstimatedCostCents = pricing.CostCents(route.Provider, model, usage.InputTokens, usage.OutputTokens)
	record.LatencyMS = time.Since(started).Milliseconds()
	if record.ErrorType == "" {
		record.ErrorType = proxy.ErrorTypeForStatus(resp.StatusCode)
	}

	s.finishRequest(ctx, record, handle, record.EstimatedCostCents)
	s.metrics.requests.WithLabelValues(route.Provider, statusClass(resp.StatusCode)).Inc()
	s.metrics.tokens.WithLabelValues(route.Provider, "input").Add(float64(usage.InputTokens))
	s.metrics.tokens.WithLabelValues(route.Provider, "output").Add(float64(usage.OutputTokens))
	s.metrics.spendCents.WithLabelValues(route.Provider).Add(float64(record.EstimatedCostCents))
}

// finishRequest persists the record, then commits the metered cost. Store
// failures after the response is in flight are logged, never surfaced.
func (s *Server) finishRequest(ctx context.Context, record logstore.RequestRecord, handle *budget.Handle, realCents int64) {
	// commit happens after insert so a committed spend always has a record
	if err := s.store.InsertRequest(ctx, record); err != nil {
		log.Error().Str("request_id", record.ID).Err(err).Msg("request record insert failed")
	}
	if realCents > 0 {
		if err := s.budget.Commit(ctx, handle, realCents); err != nil {
			log.Warn().Str("request_id", record.ID).Err(err).Msg("budget commit failed")
		}
	}
}

func (s *Server) rejectRisk(w http.ResponseWriter, provider string, state immune.RiskState) {
	s.reject(w, tferr.New(tferr.KindRiskDenied, "request blocked by risk policy").
		WithProvider(provider).
		WithField("risk_state", string(state)))
}

func (s *Server) escalate(session string, event immune.Event) {
	state := s.immune.Risk.Escalate(session, event)
	s.metrics.riskEvents.WithLabelValues(string(event)).Inc()
	log.Warn().Str("session", session).Str("event", string(event)).Str("risk_state", string(state)).
		Msg("risk escalation")
}

// resolveCapability validates a presented token, or synthesizes one for
// local-native clients when the security layer is on.
func (s *Server) resolveCapability(r *http.Request, identity caller.Identity) (immune.Capability, string, error) {
	if token := strings.TrimSpace(r.Header.Get(CapabilityHeader)); token != "" {
		capability, err := s.immune.Validate(token)
		if err != nil {
			return immune.Capability{}, "", err
		}
		return capability, capability.SessionID, nil
	}
	if !s.config().Daemon.ImmuneEnabled {
		return immune.Capability{Scope: "proxy", SessionID: immune.DefaultSession}, immune.DefaultSession, nil
	}

	clientID := identity.Name
	if clientID == "" {
		clientID = "anonymous"
	}
	token, err := s.immune.Mint("proxy", clientID, "anonymous", immune.RiskGreen, -1)
	if err != nil {
		return immune.Capability{}, "", err
	}
	capability, err := s.immune.Validate(token)
	if err != nil {
		return immune.Capability{}, "", err
	}
	return capability, capability.SessionID, nil
}
