// Package client implements the retunnel tunnel client: a supervisor that
// owns one control session at a time, drives reconnect with backoff, and
// spawns a fresh proxy session for every ReqProxy the gateway sends.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bc183/retunnel/internal/idgen"
	"github.com/bc183/retunnel/internal/protocol"
	"github.com/bc183/retunnel/internal/registrar"
	"github.com/bc183/retunnel/internal/tokenstore"
	"github.com/charmbracelet/log"
)

// requestLogSize bounds the ring buffer behind GetRequests.
const requestLogSize = 100

// RequestLogEntry is one proxied request/response, recorded for GetRequests.
type RequestLogEntry struct {
	Method   string
	Path     string
	Status   int
	Duration time.Duration
	At       time.Time
}

// ConnectionStatus is the supervisor's externally-observable state.
type ConnectionStatus struct {
	Connected    bool
	Reconnecting bool
	Reason       string
}

// Client is the retunnel tunnel supervisor (C9).
type Client struct {
	controlAddr string
	proxyAddr   string
	insecure    bool

	store      *tokenstore.Store
	registrar  *registrar.Client
	backoffCfg BackoffConfig

	mu        sync.Mutex
	running   bool
	reconnect bool
	token     string
	clientID  string
	session   *controlSession
	status    ConnectionStatus

	reg *registry

	reqLogMu sync.Mutex
	reqLog   []RequestLogEntry

	reconnectCancel context.CancelFunc
}

// New creates a supervisor dialing controlAddr (control endpoint) and
// proxyAddr (proxy endpoint), using store for persisted token state and
// reg for anonymous registration / token reactivation.
func New(controlAddr, proxyAddr string, store *tokenstore.Store, reg *registrar.Client) *Client {
	return &Client{
		controlAddr: controlAddr,
		proxyAddr:   proxyAddr,
		store:       store,
		registrar:   reg,
		backoffCfg:  DefaultReconnectBackoffConfig(),
		reconnect:   true,
		reg:         newRegistry(),
	}
}

// WithToken sets an in-memory token, taking priority over the token store.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// WithInsecureSkipVerify toggles TLS verification on the control/proxy
// transports. It does not affect the registrar client, whose TLS setting
// is fixed by registrar.New.
func (c *Client) WithInsecureSkipVerify(insecure bool) *Client {
	c.insecure = insecure
	return c
}

// WithBackoff overrides the reconnect backoff configuration.
func (c *Client) WithBackoff(cfg BackoffConfig) *Client {
	c.backoffCfg = cfg
	return c
}

// WithReconnect enables or disables automatic reconnection.
func (c *Client) WithReconnect(enabled bool) *Client {
	c.reconnect = enabled
	return c
}

// Connect establishes the control session: resolves a token (memory, then
// store, then anonymous registration), authenticates, and runs token
// repair once if the gateway rejects the token.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	clientID := c.clientID
	if clientID == "" {
		clientID = idgen.Client()
	}

	session, resp, err := c.dialAndAuth(ctx, token, clientID)
	if err != nil {
		return err
	}

	if resp.Error != "" {
		if resp.Error != "Invalid auth token" || token == "" {
			session.Close()
			return &AuthenticationError{Message: resp.Error}
		}

		session.Close()

		repaired, repairErr := c.repairToken(ctx, token)
		if repairErr != nil {
			return &AuthenticationError{Message: resp.Error}
		}

		session2, resp2, err := c.dialAndAuth(ctx, repaired, clientID)
		if err != nil {
			return err
		}
		if resp2.Error != "" {
			session2.Close()
			return &AuthenticationError{Message: resp2.Error}
		}
		session = session2
		resp = resp2
		token = repaired
	}

	c.mu.Lock()
	c.token = token
	c.clientID = resp.ClientId
	c.session = session
	c.status = ConnectionStatus{Connected: true}
	c.mu.Unlock()

	session.onReqProxy = func() {
		c.handleReqProxy(context.Background())
	}
	session.onFatal = func(err error) {
		c.handleFatal(err)
	}
	session.start()

	log.Info("control session established", "client_id", resp.ClientId)
	return nil
}

func (c *Client) dialAndAuth(ctx context.Context, token, clientID string) (*controlSession, *protocol.AuthResp, error) {
	return newControlSession(ctx, c.controlAddr, token, clientID, c.insecure, nil, nil)
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if c.token != "" {
		return c.token, nil
	}

	if c.store != nil {
		tok, err := c.store.Get()
		if err == nil {
			return tok, nil
		}
	}

	if c.registrar == nil {
		return "", &ConfigurationError{Err: fmt.Errorf("no token available and no registrar configured")}
	}

	result, err := c.registrar.RegisterAnonymous(ctx)
	if err != nil {
		return "", &APIError{Message: err.Error()}
	}
	if c.store != nil {
		if err := c.store.Set(result.AuthToken); err != nil {
			log.Warn("failed to persist newly registered token", "error", err)
		}
	}
	return result.AuthToken, nil
}

// repairToken runs reactivate-token, falling back to register-anonymous
// on a 404, and persists whichever token it obtains.
func (c *Client) repairToken(ctx context.Context, oldToken string) (string, error) {
	if c.registrar == nil {
		return "", fmt.Errorf("no registrar configured")
	}

	result, err := c.registrar.ReactivateToken(ctx, oldToken)
	if err != nil {
		var apiErr *registrar.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 404 {
			result, err = c.registrar.RegisterAnonymous(ctx)
		}
		if err != nil {
			return "", err
		}
	}

	if c.store != nil {
		if err := c.store.Set(result.AuthToken); err != nil {
			log.Warn("failed to persist repaired token", "error", err)
		}
	}
	return result.AuthToken, nil
}

// RequestTunnel requests a new tunnel on the current control session.
func (c *Client) RequestTunnel(ctx context.Context, cfg TunnelConfig) (*ActiveTunnel, error) {
	return c.requestTunnel(ctx, cfg, nil)
}

// requestTunnel performs the ReqTunnel round trip. When existing is
// non-nil it is updated in place and re-registered rather than replaced,
// so a reconnect re-request preserves the tunnel's LocalID and its byte
// counters instead of starting a new ActiveTunnel from zero.
func (c *Client) requestTunnel(ctx context.Context, cfg TunnelConfig, existing *ActiveTunnel) (*ActiveTunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return nil, &ConnectionError{Err: ErrNotConnected}
	}

	reqID := idgen.Request()
	req := protocol.NewReqTunnel(reqID, cfg.Protocol, cfg.Hostname, cfg.Subdomain, cfg.HTTPAuth, cfg.RemotePort)

	frame, err := session.requestTunnel(ctx, reqID, req)
	if err != nil {
		return nil, err
	}

	switch f := frame.(type) {
	case *protocol.ErrorResp:
		return nil, tunnelErrorFromCode(f.ErrorCode, f.Message)
	case *protocol.NewTunnel:
		if f.Error != "" {
			return nil, tunnelErrorFromMessage(f.Error)
		}
		tunnel := existing
		if tunnel == nil {
			tunnel = &ActiveTunnel{
				LocalID:   idgen.Tunnel(),
				CreatedAt: time.Now(),
			}
		}
		tunnel.PublicID = f.TunnelId
		tunnel.URL = f.Url
		tunnel.Protocol = cfg.Protocol
		tunnel.Subdomain = f.Subdomain
		tunnel.Config = cfg
		c.reg.add(tunnel)
		if cfg.Protocol == "http" {
			session.startSubdomainHeartbeat(f.Subdomain)
		}
		return tunnel, nil
	default:
		return nil, &ProtocolError{Err: fmt.Errorf("unexpected response to ReqTunnel: %T", frame)}
	}
}

// handleReqProxy spawns a proxy session off the dispatcher goroutine.
func (c *Client) handleReqProxy(ctx context.Context) {
	c.mu.Lock()
	token := c.token
	clientID := c.clientID
	c.mu.Unlock()

	runProxySession(ctx, c.session, c.reg, c.proxyAddr, token, clientID, c.insecure, c.recordRequest)
}

func (c *Client) recordRequest(e RequestLogEntry) {
	c.reqLogMu.Lock()
	defer c.reqLogMu.Unlock()
	c.reqLog = append(c.reqLog, e)
	if len(c.reqLog) > requestLogSize {
		c.reqLog = c.reqLog[len(c.reqLog)-requestLogSize:]
	}
}

// GetRequests drains and returns the recent request log.
func (c *Client) GetRequests() []RequestLogEntry {
	c.reqLogMu.Lock()
	defer c.reqLogMu.Unlock()
	out := make([]RequestLogEntry, len(c.reqLog))
	copy(out, c.reqLog)
	c.reqLog = nil
	return out
}

// GetStats returns the byte counters for the tunnel with the given local id.
func (c *Client) GetStats(localID string) (Stats, bool) {
	t, ok := c.reg.get(localID)
	if !ok {
		return Stats{}, false
	}
	return t.GetStats(), true
}

// IsConnected reports whether the control session is currently live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Connected
}

// IsReconnecting reports whether the supervisor is mid-reconnect.
func (c *Client) IsReconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Reconnecting
}

// ConnectionStatus returns a snapshot of the supervisor's connection state.
func (c *Client) ConnectionStatus() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// handleFatal is invoked by the control session when it observes a fatal
// transport error. It never blocks the dispatcher: it launches the
// reconnect loop in its own goroutine.
func (c *Client) handleFatal(err error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.status = ConnectionStatus{Reconnecting: c.reconnect, Reason: err.Error()}
	reconnectEnabled := c.reconnect
	c.mu.Unlock()

	if !reconnectEnabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.reconnectCancel = cancel
	c.mu.Unlock()

	go c.reconnectLoop(ctx)
}

// reconnectLoop implements spec §4.7: reconnect with exponential backoff,
// then re-request every tunnel in the registry with its previous subdomain
// so the public URL survives the disconnect.
func (c *Client) reconnectLoop(ctx context.Context) {
	b := NewBackoff(c.backoffCfg)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}

		if err := c.Connect(ctx); err != nil {
			if isPermanentError(err) {
				c.mu.Lock()
				c.status = ConnectionStatus{Reason: err.Error()}
				c.mu.Unlock()
				return
			}
			if b.MaxRetriesReached() {
				log.Error(ErrMaxRetriesExceeded.Error())
				c.mu.Lock()
				c.status = ConnectionStatus{Reason: ErrMaxRetriesExceeded.Error()}
				c.mu.Unlock()
				return
			}
			delay := b.NextDelay()
			if isTransientError(err) {
				log.Warn("reconnect attempt failed", "error", err, "attempt", b.Attempt(), "delay", delay)
			} else {
				log.Error("reconnect attempt failed with an unexpected error", "error", err, "attempt", b.Attempt(), "delay", delay)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		b.Reset()
		c.mu.Lock()
		c.status = ConnectionStatus{Connected: true}
		c.mu.Unlock()

		for _, tunnel := range c.reg.all() {
			cfg := tunnel.Config
			cfg.Subdomain = tunnel.Subdomain
			if _, err := c.requestTunnel(ctx, cfg, tunnel); err != nil {
				log.Error("failed to re-request tunnel after reconnect", "subdomain", tunnel.Subdomain, "error", err)
			}
		}
		return
	}
}

// Close shuts the supervisor down: marks it not-running (checked by
// handleFatal and reconnectLoop before they act), cancels any in-flight
// reconnect, closes the control session, and clears the registry. Proxy
// sessions already running are not stopped and can still update byte
// counters and the request log; registry and request-log writes do not
// check the running flag. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	session := c.session
	c.session = nil
	cancel := c.reconnectCancel
	c.reconnectCancel = nil
	c.status = ConnectionStatus{}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Close()
	}
	c.reg.clear()
	return nil
}
