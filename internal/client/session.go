package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/bc183/retunnel/internal/protocol"
	"github.com/bc183/retunnel/internal/version"
	"github.com/charmbracelet/log"
	"github.com/hashicorp/yamux"
)

const (
	// LivenessInterval is how often the control session pings the gateway.
	LivenessInterval = 20 * time.Second

	// HeartbeatInterval is how often a subdomain heartbeat is sent for
	// each active HTTP tunnel.
	HeartbeatInterval = 30 * time.Second

	// RequestTimeout bounds how long RequestTunnel waits for NewTunnel or
	// ErrorResp before failing with a tunnel error.
	RequestTimeout = 10 * time.Second

	// yamuxKeepAlive is the transport-layer keepalive interval, independent
	// of the 20s/30s application heartbeats above.
	yamuxKeepAlive = 30 * time.Second

	maxMissedLiveness = 3
)

// pendingResult is delivered to a RequestTunnel waiter: either the
// NewTunnel/ErrorResp frame that answered its ReqId, or an error if the
// table was drained before an answer arrived.
type pendingResult struct {
	frame any
	err   error
}

// pendingTable correlates ReqTunnel requests with their NewTunnel/ErrorResp
// answers by ReqId (spec §3, "pending request table").
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan pendingResult
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan pendingResult)}
}

func (p *pendingTable) register(reqID string) chan pendingResult {
	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	p.waiters[reqID] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingTable) complete(reqID string, frame any) bool {
	p.mu.Lock()
	ch, ok := p.waiters[reqID]
	if ok {
		delete(p.waiters, reqID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- pendingResult{frame: frame}
	return true
}

func (p *pendingTable) forget(reqID string) {
	p.mu.Lock()
	delete(p.waiters, reqID)
	p.mu.Unlock()
}

// drain fails every outstanding waiter with err and empties the table, per
// spec §3: on reconnect "all pending waiters fail with a connection error".
func (p *pendingTable) drain(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan pendingResult)
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- pendingResult{err: err}
	}
}

// dialTransport opens the raw connection to a gateway endpoint: a plain TCP
// dial for localhost/127.0.0.1 (dev gateways), TLS otherwise, per spec §6
// ("non-secure for localhost/127.0.0.1, secure otherwise"). It then writes
// the bearer token as a header line before any multiplexing begins, since
// the wire protocol wants the token both as a header and inside Auth.
func dialTransport(ctx context.Context, addr, token string, insecureSkipVerify bool) (net.Conn, error) {
	dialer := &net.Dialer{}

	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host = addr
	}

	var conn net.Conn
	var err error
	if host == "localhost" || host == "127.0.0.1" {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{InsecureSkipVerify: insecureSkipVerify}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &ConnectionError{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	if _, err := fmt.Fprintf(conn, "Authorization: Bearer %s\r\n", token); err != nil {
		conn.Close()
		return nil, &ConnectionError{Err: fmt.Errorf("write auth header: %w", err)}
	}

	return conn, nil
}

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = yamuxKeepAlive
	cfg.LogOutput = nil
	return cfg
}

// controlSession is one authenticated full-duplex channel to the gateway
// (C6). It holds no reference back to the supervisor; instead the
// supervisor sets the onReqProxy/onFatal callbacks before calling start, so
// teardown never has to walk a cycle (spec §9, "cyclic ownership").
type controlSession struct {
	yamuxSession *yamux.Session
	stream       *yamux.Stream
	codec        *protocol.FrameCodec
	clientID     string

	pending *pendingTable

	onReqProxy func()
	onFatal    func(error)

	missedPongs int32
	pongMu      sync.Mutex

	subMu     sync.Mutex
	subCancel map[string]context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// newControlSession dials the control endpoint, sends Auth, and waits for
// the first frame. It returns whatever AuthResp the gateway sent (including
// one carrying a non-empty Error) so the caller can run the token-repair
// dance; it only returns a non-nil error for transport/protocol failures.
func newControlSession(ctx context.Context, addr, token, clientID string, insecureSkipVerify bool, onReqProxy func(), onFatal func(error)) (*controlSession, *protocol.AuthResp, error) {
	conn, err := dialTransport(ctx, addr, token, insecureSkipVerify)
	if err != nil {
		return nil, nil, err
	}

	ys, err := yamux.Client(conn, yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, nil, &ConnectionError{Err: fmt.Errorf("open yamux session: %w", err)}
	}

	stream, err := ys.OpenStream()
	if err != nil {
		ys.Close()
		return nil, nil, &ConnectionError{Err: fmt.Errorf("open control stream: %w", err)}
	}

	cs := &controlSession{
		yamuxSession: ys,
		stream:       stream,
		codec:        protocol.NewFrameCodec(stream),
		clientID:     clientID,
		pending:      newPendingTable(),
		onReqProxy:   onReqProxy,
		onFatal:      onFatal,
		subCancel:    make(map[string]context.CancelFunc),
		done:         make(chan struct{}),
	}

	auth := protocol.NewAuth(clientID, runtime.GOOS, runtime.GOARCH, version.String(), version.Full(), token)
	if err := cs.codec.Send(auth); err != nil {
		ys.Close()
		return nil, nil, &ConnectionError{Err: fmt.Errorf("send auth: %w", err)}
	}

	frame, err := cs.codec.Recv()
	if err != nil {
		ys.Close()
		return nil, nil, &ConnectionError{Err: fmt.Errorf("read auth response: %w", err)}
	}

	resp, ok := frame.(*protocol.AuthResp)
	if !ok {
		ys.Close()
		return nil, nil, &ProtocolError{Err: fmt.Errorf("expected AuthResp, got %T", frame)}
	}

	if resp.ClientId != "" {
		cs.clientID = resp.ClientId
	}

	return cs, resp, nil
}

// start launches the dispatcher and liveness heartbeat. It must only be
// called once AuthResp.Error has been confirmed empty.
func (cs *controlSession) start() {
	go cs.dispatchLoop()
	go cs.livenessLoop()
}

func (cs *controlSession) dispatchLoop() {
	for {
		frame, err := cs.codec.Recv()
		if err != nil {
			cs.teardown(&ConnectionError{Err: err}, true)
			return
		}

		switch f := frame.(type) {
		case *protocol.NewTunnel:
			if !cs.pending.complete(f.ReqId, f) {
				log.Debug("dispatcher: no waiter for NewTunnel", "req_id", f.ReqId)
			}
		case *protocol.ErrorResp:
			if !cs.pending.complete(f.ReqId, f) {
				log.Debug("dispatcher: no waiter for ErrorResp", "req_id", f.ReqId)
			}
		case *protocol.ReqProxy:
			if cs.onReqProxy != nil {
				go cs.onReqProxy()
			}
		case *protocol.Ping:
			if err := cs.codec.Send(&protocol.Pong{Type: protocol.TypePong}); err != nil {
				log.Debug("failed to reply to ping", "error", err)
			}
		case *protocol.Pong:
			cs.pongMu.Lock()
			cs.missedPongs = 0
			cs.pongMu.Unlock()
		case *protocol.Unknown:
			log.Debug("dispatcher: unknown frame type", "type", f.Type)
		default:
			log.Debug("dispatcher: unhandled frame", "frame_type", fmt.Sprintf("%T", frame))
		}
	}
}

func (cs *controlSession) livenessLoop() {
	ticker := time.NewTicker(LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.done:
			return
		case <-ticker.C:
			cs.pongMu.Lock()
			cs.missedPongs++
			missed := cs.missedPongs
			cs.pongMu.Unlock()

			if missed > maxMissedLiveness {
				cs.teardown(&ConnectionError{Err: errors.New("liveness timeout: no pong received")}, true)
				return
			}

			if err := cs.codec.Send(&protocol.Ping{Type: protocol.TypePing}); err != nil {
				cs.teardown(&ConnectionError{Err: err}, true)
				return
			}
		}
	}
}

// requestTunnel sends req and waits up to RequestTimeout for its matching
// NewTunnel/ErrorResp.
func (cs *controlSession) requestTunnel(ctx context.Context, reqID string, req *protocol.ReqTunnel) (any, error) {
	ch := cs.pending.register(reqID)
	defer cs.pending.forget(reqID)

	if err := cs.codec.Send(req); err != nil {
		return nil, &ConnectionError{Err: err}
	}

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-timer.C:
		return nil, &TunnelError{Message: "tunnel request timed out"}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cs.done:
		return nil, &ConnectionError{Err: errors.New("control session closed")}
	}
}

// startSubdomainHeartbeat starts (idempotently) a per-subdomain keep-alive
// task for an HTTP tunnel.
func (cs *controlSession) startSubdomainHeartbeat(subdomain string) {
	if subdomain == "" {
		return
	}
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	if _, ok := cs.subCancel[subdomain]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cs.subCancel[subdomain] = cancel
	go cs.subdomainHeartbeatLoop(ctx, subdomain)
}

func (cs *controlSession) subdomainHeartbeatLoop(ctx context.Context, subdomain string) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cs.done:
			return
		case <-ticker.C:
			hb := &protocol.Heartbeat{
				Type:      protocol.TypeHeartbeat,
				Subdomain: subdomain,
				Timestamp: float64(timeNowUnix()),
			}
			if err := cs.codec.Send(hb); err != nil {
				log.Debug("subdomain heartbeat failed", "subdomain", subdomain, "error", err)
				return
			}
		}
	}
}

func (cs *controlSession) stopSubdomainHeartbeat(subdomain string) {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	if cancel, ok := cs.subCancel[subdomain]; ok {
		cancel()
		delete(cs.subCancel, subdomain)
	}
}

// activeHeartbeatCount reports how many subdomain heartbeats are running,
// for the testable property that it tracks the registry's HTTP-tunnel count.
func (cs *controlSession) activeHeartbeatCount() int {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	return len(cs.subCancel)
}

// teardown closes the session exactly once. When notifyFatal is true (the
// dispatcher or liveness loop detected the failure) onFatal is invoked so
// the supervisor can start reconnecting; a caller-initiated Close should
// pass false.
func (cs *controlSession) teardown(err error, notifyFatal bool) {
	cs.closeOnce.Do(func() {
		close(cs.done)
		cs.stopAllSubHeartbeats()
		if cs.yamuxSession != nil {
			cs.yamuxSession.Close()
		}
		cs.pending.drain(err)
		if notifyFatal && cs.onFatal != nil {
			cs.onFatal(err)
		}
	})
}

func (cs *controlSession) stopAllSubHeartbeats() {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	for _, cancel := range cs.subCancel {
		cancel()
	}
	cs.subCancel = make(map[string]context.CancelFunc)
}

// Close tears the session down without signalling a fatal error upstream;
// it is what the supervisor calls on intentional shutdown or before a
// deliberate reconnect.
func (cs *controlSession) Close() error {
	cs.teardown(ErrShutdown, false)
	return nil
}

func timeNowUnix() int64 {
	return time.Now().Unix()
}
