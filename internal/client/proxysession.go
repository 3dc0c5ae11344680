package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/bc183/retunnel/internal/httpframe"
	"github.com/bc183/retunnel/internal/protocol"
	"github.com/bc183/retunnel/internal/proxy"
	"github.com/charmbracelet/log"
	"github.com/hashicorp/yamux"
)

// localDialTimeout bounds the TCP dial to the operator's local service.
const localDialTimeout = 5 * time.Second

// proxySession carries exactly one public request/response round trip
// (C7). It is created fresh for every ReqProxy and discarded afterwards;
// it never tries to keep the local TCP connection alive across requests.
type proxySession struct {
	reg       *registry
	proxyAddr string
	token     string
	insecure  bool
	clientID  string
	onRequest func(RequestLogEntry)

	yamuxSession *yamux.Session
	stream       *yamux.Stream
	codec        *protocol.FrameCodec
}

// runProxySession performs the whole C7 lifecycle described in spec §4.6.
// Errors are logged and swallowed: a failed proxy session never reaches
// the supervisor or takes down the control session.
func runProxySession(ctx context.Context, cs *controlSession, reg *registry, proxyAddr, token, clientID string, insecure bool, onRequest func(RequestLogEntry)) {
	ps := &proxySession{
		reg:       reg,
		proxyAddr: proxyAddr,
		token:     token,
		insecure:  insecure,
		clientID:  clientID,
		onRequest: onRequest,
	}

	if err := ps.run(ctx); err != nil {
		log.Debug("proxy session ended", "error", err)
	}
}

func (ps *proxySession) run(ctx context.Context) error {
	ys, stream, err := dialProxyTransport(ctx, ps.proxyAddr, ps.token, ps.insecure)
	if err != nil {
		return &ProxyError{Err: err}
	}
	ps.yamuxSession = ys
	ps.stream = stream
	ps.codec = protocol.NewFrameCodec(stream)
	defer ps.yamuxSession.Close()

	if err := ps.codec.Send(&protocol.RegProxy{Type: protocol.TypeRegProxy, ClientId: ps.clientID}); err != nil {
		return &ProxyError{Err: fmt.Errorf("send RegProxy: %w", err)}
	}

	frame, err := ps.codec.Recv()
	if err != nil {
		return &ProxyError{Err: fmt.Errorf("read StartProxy: %w", err)}
	}

	start, ok := frame.(*protocol.StartProxy)
	if !ok {
		return &ProxyError{Err: fmt.Errorf("expected StartProxy, got %T", frame)}
	}

	tunnel, ok := ps.reg.findByURLSubstring(start.Url)
	if !ok {
		log.Error("proxy session: no tunnel matches url", "url", start.Url)
		return &ProxyError{Err: fmt.Errorf("no tunnel matches url %q", start.Url)}
	}

	localAddr := fmt.Sprintf("127.0.0.1:%d", tunnel.Config.LocalPort)
	localConn, err := net.DialTimeout("tcp", localAddr, localDialTimeout)
	if err != nil {
		return &ProxyError{Err: fmt.Errorf("dial local service %s: %w", localAddr, err)}
	}
	defer localConn.Close()

	if tunnel.Protocol == "tcp" {
		return ps.pipeRaw(tunnel, localConn)
	}
	return ps.loop(tunnel, localConn)
}

// pipeRaw handles a tcp tunnel's proxy session: the stream carries no
// message framing at all, so the yamux stream and the local connection are
// spliced together directly for the lifetime of the session.
func (ps *proxySession) pipeRaw(tunnel *ActiveTunnel, localConn net.Conn) error {
	counted := &countingConn{Conn: localConn, onRead: tunnel.addBytesOut, onWrite: tunnel.addBytesIn}
	if err := proxy.Bidirectional(ps.stream, counted); err != nil {
		return &ProxyError{Err: fmt.Errorf("tcp tunnel relay: %w", err)}
	}
	return nil
}

// countingConn wraps a net.Conn to feed byte counts collected by
// proxy.Bidirectional into a tunnel's traffic stats.
type countingConn struct {
	net.Conn
	onRead  func(int64)
	onWrite func(int64)
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(int64(n))
	}
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 && c.onWrite != nil {
		c.onWrite(int64(n))
	}
	return n, err
}

// loop reads Proxy frames until the proxy stream closes, forwarding each
// to the local TCP service and sending back its response.
func (ps *proxySession) loop(tunnel *ActiveTunnel, localConn net.Conn) error {
	localReader := bufio.NewReader(localConn)
	for {
		frame, err := ps.codec.Recv()
		if err != nil {
			return nil // stream closed: normal end of the session.
		}

		proxyFrame, ok := frame.(*protocol.Proxy)
		if !ok {
			log.Debug("proxy session: ignoring non-Proxy frame", "frame_type", fmt.Sprintf("%T", frame))
			continue
		}

		reqFrame, err := protocol.DecodeHTTPRequest(proxyFrame.Data)
		if err != nil {
			return &ProtocolError{Err: fmt.Errorf("decode HTTPRequestFrame: %w", err)}
		}

		start := time.Now()
		raw := httpframe.BuildRequest(reqFrame)
		tunnel.addBytesIn(int64(len(raw)))

		if _, err := localConn.Write(raw); err != nil {
			return &ProxyError{Err: fmt.Errorf("write to local service: %w", err)}
		}

		resp, err := httpframe.ParseResponse(localReader)
		if err != nil {
			log.Debug("proxy session: response parse error, forwarding best effort", "error", err)
		}

		httpframe.RewriteRedirect(resp, tunnel.URL)

		if ps.onRequest != nil {
			ps.onRequest(RequestLogEntry{
				Method:   reqFrame.Method,
				Path:     reqFrame.Path,
				Status:   resp.Status,
				Duration: time.Since(start),
				At:       start,
			})
		}

		respFrame := &protocol.HTTPResponseFrame{
			Status:  resp.Status,
			Headers: resp.Headers,
			Body:    resp.Body,
		}
		data, err := protocol.EncodeHTTPResponse(respFrame)
		if err != nil {
			return &ProtocolError{Err: fmt.Errorf("encode HTTPResponseFrame: %w", err)}
		}

		tunnel.addBytesOut(int64(len(data)))

		if err := ps.codec.Send(protocol.NewProxy(data)); err != nil {
			return &ProxyError{Err: fmt.Errorf("send Proxy response: %w", err)}
		}
	}
}

func dialProxyTransport(ctx context.Context, addr, token string, insecure bool) (*yamux.Session, *yamux.Stream, error) {
	conn, err := dialTransport(ctx, addr, token, insecure)
	if err != nil {
		return nil, nil, err
	}
	ys, err := yamux.Client(conn, yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, nil, &ConnectionError{Err: fmt.Errorf("open proxy yamux session: %w", err)}
	}
	stream, err := ys.OpenStream()
	if err != nil {
		ys.Close()
		return nil, nil, &ConnectionError{Err: fmt.Errorf("open proxy stream: %w", err)}
	}
	return ys, stream, nil
}
