package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bc183/retunnel/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRequestTunnelPreservesExistingTunnelOnReRequest locks in the
// reconnect invariant: re-requesting a tunnel with an existing
// ActiveTunnel must update that same object in place (new PublicID/URL,
// same LocalID, untouched byte counters) rather than replace it with a
// freshly minted one.
func TestRequestTunnelPreservesExistingTunnelOnReRequest(t *testing.T) {
	// The pipe is deliberately left open for the test's duration: closing it
	// would drive dispatchLoop into its fatal-error teardown path, which
	// isn't what either test is exercising.
	serverConn, clientConn := net.Pipe()

	serverCodec := protocol.NewFrameCodec(serverConn)
	go func() {
		frame, err := serverCodec.Recv()
		if err != nil {
			return
		}
		req, ok := frame.(*protocol.ReqTunnel)
		if !ok {
			return
		}
		serverCodec.Send(&protocol.NewTunnel{
			Type:      protocol.TypeNewTunnel,
			ReqId:     req.ReqId,
			Url:       "http://demo.retunnel.net",
			Protocol:  req.Protocol,
			Subdomain: req.Subdomain,
			TunnelId:  "tun-reconnected",
		})
	}()

	cs := &controlSession{
		codec:     protocol.NewFrameCodec(clientConn),
		pending:   newPendingTable(),
		subCancel: make(map[string]context.CancelFunc),
		done:      make(chan struct{}),
	}
	go cs.dispatchLoop()

	c := &Client{reg: newRegistry()}
	c.session = cs

	existing := &ActiveTunnel{
		LocalID:   "tun_stable",
		PublicID:  "tun-old",
		URL:       "http://demo.retunnel.net",
		Protocol:  "http",
		Subdomain: "demo",
		Config:    TunnelConfig{Protocol: "http", LocalPort: 8080, Subdomain: "demo"},
	}
	existing.addBytesIn(500)
	existing.addBytesOut(300)
	c.reg.add(existing)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := c.requestTunnel(ctx, existing.Config, existing)
	require.NoError(t, err)

	assert.Same(t, existing, result)
	assert.Equal(t, "tun_stable", result.LocalID)
	assert.Equal(t, "tun-reconnected", result.PublicID)

	stats := result.GetStats()
	assert.Equal(t, int64(500), stats.BytesIn)
	assert.Equal(t, int64(300), stats.BytesOut)

	got, ok := c.reg.get("tun_stable")
	require.True(t, ok)
	assert.Same(t, existing, got)
}

// TestRequestTunnelWithoutExistingMintsNewTunnel is the complementary
// case: a first-time request (existing == nil) still gets a fresh
// ActiveTunnel with a newly generated LocalID.
func TestRequestTunnelWithoutExistingMintsNewTunnel(t *testing.T) {
	// The pipe is deliberately left open for the test's duration: closing it
	// would drive dispatchLoop into its fatal-error teardown path, which
	// isn't what either test is exercising.
	serverConn, clientConn := net.Pipe()

	serverCodec := protocol.NewFrameCodec(serverConn)
	go func() {
		frame, err := serverCodec.Recv()
		if err != nil {
			return
		}
		req, ok := frame.(*protocol.ReqTunnel)
		if !ok {
			return
		}
		serverCodec.Send(&protocol.NewTunnel{
			Type:      protocol.TypeNewTunnel,
			ReqId:     req.ReqId,
			Url:       "http://fresh.retunnel.net",
			Protocol:  req.Protocol,
			Subdomain: req.Subdomain,
			TunnelId:  "tun-fresh",
		})
	}()

	cs := &controlSession{
		codec:     protocol.NewFrameCodec(clientConn),
		pending:   newPendingTable(),
		subCancel: make(map[string]context.CancelFunc),
		done:      make(chan struct{}),
	}
	go cs.dispatchLoop()

	c := &Client{reg: newRegistry()}
	c.session = cs

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := c.RequestTunnel(ctx, TunnelConfig{Protocol: "tcp", LocalPort: 22})
	require.NoError(t, err)

	assert.NotEmpty(t, result.LocalID)
	assert.Equal(t, "tun-fresh", result.PublicID)
	assert.Equal(t, int64(0), result.GetStats().BytesIn)
}
