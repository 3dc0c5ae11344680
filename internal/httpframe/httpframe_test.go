package httpframe

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/bc183/retunnel/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequest(t *testing.T) {
	f := &protocol.HTTPRequestFrame{
		Method:  "GET",
		Path:    "/x",
		Headers: map[string]string{"Host": "demo.retunnel.net"},
		Body:    []byte{},
	}
	raw := BuildRequest(f)
	assert.Contains(t, string(raw), "GET /x HTTP/1.1\r\n")
	assert.Contains(t, string(raw), "Host: demo.retunnel.net\r\n")
	assert.True(t, bytes.HasSuffix(raw, []byte("\r\n\r\n")))
}

func TestBuildRequestWithQuery(t *testing.T) {
	f := &protocol.HTTPRequestFrame{Method: "GET", Path: "/search", Query: "q=1"}
	raw := BuildRequest(f)
	assert.Contains(t, string(raw), "GET /search?q=1 HTTP/1.1\r\n")
}

func TestParseResponseWithContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	resp, err := ParseResponse(bufio.NewReader(bytes.NewReader([]byte(raw))))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "5", resp.Headers["Content-Length"])
}

func TestParseResponseUntilEOF(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n\r\nno-length-body"
	resp, err := ParseResponse(bufio.NewReader(bytes.NewReader([]byte(raw))))
	require.NoError(t, err)
	assert.Equal(t, "no-length-body", string(resp.Body))
}

func TestParseResponseUnparseableYields500(t *testing.T) {
	raw := "not even close to http\r\n\r\n"
	resp, err := ParseResponse(bufio.NewReader(bytes.NewReader([]byte(raw))))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
}

func TestRewriteRedirectRelative(t *testing.T) {
	resp := &ParsedResponse{Status: 302, Headers: map[string]string{"Location": "/dashboard"}}
	RewriteRedirect(resp, "https://demo.retunnel.net")
	assert.Equal(t, "https://demo.retunnel.net/dashboard", resp.Headers["Location"])
}

func TestRewriteRedirectRelativeTrailingSlashOnTunnelURL(t *testing.T) {
	resp := &ParsedResponse{Status: 302, Headers: map[string]string{"Location": "/x"}}
	RewriteRedirect(resp, "https://demo.retunnel.net/")
	assert.Equal(t, "https://demo.retunnel.net/x", resp.Headers["Location"])
}

func TestRewriteRedirectAbsoluteLocalhost(t *testing.T) {
	resp := &ParsedResponse{Status: 301, Headers: map[string]string{"Location": "http://localhost:8080/x?y=1"}}
	RewriteRedirect(resp, "https://demo.retunnel.net")
	assert.Equal(t, "https://demo.retunnel.net/x?y=1", resp.Headers["Location"])
}

func TestRewriteRedirectAbsoluteLoopbackIP(t *testing.T) {
	resp := &ParsedResponse{Status: 307, Headers: map[string]string{"Location": "https://127.0.0.1/a/b"}}
	RewriteRedirect(resp, "https://demo.retunnel.net")
	assert.Equal(t, "https://demo.retunnel.net/a/b", resp.Headers["Location"])
}

func TestRewriteRedirectExternalUnchanged(t *testing.T) {
	resp := &ParsedResponse{Status: 302, Headers: map[string]string{"Location": "https://example.com/x"}}
	RewriteRedirect(resp, "https://demo.retunnel.net")
	assert.Equal(t, "https://example.com/x", resp.Headers["Location"])
}

func TestRewriteRedirectCaseInsensitiveHeaderKey(t *testing.T) {
	resp := &ParsedResponse{Status: 302, Headers: map[string]string{"location": "/y"}}
	RewriteRedirect(resp, "https://demo.retunnel.net")
	assert.Equal(t, "https://demo.retunnel.net/y", resp.Headers["location"])
}

func TestRewriteRedirectNonRedirectStatusUntouched(t *testing.T) {
	resp := &ParsedResponse{Status: 200, Headers: map[string]string{"Location": "/should-not-change"}}
	RewriteRedirect(resp, "https://demo.retunnel.net")
	assert.Equal(t, "/should-not-change", resp.Headers["Location"])
}

func TestRewriteRedirectIdempotentOnAlreadyRewrittenURL(t *testing.T) {
	resp := &ParsedResponse{Status: 302, Headers: map[string]string{"Location": "https://demo.retunnel.net/x?y=1"}}
	RewriteRedirect(resp, "https://demo.retunnel.net")
	assert.Equal(t, "https://demo.retunnel.net/x?y=1", resp.Headers["Location"])
}
