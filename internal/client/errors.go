package client

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors for client operations.
var (
	// ErrShutdown indicates the client was shut down intentionally (e.g., via context cancellation).
	ErrShutdown = errors.New("client shutdown")

	// ErrSubdomainTaken indicates the requested subdomain is already in use.
	ErrSubdomainTaken = errors.New("subdomain already in use")

	// ErrMaxRetriesExceeded indicates the maximum number of reconnection attempts was reached.
	ErrMaxRetriesExceeded = errors.New("maximum reconnection attempts exceeded")

	// ErrNotConnected is returned by RequestTunnel when called on a
	// supervisor with no live control session.
	ErrNotConnected = errors.New("not connected")
)

// ConnectionError wraps a transport failure: the control or proxy
// transport could not be opened, was closed unexpectedly, or a read/write
// failed.
type ConnectionError struct{ Err error }

func (e *ConnectionError) Error() string { return "connection error: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError indicates AuthResp carried an error that token
// repair did not resolve.
type AuthenticationError struct{ Message string }

func (e *AuthenticationError) Error() string { return "authentication failed: " + e.Message }

// TunnelError indicates ErrorResp was received, NewTunnel.Error was set,
// or a tunnel request timed out.
type TunnelError struct {
	Code    string
	Message string

	// sentinel lets errors.Is match a specific known cause without
	// widening the exported API; nil unless tunnelErrorFromMessage
	// recognized the message.
	sentinel error
}

func (e *TunnelError) Error() string {
	if e.Code != "" {
		return "tunnel error [" + e.Code + "]: " + e.Message
	}
	return "tunnel error: " + e.Message
}

func (e *TunnelError) Unwrap() error { return e.sentinel }

// tunnelErrorFromMessage classifies a NewTunnel.Error string, attaching
// ErrSubdomainTaken when the gateway's message reports a subdomain
// conflict (mirrors the server's "subdomain '%s' is already in use").
func tunnelErrorFromMessage(message string) *TunnelError {
	te := &TunnelError{Message: message}
	lower := strings.ToLower(message)
	if strings.Contains(lower, "subdomain") &&
		(strings.Contains(lower, "already in use") || strings.Contains(lower, "already taken") || strings.Contains(lower, "taken")) {
		te.sentinel = ErrSubdomainTaken
	}
	return te
}

// ProtocolError indicates a frame was unparseable, oversized, or of an
// unknown tag where a known one was required.
type ProtocolError struct{ Err error }

func (e *ProtocolError) Error() string { return "protocol error: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// ProxyError indicates the local TCP service could not be reached or
// request/response parsing failed.
type ProxyError struct{ Err error }

func (e *ProxyError) Error() string { return "proxy error: " + e.Err.Error() }
func (e *ProxyError) Unwrap() error { return e.Err }

// ConfigurationError indicates a configuration file was malformed or a
// field value was invalid.
type ConfigurationError struct{ Err error }

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// APIError indicates a registrar REST call failed; Status is 0 when the
// call never reached the server (e.g. a network error).
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return "api error: " + e.Message }

// tunnelErrorFromCode translates an ErrorResp error code into a typed
// TunnelError with the human-readable messages spec §4.5 prescribes.
func tunnelErrorFromCode(code, message string) *TunnelError {
	switch code {
	case "OVER_CAPACITY":
		return &TunnelError{Code: code, Message: "no subdomains available"}
	case "FREE_TIER_LIMIT_REACHED":
		return &TunnelError{Code: code, Message: "free-tier limit"}
	default:
		if message == "" {
			message = "unknown tunnel error"
		}
		return &TunnelError{Code: code, Message: message}
	}
}

// isPermanentError returns true if the error should not trigger a reconnection attempt.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	// Check for our sentinel errors
	if errors.Is(err, ErrShutdown) ||
		errors.Is(err, ErrSubdomainTaken) ||
		errors.Is(err, ErrMaxRetriesExceeded) {
		return true
	}

	// A rejected auth token (after repair already failed or was not
	// applicable) or a bad local configuration will not fix itself on
	// the next dial, so neither should drive the reconnect loop.
	var authErr *AuthenticationError
	var cfgErr *ConfigurationError
	if errors.As(err, &authErr) || errors.As(err, &cfgErr) {
		return true
	}

	return false
}

// isTransientError returns true if the error is a known transient network error.
// Returns false for unknown errors - caller should decide whether to reconnect.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if isPermanentError(err) {
		return false
	}

	// Check for network errors with Timeout/Temporary methods
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}

	// Check for specific syscall errors that indicate transient failures.
	// syscall.Errno itself implements net.Error, so an error whose chain
	// holds an Errno is already classified by Timeout/Temporary above and
	// does not reach this check.
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	return false
}
