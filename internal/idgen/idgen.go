// Package idgen generates opaque identifiers for clients, requests, and
// tunnels from a restricted alphabet, the way the control protocol expects
// to see them on the wire.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// New generates an id of the given length from the restricted alphabet,
// optionally prefixed with "<prefix>_".
func New(prefix string, length int) string {
	b := make([]byte, length)
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand on a supported platform does not fail; if it somehow
		// does, fall back to a uuid-derived seed so callers still get a
		// usable (if less uniform) id instead of a panic.
		u := uuid.New()
		copy(buf, u[:])
	}
	for i, v := range buf {
		b[i] = alphabet[int(v)%len(alphabet)]
	}
	if prefix == "" {
		return string(b)
	}
	return fmt.Sprintf("%s_%s", prefix, string(b))
}

// Client generates a client identifier, e.g. "cli_7f3a9c2e1b4d5f60".
func Client() string {
	return New("cli", 16)
}

// Request generates a request identifier, e.g. "req_7f3a9c2e1b4d".
func Request() string {
	return New("req", 12)
}

// Tunnel generates a tunnel identifier, e.g. "tun_7f3a9c2e1b4d".
func Tunnel() string {
	return New("tun", 12)
}

// AnonymousEmail generates a synthetic email for anonymous registration,
// e.g. "anon-a1b2c3d4@retunnel.com".
func AnonymousEmail(domain string) string {
	return fmt.Sprintf("anon-%s@%s", uuid.New().String()[:8], domain)
}
