package sockets

import (
	"net"
	"testing"
)

func TestNoCidrPoolBindsLoopback(t *testing.T) {
	pool, err := NewPool("")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	listener, token, err := pool.GetLoopback(0)
	if err != nil {
		t.Fatalf("GetLoopback: %v", err)
	}
	defer listener.Close()

	if token != nil {
		t.Fatal("expected a nil token when no CIDR is configured")
	}

	addr := listener.Addr().String()
	if addr == "" {
		t.Fatal("expected a bound address")
	}
}

func TestTokenReleaseIsIdempotent(t *testing.T) {
	var tok *Token
	// Release on a nil token must be a safe no-op — every listenerEntry
	// cleanup path calls Release unconditionally.
	tok.Release()

	pool, err := NewPool("")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	_, token, err := pool.GetLoopback(0)
	if err != nil {
		t.Fatalf("GetLoopback: %v", err)
	}
	if token != nil {
		token.Release()
		token.Release()
	}

	// A no-CIDR pool never issues a token, so release a hand-built one
	// twice: the second call must be a no-op.
	tok = &Token{pool: pool, ip: net.IPv4(127, 0, 0, 1)}
	tok.Release()
	tok.Release()
}
