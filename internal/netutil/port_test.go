package netutil

import (
	"errors"
	"net"
	"testing"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func busyAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

func TestListenPreferredFree(t *testing.T) {
	addr := freeAddr(t)
	ln, err := Listen(addr, nil, false)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer func() { _ = ln.Close() }()
	if got := ln.Addr().String(); got != addr {
		t.Fatalf("Listen() addr = %q; want %q", got, addr)
	}
}

func TestListenFallback(t *testing.T) {
	busy := busyAddr(t)
	free := freeAddr(t)

	ln, err := Listen(busy, []string{busy, free}, true)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer func() { _ = ln.Close() }()
	if got := ln.Addr().String(); got != free {
		t.Fatalf("Listen() addr = %q; want %q", got, free)
	}
}

func TestListenNoFallback(t *testing.T) {
	busy := busyAddr(t)
	if _, err := Listen(busy, []string{freeAddr(t)}, false); err == nil {
		t.Fatalf("Listen() error = nil; want preferred address error")
	}
}

func TestListenExhausted(t *testing.T) {
	busy := busyAddr(t)
	_, err := Listen(busy, []string{busy}, true)
	if !errors.Is(err, ErrNoAddress) {
		t.Fatalf("Listen() error = %v; want %v", err, ErrNoAddress)
	}
}
