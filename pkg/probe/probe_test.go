package probe

import (
	"net"
	"testing"
	"time"
)

func TestCheckReachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start listener: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	checker := NewTCPChecker(2 * time.Second)
	if err := checker.Check(listener.Addr().String()); err != nil {
		t.Errorf("expected success, got %v", err)
	}
}

func TestCheckUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	checker := NewTCPChecker(500 * time.Millisecond)
	if err := checker.Check(addr); err == nil {
		t.Error("expected failure for closed port")
	}
}
