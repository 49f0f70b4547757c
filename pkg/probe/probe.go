// Package probe checks whether a forwarded destination is actually
// accepting connections.
package probe

import (
	"fmt"
	"net"
	"time"
)

// Checker tests reachability of a guest-side destination.
type Checker interface {
	Check(address string) error
}

// TCPChecker probes via TCP connection attempts.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a TCPChecker with the given dial timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{timeout: timeout}
}

// Check attempts a TCP connection to the address. A nil return means the
// destination accepted the connection.
func (c *TCPChecker) Check(address string) error {
	conn, err := net.DialTimeout("tcp", address, c.timeout)
	if err != nil {
		return fmt.Errorf("destination %s is not reachable: %w", address, err)
	}
	conn.Close()
	return nil
}
