// Package guest resolves Proxmox guests and their internal addresses through
// the QEMU guest agent.
package guest

import (
	"context"
	"fmt"
)

// ErrUnavailable is returned when a guest's internal address cannot be
// determined, typically because the guest is stopped or its agent is not
// running.
var ErrUnavailable = fmt.Errorf("guest address unavailable")

// Guest identifies an addressable guest on the host.
type Guest struct {
	ID   string // VMID
	Name string
}

// Directory enumerates guests and resolves their internal IPv4 addresses.
type Directory interface {
	// Enumerate returns the guests currently considered addressable.
	Enumerate(ctx context.Context) ([]Guest, error)

	// ResolveAddress returns the guest's current internal IPv4 address, or
	// an error wrapping ErrUnavailable if the agent cannot report one.
	ResolveAddress(ctx context.Context, id string) (string, error)
}
