package guest

import (
	"context"
	"fmt"
)

// FakeDirectory is an in-memory Directory for tests and for development on
// hosts without Proxmox installed.
type FakeDirectory struct {
	Guests    []Guest
	Addresses map[string]string // VMID -> IPv4; missing means unavailable
	EnumErr   error
}

// Enumerate returns the configured guest list.
func (d *FakeDirectory) Enumerate(ctx context.Context) ([]Guest, error) {
	if d.EnumErr != nil {
		return nil, d.EnumErr
	}
	return d.Guests, nil
}

// ResolveAddress returns the configured address for the guest, or
// ErrUnavailable if none is configured.
func (d *FakeDirectory) ResolveAddress(ctx context.Context, id string) (string, error) {
	addr, ok := d.Addresses[id]
	if !ok {
		return "", fmt.Errorf("%w: guest %s", ErrUnavailable, id)
	}
	return addr, nil
}
