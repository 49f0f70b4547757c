// Package firewall applies and removes the kernel NAT directive pair backing
// a forwarding rule: a DNAT entry on the inbound chain and a MASQUERADE entry
// on the outbound chain.
package firewall

import (
	"context"
	"fmt"
	"strings"

	"github.com/beanman109/proxmox-nat-manager/pkg/rule"
)

// Stage identifies which half of the directive pair an operation failed on.
type Stage string

const (
	StageDNAT       Stage = "dnat"
	StageMasquerade Stage = "masquerade"
)

// Options configures a Backend.
type Options struct {
	// InboundBridge is the interface incoming public traffic arrives on.
	InboundBridge string
	// OutboundBridge is the interface traffic leaves through towards guests.
	OutboundBridge string
	// PersistCommand is run after every mutation to make kernel NAT state
	// survive a reboot, e.g. ["netfilter-persistent", "save"].
	PersistCommand []string
}

// Backend manages the lifetime of kernel directive pairs.
type Backend interface {
	// Install applies the DNAT directive, then the MASQUERADE directive.
	// If the second fails the first is rolled back before the error is
	// returned, so a failed install never leaves an orphaned directive.
	// Failures are reported as *InstallError carrying the failing stage.
	Install(r rule.Rule) error

	// Uninstall removes both directives best-effort: each deletion is
	// attempted independently, and failures are collected into an
	// *UninstallError. Kernel state may legitimately already be gone.
	Uninstall(r rule.Rule) error

	// Persist flushes kernel NAT state to durable storage.
	Persist(ctx context.Context) error

	// ListInstalled returns the rule keys of all directive pairs this
	// backend currently manages, derived from actual kernel state.
	ListInstalled() ([]string, error)
}

// InstallError reports which stage of an install failed. The pre-install
// kernel state has already been restored when this error is returned.
type InstallError struct {
	Stage Stage
	Err   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install failed at %s stage: %v", e.Stage, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// UninstallError collects per-stage failures of a best-effort uninstall.
type UninstallError struct {
	DNAT       error
	Masquerade error
}

func (e *UninstallError) Error() string {
	var parts []string
	if e.DNAT != nil {
		parts = append(parts, fmt.Sprintf("%s: %v", StageDNAT, e.DNAT))
	}
	if e.Masquerade != nil {
		parts = append(parts, fmt.Sprintf("%s: %v", StageMasquerade, e.Masquerade))
	}
	return "uninstall failed: " + strings.Join(parts, "; ")
}

// parseDNATListing extracts rule keys from iptables -S style listings of the
// inbound chain, e.g.
//
//	-A PVE-NAT-PRE -i vmbr0 -p tcp -m tcp --dport 8080 -j DNAT --to-destination 10.0.0.5:80
func parseDNATListing(lines []string) []string {
	var keys []string
	for _, line := range lines {
		fields := strings.Fields(line)
		var proto, dport string
		for i := 0; i < len(fields)-1; i++ {
			switch fields[i] {
			case "-p":
				proto = fields[i+1]
			case "--dport":
				dport = fields[i+1]
			}
		}
		if proto == "" || dport == "" {
			continue
		}
		keys = append(keys, fmt.Sprintf("%s/%s", dport, proto))
	}
	return keys
}
