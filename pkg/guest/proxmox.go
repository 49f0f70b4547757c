package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beanman109/proxmox-nat-manager/pkg/runner"
)

// ProxmoxDirectory queries guests through the qm CLI: `qm list` for
// enumeration and `qm agent <vmid> network-get-interfaces` for address
// resolution via the QEMU guest agent.
type ProxmoxDirectory struct {
	runner  runner.Runner
	timeout time.Duration
	logger  *zap.Logger
}

// NewProxmoxDirectory creates a directory backed by the qm CLI. timeout
// bounds each guest-agent query; a stopped agent otherwise blocks qm for a
// long time.
func NewProxmoxDirectory(run runner.Runner, timeout time.Duration, logger *zap.Logger) *ProxmoxDirectory {
	return &ProxmoxDirectory{
		runner:  run,
		timeout: timeout,
		logger:  logger,
	}
}

// Enumerate lists running guests. Stopped guests are excluded: without a
// running agent their address cannot be resolved, so they are not
// addressable targets for a forwarding rule.
func (d *ProxmoxDirectory) Enumerate(ctx context.Context) ([]Guest, error) {
	out, err := d.runner.Run(ctx, "qm", "list")
	if err != nil {
		return nil, fmt.Errorf("failed to list guests: %w", err)
	}
	return parseQMList(string(out))
}

// parseQMList parses the tabular output of `qm list`:
//
//	VMID NAME STATUS MEM(MB) BOOTDISK(GB) PID
func parseQMList(out string) ([]Guest, error) {
	var guests []Guest
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			// Header or continuation line.
			continue
		}
		if fields[2] != "running" {
			continue
		}
		guests = append(guests, Guest{ID: fields[0], Name: fields[1]})
	}
	return guests, nil
}

// agentInterface mirrors one entry of the guest agent's
// network-get-interfaces response.
type agentInterface struct {
	Name        string `json:"name"`
	IPAddresses []struct {
		IPAddress     string `json:"ip-address"`
		IPAddressType string `json:"ip-address-type"`
		Prefix        int    `json:"prefix"`
	} `json:"ip-addresses"`
}

// ResolveAddress asks the guest agent for the guest's network interfaces and
// returns the first non-loopback IPv4 address.
func (d *ProxmoxDirectory) ResolveAddress(ctx context.Context, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.runner.Run(ctx, "qm", "agent", id, "network-get-interfaces")
	if err != nil {
		d.logger.Debug("guest agent query failed", zap.String("vmid", id), zap.Error(err))
		return "", fmt.Errorf("%w: guest %s agent query failed: %v", ErrUnavailable, id, err)
	}

	ifaces, err := parseAgentInterfaces(out)
	if err != nil {
		return "", fmt.Errorf("%w: guest %s: %v", ErrUnavailable, id, err)
	}

	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.IPAddressType != "ipv4" {
				continue
			}
			parsed, err := netip.ParseAddr(addr.IPAddress)
			if err != nil || !parsed.Is4() || parsed.IsLoopback() {
				continue
			}
			d.logger.Debug("resolved guest address",
				zap.String("vmid", id),
				zap.String("interface", iface.Name),
				zap.String("address", parsed.String()),
			)
			return parsed.String(), nil
		}
	}
	return "", fmt.Errorf("%w: guest %s reported no usable IPv4 address", ErrUnavailable, id)
}

// parseAgentInterfaces decodes the agent response. qm prints the result
// array directly; older versions wrap it in a {"result": [...]} object.
func parseAgentInterfaces(out []byte) ([]agentInterface, error) {
	var ifaces []agentInterface
	if err := json.Unmarshal(out, &ifaces); err == nil {
		return ifaces, nil
	}
	var wrapped struct {
		Result []agentInterface `json:"result"`
	}
	if err := json.Unmarshal(out, &wrapped); err != nil {
		return nil, fmt.Errorf("unexpected agent response: %v", err)
	}
	return wrapped.Result, nil
}
