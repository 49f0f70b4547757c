package rule

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Protocol is a transport protocol supported for port forwarding.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// ErrInvalidProtocol is returned when a protocol string is neither tcp nor udp.
var ErrInvalidProtocol = fmt.Errorf("invalid protocol (supported: tcp, udp)")

// ParseProtocol validates a protocol string and returns the Protocol value.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProtocol, s)
	}
}

// Rule is a single port-forwarding record: an external (port, protocol) pair
// on the host's public address mapped to a guest's (address, port).
type Rule struct {
	ExternalPort uint16   // host-side port, unique per protocol
	Protocol     Protocol // tcp or udp
	DestIP       string   // guest IPv4, snapshotted at creation time
	DestPort     uint16   // guest-side port
	GuestID      string   // VMID the rule was created for; empty if unknown
}

// Key returns the unique identity of a rule: no two rules may share it.
func (r Rule) Key() string {
	return fmt.Sprintf("%d/%s", r.ExternalPort, r.Protocol)
}

// Destination returns the guest-side address in host:port form.
func (r Rule) Destination() string {
	return fmt.Sprintf("%s:%d", r.DestIP, r.DestPort)
}

// String renders the rule in the persisted line format:
// external_port:protocol:dest_ip:dest_port:guest_id
func (r Rule) String() string {
	return fmt.Sprintf("%d:%s:%s:%d:%s", r.ExternalPort, r.Protocol, r.DestIP, r.DestPort, r.GuestID)
}

// MalformedRecordError reports a persisted line that could not be parsed.
// Load treats it as fatal: silently dropping a record would desynchronize
// the store from kernel state.
type MalformedRecordError struct {
	Line   int
	Record string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed rule record at line %d (%q): %s", e.Line, e.Record, e.Reason)
}

// Validate checks field constraints common to parsing and creation.
func (r Rule) Validate() error {
	if r.ExternalPort == 0 {
		return fmt.Errorf("external port must be between 1 and 65535")
	}
	if r.DestPort == 0 {
		return fmt.Errorf("destination port must be between 1 and 65535")
	}
	if r.Protocol != TCP && r.Protocol != UDP {
		return fmt.Errorf("%w: %q", ErrInvalidProtocol, string(r.Protocol))
	}
	addr, err := netip.ParseAddr(r.DestIP)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("destination %q is not an IPv4 address", r.DestIP)
	}
	return nil
}

// Parse decodes one persisted record. lineNo is used for error reporting only.
func Parse(record string, lineNo int) (Rule, error) {
	malformed := func(reason string) (Rule, error) {
		return Rule{}, &MalformedRecordError{Line: lineNo, Record: record, Reason: reason}
	}

	fields := strings.Split(record, ":")
	if len(fields) != 5 {
		return malformed(fmt.Sprintf("expected 5 colon-separated fields, got %d", len(fields)))
	}

	extPort, err := parsePort(fields[0])
	if err != nil {
		return malformed(fmt.Sprintf("external port: %v", err))
	}

	protocol, err := ParseProtocol(fields[1])
	if err != nil {
		return malformed(err.Error())
	}

	addr, err := netip.ParseAddr(fields[2])
	if err != nil || !addr.Is4() {
		return malformed(fmt.Sprintf("destination IP %q is not IPv4", fields[2]))
	}

	destPort, err := parsePort(fields[3])
	if err != nil {
		return malformed(fmt.Sprintf("destination port: %v", err))
	}

	return Rule{
		ExternalPort: extPort,
		Protocol:     protocol,
		DestIP:       addr.String(),
		DestPort:     destPort,
		GuestID:      fields[4],
	}, nil
}

// parsePort parses a decimal port in the range 1-65535.
func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be between 1 and 65535")
	}
	return uint16(n), nil
}

// ParsePort is the exported form used by input validation in the CLI layer.
func ParsePort(s string) (uint16, error) {
	return parsePort(strings.TrimSpace(s))
}
