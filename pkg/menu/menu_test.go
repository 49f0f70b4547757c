package menu

import (
	"strings"
	"testing"

	"github.com/beanman109/proxmox-nat-manager/pkg/manager"
	"github.com/beanman109/proxmox-nat-manager/pkg/rule"
)

func TestRenderEntriesEmpty(t *testing.T) {
	var b strings.Builder
	RenderEntries(&b, nil)
	if !strings.Contains(b.String(), "No forwarding rules") {
		t.Errorf("unexpected output: %q", b.String())
	}
}

func TestRenderEntries(t *testing.T) {
	entries := []manager.Entry{
		{
			Index:     1,
			Rule:      rule.Rule{ExternalPort: 8080, Protocol: rule.TCP, DestIP: "10.0.0.5", DestPort: 80, GuestID: "101"},
			GuestName: "web01",
		},
		{
			Index:     2,
			Rule:      rule.Rule{ExternalPort: 5353, Protocol: rule.UDP, DestIP: "10.0.0.9", DestPort: 53},
			GuestName: "unknown",
		},
	}

	var b strings.Builder
	RenderEntries(&b, entries)
	out := b.String()

	for _, want := range []string{"EXTERNAL", "8080", "tcp", "10.0.0.5:80", "web01 (101)", "5353", "udp", "unknown"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	// A rule without a guest id gets the bare placeholder, no empty parens.
	if strings.Contains(out, "unknown (") {
		t.Errorf("unexpected guest id rendering:\n%s", out)
	}
}

func TestPrintAuditReport(t *testing.T) {
	var b strings.Builder
	PrintAuditReport(&b, manager.AuditReport{})
	if !strings.Contains(b.String(), "in sync") {
		t.Errorf("unexpected clean report output: %q", b.String())
	}

	b.Reset()
	PrintAuditReport(&b, manager.AuditReport{
		Missing:  []rule.Rule{{ExternalPort: 8080, Protocol: rule.TCP, DestIP: "10.0.0.5", DestPort: 80}},
		Orphaned: []string{"9999/udp"},
	})
	out := b.String()
	if !strings.Contains(out, "MISSING in kernel: 8080/tcp") {
		t.Errorf("missing rule not reported:\n%s", out)
	}
	if !strings.Contains(out, "ORPHANED in kernel (no record): 9999/udp") {
		t.Errorf("orphaned key not reported:\n%s", out)
	}
}

func TestParseIndex(t *testing.T) {
	if idx, err := parseIndex(" 2 ", 3); err != nil || idx != 2 {
		t.Errorf("expected 2, got %d (%v)", idx, err)
	}
	for _, bad := range []string{"0", "4", "-1", "abc", ""} {
		if _, err := parseIndex(bad, 3); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestValidatePort(t *testing.T) {
	if err := validatePort("8080"); err != nil {
		t.Errorf("expected valid port, got %v", err)
	}
	if err := validatePort("0"); err == nil {
		t.Error("expected error for port 0")
	}
	if err := validatePort("http"); err == nil {
		t.Error("expected error for non-numeric port")
	}
}
