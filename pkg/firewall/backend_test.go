//go:build !integration

package firewall

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/beanman109/proxmox-nat-manager/pkg/rule"
)

func testRule() rule.Rule {
	return rule.Rule{
		ExternalPort: 8080,
		Protocol:     rule.TCP,
		DestIP:       "10.0.0.5",
		DestPort:     80,
		GuestID:      "101",
	}
}

func newFakeBackend(t *testing.T) *FakeBackend {
	t.Helper()
	backend, err := NewBackend(Options{}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	return backend.(*FakeBackend)
}

func TestInstallUninstallPair(t *testing.T) {
	backend := newFakeBackend(t)
	r := testRule()

	if err := backend.Install(r); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if _, ok := backend.Installed()["8080/tcp"]; !ok {
		t.Fatal("expected directive pair for 8080/tcp")
	}

	if err := backend.Uninstall(r); err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}
	if len(backend.Installed()) != 0 {
		t.Error("expected no installed pairs after uninstall")
	}
}

func TestInstallMasqueradeFailureLeavesNothing(t *testing.T) {
	backend := newFakeBackend(t)
	backend.FailStage = StageMasquerade

	err := backend.Install(testRule())
	if err == nil {
		t.Fatal("expected install failure")
	}
	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("expected InstallError, got %T", err)
	}
	if installErr.Stage != StageMasquerade {
		t.Errorf("expected masquerade stage, got %s", installErr.Stage)
	}
	if len(backend.Installed()) != 0 {
		t.Error("expected no directives after rolled-back install")
	}
}

func TestUninstallFailureStillRemoves(t *testing.T) {
	backend := newFakeBackend(t)
	r := testRule()
	if err := backend.Install(r); err != nil {
		t.Fatal(err)
	}

	backend.UninstallErr = &UninstallError{DNAT: errors.New("chain gone")}
	err := backend.Uninstall(r)
	if err == nil {
		t.Fatal("expected uninstall error")
	}
	var uninstallErr *UninstallError
	if !errors.As(err, &uninstallErr) {
		t.Fatalf("expected UninstallError, got %T", err)
	}
	if len(backend.Installed()) != 0 {
		t.Error("uninstall is best-effort, pair should be gone regardless")
	}
}

func TestPersistCounting(t *testing.T) {
	backend := newFakeBackend(t)
	if err := backend.Persist(context.Background()); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if backend.PersistCalls() != 1 {
		t.Errorf("expected 1 persist call, got %d", backend.PersistCalls())
	}

	backend.PersistErr = errors.New("iptables-save: no space left")
	if err := backend.Persist(context.Background()); err == nil {
		t.Fatal("expected persist error")
	}
	if backend.PersistCalls() != 1 {
		t.Errorf("failed persist should not count, got %d", backend.PersistCalls())
	}
}

func TestParseDNATListing(t *testing.T) {
	lines := []string{
		"-N PVE-NAT-PRE",
		"-A PVE-NAT-PRE -i vmbr0 -p tcp -m tcp --dport 8080 -j DNAT --to-destination 10.0.0.5:80",
		"-A PVE-NAT-PRE -i vmbr0 -p udp -m udp --dport 5353 -j DNAT --to-destination 10.0.0.9:53",
	}
	keys := parseDNATListing(lines)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}
	if keys[0] != "8080/tcp" || keys[1] != "5353/udp" {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestInstallErrorMessages(t *testing.T) {
	installErr := &InstallError{Stage: StageDNAT, Err: errors.New("boom")}
	if installErr.Error() != "install failed at dnat stage: boom" {
		t.Errorf("unexpected message: %s", installErr.Error())
	}

	uninstallErr := &UninstallError{DNAT: errors.New("a"), Masquerade: errors.New("b")}
	msg := uninstallErr.Error()
	if msg != "uninstall failed: dnat: a; masquerade: b" {
		t.Errorf("unexpected message: %s", msg)
	}
}
