package guest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeRunner returns canned output per command line.
type fakeRunner struct {
	outputs map[string][]byte
	errs    map[string]error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := name
	for _, a := range args {
		key += " " + a
	}
	if err, ok := r.errs[key]; ok {
		return nil, err
	}
	out, ok := r.outputs[key]
	if !ok {
		return nil, fmt.Errorf("unexpected command %q", key)
	}
	return out, nil
}

const qmListOutput = `      VMID NAME                 STATUS     MEM(MB)    BOOTDISK(GB) PID
       100 web01                running    2048              32.00 1234
       101 db01                 running    4096              64.00 1235
       102 backup               stopped    1024              16.00 0
`

func newTestDirectory(r *fakeRunner) *ProxmoxDirectory {
	return NewProxmoxDirectory(r, 5*time.Second, zap.NewNop())
}

func TestEnumerateRunningGuestsOnly(t *testing.T) {
	dir := newTestDirectory(&fakeRunner{
		outputs: map[string][]byte{"qm list": []byte(qmListOutput)},
	})

	guests, err := dir.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(guests) != 2 {
		t.Fatalf("expected 2 running guests, got %d", len(guests))
	}
	if guests[0].ID != "100" || guests[0].Name != "web01" {
		t.Errorf("unexpected first guest: %+v", guests[0])
	}
	if guests[1].ID != "101" || guests[1].Name != "db01" {
		t.Errorf("unexpected second guest: %+v", guests[1])
	}
}

func TestEnumerateCommandFailure(t *testing.T) {
	dir := newTestDirectory(&fakeRunner{
		errs: map[string]error{"qm list": fmt.Errorf("qm: not found")},
	})
	if _, err := dir.Enumerate(context.Background()); err == nil {
		t.Fatal("expected error when qm list fails")
	}
}

const agentResponse = `[
  {"name": "lo", "ip-addresses": [{"ip-address": "127.0.0.1", "ip-address-type": "ipv4", "prefix": 8}]},
  {"name": "eth0", "hardware-address": "aa:bb:cc:dd:ee:ff", "ip-addresses": [
    {"ip-address": "fe80::1", "ip-address-type": "ipv6", "prefix": 64},
    {"ip-address": "10.0.0.5", "ip-address-type": "ipv4", "prefix": 24}
  ]}
]`

func TestResolveAddress(t *testing.T) {
	dir := newTestDirectory(&fakeRunner{
		outputs: map[string][]byte{
			"qm agent 100 network-get-interfaces": []byte(agentResponse),
		},
	})

	addr, err := dir.ResolveAddress(context.Background(), "100")
	if err != nil {
		t.Fatalf("ResolveAddress failed: %v", err)
	}
	if addr != "10.0.0.5" {
		t.Errorf("expected 10.0.0.5, got %q", addr)
	}
}

func TestResolveAddressWrappedResponse(t *testing.T) {
	wrapped := fmt.Sprintf(`{"result": %s}`, agentResponse)
	dir := newTestDirectory(&fakeRunner{
		outputs: map[string][]byte{
			"qm agent 100 network-get-interfaces": []byte(wrapped),
		},
	})

	addr, err := dir.ResolveAddress(context.Background(), "100")
	if err != nil {
		t.Fatalf("ResolveAddress failed: %v", err)
	}
	if addr != "10.0.0.5" {
		t.Errorf("expected 10.0.0.5, got %q", addr)
	}
}

func TestResolveAddressAgentNotRunning(t *testing.T) {
	dir := newTestDirectory(&fakeRunner{
		errs: map[string]error{
			"qm agent 102 network-get-interfaces": fmt.Errorf("QEMU guest agent is not running"),
		},
	})

	_, err := dir.ResolveAddress(context.Background(), "102")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestResolveAddressNoIPv4(t *testing.T) {
	response := `[{"name": "eth0", "ip-addresses": [{"ip-address": "fe80::1", "ip-address-type": "ipv6", "prefix": 64}]}]`
	dir := newTestDirectory(&fakeRunner{
		outputs: map[string][]byte{
			"qm agent 100 network-get-interfaces": []byte(response),
		},
	})

	_, err := dir.ResolveAddress(context.Background(), "100")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestResolveAddressGarbageResponse(t *testing.T) {
	dir := newTestDirectory(&fakeRunner{
		outputs: map[string][]byte{
			"qm agent 100 network-get-interfaces": []byte("not json"),
		},
	})

	_, err := dir.ResolveAddress(context.Background(), "100")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFakeDirectory(t *testing.T) {
	dir := &FakeDirectory{
		Guests:    []Guest{{ID: "100", Name: "web01"}},
		Addresses: map[string]string{"100": "10.0.0.5"},
	}

	addr, err := dir.ResolveAddress(context.Background(), "100")
	if err != nil || addr != "10.0.0.5" {
		t.Errorf("expected 10.0.0.5, got %q (%v)", addr, err)
	}
	if _, err := dir.ResolveAddress(context.Background(), "999"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
