//go:build !integration

package firewall

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/beanman109/proxmox-nat-manager/pkg/rule"
	"github.com/beanman109/proxmox-nat-manager/pkg/runner"
)

// FakeBackend is an in-memory Backend for tests and for development on hosts
// without iptables. Failure injection fields simulate partial kernel
// failures.
type FakeBackend struct {
	FailStage    Stage // inject an install failure at this stage
	UninstallErr *UninstallError
	PersistErr   error

	installed    map[string]rule.Rule
	persistCalls int
	mu           sync.Mutex
	logger       *zap.Logger
}

// NewBackend creates a fake in-memory Backend.
func NewBackend(opts Options, run runner.Runner, logger *zap.Logger) (Backend, error) {
	return &FakeBackend{
		installed: make(map[string]rule.Rule),
		logger:    logger,
	}, nil
}

func (b *FakeBackend) Install(r rule.Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailStage == StageDNAT {
		return &InstallError{Stage: StageDNAT, Err: fmt.Errorf("injected dnat failure")}
	}
	if b.FailStage == StageMasquerade {
		// The DNAT half was already rolled back; nothing is recorded.
		return &InstallError{Stage: StageMasquerade, Err: fmt.Errorf("injected masquerade failure")}
	}
	b.installed[r.Key()] = r
	b.logger.Debug("fake: installed directive pair", zap.String("key", r.Key()))
	return nil
}

func (b *FakeBackend) Uninstall(r rule.Rule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.installed, r.Key())
	b.logger.Debug("fake: uninstalled directive pair", zap.String("key", r.Key()))
	if b.UninstallErr != nil {
		return b.UninstallErr
	}
	return nil
}

func (b *FakeBackend) Persist(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.PersistErr != nil {
		return b.PersistErr
	}
	b.persistCalls++
	return nil
}

func (b *FakeBackend) ListInstalled() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.installed))
	for key := range b.installed {
		keys = append(keys, key)
	}
	return keys, nil
}

// Installed returns a copy of the currently installed pairs (for testing).
func (b *FakeBackend) Installed() map[string]rule.Rule {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make(map[string]rule.Rule, len(b.installed))
	for k, v := range b.installed {
		result[k] = v
	}
	return result
}

// PersistCalls returns how many times Persist succeeded (for testing).
func (b *FakeBackend) PersistCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.persistCalls
}
