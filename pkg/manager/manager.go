// Package manager orchestrates the rule lifecycle: validation, guest address
// resolution, transactional kernel mutation, and keeping the persisted rule
// store consistent with kernel NAT state.
package manager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/beanman109/proxmox-nat-manager/pkg/firewall"
	"github.com/beanman109/proxmox-nat-manager/pkg/guest"
	"github.com/beanman109/proxmox-nat-manager/pkg/rule"
	"github.com/beanman109/proxmox-nat-manager/pkg/store"
)

var (
	// ErrDuplicateRule is returned when the (external port, protocol) pair
	// is already claimed by an existing rule.
	ErrDuplicateRule = errors.New("a rule for this external port and protocol already exists")

	// ErrGuestUnreachable is returned when the guest's internal address
	// cannot be resolved. No kernel mutation has been attempted.
	ErrGuestUnreachable = errors.New("guest address could not be resolved")

	// ErrPersistenceFailed is returned when kernel directives were
	// installed but recording the rule failed. The directives are left in
	// place: losing the record is worse than a temporarily unmanaged pair.
	ErrPersistenceFailed = errors.New("rule installed in kernel but could not be recorded")
)

// placeholderName is shown when a rule's guest id cannot be resolved to a
// name. Name resolution never blocks a listing.
const placeholderName = "unknown"

// Manager is the core orchestrator tying the rule store, the firewall
// backend, and the guest directory together.
type Manager struct {
	store     *store.Store
	backend   firewall.Backend
	directory guest.Directory
	logger    *zap.Logger
}

// New creates a Manager. All collaborators are injected so tests can
// substitute in-memory fakes.
func New(st *store.Store, backend firewall.Backend, directory guest.Directory, logger *zap.Logger) *Manager {
	return &Manager{
		store:     st,
		backend:   backend,
		directory: directory,
		logger:    logger,
	}
}

// Entry is one row of a rule listing. Index is the 1-based display index,
// recomputed from store order on every listing; it is not a stable handle.
type Entry struct {
	Index     int
	Rule      rule.Rule
	GuestName string
}

// AddRule validates the request, resolves the guest address, installs the
// kernel directive pair, and records the rule. Validation and conflict
// errors are detected before any kernel mutation.
func (m *Manager) AddRule(ctx context.Context, guestID string, externalPort uint16, protocol string, destPort uint16) (rule.Rule, error) {
	proto, err := rule.ParseProtocol(protocol)
	if err != nil {
		return rule.Rule{}, err
	}
	if externalPort == 0 || destPort == 0 {
		return rule.Rule{}, fmt.Errorf("ports must be between 1 and 65535")
	}

	destIP, err := m.directory.ResolveAddress(ctx, guestID)
	if err != nil {
		if errors.Is(err, guest.ErrUnavailable) {
			return rule.Rule{}, fmt.Errorf("%w: %v", ErrGuestUnreachable, err)
		}
		return rule.Rule{}, fmt.Errorf("guest lookup failed: %w", err)
	}

	conflict, err := m.store.ContainsConflict(externalPort, proto)
	if err != nil {
		return rule.Rule{}, err
	}
	if conflict {
		return rule.Rule{}, fmt.Errorf("%w: %d/%s", ErrDuplicateRule, externalPort, proto)
	}

	newRule := rule.Rule{
		ExternalPort: externalPort,
		Protocol:     proto,
		DestIP:       destIP,
		DestPort:     destPort,
		GuestID:      guestID,
	}

	if err := m.backend.Install(newRule); err != nil {
		return rule.Rule{}, err
	}

	if err := m.store.Append(newRule); err != nil {
		// Deliberately no auto-uninstall here: the kernel pair works, and
		// removing it would break the operator's mapping on top of the
		// record loss. The audit command surfaces the orphan.
		m.logger.Error("kernel directives installed but rule record could not be written",
			zap.String("key", newRule.Key()),
			zap.String("dest", newRule.Destination()),
			zap.Error(err),
		)
		return rule.Rule{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	if err := m.backend.Persist(ctx); err != nil {
		m.logger.Error("failed to persist NAT state, mapping will not survive a reboot", zap.Error(err))
	}

	m.logger.Info("added forwarding rule",
		zap.String("key", newRule.Key()),
		zap.String("dest", newRule.Destination()),
		zap.String("vmid", guestID),
	)
	return newRule, nil
}

// RemoveRule deletes the rule at the given 1-based display index. Kernel
// removal is best-effort: the store record is removed even if the kernel
// directives could not be deleted, because the store reflects operator
// intent; the kernel failure is logged per stage.
func (m *Manager) RemoveRule(ctx context.Context, index int) error {
	rules, err := m.store.List()
	if err != nil {
		return err
	}
	if index < 1 || index > len(rules) {
		return fmt.Errorf("%w: %d (store has %d rules)", store.ErrIndexOutOfRange, index, len(rules))
	}
	target := rules[index-1]

	if err := m.backend.Uninstall(target); err != nil {
		m.logger.Warn("kernel directive removal failed, removing rule record anyway",
			zap.String("key", target.Key()),
			zap.Error(err),
		)
	}

	if err := m.store.RemoveAt(index); err != nil {
		return err
	}

	if err := m.backend.Persist(ctx); err != nil {
		m.logger.Error("failed to persist NAT state", zap.Error(err))
	}

	m.logger.Info("removed forwarding rule", zap.String("key", target.Key()))
	return nil
}

// ListRules returns the current rules with display indices and guest names
// resolved for display. Name resolution failures yield a placeholder and
// never fail the listing.
func (m *Manager) ListRules(ctx context.Context) ([]Entry, error) {
	rules, err := m.store.List()
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	guests, err := m.directory.Enumerate(ctx)
	if err != nil {
		m.logger.Warn("guest enumeration failed, listing without names", zap.Error(err))
	} else {
		for _, g := range guests {
			names[g.ID] = g.Name
		}
	}

	entries := make([]Entry, 0, len(rules))
	for i, r := range rules {
		name := names[r.GuestID]
		if name == "" {
			name = placeholderName
		}
		entries = append(entries, Entry{Index: i + 1, Rule: r, GuestName: name})
	}
	return entries, nil
}

// AuditReport describes divergence between the rule store and kernel state.
type AuditReport struct {
	// Missing rules are recorded in the store but have no kernel directive
	// pair, e.g. after an external iptables flush.
	Missing []rule.Rule
	// Orphaned keys have a kernel directive pair but no store record, e.g.
	// after a PersistenceFailed add.
	Orphaned []string
}

// Clean reports whether store and kernel state mirror each other.
func (r AuditReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Orphaned) == 0
}

// Audit compares the store against actual kernel state. It only reports; it
// never repairs, since either direction of automatic repair can destroy
// state the operator still wants.
func (m *Manager) Audit(ctx context.Context) (AuditReport, error) {
	rules, err := m.store.List()
	if err != nil {
		return AuditReport{}, err
	}
	installed, err := m.backend.ListInstalled()
	if err != nil {
		return AuditReport{}, fmt.Errorf("failed to read kernel state: %w", err)
	}

	installedSet := make(map[string]bool, len(installed))
	for _, key := range installed {
		installedSet[key] = true
	}
	recordedSet := make(map[string]bool, len(rules))

	var report AuditReport
	for _, r := range rules {
		recordedSet[r.Key()] = true
		if !installedSet[r.Key()] {
			report.Missing = append(report.Missing, r)
		}
	}
	for _, key := range installed {
		if !recordedSet[key] {
			report.Orphaned = append(report.Orphaned, key)
		}
	}
	return report, nil
}
