//go:build integration

package firewall

import (
	"context"
	"fmt"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/beanman109/proxmox-nat-manager/pkg/rule"
	"github.com/beanman109/proxmox-nat-manager/pkg/runner"
)

const (
	natTable   = "nat"
	preChain   = "PVE-NAT-PRE"
	postChain  = "PVE-NAT-POST"
	parentPre  = "PREROUTING"
	parentPost = "POSTROUTING"
)

// linuxBackend manages the directive pair with real iptables operations.
type linuxBackend struct {
	ipt    *iptables.IPTables
	opts   Options
	runner runner.Runner
	logger *zap.Logger
}

// NewBackend creates a Backend over the host's NAT table. Both bridges must
// exist; a typo in the config would otherwise produce directives that never
// match traffic.
func NewBackend(opts Options, run runner.Runner, logger *zap.Logger) (Backend, error) {
	for _, bridge := range []string{opts.InboundBridge, opts.OutboundBridge} {
		if _, err := netlink.LinkByName(bridge); err != nil {
			return nil, fmt.Errorf("bridge %q not found: %w", bridge, err)
		}
	}

	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}

	b := &linuxBackend{
		ipt:    ipt,
		opts:   opts,
		runner: run,
		logger: logger,
	}
	if err := b.ensureChains(); err != nil {
		return nil, fmt.Errorf("failed to initialize NAT chains: %w", err)
	}
	return b, nil
}

// ensureChains creates the managed chains and jump rules from the kernel's
// built-in PREROUTING and POSTROUTING chains.
func (b *linuxBackend) ensureChains() error {
	for parent, chain := range map[string]string{parentPre: preChain, parentPost: postChain} {
		exists, err := b.ipt.ChainExists(natTable, chain)
		if err != nil {
			return fmt.Errorf("failed to check chain %s: %w", chain, err)
		}
		if !exists {
			if err := b.ipt.NewChain(natTable, chain); err != nil {
				return fmt.Errorf("failed to create chain %s: %w", chain, err)
			}
			b.logger.Info("created iptables chain", zap.String("chain", chain))
		}
		if err := b.ipt.AppendUnique(natTable, parent, "-j", chain); err != nil {
			return fmt.Errorf("failed to add jump rule to %s: %w", parent, err)
		}
	}
	return nil
}

// dnatSpec builds the inbound destination-translation directive.
func (b *linuxBackend) dnatSpec(r rule.Rule) []string {
	return []string{
		"-i", b.opts.InboundBridge,
		"-p", string(r.Protocol),
		"--dport", strconv.Itoa(int(r.ExternalPort)),
		"-j", "DNAT",
		"--to-destination", r.Destination(),
	}
}

// masqSpec builds the outbound masquerade directive.
func (b *linuxBackend) masqSpec(r rule.Rule) []string {
	return []string{
		"-o", b.opts.OutboundBridge,
		"-p", string(r.Protocol),
		"-d", r.DestIP,
		"--dport", strconv.Itoa(int(r.DestPort)),
		"-j", "MASQUERADE",
	}
}

func (b *linuxBackend) Install(r rule.Rule) error {
	if err := b.ipt.AppendUnique(natTable, preChain, b.dnatSpec(r)...); err != nil {
		return &InstallError{Stage: StageDNAT, Err: err}
	}
	if err := b.ipt.AppendUnique(natTable, postChain, b.masqSpec(r)...); err != nil {
		if rollbackErr := b.ipt.DeleteIfExists(natTable, preChain, b.dnatSpec(r)...); rollbackErr != nil {
			b.logger.Error("failed to roll back DNAT directive, kernel state may be inconsistent",
				zap.String("key", r.Key()), zap.Error(rollbackErr))
		} else {
			b.logger.Info("rolled back DNAT directive after masquerade failure",
				zap.String("key", r.Key()))
		}
		return &InstallError{Stage: StageMasquerade, Err: err}
	}
	b.logger.Info("installed directive pair",
		zap.String("key", r.Key()), zap.String("dest", r.Destination()))
	return nil
}

func (b *linuxBackend) Uninstall(r rule.Rule) error {
	uninstallErr := &UninstallError{}
	if err := b.ipt.DeleteIfExists(natTable, preChain, b.dnatSpec(r)...); err != nil {
		uninstallErr.DNAT = err
	}
	if err := b.ipt.DeleteIfExists(natTable, postChain, b.masqSpec(r)...); err != nil {
		uninstallErr.Masquerade = err
	}
	if uninstallErr.DNAT != nil || uninstallErr.Masquerade != nil {
		return uninstallErr
	}
	b.logger.Info("uninstalled directive pair", zap.String("key", r.Key()))
	return nil
}

func (b *linuxBackend) Persist(ctx context.Context) error {
	cmd := b.opts.PersistCommand
	if len(cmd) == 0 {
		return fmt.Errorf("no persist command configured")
	}
	if _, err := b.runner.Run(ctx, cmd[0], cmd[1:]...); err != nil {
		return fmt.Errorf("failed to persist NAT state: %w", err)
	}
	b.logger.Debug("persisted NAT state")
	return nil
}

func (b *linuxBackend) ListInstalled() ([]string, error) {
	lines, err := b.ipt.List(natTable, preChain)
	if err != nil {
		return nil, fmt.Errorf("failed to list chain %s: %w", preChain, err)
	}
	return parseDNATListing(lines), nil
}
