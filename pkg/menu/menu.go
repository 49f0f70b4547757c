// Package menu implements the interactive session: a menu loop over the rule
// manager's operations. Recoverable errors are printed and the loop
// continues; only a terminal-level failure ends the session.
package menu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	"go.uber.org/zap"

	"github.com/beanman109/proxmox-nat-manager/pkg/guest"
	"github.com/beanman109/proxmox-nat-manager/pkg/manager"
	"github.com/beanman109/proxmox-nat-manager/pkg/probe"
	"github.com/beanman109/proxmox-nat-manager/pkg/rule"
	"github.com/beanman109/proxmox-nat-manager/pkg/store"
)

const (
	actionView   = "view"
	actionAdd    = "add"
	actionRemove = "remove"
	actionCheck  = "check"
	actionAudit  = "audit"
	actionExit   = "exit"
)

// Session drives one interactive menu loop.
type Session struct {
	manager   *manager.Manager
	directory guest.Directory
	store     *store.Store
	checker   probe.Checker
	logger    *zap.Logger
	out       io.Writer
}

// NewSession creates an interactive session over the given collaborators.
func NewSession(mgr *manager.Manager, directory guest.Directory, st *store.Store, checker probe.Checker, logger *zap.Logger) *Session {
	return &Session{
		manager:   mgr,
		directory: directory,
		store:     st,
		checker:   checker,
		logger:    logger,
		out:       os.Stdout,
	}
}

// Run shows the menu until the operator exits. Returns nil on normal exit.
func (s *Session) Run(ctx context.Context) error {
	s.watchExternalEdits(ctx)

	for {
		var choice string
		err := huh.NewSelect[string]().
			Title("NAT port forwarding").
			Options(
				huh.NewOption("View rules", actionView),
				huh.NewOption("Add rule", actionAdd),
				huh.NewOption("Remove rule", actionRemove),
				huh.NewOption("Check rule destination", actionCheck),
				huh.NewOption("Audit kernel state", actionAudit),
				huh.NewOption("Exit", actionExit),
			).
			Value(&choice).
			Run()
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return fmt.Errorf("menu prompt failed: %w", err)
		}

		switch choice {
		case actionView:
			s.viewRules(ctx)
		case actionAdd:
			s.addRule(ctx)
		case actionRemove:
			s.removeRule(ctx)
		case actionCheck:
			s.checkRule(ctx)
		case actionAudit:
			s.auditRules(ctx)
		case actionExit:
			return nil
		}
	}
}

// watchExternalEdits warns when another process rewrites the rules file
// mid-session, since displayed indices are then stale.
func (s *Session) watchExternalEdits(ctx context.Context) {
	changed, err := s.store.Watch(ctx)
	if err != nil {
		s.logger.Debug("rules file watch unavailable", zap.Error(err))
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changed:
				if !ok {
					return
				}
				s.logger.Warn("rules file changed on disk; re-list before removing by index")
			}
		}
	}()
}

func (s *Session) viewRules(ctx context.Context) {
	entries, err := s.manager.ListRules(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "Failed to list rules: %v\n", err)
		return
	}
	RenderEntries(s.out, entries)
}

// RenderEntries prints the rule listing as an aligned table.
func RenderEntries(w io.Writer, entries []manager.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No forwarding rules configured.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tEXTERNAL\tPROTO\tDESTINATION\tGUEST")
	for _, e := range entries {
		guestCol := e.GuestName
		if e.Rule.GuestID != "" {
			guestCol = fmt.Sprintf("%s (%s)", e.GuestName, e.Rule.GuestID)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n",
			e.Index, e.Rule.ExternalPort, e.Rule.Protocol, e.Rule.Destination(), guestCol)
	}
	tw.Flush()
}

func (s *Session) addRule(ctx context.Context) {
	guests, err := s.directory.Enumerate(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "Failed to list guests: %v\n", err)
		return
	}
	if len(guests) == 0 {
		fmt.Fprintln(s.out, "No running guests with an addressable agent found.")
		return
	}

	guestOptions := make([]huh.Option[string], 0, len(guests))
	for _, g := range guests {
		guestOptions = append(guestOptions, huh.NewOption(fmt.Sprintf("%s (%s)", g.Name, g.ID), g.ID))
	}

	var (
		guestID     string
		protocol    string
		extPortStr  string
		destPortStr string
	)
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Guest").
				Options(guestOptions...).
				Value(&guestID),
			huh.NewInput().
				Title("External port").
				Validate(validatePort).
				Value(&extPortStr),
			huh.NewSelect[string]().
				Title("Protocol").
				Options(
					huh.NewOption("tcp", "tcp"),
					huh.NewOption("udp", "udp"),
				).
				Value(&protocol),
			huh.NewInput().
				Title("Destination port on guest").
				Validate(validatePort).
				Value(&destPortStr),
		),
	)
	if err := form.Run(); err != nil {
		if !errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintf(s.out, "Prompt failed: %v\n", err)
		}
		return
	}

	extPort, _ := rule.ParsePort(extPortStr)
	destPort, _ := rule.ParsePort(destPortStr)

	created, err := s.manager.AddRule(ctx, guestID, extPort, protocol, destPort)
	if err != nil {
		fmt.Fprintf(s.out, "Failed to add rule: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Added rule %s -> %s\n", created.Key(), created.Destination())
}

func (s *Session) removeRule(ctx context.Context) {
	entries, err := s.manager.ListRules(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "Failed to list rules: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "No forwarding rules to remove.")
		return
	}
	RenderEntries(s.out, entries)

	var indexStr string
	err = huh.NewInput().
		Title("Rule number to remove").
		Validate(validateIndex(len(entries))).
		Value(&indexStr).
		Run()
	if err != nil {
		if !errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintf(s.out, "Prompt failed: %v\n", err)
		}
		return
	}

	index, _ := parseIndex(indexStr, len(entries))
	if err := s.manager.RemoveRule(ctx, index); err != nil {
		fmt.Fprintf(s.out, "Failed to remove rule: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Removed rule %d.\n", index)
}

func (s *Session) checkRule(ctx context.Context) {
	entries, err := s.manager.ListRules(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "Failed to list rules: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "No forwarding rules to check.")
		return
	}

	options := make([]huh.Option[int], 0, len(entries))
	for _, e := range entries {
		options = append(options, huh.NewOption(
			fmt.Sprintf("%s -> %s (%s)", e.Rule.Key(), e.Rule.Destination(), e.GuestName), e.Index))
	}

	var index int
	err = huh.NewSelect[int]().
		Title("Rule to check").
		Options(options...).
		Value(&index).
		Run()
	if err != nil {
		if !errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintf(s.out, "Prompt failed: %v\n", err)
		}
		return
	}

	target := entries[index-1].Rule
	if target.Protocol != rule.TCP {
		fmt.Fprintln(s.out, "Reachability checks are only supported for tcp rules.")
		return
	}
	if err := s.checker.Check(target.Destination()); err != nil {
		fmt.Fprintf(s.out, "Check failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Destination %s is accepting connections.\n", target.Destination())
}

func (s *Session) auditRules(ctx context.Context) {
	report, err := s.manager.Audit(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "Audit failed: %v\n", err)
		return
	}
	PrintAuditReport(s.out, report)
}

// PrintAuditReport renders a store/kernel divergence report.
func PrintAuditReport(w io.Writer, report manager.AuditReport) {
	if report.Clean() {
		fmt.Fprintln(w, "Rule store and kernel NAT state are in sync.")
		return
	}
	for _, r := range report.Missing {
		fmt.Fprintf(w, "MISSING in kernel: %s -> %s\n", r.Key(), r.Destination())
	}
	for _, key := range report.Orphaned {
		fmt.Fprintf(w, "ORPHANED in kernel (no record): %s\n", key)
	}
}

// validatePort is a huh input validator for ports.
func validatePort(s string) error {
	_, err := rule.ParsePort(s)
	return err
}

// validateIndex returns a huh input validator for 1-based rule indices.
func validateIndex(count int) func(string) error {
	return func(s string) error {
		_, err := parseIndex(s, count)
		return err
	}
}

// parseIndex parses a 1-based display index against the current listing size.
func parseIndex(s string, count int) (int, error) {
	index, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || index < 1 || index > count {
		return 0, fmt.Errorf("enter a number between 1 and %d", count)
	}
	return index, nil
}
