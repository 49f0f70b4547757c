package store

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/beanman109/proxmox-nat-manager/pkg/rule"
)

// ErrIndexOutOfRange is returned when a 1-based rule index does not address
// any entry in the current listing.
var ErrIndexOutOfRange = fmt.Errorf("rule index out of range")

// Store is the durable ordered collection of forwarding rules, one record per
// line in the rules file. It re-reads the file on every operation and holds an
// advisory lock across each read-modify-write, so two invocations of the tool
// cannot lose each other's updates.
type Store struct {
	fs     afero.Fs
	path   string
	locker locker
	logger *zap.Logger
}

// New creates a Store over the given filesystem and rules-file path. The
// advisory lock is only taken when operating on the real filesystem; for
// in-memory filesystems there is no other process to race with.
func New(fs afero.Fs, path string, logger *zap.Logger) *Store {
	var l locker = noopLocker{}
	if _, ok := fs.(*afero.OsFs); ok {
		l = newLocker(path)
	}
	return newStoreWithLocker(fs, path, l, logger)
}

// newStoreWithLocker allows tests to inject a no-op locker.
func newStoreWithLocker(fs afero.Fs, path string, locker locker, logger *zap.Logger) *Store {
	return &Store{
		fs:     fs,
		path:   path,
		locker: locker,
		logger: logger,
	}
}

// Path returns the rules-file path the store operates on.
func (s *Store) Path() string {
	return s.path
}

// Load reads and strictly parses every record in the rules file. A missing
// file is an empty store; a malformed line is a fatal error, never skipped.
func (s *Store) Load() ([]rule.Rule, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if exists, _ := afero.Exists(s.fs, s.path); !exists {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules file %s: %w", s.path, err)
	}

	var rules []rule.Rule
	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		r, err := rule.Parse(line, i+1)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules file %s: %w", s.path, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// List returns the current ordered rule sequence. An empty sequence is a
// valid state.
func (s *Store) List() ([]rule.Rule, error) {
	return s.Load()
}

// ContainsConflict reports whether any existing rule already claims the given
// (external port, protocol) pair.
func (s *Store) ContainsConflict(externalPort uint16, protocol rule.Protocol) (bool, error) {
	rules, err := s.Load()
	if err != nil {
		return false, err
	}
	for _, r := range rules {
		if r.ExternalPort == externalPort && r.Protocol == protocol {
			return true, nil
		}
	}
	return false, nil
}

// Append adds a rule to the end of the store. The write is atomic: on failure
// the on-disk state is unchanged.
func (s *Store) Append(r rule.Rule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("refusing to append invalid rule: %w", err)
	}

	if err := s.locker.Lock(); err != nil {
		return fmt.Errorf("failed to lock rules file: %w", err)
	}
	defer s.locker.Unlock()

	rules, err := s.Load()
	if err != nil {
		return err
	}
	rules = append(rules, r)

	if err := s.writeAll(rules); err != nil {
		return err
	}
	s.logger.Info("appended rule", zap.String("key", r.Key()), zap.String("dest", r.Destination()))
	return nil
}

// RemoveAt deletes the rule at the given 1-based index over current list
// order, preserving the order of the remaining entries.
func (s *Store) RemoveAt(index int) error {
	if err := s.locker.Lock(); err != nil {
		return fmt.Errorf("failed to lock rules file: %w", err)
	}
	defer s.locker.Unlock()

	rules, err := s.Load()
	if err != nil {
		return err
	}
	if index < 1 || index > len(rules) {
		return fmt.Errorf("%w: %d (store has %d rules)", ErrIndexOutOfRange, index, len(rules))
	}

	removed := rules[index-1]
	rules = append(rules[:index-1], rules[index:]...)

	if err := s.writeAll(rules); err != nil {
		return err
	}
	s.logger.Info("removed rule", zap.Int("index", index), zap.String("key", removed.Key()))
	return nil
}

// writeAll replaces the rules file contents via a temp file and rename, so a
// failed write never leaves a truncated file behind.
func (s *Store) writeAll(rules []rule.Rule) error {
	var b strings.Builder
	for _, r := range rules {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}

	tmpPath := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write rules file %s: %w", s.path, err)
	}
	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		// Not every afero backend renames over an existing file.
		if removeErr := s.fs.Remove(s.path); removeErr == nil {
			err = s.fs.Rename(tmpPath, s.path)
		}
		if err != nil {
			return fmt.Errorf("failed to replace rules file %s: %w", s.path, err)
		}
	}
	return nil
}
