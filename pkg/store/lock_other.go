//go:build !linux

package store

// newLocker returns a no-op locker on platforms without flock semantics.
// The tool only mutates kernel state on Linux; elsewhere it runs against
// fakes for development.
func newLocker(string) locker {
	return noopLocker{}
}
