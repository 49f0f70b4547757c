package store

// locker serializes the store's read-modify-write cycle against other
// processes running this tool on the same host.
type locker interface {
	Lock() error
	Unlock()
}

// noopLocker is used in tests and on platforms without advisory file locks.
type noopLocker struct{}

func (noopLocker) Lock() error { return nil }
func (noopLocker) Unlock()     {}
