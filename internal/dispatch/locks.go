package dispatch

import "sync"

// deviceLocks hands out one mutex per device id. Entries are reference
// counted and removed when no goroutine holds or waits for them.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*deviceLock)}
}

// Lock acquires the device's mutex and returns its release function.
func (l *deviceLocks) Lock(deviceID string) func() {
	l.mu.Lock()
	dl := l.locks[deviceID]
	if dl == nil {
		dl = &deviceLock{}
		l.locks[deviceID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	dl.mu.Lock()
	return func() {
		dl.mu.Unlock()
		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.locks, deviceID)
		}
		l.mu.Unlock()
	}
}

func (l *deviceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
