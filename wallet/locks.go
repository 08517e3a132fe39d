package wallet

import (
	"context"
	"strings"
	"sync"
)

// addrLocks serializes submissions per sender address. Entries are reference counted and removed once nobody holds
// or waits for them.
type addrLocks struct {
	mu    sync.Mutex
	locks map[string]*addrLock
}

type addrLock struct {
	ch   chan struct{}
	refs int
}

func newAddrLocks() *addrLocks {
	return &addrLocks{locks: make(map[string]*addrLock)}
}

// Lock blocks until the lock for address is held or ctx is done. The returned function releases it.
func (a *addrLocks) Lock(ctx context.Context, address string) (func(), error) {
	key := strings.ToLower(address)

	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &addrLock{ch: make(chan struct{}, 1)}
		a.locks[key] = l
	}
	l.refs++
	a.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		a.release(key, l)

		return nil, ctx.Err()
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			<-l.ch
			a.release(key, l)
		})
	}, nil
}

func (a *addrLocks) release(key string, l *addrLock) {
	a.mu.Lock()
	defer a.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(a.locks, key)
	}
}

// size returns the number of live entries.
func (a *addrLocks) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.locks)
}
