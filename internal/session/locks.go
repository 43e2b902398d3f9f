package session

import "sync"

// Locks serializes work on one session across handlers and the
// notification engine. Entries are reference counted and dropped when idle.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks { return &Locks{locks: map[string]*keyLock{}} }

// Lock acquires the lock for kind:id and returns its release func.
func (l *Locks) Lock(kind Kind, id string) (unlock func()) {
	key := string(kind) + ":" + id

	l.mu.Lock()
	kl := l.locks[key]
	if kl == nil {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *Locks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
