package session

import (
	"strings"
	"sync"
)

// Key identifies one session. Fields are lower-cased and trimmed so that
// differently typed spellings of the same account collide.
type Key struct {
	UserID    string
	Broker    string
	AccountID string
}

// NewKey builds a normalized key.
func NewKey(userID, broker, accountID string) Key {
	return Key{
		UserID:    normalize(userID),
		Broker:    normalize(broker),
		AccountID: normalize(accountID),
	}
}

func (k Key) String() string {
	return k.UserID + "|" + k.Broker + "|" + k.AccountID
}

// authKey scopes the per-key lock: authentication for one (user, broker) runs
// one at a time because the account id is only known after it succeeds.
func authKey(userID, broker string) string {
	return normalize(userID) + "|" + normalize(broker)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// keyLocks hands out one mutex per key and forgets it once unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (l *keyLocks) Lock(key string) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
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

func (l *keyLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
