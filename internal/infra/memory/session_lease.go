package memory

import (
	"context"
	"sync"
	"time"
)

// SessionLease grants one live proctoring session per key until it is
// released or its TTL lapses.
type SessionLease struct {
	mu     sync.Mutex
	clock  func() time.Time
	leases map[string]lease
}

type lease struct {
	owner     string
	expiresAt time.Time
}

func NewSessionLease() *SessionLease {
	return &SessionLease{clock: time.Now, leases: make(map[string]lease)}
}

func (l *SessionLease) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if cur, ok := l.leases[key]; ok && cur.owner != owner && cur.expiresAt.After(now) {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *SessionLease) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}
