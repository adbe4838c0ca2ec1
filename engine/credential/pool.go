// Package credential owns the authenticated identities, their cooldown
// windows, and their validity. It is the only component allowed to decide
// when an identity may send.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mural/config"
	"mural/wire"
)

// ErrStarved reports that the pool holds no usable identity at all. Fatal
// for a headless run.
var ErrStarved = errors.New("credential pool has no valid identity")

// Status is the validity of one identity.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusValid
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "bad"
	}
}

// Clock abstracts time for cooldown bookkeeping; tests inject a fake.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenSource acquires a fresh token for an identity. Implemented by the
// REST client; failures mark the identity invalid.
type TokenSource interface {
	Token(ctx context.Context, uid uint32, accessKey string) (uuid.UUID, error)
}

// ExpiryStore persists cooldown expiries so a restart cannot issue a send
// inside a window begun by the previous process.
type ExpiryStore interface {
	Expiries() (map[uint32]time.Time, error)
	SetExpiry(uid uint32, readyAt time.Time) error
}

// refreshBackoff caps the retry cadence for re-acquiring an invalidated
// token.
const (
	refreshInitialDelay = time.Second
	refreshMaxDelay     = time.Minute
)

type credential struct {
	uid       uint32
	accessKey string

	token      uuid.UUID
	status     Status
	readyAt    time.Time
	busy       bool
	refreshing bool
}

// Pool hands out cooldown-eligible identities. Acquire-and-mark-busy is a
// single step under the pool lock, so no two workers can hold the same
// identity.
type Pool struct {
	cooldown time.Duration
	clock    Clock
	tokens   TokenSource
	persist  ExpiryStore // may be nil

	mu      sync.Mutex
	creds   []*credential
	rr      int
	changed chan struct{} // closed and replaced on every state change
}

// Build resolves every account into a pool identity. Accounts carrying a
// pre-supplied token skip acquisition; the rest fetch one now. Accounts
// whose token cannot be obtained join as invalid and are retried in the
// background on first use. Build fails only when no identity is usable.
func Build(ctx context.Context, accounts []config.Account, cooldown time.Duration, clock Clock, tokens TokenSource, persist ExpiryStore) (*Pool, error) {
	p := &Pool{
		cooldown: cooldown,
		clock:    clock,
		tokens:   tokens,
		persist:  persist,
		changed:  make(chan struct{}),
	}

	var stored map[uint32]time.Time
	if persist != nil {
		var err error
		stored, err = persist.Expiries()
		if err != nil {
			slog.Warn("Failed to load persisted cooldowns.", "err", err)
		}
	}

	now := clock.Now()
	for _, a := range accounts {
		c := &credential{uid: a.UID, accessKey: a.AccessKey, readyAt: now}
		if until, ok := stored[a.UID]; ok && until.After(now) {
			c.readyAt = until
		}
		switch {
		case a.Token != "":
			tok, err := wire.ParseToken(a.Token)
			if err != nil {
				slog.Error("Skipping account with malformed token.", "uid", a.UID, "err", err)
				c.status = StatusInvalid
			} else {
				c.token = tok
				c.status = StatusValid
			}
		default:
			tok, err := tokens.Token(ctx, a.UID, a.AccessKey)
			if err != nil {
				slog.Warn("Token acquisition failed, identity starts invalid.", "uid", a.UID, "err", err)
				c.status = StatusInvalid
			} else {
				c.token = tok
				c.status = StatusValid
			}
		}
		p.creds = append(p.creds, c)
	}

	if p.Valid() == 0 {
		return nil, fmt.Errorf("%w: %d accounts configured, none usable", ErrStarved, len(accounts))
	}
	return p, nil
}

// Lease is one acquired identity. Exactly one of Cooldown, Release, or
// Invalidate must be called to return it to the pool.
type Lease struct {
	pool *Pool
	cred *credential
}

func (l *Lease) UID() uint32      { return l.cred.uid }
func (l *Lease) Token() uuid.UUID { return l.cred.token }

// Acquire returns the eligible identity with the earliest cooldown expiry,
// round-robin among ties. It blocks until an identity becomes eligible or
// ctx is cancelled. ErrStarved is returned when every identity is invalid
// and no refresh is in flight.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		p.mu.Lock()
		now := p.clock.Now()

		if c := p.pickLocked(now); c != nil {
			c.busy = true
			p.mu.Unlock()
			return &Lease{pool: p, cred: c}, nil
		}

		// Nothing eligible. Work out what we are waiting for.
		var wait time.Duration
		waiting := false
		usable := false
		for _, c := range p.creds {
			if c.status == StatusInvalid && !c.refreshing {
				continue
			}
			usable = true
			if c.busy || c.status == StatusInvalid {
				continue // released or refreshed via the changed channel
			}
			d := c.readyAt.Sub(now)
			if !waiting || d < wait {
				wait, waiting = d, true
			}
		}
		changed := p.changed
		p.mu.Unlock()

		if !usable {
			return nil, ErrStarved
		}

		var timer *time.Timer
		var expired <-chan time.Time
		if waiting {
			timer = time.NewTimer(wait)
			expired = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-expired:
		case <-changed:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// pickLocked selects the eligible identity with the earliest expiry,
// starting the scan at the round-robin cursor so equal expiries rotate.
func (p *Pool) pickLocked(now time.Time) *credential {
	n := len(p.creds)
	var best *credential
	bestIdx := -1
	for off := 0; off < n; off++ {
		i := (p.rr + off) % n
		c := p.creds[i]
		if c.busy || c.status == StatusInvalid || c.readyAt.After(now) {
			continue
		}
		if best == nil || c.readyAt.Before(best.readyAt) {
			best, bestIdx = c, i
		}
	}
	if best != nil {
		p.rr = (bestIdx + 1) % n
	}
	return best
}

// Cooldown returns the identity after an accepted (or cooldown-rejected)
// send: the full user cooldown starts now.
func (l *Lease) Cooldown() {
	p := l.pool
	p.mu.Lock()
	l.cred.readyAt = p.clock.Now().Add(p.cooldown)
	l.cred.busy = false
	p.notifyLocked()
	readyAt := l.cred.readyAt
	p.mu.Unlock()

	if p.persist != nil {
		if err := p.persist.SetExpiry(l.cred.uid, readyAt); err != nil {
			slog.Warn("Failed to persist cooldown.", "uid", l.cred.uid, "err", err)
		}
	}
}

// Release returns the identity after an outcome that registered no paint
// (transport failure, bounds rejection). A short delay avoids hammering.
func (l *Lease) Release(delay time.Duration) {
	p := l.pool
	p.mu.Lock()
	l.cred.readyAt = p.clock.Now().Add(delay)
	l.cred.busy = false
	p.notifyLocked()
	p.mu.Unlock()
}

// Invalidate marks the identity invalid after an authentication rejection
// and starts a background refresh against the token source.
func (l *Lease) Invalidate(ctx context.Context) {
	p := l.pool
	p.mu.Lock()
	l.cred.status = StatusInvalid
	l.cred.busy = false
	start := !l.cred.refreshing && l.cred.accessKey != ""
	if start {
		l.cred.refreshing = true
	}
	p.notifyLocked()
	p.mu.Unlock()

	if start {
		go p.refresh(ctx, l.cred)
	} else if l.cred.accessKey == "" {
		slog.Error("Identity with pre-supplied token rejected; cannot refresh.", "uid", l.cred.uid)
	}
}

// refresh retries token acquisition with capped backoff until it succeeds
// or ctx ends.
func (p *Pool) refresh(ctx context.Context, c *credential) {
	delay := refreshInitialDelay
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			c.refreshing = false
			p.notifyLocked()
			p.mu.Unlock()
			return
		case <-time.After(delay):
		}

		tok, err := p.tokens.Token(ctx, c.uid, c.accessKey)
		if err == nil {
			p.mu.Lock()
			c.token = tok
			c.status = StatusValid
			c.refreshing = false
			p.notifyLocked()
			p.mu.Unlock()
			slog.Info("Identity refreshed.", "uid", c.uid)
			return
		}
		slog.Warn("Token refresh failed, retrying.", "uid", c.uid, "err", err, "backoff", delay)
		if delay *= 2; delay > refreshMaxDelay {
			delay = refreshMaxDelay
		}
	}
}

// notifyLocked wakes every Acquire waiter. Callers hold p.mu.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Valid counts identities currently marked valid.
func (p *Pool) Valid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.creds {
		if c.status == StatusValid {
			n++
		}
	}
	return n
}

// Eligible counts identities that could be acquired right now.
func (p *Pool) Eligible() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	n := 0
	for _, c := range p.creds {
		if !c.busy && c.status != StatusInvalid && !c.readyAt.After(now) {
			n++
		}
	}
	return n
}

// Size is the total number of identities, valid or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}
