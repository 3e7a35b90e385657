// Package presence keeps the ephemeral "who is typing to whom" state.
//
// Entries expire after a fixed TTL. Every write drops a bounded batch of
// expired entries, reads never return them, and Run sweeps the rest
// periodically. The ledger holds at most MaxEntries pairs; when full and
// nothing has expired, the stalest entry is evicted.
package presence

import (
	"context"
	"sync"
	"time"
)

// writeSweepBatch 是每次写入时最多检查的条目数
const writeSweepBatch = 16

// Key identifies a typing relation.
type Key struct {
	Sender   uint
	Receiver uint
}

// Entry is the last reported typing state for a Key.
type Entry struct {
	IsTyping  bool
	UpdatedAt time.Time
}

// Config bounds the ledger.
type Config struct {
	TTL           time.Duration
	MaxEntries    int
	SweepInterval time.Duration
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is safe for concurrent use.
type Ledger struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	entries map[Key]Entry
}

// NewLedger creates a ledger. Zero config values fall back to 30s TTL,
// 100k entries and a sweep every TTL.
func NewLedger(cfg Config, opts ...Option) *Ledger {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL
	}
	l := &Ledger{cfg: cfg, now: time.Now, entries: make(map[Key]Entry)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Set records the typing state of sender toward receiver.
func (l *Ledger) Set(sender, receiver uint, isTyping bool) {
	now := l.now()
	k := Key{Sender: sender, Receiver: receiver}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepSomeLocked(now, writeSweepBatch)
	if _, ok := l.entries[k]; !ok && len(l.entries) >= l.cfg.MaxEntries {
		if l.sweepLocked(now) == 0 {
			l.evictOldestLocked()
		}
	}
	l.entries[k] = Entry{IsTyping: isTyping, UpdatedAt: now}
}

// Get returns the current entry, or false if none is live.
func (l *Ledger) Get(sender, receiver uint) (Entry, bool) {
	now := l.now()
	k := Key{Sender: sender, Receiver: receiver}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[k]
	if !ok {
		return Entry{}, false
	}
	if l.expired(e, now) {
		delete(l.entries, k)
		return Entry{}, false
	}
	return e, true
}

// IsTyping reports whether sender is currently typing to receiver.
func (l *Ledger) IsTyping(sender, receiver uint) bool {
	e, ok := l.Get(sender, receiver)
	return ok && e.IsTyping
}

// Len returns the number of stored entries, live or not yet swept.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (l *Ledger) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now)
}

// Run sweeps every SweepInterval until ctx is done.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Ledger) expired(e Entry, now time.Time) bool {
	return now.Sub(e.UpdatedAt) > l.cfg.TTL
}

func (l *Ledger) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range l.entries {
		if l.expired(e, now) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// sweepSomeLocked checks at most n entries. Map iteration order is random,
// so repeated writes eventually visit every entry.
func (l *Ledger) sweepSomeLocked(now time.Time, n int) {
	for k, e := range l.entries {
		if n == 0 {
			return
		}
		n--
		if l.expired(e, now) {
			delete(l.entries, k)
		}
	}
}

func (l *Ledger) evictOldestLocked() {
	var (
		oldest Key
		at     time.Time
		found  bool
	)
	for k, e := range l.entries {
		if !found || e.UpdatedAt.Before(at) {
			oldest, at, found = k, e.UpdatedAt, true
		}
	}
	if found {
		delete(l.entries, oldest)
	}
}
