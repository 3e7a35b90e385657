// Package ratelimit implements the per-sender sliding-window send limiter.
//
// Each sender keeps the timestamps of its accepted sends inside the window.
// A send is refused once the count in the window reaches the limit. The
// number of tracked senders is bounded; idle senders are swept by Run.
//
// The bound is lossy: when it is reached and no sender has an empty window,
// the sender with the oldest latest send is forgotten and starts over with a
// full quota. This is preferred over refusing senders that have never been
// seen.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config bounds the limiter.
type Config struct {
	Window        time.Duration
	Limit         int
	MaxSenders    int
	SweepInterval time.Duration
}

// Option customizes a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SlidingWindow) { s.now = now }
}

// SlidingWindow is safe for concurrent use.
type SlidingWindow struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	senders map[uint][]time.Time
}

// New creates a limiter. Zero config values fall back to 15 sends per
// minute for at most 100k senders.
func New(cfg Config, opts ...Option) *SlidingWindow {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 15
	}
	if cfg.MaxSenders <= 0 {
		cfg.MaxSenders = 100000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Window
	}
	s := &SlidingWindow{cfg: cfg, now: time.Now, senders: make(map[uint][]time.Time)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow records a send for sender and reports whether it is within the limit.
// Refused sends are not recorded.
func (s *SlidingWindow) Allow(sender uint) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	stamps, tracked := s.senders[sender]
	stamps = s.prune(stamps, now)
	if len(stamps) >= s.cfg.Limit {
		s.senders[sender] = stamps
		return false
	}
	if !tracked && len(s.senders) >= s.cfg.MaxSenders {
		s.sweepLocked(now)
		if len(s.senders) >= s.cfg.MaxSenders {
			s.evictIdlestLocked()
		}
	}
	s.senders[sender] = append(stamps, now)
	return true
}

// Len returns the number of tracked senders.
func (s *SlidingWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.senders)
}

// Sweep forgets senders with no sends left in the window.
func (s *SlidingWindow) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

// Run sweeps every SweepInterval until ctx is done.
func (s *SlidingWindow) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// prune drops stamps that fell out of the window. stamps is in ascending order.
func (s *SlidingWindow) prune(stamps []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(stamps) && now.Sub(stamps[i]) >= s.cfg.Window {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

func (s *SlidingWindow) sweepLocked(now time.Time) int {
	removed := 0
	for sender, stamps := range s.senders {
		if stamps = s.prune(stamps, now); len(stamps) == 0 {
			delete(s.senders, sender)
			removed++
		} else {
			s.senders[sender] = stamps
		}
	}
	return removed
}

func (s *SlidingWindow) evictIdlestLocked() {
	var (
		idlest uint
		last   time.Time
		found  bool
	)
	for sender, stamps := range s.senders {
		newest := stamps[len(stamps)-1]
		if !found || newest.Before(last) {
			idlest, last, found = sender, newest, true
		}
	}
	if found {
		delete(s.senders, idlest)
	}
}
