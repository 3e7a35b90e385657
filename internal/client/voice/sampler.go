package voice

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// LevelSource reports the current input amplitude in [0, 1].
type LevelSource interface {
	Level() float64
}

// Sampler keeps the most recent amplitude levels for the waveform view.
type Sampler struct {
	mu     sync.Mutex
	levels deque.Deque[float64]
	size   int
}

// NewSampler creates a sampler holding at most size levels.
func NewSampler(size int) *Sampler {
	if size <= 0 {
		size = 48
	}
	return &Sampler{size: size}
}

// Add records one level, clamped to [0, 1], dropping the oldest when full.
func (s *Sampler) Add(level float64) {
	switch {
	case level < 0:
		level = 0
	case level > 1:
		level = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels.PushBack(level)
	for s.levels.Len() > s.size {
		s.levels.PopFront()
	}
}

// Levels returns the retained levels, oldest first.
func (s *Sampler) Levels() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, s.levels.Len())
	for i := range out {
		out[i] = s.levels.At(i)
	}
	return out
}

// Reset drops every level.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels.Clear()
}

// Run polls src every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context, src LevelSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Add(src.Level())
		}
	}
}
