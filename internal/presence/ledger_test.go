package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	clock := newClock()
	l := NewLedger(Config{TTL: 30 * time.Second}, WithClock(clock.Now))

	l.Set(1, 2, true)
	assert.True(t, l.IsTyping(1, 2))
	assert.False(t, l.IsTyping(2, 1), "direction matters")

	clock.Advance(30 * time.Second)
	assert.True(t, l.IsTyping(1, 2), "still live exactly at the TTL")

	clock.Advance(time.Second)
	assert.False(t, l.IsTyping(1, 2))
	assert.Zero(t, l.Len(), "expired entry is dropped on read")
}

func TestWritePurgesExpiredEntries(t *testing.T) {
	clock := newClock()
	l := NewLedger(Config{TTL: 30 * time.Second}, WithClock(clock.Now))

	l.Set(1, 2, true)
	l.Set(3, 4, true)
	clock.Advance(31 * time.Second)
	l.Set(5, 6, false)

	assert.Equal(t, 1, l.Len())
	e, ok := l.Get(5, 6)
	assert.True(t, ok)
	assert.False(t, e.IsTyping)
}

func TestCapacityEvictsStalest(t *testing.T) {
	clock := newClock()
	l := NewLedger(Config{TTL: time.Minute, MaxEntries: 2}, WithClock(clock.Now))

	l.Set(1, 2, true)
	clock.Advance(time.Second)
	l.Set(3, 4, true)
	clock.Advance(time.Second)
	l.Set(5, 6, true)

	assert.Equal(t, 2, l.Len())
	assert.False(t, l.IsTyping(1, 2))
	assert.True(t, l.IsTyping(3, 4))
	assert.True(t, l.IsTyping(5, 6))

	l.Set(3, 4, false)
	assert.Equal(t, 2, l.Len(), "updating an existing key never evicts")
}

func TestSweepAndRun(t *testing.T) {
	clock := newClock()
	l := NewLedger(Config{TTL: time.Second, SweepInterval: 10 * time.Millisecond}, WithClock(clock.Now))
	l.Set(1, 2, true)
	l.Set(2, 1, true)
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Zero(t, l.Sweep())
}

func TestWriteSweepIsBounded(t *testing.T) {
	clock := newClock()
	l := NewLedger(Config{TTL: 30 * time.Second}, WithClock(clock.Now))
	for i := uint(1); i <= 100; i++ {
		l.Set(i, 1000, true)
	}
	clock.Advance(31 * time.Second)

	l.Set(1, 2, true)
	assert.Equal(t, 100-writeSweepBatch+1, l.Len())
	assert.Equal(t, 100-writeSweepBatch, l.Sweep())
	assert.True(t, l.IsTyping(1, 2))
}

func TestFullLedgerDropsExpiredBeforeEvicting(t *testing.T) {
	clock := newClock()
	l := NewLedger(Config{TTL: 30 * time.Second, MaxEntries: 10}, WithClock(clock.Now))
	for i := uint(1); i <= 9; i++ {
		l.Set(i, 1000, true)
	}
	clock.Advance(20 * time.Second)
	l.Set(500, 501, true)
	clock.Advance(11 * time.Second)

	// 9 条过期，1 条仍然有效；写入时先清理过期条目，不会驱逐有效条目
	l.Set(600, 601, true)
	assert.True(t, l.IsTyping(500, 501))
	assert.True(t, l.IsTyping(600, 601))
	assert.Equal(t, 2, l.Len())
}
