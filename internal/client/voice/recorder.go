package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clip is a finished capture.
type Clip struct {
	Data     []byte
	MimeType string
	Duration time.Duration
}

// Capture is one running microphone session.
type Capture interface {
	LevelSource
	// Stop ends the session and returns the encoded audio.
	Stop() ([]byte, error)
	// Abort ends the session and discards the audio.
	Abort()
}

// Microphone acquires capture sessions.
type Microphone interface {
	Open(ctx context.Context) (Capture, error)
	MimeType() string
}

// ErrBusy is returned when a press arrives while another capture is running.
var ErrBusy = errors.New("voice: capture already in progress")

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithThresholds replaces DefaultThresholds.
func WithThresholds(t Thresholds) RecorderOption {
	return func(r *Recorder) { r.th = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithSampling polls the capture level every interval. Zero disables polling.
func WithSampling(interval time.Duration, size int) RecorderOption {
	return func(r *Recorder) {
		r.sampleEvery = interval
		r.sampler = NewSampler(size)
	}
}

// WithStateHook is called after every state change, outside the lock.
func WithStateHook(fn func(State)) RecorderOption {
	return func(r *Recorder) { r.onState = fn }
}

// Recorder drives a Microphone from gesture events. One capture runs at a time.
type Recorder struct {
	mu          sync.Mutex
	th          Thresholds
	mic         Microphone
	now         func() time.Time
	state       State
	opening     bool
	startedAt   time.Time
	capture     Capture
	sampler     *Sampler
	sampleEvery time.Duration
	stopSampler context.CancelFunc
	onSend      func(Clip)
	onState     func(State)
	log         *zap.Logger
}

// NewRecorder creates a recorder. onSend receives every clip that reaches Sending.
func NewRecorder(mic Microphone, onSend func(Clip), opts ...RecorderOption) *Recorder {
	r := &Recorder{
		th:      DefaultThresholds(),
		mic:     mic,
		now:     time.Now,
		sampler: NewSampler(0),
		onSend:  onSend,
		log:     zap.L().Named("voice"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns the duration of the running capture, or zero.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Active() {
		return 0
	}
	return r.now().Sub(r.startedAt)
}

// Levels returns the recent amplitude levels of the running capture.
func (r *Recorder) Levels() []float64 {
	return r.sampler.Levels()
}

// Press starts a capture. It returns ErrBusy while another one is running.
func (r *Recorder) Press(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Idle || r.opening {
		r.mu.Unlock()
		return ErrBusy
	}
	r.opening = true
	r.mu.Unlock()

	// 打开麦克风可能要等待权限确认，不持有锁
	capture, err := r.mic.Open(ctx)

	r.mu.Lock()
	r.opening = false
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("打开麦克风失败: %w", err)
	}
	r.capture = capture
	r.startedAt = r.now()
	r.state = r.th.Next(r.state, Input{Kind: Press})
	r.sampler.Reset()
	if r.sampleEvery > 0 {
		sctx, cancel := context.WithCancel(context.Background())
		r.stopSampler = cancel
		go r.sampler.Run(sctx, capture, r.sampleEvery)
	}
	state := r.state
	r.mu.Unlock()

	r.notify(state)
	return nil
}

// Drag reports the pointer displacement since the press.
func (r *Recorder) Drag(dx, dy float64) State {
	return r.apply(Input{Kind: Drag, Delta: Delta{DX: dx, DY: dy}})
}

// Release reports the end of the press.
func (r *Recorder) Release() State { return r.apply(Input{Kind: Release}) }

// SendTap reports the send button of a locked capture.
func (r *Recorder) SendTap() State { return r.apply(Input{Kind: SendTap}) }

// CancelTap reports the cancel button.
func (r *Recorder) CancelTap() State { return r.apply(Input{Kind: CancelTap}) }

// apply feeds in to the state machine and performs the side effects of the
// transition. Sending and Canceling settle back to Idle before it returns;
// the returned state is the transient one.
func (r *Recorder) apply(in Input) State {
	r.mu.Lock()
	if !r.state.Active() {
		state := r.state
		r.mu.Unlock()
		return state
	}
	in.Elapsed = r.now().Sub(r.startedAt)
	next := r.th.Next(r.state, in)
	if next == r.state {
		r.mu.Unlock()
		return next
	}
	r.state = next

	var (
		clip    *Clip
		capture = r.capture
	)
	if next == Sending || next == Canceling {
		r.capture = nil
		if r.stopSampler != nil {
			r.stopSampler()
			r.stopSampler = nil
		}
		if next == Sending {
			data, err := capture.Stop()
			if err != nil {
				r.log.Warn("结束录音失败，放弃本次语音", zap.Error(err))
				r.state = Canceling
				next = Canceling
			} else {
				clip = &Clip{Data: data, MimeType: r.mic.MimeType(), Duration: in.Elapsed}
			}
		} else {
			capture.Abort()
		}
	}
	r.mu.Unlock()
	r.notify(next)

	if next != Sending && next != Canceling {
		return next
	}
	if clip != nil && r.onSend != nil {
		r.onSend(*clip)
	}
	r.settle()
	return next
}

func (r *Recorder) settle() {
	r.mu.Lock()
	r.state = r.th.Next(r.state, Input{Kind: Settle})
	state := r.state
	r.mu.Unlock()
	r.notify(state)
}

func (r *Recorder) notify(s State) {
	if r.onState != nil {
		r.onState(s)
	}
}
