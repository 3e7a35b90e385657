// Package voice models the hold-to-record gesture of a voice note as a finite
// state machine, and drives a microphone capture from it.
package voice

import "time"

// State is the capture state of one device.
type State int

const (
	Idle State = iota
	Recording
	Locked
	Canceling
	Sending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Locked:
		return "locked"
	case Canceling:
		return "canceling"
	case Sending:
		return "sending"
	default:
		return "unknown"
	}
}

// Active reports whether a capture is running in s.
func (s State) Active() bool {
	return s == Recording || s == Locked
}

// InputKind is a gesture event.
type InputKind int

const (
	Press InputKind = iota
	Drag
	Release
	SendTap
	CancelTap
	// Settle finishes a transient state once its side effect is done.
	Settle
)

// Delta is the pointer displacement since the press, in screen units
// (x grows to the right, y grows downwards).
type Delta struct {
	DX, DY float64
}

// Input is one gesture event with the time elapsed since recording started.
type Input struct {
	Kind    InputKind
	Delta   Delta
	Elapsed time.Duration
}

// Thresholds configures the gesture distances and the shortest clip that is sent.
type Thresholds struct {
	LockDistance   float64 // upwards
	CancelDistance float64 // leftwards
	SendDistance   float64 // rightwards
	MinDuration    time.Duration
}

// DefaultThresholds returns the distances used by the mobile composer.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LockDistance:   60,
		CancelDistance: 80,
		SendDistance:   80,
		MinDuration:    300 * time.Millisecond,
	}
}

// Next returns the state after in. It is pure; inputs that do not apply to
// s leave it unchanged.
func (t Thresholds) Next(s State, in Input) State {
	switch s {
	case Idle:
		if in.Kind == Press {
			return Recording
		}
	case Recording:
		switch in.Kind {
		case Drag:
			// 同一次拖动跨过多个阈值时，取消优先
			switch {
			case -in.Delta.DX >= t.CancelDistance:
				return Canceling
			case -in.Delta.DY >= t.LockDistance:
				return Locked
			case in.Delta.DX >= t.SendDistance:
				return t.send(in.Elapsed)
			}
		case Release:
			return t.send(in.Elapsed)
		case CancelTap:
			return Canceling
		}
	case Locked:
		switch in.Kind {
		case SendTap:
			return t.send(in.Elapsed)
		case CancelTap:
			return Canceling
		}
	case Canceling, Sending:
		if in.Kind == Settle {
			return Idle
		}
	}
	return s
}

func (t Thresholds) send(elapsed time.Duration) State {
	if elapsed < t.MinDuration {
		return Canceling
	}
	return Sending
}
