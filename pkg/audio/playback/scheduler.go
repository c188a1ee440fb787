package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the scheduler's observable phase.
type State int

const (
	// StateIdle — waiting for the first frame of the next assistant turn.
	StateIdle State = iota

	// StatePrebuffering — a first frame arrived; the scheduler accumulates
	// a few more to absorb burstiness before committing to a cadence.
	StatePrebuffering

	// StatePlaying — frames are released on the fixed 20 ms grid.
	StatePlaying
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrebuffering:
		return "prebuffering"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Config holds the scheduler tunables. Zero values fall back to the
// defaults noted per field.
type Config struct {
	// FrameBytes is the size of one outbound frame (320 for 20 ms at 8 kHz).
	FrameBytes int

	// FrameDuration is the pacing interval. Default 20 ms.
	FrameDuration time.Duration

	// PrebufferFrames is how many frames to accumulate before playback
	// starts. Default 10 (200 ms).
	PrebufferFrames int

	// MaxSilenceFrames is how many consecutive substituted silence frames
	// are sent before the scheduler gives up on the current turn and
	// returns to idle. Default 40 (800 ms).
	MaxSilenceFrames int
}

func (c *Config) applyDefaults() {
	if c.FrameBytes <= 0 {
		c.FrameBytes = 320
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.PrebufferFrames <= 0 {
		c.PrebufferFrames = 10
	}
	if c.MaxSilenceFrames <= 0 {
		c.MaxSilenceFrames = 40
	}
}

// Scheduler paces frames from a [Queue] onto an output function at a fixed
// cadence. The deadline for frame n is always start + n×frameDuration
// against a monotonic start timestamp — sleeping "frameDuration from now"
// instead would accumulate scheduler-wakeup error over a long call.
//
// The output function is invoked sequentially from the Run goroutine only,
// preserving the single-writer discipline of the session's socket.
type Scheduler struct {
	cfg   Config
	queue *Queue
	out   func([]byte) error

	mu          sync.Mutex
	state       State
	interrupted bool

	// wake interrupts a pending pacing sleep so barge-in takes effect
	// immediately rather than at the next frame boundary.
	wake chan struct{}

	framesSent    atomic.Uint64
	silenceFrames atomic.Uint64
}

// NewScheduler creates a scheduler draining queue into out. out is called
// with exactly cfg.FrameBytes bytes per invocation and must not be nil.
func NewScheduler(cfg Config, queue *Queue, out func([]byte) error) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:   cfg,
		queue: queue,
		out:   out,
		wake:  make(chan struct{}, 1),
	}
}

// State returns the scheduler's current phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FramesSent returns the total number of frames handed to the output,
// silence substitutions included.
func (s *Scheduler) FramesSent() uint64 { return s.framesSent.Load() }

// SilenceSubstituted returns the total number of silence frames substituted
// for missing audio.
func (s *Scheduler) SilenceSubstituted() uint64 { return s.silenceFrames.Load() }

// Interrupt implements barge-in: the queue is cleared and the current turn
// abandoned. When Interrupt returns, no frame from the abandoned turn will
// be sent — the clear and the stop flag are set under the same lock the
// playback step holds while popping and sending.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	s.interrupted = true
	s.queue.Clear()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the Idle → Prebuffering → Playing loop until ctx is done.
// It returns ctx.Err() on cancellation and the first output error otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.setState(StateIdle)
		s.consumeInterrupt()

		if err := s.queue.Wait(ctx); err != nil {
			return err
		}

		s.setState(StatePrebuffering)
		if aborted := s.prebuffer(ctx); aborted {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		s.setState(StatePlaying)
		if err := s.play(ctx); err != nil {
			return err
		}
	}
}

// setState records the phase transition.
func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// consumeInterrupt clears a pending barge-in so it cannot leak into the
// next turn.
func (s *Scheduler) consumeInterrupt() {
	s.mu.Lock()
	s.interrupted = false
	s.mu.Unlock()
	select {
	case <-s.wake:
	default:
	}
}

// prebuffer waits until the queue holds PrebufferFrames frames, bounded at
// twice the prebuffer span so a slow producer cannot hold the scheduler here
// forever. Returns true when the turn was aborted by cancellation or
// barge-in.
func (s *Scheduler) prebuffer(ctx context.Context) (aborted bool) {
	deadline := time.Now().Add(2 * time.Duration(s.cfg.PrebufferFrames) * s.cfg.FrameDuration)
	tick := s.cfg.FrameDuration / 4
	if tick <= 0 {
		tick = time.Millisecond
	}
	timer := time.NewTimer(tick)
	defer timer.Stop()

	for {
		s.mu.Lock()
		interrupted := s.interrupted
		s.mu.Unlock()
		if interrupted {
			return true
		}
		if s.queue.Len() >= s.cfg.PrebufferFrames || time.Now().After(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return true
		case <-s.wake:
		case <-timer.C:
			timer.Reset(tick)
		}
	}
}

// play releases frames on the fixed grid until the turn ends. A nil return
// means the turn is over (silence limit reached or barge-in) and the caller
// loops back to idle; a non-nil return is fatal to the session.
func (s *Scheduler) play(ctx context.Context) error {
	var (
		start      = time.Now()
		sent       int
		silenceRun int
		silence    = make([]byte, s.cfg.FrameBytes)
	)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		// Absolute deadline for this frame; the fixed start reference keeps
		// cumulative drift at zero over minutes of call time.
		target := start.Add(time.Duration(sent) * s.cfg.FrameDuration)
		if d := time.Until(target); d > 0 {
			timer.Reset(d)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				if !timer.Stop() {
					<-timer.C
				}
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Pop and send under the lock so Interrupt is atomic with respect
		// to this step: once Interrupt returns, nothing further is sent.
		s.mu.Lock()
		if s.interrupted {
			s.interrupted = false
			s.mu.Unlock()
			return nil
		}

		frame, ok := s.queue.TryPop()
		if !ok {
			silenceRun++
			if silenceRun > s.cfg.MaxSilenceFrames {
				s.mu.Unlock()
				return nil
			}
			frame = silence
			s.silenceFrames.Add(1)
		} else {
			silenceRun = 0
		}

		err := s.out(frame)
		s.mu.Unlock()
		if err != nil {
			return err
		}

		s.framesSent.Add(1)
		sent++
	}
}
