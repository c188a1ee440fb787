// Package playback turns an arbitrarily-arriving stream of assistant audio
// frames into an evenly-paced outbound stream: a bounded jitter queue feeding
// a scheduler that paces frames against an absolute monotonic deadline.
package playback

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO of audio frames owned by one session's scheduler.
// When full it drops the oldest frame and counts the drop — for a live call,
// freshness beats completeness, and the producer must never block.
//
// All methods are safe for concurrent use. Clear is atomic with respect to a
// producer still appending frames.
type Queue struct {
	mu      sync.Mutex
	frames  [][]byte
	max     int
	dropped uint64

	// notify wakes a single waiter after a Push. Capacity 1: a lost send
	// means a token is already pending and the waiter will run anyway.
	notify chan struct{}
}

// DefaultMaxFrames bounds the queue at 1000 frames (≈20 s of audio at
// 20 ms per frame).
const DefaultMaxFrames = 1000

// NewQueue creates a queue holding at most max frames. A non-positive max
// falls back to [DefaultMaxFrames].
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = DefaultMaxFrames
	}
	return &Queue{
		frames: make([][]byte, 0, max),
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// Push appends a frame. If the queue is at capacity the oldest frame is
// dropped and the drop counter incremented; Push itself never blocks.
func (q *Queue) Push(frame []byte) {
	q.mu.Lock()
	if len(q.frames) >= q.max {
		q.frames = q.frames[1:]
		q.dropped++
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the oldest frame, or (nil, false) when empty.
func (q *Queue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f, true
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the total number of frames discarded by the overflow
// policy since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all queued frames. Frames pushed concurrently are either
// cleared with the rest or arrive strictly after — never half-removed.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = q.frames[:0]
}

// Wait blocks until the queue is non-empty or ctx is done. It returns
// ctx.Err() on cancellation and nil once a frame is available.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n := len(q.frames)
		q.mu.Unlock()
		if n > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notify:
		}
	}
}
