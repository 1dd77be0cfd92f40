// Package framebuf queues whole audio or video frames for one format epoch,
// decoupling a format-detection phase from steady-state streaming. Epochs
// chains buffers so that frames captured before a format change are always
// delivered before frames captured after it.
package framebuf

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is the longest a blocked reader sleeps before
// re-checking the end-of-stream and cancellation conditions.
const DefaultPollInterval = 250 * time.Microsecond

// Frame is one captured unit of audio or video. A frame may carry a release
// token that returns its backing memory to a pool; whoever holds the frame
// last must call Release.
type Frame struct {
	Payload   []byte
	Timestamp int64

	release func()
	once    sync.Once
}

// NewFrame wraps payload. release, if non-nil, runs exactly once when the
// frame is released.
func NewFrame(payload []byte, ts int64, release func()) *Frame {
	return &Frame{Payload: payload, Timestamp: ts, release: release}
}

// Release hands the frame's memory back to its owner. It is safe to call
// more than once.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// Buffer is the frame queue for one epoch. One producer calls Add; one
// consumer calls Read or Next.
type Buffer struct {
	// ID increases monotonically across the buffers of one Epochs.
	ID uint64
	// Meta is attached by the creator (typically the epoch's format) and
	// is not interpreted by the buffer.
	Meta any

	ctx          context.Context
	log          *slog.Logger
	pollInterval time.Duration

	mu         sync.Mutex
	state      State
	eofPending bool
	frames     []*Frame
	partial    int // bytes of frames[0] already returned by Read
	probed     []*Frame
	lastTS     int64

	notify    chan struct{}
	added     atomic.Int64
	delivered atomic.Int64
	rejected  atomic.Int64
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithLogger sets the logger. If unset, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(b *Buffer) {
		if log != nil {
			b.log = log
		}
	}
}

// NewBuffer creates a buffer in StateProbing. Cancelling ctx unblocks
// readers with io.EOF.
func NewBuffer(ctx context.Context, id uint64, meta any, opts ...Option) *Buffer {
	b := &Buffer{
		ID:           id,
		Meta:         meta,
		ctx:          ctx,
		log:          slog.Default(),
		pollInterval: DefaultPollInterval,
		notify:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "framebuf", "epoch", id)
	return b
}

// Add appends f to the live queue and wakes a waiting reader. It never
// blocks. Frames offered after end of stream are released and rejected.
func (b *Buffer) Add(f *Frame) bool {
	b.mu.Lock()
	if b.state >= StateEOF || b.eofPending {
		b.mu.Unlock()
		b.rejected.Add(1)
		f.Release()
		return false
	}
	b.frames = append(b.frames, f)
	b.mu.Unlock()

	b.added.Add(1)
	b.wake()
	return true
}

func (b *Buffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Read copies whole frames into p until p cannot hold the next frame or the
// queue is empty. A frame larger than p is returned across several calls.
//
// While probing, frames handed out are kept for replay by Promote, and an
// empty queue yields (0, nil) at once so a detector never stalls the
// producer. Otherwise Read waits in short polls for data. It returns io.EOF
// once end of stream is set and everything has been read, or when the
// buffer's context is cancelled.
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		b.mu.Lock()
		n, done, err := b.readLocked(p)
		b.mu.Unlock()
		if done {
			return n, err
		}
		if b.wait(b.ctx) != nil {
			return 0, io.EOF
		}
	}
}

func (b *Buffer) readLocked(p []byte) (int, bool, error) {
	if b.state == StateFlushed {
		return 0, true, io.EOF
	}

	n := 0
	for len(b.frames) > 0 && n < len(p) {
		f := b.frames[0]
		rest := f.Payload[b.partial:]
		if n > 0 && len(rest) > len(p)-n {
			break
		}
		m := copy(p[n:], rest)
		n += m
		b.lastTS = f.Timestamp
		if m < len(rest) {
			b.partial += m
			break
		}
		b.partial = 0
		b.frames[0] = nil
		b.frames = b.frames[1:]
		if b.state == StateProbing {
			b.probed = append(b.probed, f)
		} else {
			b.delivered.Add(1)
			f.Release()
		}
	}
	if n > 0 {
		return n, true, nil
	}

	switch b.state {
	case StateProbing:
		if b.eofPending {
			return 0, true, io.EOF
		}
		return 0, true, nil
	case StateEOF:
		b.setStateLocked(StateFlushed)
		return 0, true, io.EOF
	}
	return 0, false, nil
}

// Next returns the next whole frame, transferring ownership to the caller,
// who must Release it. It waits while the buffer is probing or empty, and
// returns io.EOF at end of stream or ctx's error on cancellation.
func (b *Buffer) Next(ctx context.Context) (*Frame, error) {
	for {
		b.mu.Lock()
		if b.state != StateProbing && len(b.frames) > 0 {
			f := b.frames[0]
			if b.partial > 0 {
				f.Payload = f.Payload[b.partial:]
				b.partial = 0
			}
			b.frames[0] = nil
			b.frames = b.frames[1:]
			b.lastTS = f.Timestamp
			b.mu.Unlock()
			b.delivered.Add(1)
			return f, nil
		}
		switch b.state {
		case StateEOF:
			b.setStateLocked(StateFlushed)
			b.mu.Unlock()
			return nil, io.EOF
		case StateFlushed:
			b.mu.Unlock()
			return nil, io.EOF
		}
		b.mu.Unlock()

		if err := b.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// wait sleeps until a frame is added, the poll interval elapses, or ctx or
// the buffer's context is done.
func (b *Buffer) wait(ctx context.Context) error {
	timer := time.NewTimer(b.pollInterval)
	defer timer.Stop()
	select {
	case <-b.notify:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return b.ctx.Err()
	}
}

// Promote ends probing: retained frames go back to the head of the live
// queue in their original order, and the buffer becomes ready (or EOF if
// end of stream was requested meanwhile). It reports whether the buffer
// was probing.
func (b *Buffer) Promote() bool {
	b.mu.Lock()
	if b.state != StateProbing {
		b.mu.Unlock()
		return false
	}
	replayed := len(b.probed)
	if replayed > 0 {
		b.frames = append(b.probed, b.frames...)
		b.probed = nil
	}
	b.partial = 0
	b.setStateLocked(StateReady)
	if b.eofPending {
		b.eofPending = false
		b.setStateLocked(StateEOF)
	}
	b.mu.Unlock()

	b.log.Debug("promoted", "replayed", replayed)
	b.wake()
	return true
}

// SetEOF marks the end of the epoch. It is idempotent and safe from any
// goroutine. A probing buffer keeps probing until promoted.
func (b *Buffer) SetEOF() {
	b.mu.Lock()
	switch b.state {
	case StateProbing:
		b.eofPending = true
	case StateReady:
		b.setStateLocked(StateEOF)
	}
	b.mu.Unlock()
	b.wake()
}

// Discard releases every queued and retained frame and marks the buffer
// flushed. Used on shutdown when no consumer will drain it.
func (b *Buffer) Discard() int {
	b.mu.Lock()
	frames := append(b.probed, b.frames...)
	b.probed = nil
	b.frames = nil
	b.partial = 0
	if b.state != StateFlushed {
		b.setStateLocked(StateFlushed)
	}
	b.mu.Unlock()

	for _, f := range frames {
		f.Release()
	}
	b.wake()
	return len(frames)
}

func (b *Buffer) setStateLocked(to State) {
	if !b.state.canTransition(to) {
		b.log.Warn("illegal state transition", "from", b.state, "to", to)
		return
	}
	b.state = to
}

// State returns the current lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// EOF reports whether end of stream has been requested, including a
// request deferred until promotion.
func (b *Buffer) EOF() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eofPending || b.state >= StateEOF
}

// Len returns the number of frames waiting in the live queue.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// LastTimestamp returns the timestamp of the frame whose bytes were most
// recently handed out, even if only part of it has been read.
func (b *Buffer) LastTimestamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTS
}

// BufferStats is a point-in-time view of a Buffer.
type BufferStats struct {
	ID        uint64 `json:"id"`
	State     string `json:"state"`
	Queued    int    `json:"queued"`
	Probed    int    `json:"probed"`
	Added     int64  `json:"added"`
	Delivered int64  `json:"delivered"`
	Rejected  int64  `json:"rejected"`
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	s := BufferStats{
		ID:     b.ID,
		State:  b.state.String(),
		Queued: len(b.frames),
		Probed: len(b.probed),
	}
	b.mu.Unlock()
	s.Added = b.added.Load()
	s.Delivered = b.delivered.Load()
	s.Rejected = b.rejected.Load()
	return s
}
