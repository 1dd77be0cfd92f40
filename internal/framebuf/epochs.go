package framebuf

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Epochs is the ordered sequence of buffers for one producer. The newest
// buffer is active and receives frames; the consumer drains buffers
// oldest-first and never sees a frame of a newer epoch before every frame
// of an older one.
type Epochs struct {
	ctx  context.Context
	log  *slog.Logger
	opts []Option

	mu     sync.Mutex
	bufs   []*Buffer
	nextID uint64
	closed bool

	notify chan struct{}
}

// NewEpochs creates an empty sequence. opts are applied to every buffer
// it creates. If log is nil, slog.Default() is used.
func NewEpochs(ctx context.Context, log *slog.Logger, opts ...Option) *Epochs {
	if log == nil {
		log = slog.Default()
	}
	e := &Epochs{
		ctx:    ctx,
		log:    log.With("component", "epochs"),
		opts:   append([]Option{WithLogger(log)}, opts...),
		nextID: 1,
		notify: make(chan struct{}, 1),
	}
	return e
}

// Begin ends the active epoch, if any, and appends a new active buffer
// carrying meta. A buffer that needs no format detection (probing false)
// is promoted immediately.
func (e *Epochs) Begin(meta any, probing bool) *Buffer {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	id := e.nextID
	e.nextID++
	e.mu.Unlock()

	b := NewBuffer(e.ctx, id, meta, e.opts...)
	if !probing {
		b.Promote()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	var prev *Buffer
	if n := len(e.bufs); n > 0 {
		prev = e.bufs[n-1]
	}
	e.bufs = append(e.bufs, b)
	depth := len(e.bufs)
	e.mu.Unlock()

	if prev != nil {
		prev.SetEOF()
	}

	e.log.Debug("epoch started", "epoch", b.ID, "probing", probing, "depth", depth)
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return b
}

// Active returns the buffer currently receiving frames, or nil.
func (e *Epochs) Active() *Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.bufs) == 0 || e.closed {
		return nil
	}
	return e.bufs[len(e.bufs)-1]
}

// Front drops flushed buffers and returns the oldest remaining one,
// waiting in short polls until one exists. It returns io.EOF once the
// sequence is closed and drained, or ctx's error on cancellation.
func (e *Epochs) Front(ctx context.Context) (*Buffer, error) {
	timer := time.NewTimer(DefaultPollInterval)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.mu.Lock()
		var head *Buffer
		if len(e.bufs) > 0 {
			head = e.bufs[0]
		}
		closed := e.closed
		e.mu.Unlock()

		if head != nil {
			if head.State() != StateFlushed {
				return head, nil
			}
			e.dropFront(head)
			continue
		}
		if closed {
			return nil, io.EOF
		}

		timer.Reset(DefaultPollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.ctx.Done():
			return nil, io.EOF
		case <-e.notify:
		case <-timer.C:
		}
	}
}

// dropFront removes b if it is still the oldest buffer. Buffer state is
// read outside e.mu so the two locks are never held together.
func (e *Epochs) dropFront(b *Buffer) {
	e.mu.Lock()
	if len(e.bufs) > 0 && e.bufs[0] == b {
		e.bufs[0] = nil
		e.bufs = e.bufs[1:]
	}
	e.mu.Unlock()
	e.log.Debug("epoch flushed", "epoch", b.ID)
}

// Close marks the active buffer EOF and stops accepting new epochs.
// Buffers already queued are still delivered by Front.
func (e *Epochs) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	var last *Buffer
	if n := len(e.bufs); n > 0 {
		last = e.bufs[n-1]
	}
	e.mu.Unlock()

	if last != nil {
		last.SetEOF()
	}

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Discard releases the frames of every queued buffer. Used on shutdown.
func (e *Epochs) Discard() int {
	e.mu.Lock()
	bufs := e.bufs
	e.bufs = nil
	e.mu.Unlock()

	n := 0
	for _, b := range bufs {
		n += b.Discard()
	}
	return n
}

// Len returns the number of buffers not yet dropped.
func (e *Epochs) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bufs)
}

// Stats returns a snapshot of every queued buffer, oldest first.
func (e *Epochs) Stats() []BufferStats {
	e.mu.Lock()
	bufs := append([]*Buffer(nil), e.bufs...)
	e.mu.Unlock()

	out := make([]BufferStats, len(bufs))
	for i, b := range bufs {
		out[i] = b.Stats()
	}
	return out
}
