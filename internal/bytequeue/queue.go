// Package bytequeue presents a live, append-only sequence of timestamped
// chunks as a pull-based byte stream with bounded backward seeking, so that
// container and bitstream probers expecting random access can operate on a
// live feed.
package bytequeue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for a Queue. The lookback margin matches the burst size of the
// capture hardware the queue was tuned against; override it per source.
const (
	DefaultLookback     = 256
	DefaultCompactEvery = 64
	DefaultPollInterval = 200 * time.Microsecond
	DefaultReadTimeout  = 100 * time.Millisecond
)

var (
	// ErrSeekOutOfRange is returned when a seek target lies outside the
	// retained window. The cursor is left where it was.
	ErrSeekOutOfRange = errors.New("bytequeue: seek outside retained window")

	// ErrInvalidWhence is returned for a whence other than io.SeekStart,
	// io.SeekCurrent or io.SeekEnd.
	ErrInvalidWhence = errors.New("bytequeue: invalid whence")

	// ErrNoEndOfLine is returned by WaitEndOfLine when no end-of-line has
	// been requested.
	ErrNoEndOfLine = errors.New("bytequeue: end of line not requested")
)

// Chunk is one pushed unit of data. Chunks are immutable once stored.
type Chunk struct {
	Sequence  uint64
	Timestamp int64
	Data      []byte

	start int64 // absolute stream offset of Data[0]
}

// Stats is a point-in-time view of a Queue for diagnostics.
type Stats struct {
	Chunks       int   `json:"chunks"`
	Retained     int   `json:"retained"`
	Size         int64 `json:"size"`
	Position     int64 `json:"position"`
	End          int64 `json:"end"`
	BytesPushed  int64 `json:"bytesPushed"`
	BytesPopped  int64 `json:"bytesPopped"`
	Compactions  int64 `json:"compactions"`
	EndOfLine    bool  `json:"endOfLine"`
	EndOfLineAck bool  `json:"endOfLineAck"`
}

// Queue is a mutex-protected deque of chunks with a logical read cursor.
// It implements io.Reader and io.Seeker. A single lock guards push, pop and
// seek; the data rate is bounded by the realtime source, so contention is low.
type Queue struct {
	ctx          context.Context
	log          *slog.Logger
	lookback     int
	compactEvery int
	pollInterval time.Duration
	readTimeout  time.Duration

	mu      sync.Mutex
	chunks  []Chunk
	cur     int   // chunk holding the read position; len(chunks) when caught up
	off     int   // bytes of chunks[cur] already consumed
	pos     int64 // absolute read position
	end     int64 // absolute offset one past the newest byte
	nextSeq uint64
	eolSet  bool
	eolTS   int64
	eolAt   int64 // absolute offset of the line when keyed by position; -1 when keyed by eolTS

	eolAck      atomic.Bool
	newestTS    atomic.Int64
	pushed      atomic.Int64
	popped      atomic.Int64
	compactions atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLookback sets the minimum number of consumed chunks kept for
// backward seeks.
func WithLookback(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.lookback = n
		}
	}
}

// WithCompactEvery sets how many consumed chunks beyond the lookback margin
// accumulate before the front of the queue is erased.
func WithCompactEvery(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.compactEvery = n
		}
	}
}

// WithPollInterval sets the sleep between availability checks in blocking calls.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithReadTimeout bounds how long Read waits for data before returning
// (0, nil). Zero waits until data, end of line or cancellation.
func WithReadTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.readTimeout = d
		}
	}
}

// WithLogger sets the logger. If unset, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// New creates an empty Queue. Cancelling ctx makes all blocking calls return.
func New(ctx context.Context, opts ...Option) *Queue {
	q := &Queue{
		ctx:          ctx,
		log:          slog.Default(),
		lookback:     DefaultLookback,
		compactEvery: DefaultCompactEvery,
		pollInterval: DefaultPollInterval,
		readTimeout:  DefaultReadTimeout,
		eolAt:        -1,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("component", "bytequeue")
	return q
}

// Push appends a copy of buf as a new chunk stamped with ts and returns the
// number of bytes accepted. Empty buffers are ignored.
func (q *Queue) Push(buf []byte, ts int64) int {
	if len(buf) == 0 {
		return 0
	}
	data := make([]byte, len(buf))
	copy(data, buf)

	q.mu.Lock()
	q.chunks = append(q.chunks, Chunk{
		Sequence:  q.nextSeq,
		Timestamp: ts,
		Data:      data,
		start:     q.end,
	})
	q.nextSeq++
	q.end += int64(len(data))
	q.mu.Unlock()

	q.newestTS.Store(ts)
	q.pushed.Add(int64(len(data)))
	return len(data)
}

// Pop copies up to len(dst) bytes from the cursor into dst without blocking.
// It returns (0, nil) when no data is available yet and (0, io.EOF) once an
// end of line has been requested and the cursor has reached it.
func (q *Queue) Pop(dst []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked(dst)
}

func (q *Queue) popLocked(dst []byte) (int, error) {
	if q.atEndOfLineLocked() {
		if q.eolAck.CompareAndSwap(false, true) {
			q.log.Debug("end of line reached", "position", q.pos, "eol_ts", q.eolTS)
		}
		return 0, io.EOF
	}

	n := 0
	for n < len(dst) && q.cur < len(q.chunks) {
		c := &q.chunks[q.cur]
		if q.eolSet && q.off == 0 && q.pastLineLocked(c) {
			break
		}
		m := copy(dst[n:], c.Data[q.off:])
		n += m
		q.off += m
		q.pos += int64(m)
		if q.off == len(c.Data) {
			q.cur++
			q.off = 0
		}
	}
	if n > 0 {
		q.popped.Add(int64(n))
		q.compactLocked()
	}
	return n, nil
}

// atEndOfLineLocked reports whether the cursor sits on the end-of-line
// boundary: nothing left to read, or the next unread chunk lies beyond the
// line.
func (q *Queue) atEndOfLineLocked() bool {
	if !q.eolSet {
		return false
	}
	if q.cur >= len(q.chunks) {
		return true
	}
	return q.off == 0 && q.pastLineLocked(&q.chunks[q.cur])
}

// pastLineLocked reports whether c starts at or beyond the end of line. A
// line placed by SetEndOfLine always falls on a chunk boundary.
func (q *Queue) pastLineLocked(c *Chunk) bool {
	if q.eolAt >= 0 {
		return c.start >= q.eolAt
	}
	return c.Timestamp >= q.eolTS
}

// Read implements io.Reader. It waits in short polls for data, returning
// (0, nil) if none arrives within the read timeout, and io.EOF at the end of
// line or when the queue's context is cancelled.
func (q *Queue) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var deadline time.Time
	if q.readTimeout > 0 {
		deadline = time.Now().Add(q.readTimeout)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if q.ctx.Err() != nil {
			return 0, io.EOF
		}
		n, err := q.Pop(p)
		if n > 0 || err != nil {
			return n, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, nil
		}

		if timer == nil {
			timer = time.NewTimer(q.pollInterval)
		} else {
			timer.Reset(q.pollInterval)
		}
		select {
		case <-q.ctx.Done():
			return 0, io.EOF
		case <-timer.C:
		}
	}
}

// Seek implements io.Seeker over the retained window. Offsets are absolute
// stream positions counted from the first byte pushed since the last Clear.
func (q *Queue) Seek(offset int64, whence int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = q.pos + offset
	case io.SeekEnd:
		target = q.end + offset
	default:
		return q.pos, ErrInvalidWhence
	}

	base := q.baseLocked()
	if target < base || target > q.end {
		return q.pos, fmt.Errorf("%w: target %d, window [%d, %d]", ErrSeekOutOfRange, target, base, q.end)
	}

	if target == q.end {
		q.cur = len(q.chunks)
		q.off = 0
		q.pos = target
		return target, nil
	}

	i := min(q.cur, len(q.chunks)-1)
	for q.chunks[i].start > target {
		i--
	}
	for q.chunks[i].start+int64(len(q.chunks[i].Data)) <= target {
		i++
	}
	q.cur = i
	q.off = int(target - q.chunks[i].start)
	q.pos = target
	return target, nil
}

func (q *Queue) baseLocked() int64 {
	if len(q.chunks) == 0 {
		return q.end
	}
	return q.chunks[0].start
}

// compactLocked erases consumed chunks from the front while keeping at least
// lookback of them behind the cursor. The cursor index shifts by the number
// of chunks erased; absolute positions are unaffected.
func (q *Queue) compactLocked() {
	excess := q.cur - q.lookback
	if excess < q.compactEvery {
		return
	}
	n := copy(q.chunks, q.chunks[excess:])
	clear(q.chunks[n:])
	q.chunks = q.chunks[:n]
	q.cur -= excess
	q.compactions.Add(1)
}

// SetEndOfLine requests (on) or withdraws (off) an end of line placed just
// after the newest byte pushed so far, whatever the chunks' timestamps.
// Chunks pushed later are not readable until the end of line is withdrawn.
func (q *Queue) SetEndOfLine(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !on {
		q.eolSet = false
		q.eolAck.Store(false)
		return
	}
	q.eolSet = true
	q.eolAt = q.end
	q.eolAck.Store(false)
}

// SetEndOfLineAt requests an end of line at ts: once the cursor reaches a
// chunk stamped at or after ts, or runs out of data, pops report io.EOF.
func (q *Queue) SetEndOfLineAt(ts int64) {
	q.mu.Lock()
	q.eolSet = true
	q.eolTS = ts
	q.eolAt = -1
	q.eolAck.Store(false)
	q.mu.Unlock()
}

// WaitEndOfLine blocks until a pop has observed the requested end of line.
// It returns ErrNoEndOfLine if none is requested, or the context error if
// ctx or the queue's own context is cancelled first.
func (q *Queue) WaitEndOfLine(ctx context.Context) error {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	for {
		if q.eolAck.Load() {
			return nil
		}
		q.mu.Lock()
		set := q.eolSet
		q.mu.Unlock()
		if !set {
			return ErrNoEndOfLine
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ctx.Done():
			return q.ctx.Err()
		case <-timer.C:
			timer.Reset(q.pollInterval)
		}
	}
}

// Clear drops every chunk and resets the cursor, the remainder and the end
// of line. Sequence numbers keep increasing across a Clear.
func (q *Queue) Clear() {
	q.mu.Lock()
	clear(q.chunks)
	q.chunks = q.chunks[:0]
	q.cur = 0
	q.off = 0
	q.pos = 0
	q.end = 0
	q.eolSet = false
	q.eolAck.Store(false)
	q.mu.Unlock()
}

// Size returns the number of bytes between the cursor and the newest byte.
func (q *Queue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.end - q.pos
}

// Remainder returns the unread bytes left in the chunk under the cursor.
func (q *Queue) Remainder() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cur >= len(q.chunks) {
		return 0
	}
	return len(q.chunks[q.cur].Data) - q.off
}

// Position returns the absolute read position.
func (q *Queue) Position() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pos
}

// Len returns the number of chunks currently stored, consumed or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// NewestTimestamp returns the timestamp of the most recently pushed chunk.
func (q *Queue) NewestTimestamp() int64 {
	return q.newestTS.Load()
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	s := Stats{
		Chunks:    len(q.chunks),
		Retained:  q.cur,
		Size:      q.end - q.pos,
		Position:  q.pos,
		End:       q.end,
		EndOfLine: q.eolSet,
	}
	q.mu.Unlock()

	s.BytesPushed = q.pushed.Load()
	s.BytesPopped = q.popped.Load()
	s.Compactions = q.compactions.Load()
	s.EndOfLineAck = q.eolAck.Load()
	return s
}
