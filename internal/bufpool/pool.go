// Package bufpool supplies fixed-size memory blocks for in-flight video
// frames. The pool grows on demand and shrinks back toward a desired size
// as blocks come home, so memory tracks how far the consumer lags.
package bufpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// DefaultPollInterval bounds each sleep of Drain while blocks are in flight.
const DefaultPollInterval = 200 * time.Microsecond

// ErrDrainTimeout is returned by Drain when blocks are still in flight at
// the deadline. The pool is left drained of everything that did return.
var ErrDrainTimeout = errors.New("bufpool: drain timed out with blocks in flight")

// slab is the pooled memory behind a Block. It outlives the handles that
// lend it out.
type slab struct {
	buf    []byte
	pinner *runtime.Pinner
}

// Block is an owning handle on one pooled buffer, valid from Acquire until
// its Release. Every Acquire returns a new handle, so releasing a stale
// handle never touches memory lent to a later holder. Call Release exactly
// once when done; further calls are ignored.
type Block struct {
	pool *Pool

	mu  sync.Mutex
	mem *slab
}

// Bytes returns the block's memory, always Pool.Size bytes long, or nil
// once the block has been released.
func (b *Block) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	return b.mem.buf
}

// Pinned reports whether the block's memory is pinned for native code.
func (b *Block) Pinned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem != nil && b.mem.pinner != nil
}

// Release hands the block back to its pool.
func (b *Block) Release() {
	b.mu.Lock()
	mem := b.mem
	b.mem = nil
	b.mu.Unlock()
	if mem != nil {
		b.pool.put(mem)
	}
}

// Pool is a set of equally sized blocks tracked as available or in flight.
type Pool struct {
	size int
	pin  bool
	log  *slog.Logger

	pollInterval time.Duration

	mu        sync.Mutex
	desired   int
	available []*slab
	inflight  int
	total     int
	grown     int64
	freed     int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithPinning pins every block's memory so it can be handed to a capture
// SDK that writes into it asynchronously.
func WithPinning() Option {
	return func(p *Pool) { p.pin = true }
}

// WithLogger sets the logger. If unset, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// New creates an empty pool of size-byte blocks that settles at desired
// blocks. No memory is allocated until the first Acquire.
func New(size, desired int, opts ...Option) *Pool {
	p := &Pool{
		size:         size,
		desired:      max(desired, 0),
		log:          slog.Default(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "bufpool", "size", size)
	return p
}

// Size returns the byte length of every block.
func (p *Pool) Size() int { return p.size }

// Acquire returns an available block or allocates a new one. It never
// fails; growth beyond the desired count is logged as backpressure.
func (p *Pool) Acquire() *Block {
	p.mu.Lock()
	if n := len(p.available); n > 0 {
		mem := p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		p.inflight++
		p.mu.Unlock()
		return &Block{pool: p, mem: mem}
	}
	p.total++
	p.inflight++
	p.grown++
	over := p.total > p.desired
	total, desired := p.total, p.desired
	p.mu.Unlock()

	if over {
		p.log.Warn("pool grew past desired size", "total", total, "desired", desired)
	}
	return &Block{pool: p, mem: p.alloc()}
}

func (p *Pool) alloc() *slab {
	mem := &slab{buf: make([]byte, p.size)}
	if p.pin && p.size > 0 {
		mem.pinner = new(runtime.Pinner)
		mem.pinner.Pin(&mem.buf[0])
	}
	return mem
}

// put recycles mem, or frees it while the pool holds more than desired.
func (p *Pool) put(mem *slab) {
	p.mu.Lock()
	p.inflight--
	if p.total > p.desired {
		p.total--
		p.freed++
		p.mu.Unlock()
		free(mem)
		return
	}
	p.available = append(p.available, mem)
	p.mu.Unlock()
}

func free(mem *slab) {
	if mem.pinner != nil {
		mem.pinner.Unpin()
		mem.pinner = nil
	}
	mem.buf = nil
}

// SetDesired changes the steady-state target. Surplus available blocks are
// freed at once; in-flight surplus is freed as it is released.
func (p *Pool) SetDesired(n int) {
	p.mu.Lock()
	p.desired = max(n, 0)
	var surplus []*slab
	for p.total > p.desired && len(p.available) > 0 {
		k := len(p.available) - 1
		surplus = append(surplus, p.available[k])
		p.available[k] = nil
		p.available = p.available[:k]
		p.total--
		p.freed++
	}
	p.mu.Unlock()

	for _, mem := range surplus {
		free(mem)
	}
}

// Drain sets the desired count to zero and waits, in short polls, until no
// block is in flight. Every block is freed. It returns ErrDrainTimeout, or
// ctx's error if ctx is cancelled without a deadline, when blocks are still
// out; those are freed as they are released.
func (p *Pool) Drain(ctx context.Context) error {
	p.SetDesired(0)

	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	for {
		p.mu.Lock()
		inflight := p.inflight
		p.mu.Unlock()
		if inflight == 0 {
			p.log.Debug("pool drained")
			return nil
		}

		timer.Reset(p.pollInterval)
		select {
		case <-ctx.Done():
			p.log.Warn("drain abandoned", "inflight", inflight, "error", ctx.Err())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrDrainTimeout
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	BlockSize int   `json:"blockSize"`
	Desired   int   `json:"desired"`
	Total     int   `json:"total"`
	Available int   `json:"available"`
	InFlight  int   `json:"inFlight"`
	Grown     int64 `json:"grown"`
	Freed     int64 `json:"freed"`
}

// Stats returns a snapshot of the pool's counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		BlockSize: p.size,
		Desired:   p.desired,
		Total:     p.total,
		Available: len(p.available),
		InFlight:  p.inflight,
		Grown:     p.grown,
		Freed:     p.freed,
	}
}
