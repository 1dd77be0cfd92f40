package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/capmux/internal/bufpool"
	"github.com/zsiec/capmux/internal/framebuf"
	"github.com/zsiec/capmux/internal/media"
)

// producer is the per-kind half of a session. state and the counters are
// atomic; the pool, format and detection are replaced whole under mu.
type producer struct {
	kind   media.Kind
	log    *slog.Logger
	epochs *framebuf.Epochs

	state atomic.Int32
	reset atomic.Bool

	mu     sync.Mutex
	pool   *bufpool.Pool
	vfmt   media.VideoFormat
	afmt   media.AudioFormat
	hasFmt bool
	det    *detection

	frames    atomic.Int64
	dropped   atomic.Int64
	oversize  atomic.Int64
	reconfigs atomic.Int64
}

func newProducer(kind media.Kind, epochs *framebuf.Epochs, log *slog.Logger) *producer {
	return &producer{
		kind:   kind,
		log:    log.With("producer", kind.String()),
		epochs: epochs,
	}
}

// State returns the producer's lifecycle state.
func (p *producer) State() State { return State(p.state.Load()) }

// setState applies a legal transition and reports whether the producer is
// now in state to.
func (p *producer) setState(to State) bool {
	for {
		from := p.State()
		if from == to {
			return true
		}
		if !from.canTransition(to) {
			p.log.Debug("state transition refused", "from", from, "to", to)
			return false
		}
		if p.state.CompareAndSwap(int32(from), int32(to)) {
			p.log.Debug("state", "from", from, "to", to)
			return true
		}
	}
}

// beginReconfigure moves the producer into the state that precedes a new
// epoch. It reports false once shutdown has begun.
func (p *producer) beginReconfigure() bool {
	switch st := p.State(); st {
	case StateIdle:
		return p.setState(StateDetecting)
	case StateShuttingDown, StateStopped:
		return false
	default:
		if !p.setState(StateReconfiguring) {
			return false
		}
		p.reconfigs.Add(1)
		return true
	}
}

func (p *producer) swapPool(pool *bufpool.Pool) *bufpool.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.pool
	p.pool = pool
	return old
}

func (p *producer) currentPool() *bufpool.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool
}

func (p *producer) setFormat(f any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch f := f.(type) {
	case media.VideoFormat:
		p.vfmt = f
	case media.AudioFormat:
		p.afmt = f
	}
	p.hasFmt = true
}

func (p *producer) videoFormat() (media.VideoFormat, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vfmt, p.hasFmt
}

func (p *producer) audioFormat() (media.AudioFormat, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.afmt, p.hasFmt
}

func (p *producer) detection() *detection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.det
}

func (p *producer) setDetection(d *detection) {
	p.mu.Lock()
	p.det = d
	p.mu.Unlock()
}

// detectionDone clears d if it is still the current detection, records
// the detected format and moves the producer on to streaming.
func (p *producer) detectionDone(d *detection, f media.AudioFormat) {
	p.mu.Lock()
	current := p.det == d
	if current {
		p.det = nil
		p.afmt = f
	}
	p.mu.Unlock()
	if current && p.State() == StateDetecting {
		p.setState(StateStreaming)
	}
}

// ProducerStats is a point-in-time view of one producer.
type ProducerStats struct {
	State            string                 `json:"state"`
	Format           string                 `json:"format,omitempty"`
	Frames           int64                  `json:"frames"`
	Dropped          int64                  `json:"dropped"`
	Oversize         int64                  `json:"oversize,omitempty"`
	Reconfigurations int64                  `json:"reconfigurations"`
	Epochs           []framebuf.BufferStats `json:"epochs"`
	Pool             *bufpool.Stats         `json:"pool,omitempty"`
	Probe            *DetectionStats        `json:"probe,omitempty"`
}

func (p *producer) stats() ProducerStats {
	s := ProducerStats{
		State:            p.State().String(),
		Frames:           p.frames.Load(),
		Dropped:          p.dropped.Load(),
		Oversize:         p.oversize.Load(),
		Reconfigurations: p.reconfigs.Load(),
		Epochs:           p.epochs.Stats(),
	}

	p.mu.Lock()
	pool, det := p.pool, p.det
	if p.hasFmt {
		if p.kind == media.KindVideo {
			s.Format = p.vfmt.String()
		} else {
			s.Format = p.afmt.String()
		}
	}
	p.mu.Unlock()

	if pool != nil {
		ps := pool.Stats()
		s.Pool = &ps
	}
	if det != nil {
		ds := det.stats()
		s.Probe = &ds
	}
	return s
}
