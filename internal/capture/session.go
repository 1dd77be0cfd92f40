// Package capture coordinates one capture session: it receives frames and
// format announcements from a device, routes them into per-format epochs,
// swaps frame pools when the signal changes, and probes audio bitstreams
// whose codec the device could not name.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capmux/internal/bufpool"
	"github.com/zsiec/capmux/internal/device"
	"github.com/zsiec/capmux/internal/framebuf"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/probe"
)

// Config tunes the buffers a session creates. Zero fields take the
// package defaults of the component they configure.
type Config struct {
	Lookback     int
	CompactEvery int
	ProbeSize    int
	PollInterval time.Duration
	ReadTimeout  time.Duration
	PoolDesired  int
	DrainTimeout time.Duration
	Pinning      bool
}

// Defaults for Config.
const (
	DefaultPoolDesired  = 8
	DefaultDrainTimeout = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.PoolDesired <= 0 {
		c.PoolDesired = DefaultPoolDesired
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ProbeSize <= 0 {
		c.ProbeSize = probe.DefaultProbeSize
	}
	return c
}

// Epoch describes one format epoch and is attached to its
// framebuf.Buffer as Meta. The audio format of a probing epoch is filled
// in when detection completes, before any frame is released to readers.
type Epoch struct {
	Kind  media.Kind
	Video media.VideoFormat

	audio atomic.Pointer[media.AudioFormat]
	probe atomic.Pointer[probe.Result]
}

// Audio returns the epoch's audio format.
func (e *Epoch) Audio() media.AudioFormat {
	if f := e.audio.Load(); f != nil {
		return *f
	}
	return media.AudioFormat{}
}

// Probe returns the detection result of a probed epoch, or nil.
func (e *Epoch) Probe() *probe.Result { return e.probe.Load() }

// NewAudioEpoch returns an audio Epoch with format f.
func NewAudioEpoch(f media.AudioFormat) *Epoch {
	ep := &Epoch{Kind: media.KindAudio}
	ep.audio.Store(&f)
	return ep
}

// EpochOf returns the Epoch attached to b, or nil.
func EpochOf(b *framebuf.Buffer) *Epoch {
	ep, _ := b.Meta.(*Epoch)
	return ep
}

// Session implements device.Handler for one device. Producer-side calls
// arrive on the device goroutine; Video and Audio are drained by a
// consumer on another goroutine.
type Session struct {
	Key       string
	StartedAt time.Time

	dev   device.Device
	cfg   Config
	log   *slog.Logger
	clock *Clock

	// ctx bounds the buffers and detection goroutines; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	shutdown  atomic.Bool
	runMu     sync.Mutex
	runCancel context.CancelFunc

	video *producer
	audio *producer

	detections sync.WaitGroup
}

// NewSession creates a session for dev. If log is nil, slog.Default() is
// used.
func NewSession(key string, dev device.Device, cfg Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	log = log.With("component", "capture", "session", key)

	var bufOpts []framebuf.Option
	if cfg.PollInterval > 0 {
		bufOpts = append(bufOpts, framebuf.WithPollInterval(cfg.PollInterval))
	}
	s := &Session{
		Key:       key,
		StartedAt: time.Now(),
		dev:       dev,
		cfg:       cfg,
		log:       log,
		clock:     NewClock(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.video = newProducer(media.KindVideo, framebuf.NewEpochs(ctx, log, bufOpts...), log)
	s.audio = newProducer(media.KindAudio, framebuf.NewEpochs(ctx, log, bufOpts...), log)
	return s
}

// Video returns the video epochs for the consumer.
func (s *Session) Video() *framebuf.Epochs { return s.video.epochs }

// Audio returns the audio epochs for the consumer.
func (s *Session) Audio() *framebuf.Epochs { return s.audio.epochs }

// Run drives the device until its input ends, ctx is cancelled or
// Shutdown is called. On return every epoch is closed so the consumer can
// drain what was captured, and the frame pools have been drained.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.runMu.Lock()
	s.runCancel = cancel
	s.runMu.Unlock()
	defer cancel()

	if s.shutdown.Load() {
		s.finish()
		return nil
	}

	s.log.Info("session started", "device", s.dev.Name())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.dev.Run(gctx, s)
	})
	err := g.Wait()

	s.finish()
	if err != nil && (s.shutdown.Load() || errors.Is(err, context.Canceled)) {
		err = nil
	}
	if err != nil {
		s.log.Error("device failed", "error", err)
	}
	s.log.Info("session stopped", "video", s.video.stats().Frames, "audio", s.audio.stats().Frames)
	return err
}

// Shutdown stops capture. It is idempotent and safe from any goroutine;
// Run returns once the device has stopped and the session has wound down.
func (s *Session) Shutdown() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	s.log.Info("shutdown requested")
	s.video.setState(StateShuttingDown)
	s.audio.setState(StateShuttingDown)

	s.runMu.Lock()
	cancel := s.runCancel
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close shuts down and releases everything still queued. Blocked readers
// return io.EOF.
func (s *Session) Close() {
	s.Shutdown()
	s.cancel()
	n := s.video.epochs.Discard() + s.audio.epochs.Discard()
	if n > 0 {
		s.log.Debug("discarded queued frames", "frames", n)
	}
}

// Reset forces a new epoch with the current format on the next frame of
// the given kind.
func (s *Session) Reset(kind media.Kind) {
	s.producer(kind).reset.Store(true)
}

func (s *Session) producer(kind media.Kind) *producer {
	if kind == media.KindAudio {
		return s.audio
	}
	return s.video
}

func (s *Session) finish() {
	s.shutdown.Store(true)
	s.video.setState(StateShuttingDown)
	s.audio.setState(StateShuttingDown)

	s.video.epochs.Close()
	s.audio.epochs.Close()
	s.detections.Wait()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DrainTimeout)
	defer cancel()
	if pool := s.video.swapPool(nil); pool != nil {
		if err := pool.Drain(ctx); err != nil {
			s.log.Warn("frame pool not drained", "error", err, "inFlight", pool.Stats().InFlight)
		}
	}

	s.video.setState(StateStopped)
	s.audio.setState(StateStopped)
}

// OnVideoFormat implements device.Handler.
func (s *Session) OnVideoFormat(f media.VideoFormat) {
	if s.shutdown.Load() {
		return
	}
	s.reconfigureVideo(f)
}

// OnVideoFrame implements device.Handler. The payload is copied into a
// pool block that the consumer releases after encoding.
func (s *Session) OnVideoFrame(payload []byte, ts int64) {
	p := s.video
	if s.shutdown.Load() {
		p.dropped.Add(1)
		return
	}
	if p.reset.CompareAndSwap(true, false) {
		if f, ok := p.videoFormat(); ok {
			s.log.Info("video reset", "format", f.String())
			s.reconfigureVideo(f)
		}
	}
	buf := p.epochs.Active()
	pool := p.currentPool()
	if buf == nil || pool == nil {
		p.dropped.Add(1)
		return
	}

	ts = s.clock.Rebase(ts, false)
	var frame *framebuf.Frame
	if len(payload) > pool.Size() {
		p.oversize.Add(1)
		frame = framebuf.NewFrame(append([]byte(nil), payload...), ts, nil)
	} else {
		blk := pool.Acquire()
		n := copy(blk.Bytes(), payload)
		frame = framebuf.NewFrame(blk.Bytes()[:n], ts, blk.Release)
	}
	if buf.Add(frame) {
		p.frames.Add(1)
	} else {
		p.dropped.Add(1)
	}
}

// OnAudioFormat implements device.Handler.
func (s *Session) OnAudioFormat(f media.AudioFormat) {
	if s.shutdown.Load() {
		return
	}
	s.reconfigureAudio(f)
}

// OnAudioFrame implements device.Handler.
func (s *Session) OnAudioFrame(payload []byte, ts int64) {
	p := s.audio
	if s.shutdown.Load() {
		p.dropped.Add(1)
		return
	}
	if p.reset.CompareAndSwap(true, false) {
		if f, ok := p.audioFormat(); ok {
			s.log.Info("audio reset", "format", f.String())
			s.reconfigureAudio(f)
		}
	}
	buf := p.epochs.Active()
	if buf == nil {
		p.dropped.Add(1)
		return
	}
	frame := framebuf.NewFrame(append([]byte(nil), payload...), s.clock.Rebase(ts, true), nil)
	if buf.Add(frame) {
		p.frames.Add(1)
	} else {
		p.dropped.Add(1)
	}
}

// reconfigureVideo ends the current epoch, drains its pool and starts a
// new epoch with a pool sized for f.
func (s *Session) reconfigureVideo(f media.VideoFormat) {
	p := s.video
	if !p.beginReconfigure() {
		return
	}
	if active := p.epochs.Active(); active != nil {
		active.SetEOF()
	}
	if old := p.swapPool(nil); old != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DrainTimeout)
		if err := old.Drain(ctx); err != nil {
			s.log.Warn("previous frame pool still in use", "error", err, "inFlight", old.Stats().InFlight)
		}
		cancel()
	}

	opts := []bufpool.Option{bufpool.WithLogger(s.log)}
	if s.cfg.Pinning {
		opts = append(opts, bufpool.WithPinning())
	}
	if s.cfg.PollInterval > 0 {
		opts = append(opts, bufpool.WithPollInterval(s.cfg.PollInterval))
	}
	p.swapPool(bufpool.New(f.FrameSize(), s.cfg.PoolDesired, opts...))
	p.setFormat(f)

	buf := p.epochs.Begin(&Epoch{Kind: media.KindVideo, Video: f}, false)
	if buf == nil {
		return
	}
	p.setState(StateStreaming)
	s.log.Info("video epoch", "epoch", buf.ID, "format", f.String())
}

// reconfigureAudio ends the current epoch, waits for a running detection
// to finish, and starts a new epoch. An epoch without a codec is probed.
func (s *Session) reconfigureAudio(f media.AudioFormat) {
	p := s.audio
	if !p.beginReconfigure() {
		return
	}
	if active := p.epochs.Active(); active != nil {
		active.SetEOF()
	}
	if det := p.detection(); det != nil {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DrainTimeout)
		if err := det.wait(ctx); err != nil {
			s.log.Warn("previous audio detection still running", "error", err)
		}
		cancel()
	}
	p.setFormat(f)

	ep := NewAudioEpoch(f)
	probing := f.Codec == media.CodecUnknown
	buf := p.epochs.Begin(ep, probing)
	if buf == nil {
		return
	}
	if !probing {
		p.setState(StateStreaming)
		s.log.Info("audio epoch", "epoch", buf.ID, "format", f.String())
		return
	}
	p.setState(StateDetecting)
	s.log.Info("audio epoch probing", "epoch", buf.ID, "hint", f.String())
	p.setDetection(s.startDetection(p, buf, ep, f))
}
