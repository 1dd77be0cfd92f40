package capture

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capmux/internal/bytequeue"
	"github.com/zsiec/capmux/internal/framebuf"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/probe"
)

// feedChunk bounds one pull from the probing buffer into the byte queue.
const feedChunk = 32 * 1024

// detection probes the bitstream of one audio epoch. A feeder copies
// frames out of the probing buffer into a byte queue; the prober reads
// and seeks through that queue. When the epoch ends before the prober
// decides, the feeder places an end of line and waits for the prober to
// reach it.
type detection struct {
	buf   *framebuf.Buffer
	queue *bytequeue.Queue
	done  chan struct{}
	start time.Time
}

// DetectionStats is a point-in-time view of a running detection.
type DetectionStats struct {
	Epoch   uint64          `json:"epoch"`
	Running time.Duration   `json:"running"`
	Queue   bytequeue.Stats `json:"queue"`
}

func (d *detection) stats() DetectionStats {
	return DetectionStats{
		Epoch:   d.buf.ID,
		Running: time.Since(d.start),
		Queue:   d.queue.Stats(),
	}
}

// wait blocks until the detection has promoted its buffer.
func (d *detection) wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) startDetection(p *producer, buf *framebuf.Buffer, ep *Epoch, hint media.AudioFormat) *detection {
	opts := []bytequeue.Option{bytequeue.WithLogger(s.log)}
	if s.cfg.Lookback > 0 {
		opts = append(opts, bytequeue.WithLookback(s.cfg.Lookback))
	}
	if s.cfg.CompactEvery > 0 {
		opts = append(opts, bytequeue.WithCompactEvery(s.cfg.CompactEvery))
	}
	if s.cfg.PollInterval > 0 {
		opts = append(opts, bytequeue.WithPollInterval(s.cfg.PollInterval))
	}
	if s.cfg.ReadTimeout > 0 {
		opts = append(opts, bytequeue.WithReadTimeout(s.cfg.ReadTimeout))
	}
	d := &detection{
		buf:   buf,
		queue: bytequeue.New(s.ctx, opts...),
		done:  make(chan struct{}),
		start: time.Now(),
	}

	s.detections.Add(1)
	go func() {
		defer s.detections.Done()
		defer close(d.done)
		res := s.detect(d, hint)
		ep.audio.Store(&res.Format)
		ep.probe.Store(&res)
		buf.Promote()
		p.detectionDone(d, res.Format)
		s.log.Info("audio detected", "epoch", buf.ID, "format", res.Format.String(),
			"container", res.Container, "fallback", res.Fallback, "took", time.Since(d.start))
	}()
	return d
}

// detect runs the feeder and the prober. The feeder is stopped before the
// caller promotes the buffer, so it never reads frames meant for the
// consumer.
func (s *Session) detect(d *detection, hint media.AudioFormat) probe.Result {
	feedCtx, stopFeed := context.WithCancel(s.ctx)
	var g errgroup.Group
	g.Go(func() error {
		return s.feed(feedCtx, d)
	})

	res, err := probe.Detect(s.ctx, d.queue, hint,
		probe.WithProbeSize(s.cfg.ProbeSize), probe.WithLogger(s.log))
	stopFeed()
	if ferr := g.Wait(); ferr != nil {
		s.log.Warn("probe feeder failed", "error", ferr)
	}
	d.queue.Clear()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("audio detection failed, assuming PCM", "error", err)
		}
		res = probe.Result{
			Format:    media.AudioFormat{Codec: media.CodecPCM, SampleRate: hint.SampleRate, Channels: hint.Channels},
			Container: probe.ContainerRaw,
			Fallback:  true,
		}
	}
	return res
}

// feed moves frames from the probing buffer into the byte queue. Reads
// from a probing buffer never block, so an empty buffer is polled.
func (s *Session) feed(ctx context.Context, d *detection) error {
	poll := s.cfg.PollInterval
	if poll <= 0 {
		poll = framebuf.DefaultPollInterval
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()

	p := make([]byte, feedChunk)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := d.buf.Read(p)
		if n > 0 {
			d.queue.Push(p[:n], d.buf.LastTimestamp())
			continue
		}
		if errors.Is(err, io.EOF) {
			d.queue.SetEndOfLine(true)
			if err := d.queue.WaitEndOfLine(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}

		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}
