// Package pipeline is the consumer side of a capture session: it drains
// the video and audio epochs oldest first, encodes each frame, muxes the
// packets into an MPEG transport stream and releases the frame buffers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/framebuf"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/mpegts"
)

// ptsOffset keeps rebased timestamps positive after the audio and video
// clocks are aligned. One second in 90 kHz ticks.
const ptsOffset = media.ClockRate90k

// Source is the producer side the pipeline drains. *capture.Session
// implements it.
type Source interface {
	Video() *framebuf.Epochs
	Audio() *framebuf.Epochs
}

// Stats holds the pipeline counters.
type Stats struct {
	VideoPackets int64 `json:"videoPackets"`
	AudioPackets int64 `json:"audioPackets"`
	Skipped      int64 `json:"skipped"`
	Errors       int64 `json:"errors"`
	Epochs       int64 `json:"epochs"`
	BytesWritten int64 `json:"bytesWritten"`
	LastVideoPTS int64 `json:"lastVideoPts"`
	LastAudioPTS int64 `json:"lastAudioPts"`
}

// Pipeline muxes one session's frames into a single transport stream.
type Pipeline struct {
	log *slog.Logger
	key string
	src Source
	enc Encoder

	mu  sync.Mutex
	mux *mpegts.Muxer

	videoPackets atomic.Int64
	audioPackets atomic.Int64
	skipped      atomic.Int64
	errs         atomic.Int64
	epochs       atomic.Int64
	lastVideoPTS atomic.Int64
	lastAudioPTS atomic.Int64
}

// New creates a Pipeline writing the muxed stream to out. If log is nil,
// slog.Default() is used.
func New(key string, src Source, enc Encoder, out io.Writer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log: log.With("component", "pipeline", "session", key),
		key: key,
		src: src,
		enc: enc,
		mux: mpegts.NewMuxer(out,
			mpegts.MuxStream{PID: mpegts.DefaultVideoPID, Type: mpegts.StreamTypeH264, StreamID: mpegts.StreamIDVideo},
			mpegts.MuxStream{PID: mpegts.DefaultAudioPID, Type: mpegts.StreamTypeAAC, StreamID: mpegts.StreamIDAudio},
		),
	}
}

// Run drains both epoch sequences until they are closed and empty, ctx is
// cancelled, or writing fails. Cancellation is not an error.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.drain(gctx, media.KindVideo, p.src.Video()) })
	g.Go(func() error { return p.drain(gctx, media.KindAudio, p.src.Audio()) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	st := p.Stats()
	p.log.Info("pipeline finished", "video", st.VideoPackets, "audio", st.AudioPackets,
		"skipped", st.Skipped, "bytes", st.BytesWritten, "error", err)
	return err
}

func (p *Pipeline) drain(ctx context.Context, kind media.Kind, epochs *framebuf.Epochs) error {
	for {
		buf, err := epochs.Front(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		p.epochs.Add(1)
		ep := capture.EpochOf(buf)
		p.log.Debug("draining epoch", "kind", kind.String(), "epoch", buf.ID)

		for {
			f, err := buf.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			err = p.encode(kind, ep, f)
			f.Release()
			if err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) encode(kind media.Kind, ep *capture.Epoch, f *framebuf.Frame) error {
	var (
		pkt Packet
		ok  bool
		err error
	)
	if kind == media.KindVideo {
		pkt, ok, err = p.enc.EncodeVideo(ep, f)
	} else {
		pkt, ok, err = p.enc.EncodeAudio(ep, f)
	}
	if err != nil {
		// An encoder failure costs the frame, not the session.
		p.errs.Add(1)
		p.log.Warn("encode failed", "kind", kind.String(), "error", err)
		return nil
	}
	if !ok {
		p.skipped.Add(1)
		return nil
	}
	return p.write(pkt)
}

func (p *Pipeline) write(pkt Packet) error {
	pts := max(media.ToPTS(pkt.PTS)+ptsOffset, 0)
	dts := max(media.ToPTS(pkt.DTS)+ptsOffset, 0)

	pid := mpegts.DefaultVideoPID
	if pkt.Kind == media.KindAudio {
		pid = mpegts.DefaultAudioPID
	}

	p.mu.Lock()
	err := p.mux.WritePES(pid, pts, dts, pkt.Keyframe && pkt.Kind == media.KindVideo, pkt.Data)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("mux %s packet: %w", pkt.Kind, err)
	}

	if pkt.Kind == media.KindVideo {
		p.videoPackets.Add(1)
		p.lastVideoPTS.Store(pts)
	} else {
		p.audioPackets.Add(1)
		p.lastAudioPTS.Store(pts)
	}
	return nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	written := p.mux.BytesWritten()
	p.mu.Unlock()
	return Stats{
		VideoPackets: p.videoPackets.Load(),
		AudioPackets: p.audioPackets.Load(),
		Skipped:      p.skipped.Load(),
		Errors:       p.errs.Load(),
		Epochs:       p.epochs.Load(),
		BytesWritten: written,
		LastVideoPTS: p.lastVideoPTS.Load(),
		LastAudioPTS: p.lastAudioPTS.Load(),
	}
}
