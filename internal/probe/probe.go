// Package probe identifies the audio bitstream carried by a live byte
// stream. Detectors read through a seekable stream and rewind between
// attempts, so each one sees the same bytes from the same starting point.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/capmux/internal/bytequeue"
	"github.com/zsiec/capmux/internal/codec"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/mpegts"
)

// DefaultProbeSize bounds how many bytes each detector may read.
const DefaultProbeSize = 64 * 1024

// maxRestarts bounds how often one detector is retried after its start
// position left the lookback window.
const maxRestarts = 2

// Containers reported in Result.
const (
	ContainerMPEGTS = "mpegts"
	ContainerADTS   = "adts"
	ContainerRaw    = "raw"
)

// Result is the outcome of Detect.
type Result struct {
	Format    media.AudioFormat `json:"format"`
	Container string            `json:"container"`
	// Offset is the stream position at which the detected bitstream starts.
	Offset int64 `json:"offset"`
	// Fallback is set when no detector matched and the hint was used.
	Fallback bool `json:"fallback"`
}

// Detector inspects at most limit bytes of r. It returns ok false when the
// bytes do not look like its format.
type Detector struct {
	Name   string
	Detect func(ctx context.Context, r io.Reader, limit int) (Result, bool, error)
}

// Detectors lists the built-in detectors in the order Detect tries them.
var Detectors = []Detector{
	{Name: ContainerMPEGTS, Detect: detectTS},
	{Name: ContainerADTS, Detect: detectADTS},
}

type options struct {
	size      int
	log       *slog.Logger
	detectors []Detector
}

// Option configures Detect.
type Option func(*options)

// WithProbeSize overrides DefaultProbeSize.
func WithProbeSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithLogger sets the logger. If unset, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithDetectors replaces the detector list.
func WithDetectors(ds ...Detector) Option {
	return func(o *options) { o.detectors = ds }
}

// Detect runs each detector from the current position of rs, rewinding
// after every attempt. When none matches it falls back to uncompressed PCM
// with the channel layout of hint. When the rewind falls outside the
// stream's retained window the attempt is abandoned and the detector is
// retried from the current position.
func Detect(ctx context.Context, rs io.ReadSeeker, hint media.AudioFormat, opts ...Option) (Result, error) {
	o := options{size: DefaultProbeSize, log: slog.Default(), detectors: Detectors}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With("component", "probe")

	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return Result{}, fmt.Errorf("probe: locate start: %w", err)
	}

	for i, restarts := 0, 0; i < len(o.detectors); {
		d := o.detectors[i]
		res, ok, err := d.Detect(ctx, &ctxReader{ctx: ctx, r: rs}, o.size)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if err != nil {
			log.Debug("detector failed", "detector", d.Name, "error", err)
		}
		if ok {
			res.Offset += start
			if res.Format.SampleRate == 0 {
				res.Format.SampleRate = hint.SampleRate
				res.Format.Channels = hint.Channels
			}
			log.Info("format detected", "container", res.Container, "format", res.Format.String(), "offset", res.Offset)
			return res, nil
		}

		if _, serr := rs.Seek(start, io.SeekStart); serr != nil {
			if !errors.Is(serr, bytequeue.ErrSeekOutOfRange) {
				return Result{}, fmt.Errorf("probe: rewind: %w", serr)
			}
			// The start fell out of the lookback window while the
			// detector read; retry it from where the stream is now.
			start, err = rs.Seek(0, io.SeekCurrent)
			if err != nil {
				return Result{}, fmt.Errorf("probe: relocate: %w", err)
			}
			log.Warn("probe window overrun", "detector", d.Name, "position", start, "restart", restarts+1)
			if restarts++; restarts <= maxRestarts {
				continue
			}
		}
		i, restarts = i+1, 0
	}

	res := Result{
		Format: media.AudioFormat{
			Codec:      media.CodecPCM,
			SampleRate: hint.SampleRate,
			Channels:   hint.Channels,
		},
		Container: ContainerRaw,
		Offset:    start,
		Fallback:  true,
	}
	log.Info("no bitstream detected, assuming PCM", "format", res.Format.String())
	return res, nil
}

// ctxReader stops a blocking pull when ctx is done. Pulls that return
// (0, nil) are passed through for the caller to retry.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// tsSyncPackets is how many consecutive sync bytes identify a transport
// stream.
const tsSyncPackets = 3

// readUntil reads from r into a growing buffer, calling decide after every
// read, until decide reports done, limit bytes have been read, or the
// stream ends. Pulls that return (0, nil) are retried.
func readUntil(r io.Reader, limit int, decide func(buf []byte) bool) ([]byte, bool, error) {
	buf := make([]byte, 0, min(limit, 4096))
	for len(buf) < limit {
		if len(buf) == cap(buf) {
			buf = append(buf, make([]byte, min(cap(buf), limit-len(buf)))...)[:len(buf)]
		}
		n, err := r.Read(buf[len(buf):min(cap(buf), limit)])
		buf = buf[:len(buf)+n]
		if n > 0 && decide(buf) {
			return buf, true, nil
		}
		if errors.Is(err, io.EOF) {
			return buf, false, nil
		}
		if err != nil {
			return buf, false, err
		}
	}
	return buf, false, nil
}

// findADTS returns the offset of the first ADTS header that is directly
// followed by a second one with the same parameters.
func findADTS(buf []byte) (codec.ADTSHeader, int, bool) {
	for i := 0; i+codec.ADTSHeaderSize <= len(buf); i++ {
		if buf[i] != 0xFF {
			continue
		}
		h, err := codec.ParseADTSHeader(buf[i:])
		if err != nil || i+h.FrameLen > len(buf) {
			continue
		}
		// A second header right behind the first rules out a chance
		// sync word inside PCM or compressed data.
		h2, err := codec.ParseADTSHeader(buf[i+h.FrameLen:])
		if err != nil || h2.SampleRate != h.SampleRate || h2.Channels != h.Channels {
			continue
		}
		return h, i, true
	}
	return codec.ADTSHeader{}, 0, false
}

func detectADTS(_ context.Context, r io.Reader, limit int) (Result, bool, error) {
	var (
		h   codec.ADTSHeader
		off int
	)
	_, ok, err := readUntil(r, limit, func(buf []byte) bool {
		var found bool
		h, off, found = findADTS(buf)
		return found
	})
	if !ok {
		return Result{}, false, err
	}
	return Result{
		Format: media.AudioFormat{
			Codec:      media.CodecAAC,
			SampleRate: h.SampleRate,
			Channels:   h.Channels,
		},
		Container: ContainerADTS,
		Offset:    int64(off),
	}, true, nil
}

// tsSync reports whether buf holds enough bytes to decide, and whether
// they start a run of transport packets within the first packet.
func tsSync(buf []byte) (decided, sync bool) {
	const need = mpegts.PacketSize * (tsSyncPackets + 1)
	if len(buf) < need {
		return false, false
	}
	for off := range mpegts.PacketSize {
		ok := true
		for k := range tsSyncPackets {
			if buf[off+k*mpegts.PacketSize] != 0x47 {
				ok = false
				break
			}
		}
		if ok {
			return true, true
		}
	}
	return true, false
}

func detectTS(ctx context.Context, r io.Reader, limit int) (Result, bool, error) {
	head, decided, err := readUntil(r, limit, func(buf []byte) bool {
		decided, _ := tsSync(buf)
		return decided
	})
	if err != nil || !decided {
		return Result{}, false, err
	}
	if _, sync := tsSync(head); !sync {
		return Result{}, false, nil
	}

	rest := io.LimitReader(r, int64(limit-len(head)))
	dmx := mpegts.NewDemuxer(ctx, io.MultiReader(bytes.NewReader(head), rest))

	var (
		audioPID uint16
		res      Result
		found    bool
	)
	for {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return res, found, nil
			}
			return res, found, err
		}
		switch {
		case data.PMT != nil && !found:
			for _, es := range data.PMT.Streams {
				if es.Type == mpegts.StreamTypeAAC {
					audioPID, found = es.PID, true
					res = Result{Format: media.AudioFormat{Codec: media.CodecAAC}, Container: ContainerMPEGTS}
					break
				}
			}
		case data.PES != nil && found && data.PID == audioPID:
			if h, err := codec.ParseADTSHeader(data.PES.Data); err == nil {
				res.Format.SampleRate = h.SampleRate
				res.Format.Channels = h.Channels
				return res, true, nil
			}
		}
	}
}
