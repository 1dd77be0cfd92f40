package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/ccx"

	"github.com/zsiec/capmux/internal/codec"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/mpegts"
)

// TS captures H.264 video and ADTS AAC audio from an MPEG-TS byte stream.
// It watches SPS and ADTS headers and announces a new format whenever
// resolution, scan mode, frame rate, sample rate or channel count change.
// CEA-608 captions in SEI messages are decoded for diagnostics.
type TS struct {
	name       string
	r          io.Reader
	log        *slog.Logger
	probeAudio bool

	videoPID uint16
	audioPID uint16
	video    media.VideoFormat
	audio    media.AudioFormat
	hasVideo bool
	hasAudio bool
	warned   map[uint8]bool

	cea608 map[int]*ccx.CEA608Decoder

	videoFrames   atomic.Int64
	audioFrames   atomic.Int64
	dropped       atomic.Int64
	formatChanges atomic.Int64
	captions      atomic.Int64

	mu          sync.Mutex
	lastCaption string
}

// TSOption configures a TS device.
type TSOption func(*TS)

// TSOptProbeAudio announces audio formats without a codec, so the receiver
// identifies the bitstream from the bytes, as it must for sources whose
// audio payload type is not signalled.
func TSOptProbeAudio() TSOption {
	return func(d *TS) { d.probeAudio = true }
}

// NewTS creates a TS device reading from r. If log is nil, slog.Default()
// is used.
func NewTS(name string, r io.Reader, log *slog.Logger, opts ...TSOption) *TS {
	if log == nil {
		log = slog.Default()
	}
	d := &TS{
		name:   name,
		r:      r,
		log:    log.With("component", "ts-device", "device", name),
		warned: make(map[uint8]bool),
		cea608: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the device name.
func (d *TS) Name() string { return d.name }

// Run demuxes until the reader is exhausted or ctx is cancelled.
func (d *TS) Run(ctx context.Context, h Handler) error {
	dmx := mpegts.NewDemuxer(ctx, d.r)
	for {
		data, err := dmx.NextData()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				d.log.Info("input ended", "packets", dmx.Packets(), "resyncs", dmx.Resyncs())
				return nil
			}
			return err
		}

		switch {
		case data.PMT != nil:
			d.handlePMT(data.PMT)
		case data.PES == nil:
		case data.PID == d.videoPID && d.videoPID != 0:
			d.handleVideo(h, data.PES)
		case data.PID == d.audioPID && d.audioPID != 0:
			d.handleAudio(h, data.PES)
		}
	}
}

func (d *TS) handlePMT(pmt *mpegts.PMT) {
	for _, es := range pmt.Streams {
		switch es.Type {
		case mpegts.StreamTypeH264:
			if d.videoPID == 0 {
				d.videoPID = es.PID
				d.log.Info("found video PID", "pid", es.PID, "codec", "H.264")
			}
		case mpegts.StreamTypeAAC:
			if d.audioPID == 0 {
				d.audioPID = es.PID
				d.log.Info("found audio PID", "pid", es.PID, "codec", "AAC")
			}
		default:
			if !d.warned[es.Type] {
				d.warned[es.Type] = true
				d.log.Warn("ignoring unsupported stream", "pid", es.PID, "streamType", es.Type)
			}
		}
	}
}

func (d *TS) handleVideo(h Handler, pes *mpegts.PES) {
	if len(pes.Data) == 0 {
		return
	}
	for _, nal := range codec.SplitAnnexB(pes.Data) {
		switch nal.Type {
		case codec.NALSPS:
			sps, err := codec.ParseSPS(nal.Data)
			if err != nil {
				d.log.Debug("bad SPS", "error", err)
				continue
			}
			f := media.VideoFormat{
				Codec:      media.CodecH264,
				Width:      sps.Width,
				Height:     sps.Height,
				Interlaced: sps.Interlaced,
				FrameRate:  sps.FrameRate,
			}
			if !d.hasVideo || f != d.video {
				d.video, d.hasVideo = f, true
				d.formatChanges.Add(1)
				d.log.Info("video format", "format", f.String())
				h.OnVideoFormat(f)
			}
		case codec.NALSEI:
			d.handleCaptions(nal.Data)
		}
	}
	if !d.hasVideo {
		d.dropped.Add(1)
		return
	}
	d.videoFrames.Add(1)
	h.OnVideoFrame(pes.Data, media.FromPTS(pes.DecodeTS()))
}

func (d *TS) handleAudio(h Handler, pes *mpegts.PES) {
	frames, err := codec.ParseADTS(pes.Data)
	if err != nil {
		d.log.Warn("failed to parse ADTS", "error", err)
	}
	base := media.FromPTS(pes.PTS)
	for i, fr := range frames {
		f := media.AudioFormat{Codec: media.CodecAAC, SampleRate: fr.SampleRate, Channels: fr.Channels}
		if d.probeAudio {
			f.Codec = media.CodecUnknown
		}
		if !d.hasAudio || f != d.audio {
			d.audio, d.hasAudio = f, true
			d.formatChanges.Add(1)
			d.log.Info("audio format", "format", f.String())
			h.OnAudioFormat(f)
		}
		ts := base
		if fr.SampleRate > 0 {
			ts += int64(i) * codec.SamplesPerAACFrame * media.Microsecond / int64(fr.SampleRate)
		}
		d.audioFrames.Add(1)
		h.OnAudioFrame(fr.Data, ts)
	}
}

func (d *TS) handleCaptions(sei []byte) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}
	for _, pair := range cd.CC608Pairs {
		dec := d.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(pair.Data[0], pair.Data[1]); text != "" {
			d.captions.Add(1)
			d.mu.Lock()
			d.lastCaption = text
			d.mu.Unlock()
			d.log.Debug("caption", "channel", pair.Channel, "text", text)
		}
	}
}

// Stats returns the device's counters.
func (d *TS) Stats() Stats {
	d.mu.Lock()
	last := d.lastCaption
	d.mu.Unlock()
	return Stats{
		VideoFrames:   d.videoFrames.Load(),
		AudioFrames:   d.audioFrames.Load(),
		Dropped:       d.dropped.Load(),
		FormatChanges: d.formatChanges.Load(),
		Captions:      d.captions.Load(),
		LastCaption:   last,
	}
}
