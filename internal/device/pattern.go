package device

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/zsiec/capmux/internal/codec"
	"github.com/zsiec/capmux/internal/media"
)

// Pattern defaults.
const (
	DefaultPatternGOP       = 30
	defaultAudioPayloadSize = 96
	defaultSliceSize        = 512
)

// baselinePPS is a minimal PPS matching the SPS from codec.BuildSPS.
var baselinePPS = []byte{0x68, 0xCE, 0x38, 0x80}

// PatternConfig describes a synthetic capture.
type PatternConfig struct {
	// Video formats to cycle through. Each entry is held for SwitchEvery
	// frames.
	Video       []media.VideoFormat
	SwitchEvery int
	GOP         int
	// Audio is carried as ADTS AAC. Its codec is announced only when
	// AnnounceAudioCodec is set; otherwise the receiver has to probe.
	Audio              media.AudioFormat
	AnnounceAudioCodec bool
	// Frames bounds the run; zero runs until cancelled.
	Frames int
	// Realtime paces frames at the video frame rate.
	Realtime bool
}

// Pattern is a Device that synthesizes H.264 access units and AAC frames
// with correct timing and periodic format switches.
type Pattern struct {
	name string
	cfg  PatternConfig
	log  *slog.Logger

	videoFrames   atomic.Int64
	audioFrames   atomic.Int64
	formatChanges atomic.Int64
}

// NewPattern creates a pattern device. If log is nil, slog.Default() is
// used.
func NewPattern(name string, cfg PatternConfig, log *slog.Logger) *Pattern {
	if log == nil {
		log = slog.Default()
	}
	cfg.Video = slices.Clone(cfg.Video)
	if len(cfg.Video) == 0 {
		cfg.Video = []media.VideoFormat{{Codec: media.CodecH264, Width: 1280, Height: 720, FrameRate: 30}}
	}
	for i := range cfg.Video {
		if cfg.Video[i].Codec == media.CodecUnknown {
			cfg.Video[i].Codec = media.CodecH264
		}
		if cfg.Video[i].FrameRate <= 0 {
			cfg.Video[i].FrameRate = 30
		}
	}
	if cfg.GOP <= 0 {
		cfg.GOP = DefaultPatternGOP
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 48000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 2
	}
	return &Pattern{
		name: name,
		cfg:  cfg,
		log:  log.With("component", "pattern-device", "device", name),
	}
}

// Name returns the device name.
func (p *Pattern) Name() string { return p.name }

// Run generates frames until the configured count is reached or ctx is
// cancelled.
func (p *Pattern) Run(ctx context.Context, h Handler) error {
	audio := media.AudioFormat{SampleRate: p.cfg.Audio.SampleRate, Channels: p.cfg.Audio.Channels}
	if p.cfg.AnnounceAudioCodec {
		audio.Codec = media.CodecAAC
	}
	h.OnAudioFormat(audio)

	var (
		vf       media.VideoFormat
		idx      = -1
		ts       int64
		audioTS  int64
		since    int
		audioDur = int64(codec.SamplesPerAACFrame) * media.Microsecond / int64(p.cfg.Audio.SampleRate)
		ticker   *time.Ticker
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for n := 0; p.cfg.Frames == 0 || n < p.cfg.Frames; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if idx < 0 || (p.cfg.SwitchEvery > 0 && n%p.cfg.SwitchEvery == 0 && len(p.cfg.Video) > 1) {
			idx = (idx + 1) % len(p.cfg.Video)
			if p.cfg.Video[idx] != vf {
				vf = p.cfg.Video[idx]
				since = 0
				p.formatChanges.Add(1)
				p.log.Info("video format", "format", vf.String())
				h.OnVideoFormat(vf)
				if p.cfg.Realtime {
					if ticker != nil {
						ticker.Stop()
					}
					ticker = time.NewTicker(time.Duration(float64(time.Second) / vf.FrameRate))
				}
			}
		}

		p.videoFrames.Add(1)
		h.OnVideoFrame(AccessUnit(vf, since%p.cfg.GOP == 0, n), ts)
		since++
		next := ts + int64(float64(media.Microsecond)/vf.FrameRate)

		for ; audioTS < next; audioTS += audioDur {
			p.audioFrames.Add(1)
			h.OnAudioFrame(SilentADTS(p.cfg.Audio.SampleRate, p.cfg.Audio.Channels), audioTS)
		}
		ts = next

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}

// Stats returns the generator's counters.
func (p *Pattern) Stats() Stats {
	return Stats{
		VideoFrames:   p.videoFrames.Load(),
		AudioFrames:   p.audioFrames.Load(),
		FormatChanges: p.formatChanges.Load(),
	}
}

// AccessUnit builds an Annex B access unit for f. Keyframes carry SPS, PPS
// and an IDR slice; other frames a single non-IDR slice. Slice bytes are a
// counter pattern that cannot form a start code.
func AccessUnit(f media.VideoFormat, keyframe bool, n int) []byte {
	au := codec.AppendAnnexB(nil, []byte{0x09, 0xF0})
	sliceType := byte(0x41)
	if keyframe {
		au = codec.AppendAnnexB(au, codec.BuildSPS(f.Width, f.Height, f.Interlaced, f.FrameRate))
		au = codec.AppendAnnexB(au, baselinePPS)
		sliceType = 0x65
	}
	slice := make([]byte, 1, defaultSliceSize+1)
	slice[0] = sliceType
	for i := range defaultSliceSize {
		slice = append(slice, 0x80|byte(n+i))
	}
	return codec.AppendAnnexB(au, slice)
}

// SilentADTS returns one ADTS frame with a constant payload.
func SilentADTS(sampleRate, channels int) []byte {
	b := codec.AppendADTSHeader(make([]byte, 0, codec.ADTSHeaderSize+defaultAudioPayloadSize), sampleRate, channels, defaultAudioPayloadSize)
	for range defaultAudioPayloadSize {
		b = append(b, 0x21)
	}
	return b
}
