// Package media defines the format descriptors that flow from capture
// devices through the buffering core to the output pipeline.
package media

import "fmt"

// Kind distinguishes the two producers of a capture session.
type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Codec names used across the capture path. CodecUnknown on an audio
// format means the bitstream must be probed before it can be muxed.
const (
	CodecUnknown = ""
	CodecH264    = "h264"
	CodecRaw     = "raw"
	CodecAAC     = "aac"
	CodecPCM     = "pcm_s16le"
)

// VideoFormat is one stable set of video capture parameters.
type VideoFormat struct {
	Codec      string  `json:"codec"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Interlaced bool    `json:"interlaced"`
	FrameRate  float64 `json:"frameRate,omitempty"`
}

// FrameSize returns the byte size of one uncompressed 4:2:2 8-bit picture,
// which bounds the size of any compressed access unit the device emits.
func (f VideoFormat) FrameSize() int {
	return f.Width * f.Height * 2
}

func (f VideoFormat) String() string {
	scan := "p"
	if f.Interlaced {
		scan = "i"
	}
	return fmt.Sprintf("%s %dx%d%s%g", f.Codec, f.Width, f.Height, scan, f.FrameRate)
}

// AudioFormat is one stable set of audio capture parameters.
type AudioFormat struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

func (f AudioFormat) String() string {
	codec := f.Codec
	if codec == CodecUnknown {
		codec = "unprobed"
	}
	return fmt.Sprintf("%s %dHz %dch", codec, f.SampleRate, f.Channels)
}

// Timestamps across the capture path are microseconds. MPEG-TS uses a
// 90 kHz clock.
const (
	ClockRate90k = 90000
	Microsecond  = 1_000_000
)

// ToPTS converts a microsecond timestamp to 90 kHz ticks.
func ToPTS(us int64) int64 { return us * ClockRate90k / Microsecond }

// FromPTS converts 90 kHz ticks to microseconds.
func FromPTS(pts int64) int64 { return pts * Microsecond / ClockRate90k }
