// Package device defines the capture-device boundary and provides two
// implementations: a transport stream source and a synthetic pattern
// generator.
package device

import (
	"context"

	"github.com/zsiec/capmux/internal/media"
)

// Handler receives everything a device captures. Calls arrive on the
// device's goroutine, in capture order, and must return promptly. Payload
// slices are only valid for the duration of the call.
//
// A format call always precedes the first frame of the matching kind and
// is repeated whenever the capture parameters change. An audio format with
// media.CodecUnknown asks the receiver to identify the bitstream itself.
type Handler interface {
	OnVideoFormat(f media.VideoFormat)
	OnVideoFrame(payload []byte, ts int64)
	OnAudioFormat(f media.AudioFormat)
	OnAudioFrame(payload []byte, ts int64)
}

// Device is a source of captured frames. Run delivers frames to h until
// the input ends (returning nil) or ctx is cancelled.
type Device interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}

// Stats is a point-in-time view of a device.
type Stats struct {
	VideoFrames   int64  `json:"videoFrames"`
	AudioFrames   int64  `json:"audioFrames"`
	Dropped       int64  `json:"dropped"`
	FormatChanges int64  `json:"formatChanges"`
	Captions      int64  `json:"captions"`
	LastCaption   string `json:"lastCaption,omitempty"`
}
