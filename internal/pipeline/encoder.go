package pipeline

import (
	"sync/atomic"

	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/codec"
	"github.com/zsiec/capmux/internal/framebuf"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/probe"
)

// Packet is one encoded access unit ready for muxing. Timestamps are
// microseconds. Data may alias the frame it was encoded from and is only
// valid until that frame is released.
type Packet struct {
	Kind     media.Kind
	PTS      int64
	DTS      int64
	Keyframe bool
	Data     []byte
}

// Encoder turns captured frames into packets. ok is false when the frame
// produces no output.
type Encoder interface {
	EncodeVideo(ep *capture.Epoch, f *framebuf.Frame) (pkt Packet, ok bool, err error)
	EncodeAudio(ep *capture.Epoch, f *framebuf.Frame) (pkt Packet, ok bool, err error)
}

// Passthrough forwards H.264 Annex B video and AAC audio unchanged.
// Frames in formats it cannot carry are skipped and counted. EncodeAudio
// must not be called concurrently with itself.
type Passthrough struct {
	skipped atomic.Int64
	scratch []byte
}

// NewPassthrough returns a Passthrough encoder.
func NewPassthrough() *Passthrough { return &Passthrough{} }

// Skipped returns the number of frames dropped for an unsupported format.
func (e *Passthrough) Skipped() int64 { return e.skipped.Load() }

// EncodeVideo implements Encoder.
func (e *Passthrough) EncodeVideo(ep *capture.Epoch, f *framebuf.Frame) (Packet, bool, error) {
	if ep == nil || ep.Video.Codec != media.CodecH264 || len(f.Payload) == 0 {
		e.skipped.Add(1)
		return Packet{}, false, nil
	}
	return Packet{
		Kind:     media.KindVideo,
		PTS:      f.Timestamp,
		DTS:      f.Timestamp,
		Keyframe: isKeyframe(f.Payload),
		Data:     f.Payload,
	}, true, nil
}

// EncodeAudio implements Encoder. Raw AAC frames get an ADTS header; a
// bitstream still wrapped in a transport stream is not carried.
func (e *Passthrough) EncodeAudio(ep *capture.Epoch, f *framebuf.Frame) (Packet, bool, error) {
	if ep == nil || len(f.Payload) == 0 {
		e.skipped.Add(1)
		return Packet{}, false, nil
	}
	af := ep.Audio()
	if af.Codec != media.CodecAAC {
		e.skipped.Add(1)
		return Packet{}, false, nil
	}
	if res := ep.Probe(); res != nil && res.Container == probe.ContainerMPEGTS {
		e.skipped.Add(1)
		return Packet{}, false, nil
	}

	data := f.Payload
	if frames, err := codec.ParseADTS(data); err != nil || len(frames) == 0 {
		e.scratch = codec.AppendADTSHeader(e.scratch[:0], af.SampleRate, af.Channels, len(data))
		e.scratch = append(e.scratch, data...)
		data = e.scratch
	}
	return Packet{
		Kind:     media.KindAudio,
		PTS:      f.Timestamp,
		DTS:      f.Timestamp,
		Keyframe: true,
		Data:     data,
	}, true, nil
}

func isKeyframe(au []byte) bool {
	for _, nal := range codec.SplitAnnexB(au) {
		if nal.Type == codec.NALIDR {
			return true
		}
	}
	return false
}
