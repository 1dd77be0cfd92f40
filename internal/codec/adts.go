package codec

import "errors"

// ErrInvalidADTS is returned for an ADTS header with a reserved field value.
var ErrInvalidADTS = errors.New("codec: invalid ADTS header")

// ADTSHeaderSize is the size of an ADTS header without CRC.
const ADTSHeaderSize = 7

// SamplesPerAACFrame is the number of PCM samples an AAC-LC frame decodes to.
const SamplesPerAACFrame = 1024

var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame is one AAC frame, header included.
type ADTSFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// ADTSHeader describes the fixed part of an ADTS header.
type ADTSHeader struct {
	SampleRate int
	Channels   int
	FrameLen   int
	HasCRC     bool
}

// ParseADTSHeader decodes the header at the start of b.
func ParseADTSHeader(b []byte) (ADTSHeader, error) {
	if len(b) < ADTSHeaderSize {
		return ADTSHeader{}, errShortBitstream
	}
	if b[0] != 0xFF || b[1]&0xF6 != 0xF0 {
		return ADTSHeader{}, ErrInvalidADTS
	}
	idx := int(b[2]>>2) & 0x0F
	if idx >= len(aacSampleRates) {
		return ADTSHeader{}, ErrInvalidADTS
	}
	h := ADTSHeader{
		SampleRate: aacSampleRates[idx],
		Channels:   int(b[2]&0x01)<<2 | int(b[3]>>6),
		FrameLen:   int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5),
		HasCRC:     b[1]&0x01 == 0,
	}
	hdr := ADTSHeaderSize
	if h.HasCRC {
		hdr += 2
	}
	if h.FrameLen < hdr {
		return ADTSHeader{}, ErrInvalidADTS
	}
	return h, nil
}

// ParseADTS splits an ADTS stream into frames, skipping bytes until a
// sync word. A truncated trailing frame is left unparsed.
func ParseADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	for off := 0; len(data)-off >= ADTSHeaderSize; {
		if data[off] != 0xFF || data[off+1]&0xF0 != 0xF0 {
			off++
			continue
		}
		h, err := ParseADTSHeader(data[off:])
		if err != nil {
			return frames, err
		}
		if off+h.FrameLen > len(data) {
			break
		}
		frames = append(frames, ADTSFrame{
			Data:       data[off : off+h.FrameLen],
			SampleRate: h.SampleRate,
			Channels:   h.Channels,
		})
		off += h.FrameLen
	}
	return frames, nil
}

// AppendADTSHeader appends a CRC-less AAC-LC header for a frame carrying
// payloadLen bytes of raw AAC.
func AppendADTSHeader(dst []byte, sampleRate, channels, payloadLen int) []byte {
	idx := 4 // 44.1 kHz
	for i, r := range aacSampleRates {
		if r == sampleRate {
			idx = i
			break
		}
	}
	n := payloadLen + ADTSHeaderSize
	const profileLC = 1 // audio object type 2, minus one
	return append(dst,
		0xFF,
		0xF1, // MPEG-4, layer 0, no CRC
		byte(profileLC<<6|idx<<2|(channels>>2)&0x01),
		byte((channels&0x03)<<6|(n>>11)&0x03),
		byte(n>>3),
		byte((n&0x07)<<5|0x1F),
		0xFC,
	)
}
