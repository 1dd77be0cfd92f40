package mpegts

import (
	"bytes"
	"errors"
)

var (
	errPESStartCode = errors.New("mpegts: missing PES start code")
	errShortPES     = errors.New("mpegts: PES packet too short")
)

var pesStartCode = []byte{0x00, 0x00, 0x01}

// pesLength returns the total byte length of a PES packet declared by its
// header, or 0 when the length is unbounded.
func pesLength(b []byte) int {
	if len(b) < 6 {
		return 0
	}
	if n := int(b[4])<<8 | int(b[5]); n > 0 {
		return 6 + n
	}
	return 0
}

// hasOptionalHeader reports whether a stream id carries the PES optional
// header (ISO 13818-1 2.4.3.7).
func hasOptionalHeader(id byte) bool {
	switch id {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(b []byte) (*PES, error) {
	if len(b) < 6 {
		return nil, errShortPES
	}
	if !bytes.HasPrefix(b, pesStartCode) {
		return nil, errPESStartCode
	}
	if n := pesLength(b); n > 0 && n < len(b) {
		b = b[:n]
	}

	pes := &PES{StreamID: b[3]}
	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = b[6:]
		return pes, nil
	}
	if len(b) < 9 {
		return nil, errShortPES
	}

	flags := b[7] >> 6
	start := min(9+int(b[8]), len(b))
	ts := b[9:start]
	if flags&0x02 != 0 && len(ts) >= 5 {
		pes.PTS, pes.HasPTS = decodeTimestamp(ts), true
		if flags&0x01 != 0 && len(ts) >= 10 {
			pes.DTS, pes.HasDTS = decodeTimestamp(ts[5:]), true
		}
	}
	pes.Data = b[start:]
	return pes, nil
}

func decodeTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}

func appendTimestamp(dst []byte, prefix byte, ts int64) []byte {
	ts &= 1<<33 - 1
	return append(dst,
		prefix<<4|byte(ts>>29)&0x0E|1,
		byte(ts>>22),
		byte(ts>>14)&0xFE|1,
		byte(ts>>7),
		byte(ts<<1)|1,
	)
}

// appendPESHeader writes a PES header for payloadLen bytes. A DTS equal to
// the PTS is omitted. Lengths that do not fit 16 bits are written as 0,
// which is legal for video.
func appendPESHeader(dst []byte, streamID byte, pts, dts int64, payloadLen int) []byte {
	withDTS := dts != pts
	hdrLen := 5
	flags := byte(0x80)
	if withDTS {
		hdrLen, flags = 10, 0xC0
	}
	n := 3 + hdrLen + payloadLen
	if n > 0xFFFF {
		n = 0
	}
	dst = append(dst, 0x00, 0x00, 0x01, streamID, byte(n>>8), byte(n), 0x80, flags, byte(hdrLen))
	if withDTS {
		dst = appendTimestamp(dst, 0x3, pts)
		return appendTimestamp(dst, 0x1, dts)
	}
	return appendTimestamp(dst, 0x2, pts)
}
