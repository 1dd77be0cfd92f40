package mpegts

import (
	"errors"
	"fmt"
)

// PacketSize is the size of a transport packet without M2TS or FEC framing.
const PacketSize = 188

const (
	packetSize  = PacketSize
	payloadSize = packetSize - 4
	syncByte    = 0x47
	pidPAT      = 0x0000
	pidNull     = 0x1FFF
)

var errSync = errors.New("mpegts: lost sync")

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, want %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, errSync
	}

	p := &Packet{
		TEI:        buf[1]&0x80 != 0,
		PUSI:       buf[1]&0x40 != 0,
		PID:        uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		HasPayload: buf[3]&0x10 != 0,
		CC:         buf[3] & 0x0F,
		PCR:        NoPCR,
	}

	off := 4
	if buf[3]&0x20 != 0 {
		afLen := int(buf[4])
		af := buf[5:min(5+afLen, packetSize)]
		if len(af) > 0 {
			p.Discontinuity = af[0]&0x80 != 0
			p.RandomAccess = af[0]&0x40 != 0
			if af[0]&0x10 != 0 && len(af) >= 7 {
				p.PCR = decodePCR(af[1:7])
			}
		}
		off = 5 + afLen
	}

	if p.HasPayload && off < packetSize {
		p.Payload = append([]byte(nil), buf[off:]...)
	}
	return p, nil
}

// decodePCR returns base*300+extension, in 27 MHz units.
func decodePCR(b []byte) int64 {
	base := int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
	ext := int64(b[4]&0x01)<<8 | int64(b[5])
	return base*300 + ext
}

func encodePCR(dst []byte, pcr int64) {
	base, ext := pcr/300, pcr%300
	dst[0] = byte(base >> 25)
	dst[1] = byte(base >> 17)
	dst[2] = byte(base >> 9)
	dst[3] = byte(base >> 1)
	dst[4] = byte(base&0x01)<<7 | 0x7E | byte(ext>>8)
	dst[5] = byte(ext)
}
