package mpegts

import (
	"errors"
	"fmt"
	"io"
)

// Default PIDs of the single program written by Muxer.
const (
	DefaultPMTPID   uint16 = 0x1000
	DefaultVideoPID uint16 = 0x0100
	DefaultAudioPID uint16 = 0x0101
)

// psiEvery bounds the number of packets between PAT/PMT repetitions.
const psiEvery = 4000

var errUnknownPID = errors.New("mpegts: PID not in program")

// MuxStream declares one elementary stream of the muxed program.
type MuxStream struct {
	PID      uint16
	Type     uint8
	StreamID byte
}

// Muxer writes a single-program transport stream. It is not safe for
// concurrent use.
type Muxer struct {
	w      io.Writer
	pmt    *PMT
	pmtPID uint16
	ids    map[uint16]byte
	cc     map[uint16]uint8

	sinceTables int
	pkt         [packetSize]byte
	scratch     []byte
	written     int64
}

// NewMuxer returns a Muxer for the given streams. The first stream
// carries the PCR.
func NewMuxer(w io.Writer, streams ...MuxStream) *Muxer {
	m := &Muxer{
		w:           w,
		pmtPID:      DefaultPMTPID,
		pmt:         &PMT{ProgramNumber: 1},
		ids:         make(map[uint16]byte),
		cc:          make(map[uint16]uint8),
		sinceTables: psiEvery,
	}
	for i, s := range streams {
		if i == 0 {
			m.pmt.PCRPID = s.PID
		}
		m.pmt.Streams = append(m.pmt.Streams, ElementaryStream{Type: s.Type, PID: s.PID})
		m.ids[s.PID] = s.StreamID
	}
	return m
}

// BytesWritten returns the number of bytes written so far.
func (m *Muxer) BytesWritten() int64 { return m.written }

// WritePES packetizes one access unit. pts and dts are 90 kHz ticks.
// Tables are repeated ahead of every random access point and at least
// every psiEvery packets.
func (m *Muxer) WritePES(pid uint16, pts, dts int64, randomAccess bool, data []byte) error {
	id, ok := m.ids[pid]
	if !ok {
		return fmt.Errorf("%w: 0x%04X", errUnknownPID, pid)
	}
	if randomAccess || m.sinceTables >= psiEvery {
		if err := m.WriteTables(); err != nil {
			return err
		}
	}

	m.scratch = appendPESHeader(m.scratch[:0], id, pts, dts, len(data))
	m.scratch = append(m.scratch, data...)

	pcr := NoPCR
	if pid == m.pmt.PCRPID {
		pcr = dts * 300
	}
	rest := m.scratch
	first := true
	for len(rest) > 0 || first {
		n, err := m.writePacket(pid, first, pcr, first && randomAccess, rest)
		if err != nil {
			return err
		}
		rest = rest[n:]
		first, pcr = false, NoPCR
	}
	return nil
}

// WriteTables writes the PAT and PMT.
func (m *Muxer) WriteTables() error {
	pat := buildPAT(1, []Program{{Number: m.pmt.ProgramNumber, PMTPID: m.pmtPID}})
	if err := m.writeSection(pidPAT, pat); err != nil {
		return err
	}
	if err := m.writeSection(m.pmtPID, buildPMT(m.pmt)); err != nil {
		return err
	}
	m.sinceTables = 0
	return nil
}

func (m *Muxer) writeSection(pid uint16, sec []byte) error {
	payload := append([]byte{0x00}, sec...) // pointer field
	for first := true; len(payload) > 0; first = false {
		n := min(len(payload), payloadSize)
		chunk := make([]byte, payloadSize)
		copy(chunk, payload[:n])
		for i := n; i < payloadSize; i++ {
			chunk[i] = 0xFF
		}
		if _, err := m.writePacket(pid, first, NoPCR, false, chunk); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// writePacket writes one packet carrying as much of payload as fits and
// returns the number of payload bytes consumed. Short payloads are padded
// with adaptation field stuffing.
func (m *Muxer) writePacket(pid uint16, pusi bool, pcr int64, rai bool, payload []byte) (int, error) {
	p := m.pkt[:]
	p[0] = syncByte
	p[1] = byte(pid>>8) & 0x1F
	if pusi {
		p[1] |= 0x40
	}
	p[2] = byte(pid)
	cc := m.cc[pid]
	m.cc[pid] = (cc + 1) & 0x0F

	var af [8]byte
	afBody := af[:0]
	if pcr != NoPCR || rai {
		flags := byte(0)
		if rai {
			flags |= 0x40
		}
		afBody = append(afBody, flags)
		if pcr != NoPCR {
			afBody[0] |= 0x10
			afBody = afBody[:7]
			encodePCR(afBody[1:], pcr)
		}
	}

	space := payloadSize
	if len(afBody) > 0 {
		space -= 1 + len(afBody)
	}
	n := min(len(payload), space)
	stuffing := space - n

	off := 4
	if len(afBody) > 0 || stuffing > 0 {
		p[3] = 0x30 | cc
		afLen := len(afBody) + stuffing
		if len(afBody) == 0 && stuffing > 0 {
			// The length byte itself absorbs one byte of stuffing.
			afLen = stuffing - 1
		}
		p[4] = byte(afLen)
		off = 5
		if afLen > 0 {
			if len(afBody) == 0 {
				p[off] = 0x00
				off++
				afLen--
			} else {
				off += copy(p[off:], afBody)
				afLen -= len(afBody)
			}
			for range afLen {
				p[off] = 0xFF
				off++
			}
		}
	} else {
		p[3] = 0x10 | cc
	}
	copy(p[off:], payload[:n])

	if _, err := m.w.Write(p); err != nil {
		return 0, fmt.Errorf("mpegts: write: %w", err)
	}
	m.written += packetSize
	m.sinceTables++
	return n, nil
}
