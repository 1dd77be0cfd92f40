package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
)

// Demuxer reads transport packets from a reader and produces parsed PAT,
// PMT and PES units. Corrupt packets and sections are skipped; sync is
// recovered by scanning for the next sync byte.
type Demuxer struct {
	ctx     context.Context
	r       io.Reader
	pktSize int
	buf     []byte

	pmtPIDs map[uint16]bool
	asm     map[uint16]*assembler
	pending []*Data
	eof     bool

	packets int64
	resyncs int64
}

// NewDemuxer creates a Demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{
		ctx:     ctx,
		r:       r,
		pktSize: packetSize,
		pmtPIDs: make(map[uint16]bool),
		asm:     make(map[uint16]*assembler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.buf = make([]byte, d.pktSize)
	return d
}

// DemuxerOptPacketSize sets the on-wire packet size: 188, 192 (M2TS with a
// 4-byte timecode prefix) or 204 (trailing Reed-Solomon parity).
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		if size == 188 || size == 192 || size == 204 {
			d.pktSize = size
		}
	}
}

// NextData returns the next parsed unit, or io.EOF once the reader is
// exhausted and every pending unit has been returned.
func (d *Demuxer) NextData() (*Data, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending[0] = nil
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		pkt, err := d.readPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.flushAll()
				continue
			}
			return nil, err
		}
		if pkt.PID == pidNull {
			continue
		}
		a := d.asm[pkt.PID]
		if a == nil {
			a = &assembler{lastCC: -1}
			d.asm[pkt.PID] = a
		}
		a.add(pkt, d.isPSI(pkt.PID), func(payload []byte) {
			d.emit(pkt.PID, payload)
		})
	}
}

// Packets returns the number of transport packets read.
func (d *Demuxer) Packets() int64 { return d.packets }

// Resyncs returns how many times sync was lost and recovered.
func (d *Demuxer) Resyncs() int64 { return d.resyncs }

func (d *Demuxer) readPacket() (*Packet, error) {
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}
	off := d.syncOffset()
	for d.buf[off] != syncByte {
		// Slide to the next candidate sync byte and refill.
		i := bytes.IndexByte(d.buf[off+1:], syncByte)
		d.resyncs++
		if i < 0 {
			if _, err := io.ReadFull(d.r, d.buf); err != nil {
				return nil, err
			}
			continue
		}
		shift := i + 1
		n := copy(d.buf, d.buf[shift:])
		if _, err := io.ReadFull(d.r, d.buf[n:]); err != nil {
			return nil, err
		}
	}
	d.packets++
	return parsePacket(d.buf[off : off+packetSize])
}

// syncOffset is where the 188-byte packet starts within the on-wire one.
func (d *Demuxer) syncOffset() int {
	if d.pktSize == 192 {
		return 4
	}
	return 0
}

func (d *Demuxer) isPSI(pid uint16) bool {
	return pid == pidPAT || d.pmtPIDs[pid]
}

func (d *Demuxer) emit(pid uint16, payload []byte) {
	if d.isPSI(pid) {
		secs, _ := sections(payload)
		for _, sec := range secs {
			switch sec[0] {
			case tableIDPAT:
				pat, err := parsePAT(sec)
				if err != nil {
					continue
				}
				for _, p := range pat.Programs {
					d.pmtPIDs[p.PMTPID] = true
				}
				d.pending = append(d.pending, &Data{PID: pid, PAT: pat})
			case tableIDPMT:
				pmt, err := parsePMT(sec)
				if err != nil {
					continue
				}
				d.pending = append(d.pending, &Data{PID: pid, PMT: pmt})
			}
		}
		return
	}
	if !bytes.HasPrefix(payload, pesStartCode) {
		return
	}
	pes, err := parsePES(payload)
	if err != nil {
		return
	}
	d.pending = append(d.pending, &Data{PID: pid, PES: pes})
}

// flushAll emits every partially assembled unit, PAT first so that PMT
// PIDs are known when their sections are parsed.
func (d *Demuxer) flushAll() {
	pids := make([]uint16, 0, len(d.asm))
	for pid := range d.asm {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	for _, pid := range pids {
		if payload := d.asm[pid].flush(); payload != nil {
			d.emit(pid, payload)
		}
	}
}

// assembler collects the payloads of one PID into whole units.
type assembler struct {
	buf     []byte
	started bool
	lastCC  int8
}

func (a *assembler) add(p *Packet, psi bool, emit func([]byte)) {
	if p.TEI {
		a.reset()
		return
	}
	if !p.HasPayload {
		return
	}
	if a.lastCC >= 0 && !p.Discontinuity {
		switch cc := int8(p.CC); cc {
		case a.lastCC:
			return // duplicate
		case (a.lastCC + 1) & 0x0F:
		default:
			a.reset()
		}
	}
	a.lastCC = int8(p.CC)

	if p.PUSI {
		if payload := a.flush(); payload != nil {
			emit(payload)
		}
		a.started = true
	}
	if !a.started {
		return
	}
	a.buf = append(a.buf, p.Payload...)

	if psi {
		if _, complete := sections(a.buf); complete {
			emit(a.flush())
		}
	} else if n := pesLength(a.buf); n > 0 && len(a.buf) >= n {
		emit(a.flush())
	}
}

func (a *assembler) flush() []byte {
	if !a.started || len(a.buf) == 0 {
		a.started = false
		return nil
	}
	out := a.buf
	a.buf = nil
	a.started = false
	return out
}

func (a *assembler) reset() {
	a.buf = nil
	a.started = false
}
