// Package mpegts reads and writes MPEG-2 transport streams: PAT/PMT
// discovery, PES reassembly with PTS/DTS, and a single-program muxer with
// PCR insertion.
package mpegts

// Elementary stream types carried in the PMT (ISO 13818-1 Table 2-34).
const (
	StreamTypeMPEG1Audio uint8 = 0x03
	StreamTypeMPEG2Audio uint8 = 0x04
	StreamTypePrivate    uint8 = 0x06
	StreamTypeAAC        uint8 = 0x0F
	StreamTypeH264       uint8 = 0x1B
	StreamTypeH265       uint8 = 0x24
)

// PES stream ids used by the muxer.
const (
	StreamIDVideo   byte = 0xE0
	StreamIDAudio   byte = 0xC0
	StreamIDPrivate byte = 0xBD
)

// NoPCR marks a packet without a program clock reference.
const NoPCR int64 = -1

// Packet is one parsed 188-byte transport packet.
type Packet struct {
	PID           uint16
	CC            uint8
	PUSI          bool
	TEI           bool
	Discontinuity bool
	RandomAccess  bool
	HasPayload    bool
	// PCR is in 27 MHz units, or NoPCR.
	PCR     int64
	Payload []byte
}

// Data is one logical unit produced by the Demuxer. Exactly one of PAT,
// PMT or PES is set.
type Data struct {
	PID uint16
	PAT *PAT
	PMT *PMT
	PES *PES
}

// PAT is a Program Association Table.
type PAT struct {
	TransportStreamID uint16
	Programs          []Program
}

// Program maps a program number to the PID of its PMT.
type Program struct {
	Number uint16
	PMTPID uint16
}

// PMT is a Program Map Table.
type PMT struct {
	ProgramNumber uint16
	PCRPID        uint16
	Streams       []ElementaryStream
}

// ElementaryStream is one entry of a PMT.
type ElementaryStream struct {
	Type uint8
	PID  uint16
}

// PES is a reassembled packetized elementary stream packet. PTS and DTS
// are 33-bit 90 kHz values, valid only when the matching flag is set.
type PES struct {
	StreamID byte
	PTS      int64
	DTS      int64
	HasPTS   bool
	HasDTS   bool
	Data     []byte
}

// DecodeTS returns the decode timestamp, falling back to the PTS.
func (p *PES) DecodeTS() int64 {
	if p.HasDTS {
		return p.DTS
	}
	return p.PTS
}
