package mpegts

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

var errShortSection = errors.New("mpegts: section too short")

// sections walks the PSI sections of a payload that starts with a pointer
// field. complete is false when the last section needs more bytes.
func sections(payload []byte) (secs [][]byte, complete bool) {
	if len(payload) == 0 {
		return nil, false
	}
	off := 1 + int(payload[0])
	for off < len(payload) {
		if payload[off] == 0xFF {
			return secs, true
		}
		if off+3 > len(payload) {
			return secs, false
		}
		// section_syntax_indicator is always set for PAT and PMT; a
		// clear bit means padding.
		if payload[off+1]&0x80 == 0 {
			return secs, true
		}
		end := off + 3 + int(binary.BigEndian.Uint16(payload[off+1:])&0x0FFF)
		if end > len(payload) {
			return secs, false
		}
		secs = append(secs, payload[off:end])
		off = end
	}
	return secs, off <= len(payload) && off > 1+int(payload[0])
}

func parsePAT(sec []byte) (*PAT, error) {
	if len(sec) < 12 {
		return nil, errShortSection
	}
	if err := verifyCRC(sec); err != nil {
		return nil, fmt.Errorf("PAT: %w", err)
	}
	pat := &PAT{TransportStreamID: binary.BigEndian.Uint16(sec[3:])}
	for e := sec[8 : len(sec)-4]; len(e) >= 4; e = e[4:] {
		num := binary.BigEndian.Uint16(e)
		if num == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, Program{
			Number: num,
			PMTPID: binary.BigEndian.Uint16(e[2:]) & 0x1FFF,
		})
	}
	return pat, nil
}

func parsePMT(sec []byte) (*PMT, error) {
	if len(sec) < 16 {
		return nil, errShortSection
	}
	if err := verifyCRC(sec); err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}
	pmt := &PMT{
		ProgramNumber: binary.BigEndian.Uint16(sec[3:]),
		PCRPID:        binary.BigEndian.Uint16(sec[8:]) & 0x1FFF,
	}
	infoLen := int(binary.BigEndian.Uint16(sec[10:]) & 0x0FFF)
	body := sec[:len(sec)-4]
	for off := 12 + infoLen; off+5 <= len(body); {
		pmt.Streams = append(pmt.Streams, ElementaryStream{
			Type: body[off],
			PID:  binary.BigEndian.Uint16(body[off+1:]) & 0x1FFF,
		})
		off += 5 + int(binary.BigEndian.Uint16(body[off+3:])&0x0FFF)
	}
	return pmt, nil
}

// psiHeader appends the common long-form section header. length counts
// the bytes after the length field, CRC included.
func psiHeader(dst []byte, tableID byte, id uint16, length int) []byte {
	dst = append(dst, tableID, 0xB0|byte(length>>8)&0x0F, byte(length))
	dst = binary.BigEndian.AppendUint16(dst, id)
	return append(dst, 0xC1, 0x00, 0x00) // version 0, current, section 0 of 0
}

func buildPAT(tsID uint16, programs []Program) []byte {
	sec := psiHeader(nil, tableIDPAT, tsID, 5+4*len(programs)+4)
	for _, p := range programs {
		sec = binary.BigEndian.AppendUint16(sec, p.Number)
		sec = binary.BigEndian.AppendUint16(sec, 0xE000|p.PMTPID)
	}
	return appendCRC(sec)
}

func buildPMT(pmt *PMT) []byte {
	sec := psiHeader(nil, tableIDPMT, pmt.ProgramNumber, 9+5*len(pmt.Streams)+4)
	sec = binary.BigEndian.AppendUint16(sec, 0xE000|pmt.PCRPID)
	sec = append(sec, 0xF0, 0x00) // no program descriptors
	for _, es := range pmt.Streams {
		sec = append(sec, es.Type)
		sec = binary.BigEndian.AppendUint16(sec, 0xE000|es.PID)
		sec = append(sec, 0xF0, 0x00)
	}
	return appendCRC(sec)
}
