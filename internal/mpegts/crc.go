package mpegts

import (
	"encoding/binary"
	"errors"
)

var errCRC = errors.New("mpegts: section CRC32 mismatch")

// crcTable is the MPEG-2 CRC32 (polynomial 0x04C11DB7, no reflection).
var crcTable = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// A section with its trailing CRC appended checksums to zero.
func verifyCRC(section []byte) error {
	if len(section) < 4 || crc32MPEG(section) != 0 {
		return errCRC
	}
	return nil
}

func appendCRC(section []byte) []byte {
	return binary.BigEndian.AppendUint32(section, crc32MPEG(section))
}
