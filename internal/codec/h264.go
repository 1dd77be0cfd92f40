// Package codec parses and builds the few H.264 and AAC bitstream
// structures the capture path needs: Annex B NAL framing, sequence
// parameter sets, and ADTS headers.
package codec

import (
	"errors"
	"fmt"
	"math"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALSlice  = 1
	NALIDR    = 5
	NALSEI    = 6
	NALSPS    = 7
	NALPPS    = 8
	NALAUD    = 9
	NALFiller = 12
)

// ErrNotSPS is returned by ParseSPS for a NAL unit of another type.
var ErrNotSPS = errors.New("codec: not an SPS NAL unit")

// NALUnit is one NAL unit without its start code.
type NALUnit struct {
	Type byte
	Data []byte
}

// SplitAnnexB returns the NAL units of an Annex B byte stream. Both 3- and
// 4-byte start codes are recognised. The units alias data.
func SplitAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			i++
			continue
		}
		if start >= 0 {
			units = appendNAL(units, trimZeros(data[start:i]))
		}
		i += 3
		start = i
	}
	if start >= 0 && start < len(data) {
		units = appendNAL(units, data[start:])
	}
	return units
}

// trimZeros drops the leading zero of a 4-byte start code (and any
// trailing_zero_8bits) from the end of a NAL unit.
func trimZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

func appendNAL(units []NALUnit, b []byte) []NALUnit {
	if len(b) == 0 {
		return units
	}
	return append(units, NALUnit{Type: b[0] & 0x1F, Data: b})
}

// AppendAnnexB appends nal to dst behind a 4-byte start code.
func AppendAnnexB(dst, nal []byte) []byte {
	dst = append(dst, 0, 0, 0, 1)
	return append(dst, nal...)
}

// SPS holds the sequence parameters that define a video format.
type SPS struct {
	ProfileIDC byte
	LevelIDC   byte
	Width      int
	Height     int
	Interlaced bool
	// FrameRate is zero when the VUI carries no timing information.
	FrameRate float64
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.64001F".
func (s SPS) CodecString() string {
	return fmt.Sprintf("avc1.%02X00%02X", s.ProfileIDC, s.LevelIDC)
}

func highProfile(p uint) bool {
	switch p {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS decodes an SPS NAL unit, header byte included.
func ParseSPS(nal []byte) (SPS, error) {
	if len(nal) < 4 {
		return SPS{}, errShortBitstream
	}
	if nal[0]&0x1F != NALSPS {
		return SPS{}, ErrNotSPS
	}
	r := &bitReader{data: unescapeRBSP(nal[1:])}

	var s SPS
	profile := r.u(8)
	s.ProfileIDC = byte(profile)
	r.u(8) // constraint flags
	s.LevelIDC = byte(r.u(8))
	r.ue() // seq_parameter_set_id

	chroma := uint(1)
	if highProfile(profile) {
		chroma = r.ue()
		if chroma == 3 && r.flag() {
			chroma = 0 // separate colour planes
		}
		r.ue() // bit_depth_luma_minus8
		r.ue() // bit_depth_chroma_minus8
		r.u(1) // qpprime_y_zero_transform_bypass_flag
		if r.flag() {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := range lists {
				if r.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					skipScalingList(r, size)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue()
	case 1:
		r.u(1)
		r.se()
		r.se()
		for n := r.ue(); n > 0 && r.err == nil; n-- {
			r.se()
		}
	}
	r.ue() // max_num_ref_frames
	r.u(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := r.ue() + 1
	heightMapUnits := r.ue() + 1
	frameMbsOnly := r.u(1)
	if frameMbsOnly == 0 {
		r.u(1) // mb_adaptive_frame_field_flag
	}
	r.u(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if r.flag() {
		cropL, cropR, cropT, cropB = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return SPS{}, fmt.Errorf("codec: parse SPS: %w", r.err)
	}

	subW, subH := uint(2), uint(2)
	switch chroma {
	case 0, 3:
		subW, subH = 1, 1
	case 2:
		subH = 1
	}
	cropX := subW
	cropY := subH * (2 - frameMbsOnly)

	s.Interlaced = frameMbsOnly == 0
	s.Width = int(widthMbs*16 - cropX*(cropL+cropR))
	s.Height = int(heightMapUnits*16*(2-frameMbsOnly) - cropY*(cropT+cropB))

	if r.flag() {
		s.FrameRate = parseVUITiming(r)
	}
	return s, nil
}

func skipScalingList(r *bitReader, size int) {
	last, next := 8, 8
	for range size {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
		if r.err != nil {
			return
		}
	}
}

// parseVUITiming reads VUI fields up to timing_info and returns the frame
// rate, or zero.
func parseVUITiming(r *bitReader) float64 {
	if r.flag() { // aspect_ratio_info_present_flag
		if r.u(8) == 255 {
			r.u(32)
		}
	}
	if r.flag() { // overscan_info_present_flag
		r.u(1)
	}
	if r.flag() { // video_signal_type_present_flag
		r.u(4)
		if r.flag() {
			r.u(24)
		}
	}
	if r.flag() { // chroma_loc_info_present_flag
		r.ue()
		r.ue()
	}
	if !r.flag() {
		return 0
	}
	tick := r.u(32)
	scale := r.u(32)
	if r.err != nil || tick == 0 {
		return 0
	}
	return math.Round(float64(scale)/float64(2*tick)*1000) / 1000
}

// BuildSPS encodes a Baseline-profile SPS for the given picture size. The
// result round-trips through ParseSPS; slice data is not implied.
func BuildSPS(width, height int, interlaced bool, frameRate float64) []byte {
	w := &bitWriter{}
	w.put(66, 8) // profile_idc: Baseline
	w.put(0xC0, 8)
	w.put(40, 8) // level_idc 4.0
	w.ue(0)      // seq_parameter_set_id
	w.ue(0)      // log2_max_frame_num_minus4
	w.ue(2)      // pic_order_cnt_type
	w.ue(1)      // max_num_ref_frames
	w.put(0, 1)

	mapUnit := 16
	if interlaced {
		mapUnit = 32
	}
	widthMbs := (width + 15) / 16
	heightUnits := (height + mapUnit - 1) / mapUnit
	w.ue(uint(widthMbs - 1))
	w.ue(uint(heightUnits - 1))
	w.flag(!interlaced)
	if interlaced {
		w.put(0, 1)
	}
	w.put(1, 1) // direct_8x8_inference_flag

	cropR := (widthMbs*16 - width) / 2
	cropB := (heightUnits*mapUnit - height) / (mapUnit / 8)
	if cropR > 0 || cropB > 0 {
		w.put(1, 1)
		w.ue(0)
		w.ue(uint(cropR))
		w.ue(0)
		w.ue(uint(cropB))
	} else {
		w.put(0, 1)
	}

	w.flag(frameRate > 0)
	if frameRate > 0 {
		w.put(0, 4) // aspect ratio, overscan, video signal, chroma loc
		w.put(1, 1)
		w.put(1000, 32)
		w.put(uint(math.Round(frameRate*2000)), 32)
		w.put(1, 1) // fixed_frame_rate_flag
		w.put(0, 4) // nal hrd, vcl hrd, pic_struct, bitstream restriction
	}

	rbsp := w.trailing()
	return append([]byte{0x67}, escapeRBSP(rbsp)...)
}
