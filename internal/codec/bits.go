package codec

import "errors"

var errShortBitstream = errors.New("codec: bitstream too short")

// bitReader reads MSB-first bit fields and Exp-Golomb codes. The first
// error sticks; later reads return zero so callers can check err once.
type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (r *bitReader) bit() uint {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data)*8 {
		r.err = errShortBitstream
		return 0
	}
	v := uint(r.data[r.pos>>3]>>(7-r.pos&7)) & 1
	r.pos++
	return v
}

func (r *bitReader) u(n int) uint {
	var v uint
	for range n {
		v = v<<1 | r.bit()
	}
	return v
}

func (r *bitReader) flag() bool { return r.bit() == 1 }

func (r *bitReader) ue() uint {
	zeros := 0
	for r.bit() == 0 {
		if r.err != nil {
			return 0
		}
		if zeros++; zeros > 31 {
			r.err = errShortBitstream
			return 0
		}
	}
	return (1<<zeros - 1) + r.u(zeros)
}

func (r *bitReader) se() int {
	v := r.ue()
	if v&1 == 0 {
		return -int(v >> 1)
	}
	return int(v+1) >> 1
}

// bitWriter is the inverse of bitReader.
type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) put(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit&7 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>i&1 == 1 {
			w.buf[len(w.buf)-1] |= 0x80 >> (w.nbit & 7)
		}
		w.nbit++
	}
}

func (w *bitWriter) flag(b bool) {
	if b {
		w.put(1, 1)
	} else {
		w.put(0, 1)
	}
}

func (w *bitWriter) ue(v uint) {
	x := v + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	w.put(0, n)
	w.put(x, n+1)
}

// trailing writes rbsp_trailing_bits: a stop bit then zero alignment.
func (w *bitWriter) trailing() []byte {
	w.put(1, 1)
	return w.buf
}

// unescapeRBSP strips emulation prevention bytes (00 00 03).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// escapeRBSP inserts emulation prevention bytes so that no start code can
// appear inside a NAL unit.
func escapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/64)
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
