package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func demuxAll(t *testing.T, r io.Reader, opts ...func(*Demuxer)) []*Data {
	t.Helper()
	d := NewDemuxer(context.Background(), r, opts...)
	var out []*Data
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, data)
	}
}

func pesOf(data []*Data, pid uint16) []*PES {
	var out []*PES
	for _, d := range data {
		if d.PES != nil && d.PID == pid {
			out = append(out, d.PES)
		}
	}
	return out
}

func TestMuxDemuxRoundTrip(t *testing.T) {
	t.Parallel()
	var ts bytes.Buffer
	m := NewMuxer(&ts,
		MuxStream{PID: DefaultVideoPID, Type: StreamTypeH264, StreamID: StreamIDVideo},
		MuxStream{PID: DefaultAudioPID, Type: StreamTypeAAC, StreamID: StreamIDAudio},
	)

	video := [][]byte{
		bytes.Repeat([]byte{0xAA}, 1000),
		bytes.Repeat([]byte{0xBB}, 5),
		bytes.Repeat([]byte{0xCC}, 184*3),
	}
	audio := bytes.Repeat([]byte{0x11}, 300)

	for i, v := range video {
		pts := int64(9000 + 3600*i)
		if err := m.WritePES(DefaultVideoPID, pts+3600, pts, i == 0, v); err != nil {
			t.Fatal(err)
		}
		if err := m.WritePES(DefaultAudioPID, pts, pts, false, audio); err != nil {
			t.Fatal(err)
		}
	}
	if ts.Len()%packetSize != 0 {
		t.Fatalf("output length %d is not a whole number of packets", ts.Len())
	}
	if m.BytesWritten() != int64(ts.Len()) {
		t.Errorf("BytesWritten: got %d, want %d", m.BytesWritten(), ts.Len())
	}

	data := demuxAll(t, &ts)

	var pmt *PMT
	for _, d := range data {
		if d.PMT != nil {
			pmt = d.PMT
			break
		}
	}
	if pmt == nil {
		t.Fatal("no PMT demuxed")
	}
	if pmt.PCRPID != DefaultVideoPID || len(pmt.Streams) != 2 {
		t.Fatalf("PMT: got %+v", pmt)
	}
	if pmt.Streams[1].Type != StreamTypeAAC || pmt.Streams[1].PID != DefaultAudioPID {
		t.Errorf("audio stream: got %+v", pmt.Streams[1])
	}

	vp := pesOf(data, DefaultVideoPID)
	if len(vp) != len(video) {
		t.Fatalf("video PES: got %d, want %d", len(vp), len(video))
	}
	for i, p := range vp {
		if !bytes.Equal(p.Data, video[i]) {
			t.Errorf("video %d: payload mismatch (%d bytes)", i, len(p.Data))
		}
		wantDTS := int64(9000 + 3600*i)
		if !p.HasPTS || !p.HasDTS || p.PTS != wantDTS+3600 || p.DTS != wantDTS {
			t.Errorf("video %d: got pts=%d dts=%d", i, p.PTS, p.DTS)
		}
		if p.StreamID != StreamIDVideo {
			t.Errorf("video %d: stream id 0x%02X", i, p.StreamID)
		}
	}

	ap := pesOf(data, DefaultAudioPID)
	if len(ap) != len(video) {
		t.Fatalf("audio PES: got %d, want %d", len(ap), len(video))
	}
	for i, p := range ap {
		if !bytes.Equal(p.Data, audio) {
			t.Errorf("audio %d: payload mismatch", i)
		}
		if p.HasDTS {
			t.Errorf("audio %d: DTS equal to PTS should be omitted", i)
		}
		if p.DecodeTS() != p.PTS {
			t.Errorf("audio %d: DecodeTS %d != PTS %d", i, p.DecodeTS(), p.PTS)
		}
	}
}

func TestMuxerPCRAndRandomAccess(t *testing.T) {
	t.Parallel()
	var ts bytes.Buffer
	m := NewMuxer(&ts, MuxStream{PID: DefaultVideoPID, Type: StreamTypeH264, StreamID: StreamIDVideo})
	if err := m.WritePES(DefaultVideoPID, 1800, 900, true, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	var found bool
	raw := ts.Bytes()
	for off := 0; off < len(raw); off += packetSize {
		p, err := parsePacket(raw[off : off+packetSize])
		if err != nil {
			t.Fatal(err)
		}
		if p.PID != DefaultVideoPID || !p.PUSI {
			continue
		}
		found = true
		if p.PCR != 900*300 {
			t.Errorf("PCR: got %d, want %d", p.PCR, 900*300)
		}
		if !p.RandomAccess {
			t.Error("random access indicator not set")
		}
	}
	if !found {
		t.Fatal("no video packet written")
	}
}

func TestMuxerStuffing(t *testing.T) {
	t.Parallel()
	// Every payload size around the packet boundary must round-trip.
	for size := 160; size <= 400; size++ {
		var ts bytes.Buffer
		m := NewMuxer(&ts, MuxStream{PID: DefaultAudioPID, Type: StreamTypeAAC, StreamID: StreamIDAudio})
		payload := bytes.Repeat([]byte{0x5A}, size)
		if err := m.WritePES(DefaultAudioPID, 0, 0, false, payload); err != nil {
			t.Fatal(err)
		}
		got := pesOf(demuxAll(t, &ts), DefaultAudioPID)
		if len(got) != 1 || !bytes.Equal(got[0].Data, payload) {
			t.Fatalf("size %d: round trip failed", size)
		}
	}
}

func TestMuxerUnknownPID(t *testing.T) {
	t.Parallel()
	m := NewMuxer(io.Discard, MuxStream{PID: DefaultVideoPID, Type: StreamTypeH264, StreamID: StreamIDVideo})
	if err := m.WritePES(0x0200, 0, 0, false, []byte{1}); !errors.Is(err, errUnknownPID) {
		t.Fatalf("got %v, want errUnknownPID", err)
	}
}

func TestDemuxerResync(t *testing.T) {
	t.Parallel()
	var ts bytes.Buffer
	m := NewMuxer(&ts, MuxStream{PID: DefaultAudioPID, Type: StreamTypeAAC, StreamID: StreamIDAudio})
	m.WritePES(DefaultAudioPID, 0, 0, true, []byte("hello"))

	// Garbage ahead of the first packet, as when probing starts mid-stream.
	stream := append([]byte{0x00, 0x47, 0x13, 0x99, 0x01}, ts.Bytes()...)
	d := NewDemuxer(context.Background(), bytes.NewReader(stream))
	var got []*Data
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, data)
	}
	if d.Resyncs() == 0 {
		t.Error("expected at least one resync")
	}
	ap := pesOf(got, DefaultAudioPID)
	if len(ap) != 1 || string(ap[0].Data) != "hello" {
		t.Fatalf("after resync: got %v", ap)
	}
}

func TestDemuxerM2TS(t *testing.T) {
	t.Parallel()
	var ts bytes.Buffer
	m := NewMuxer(&ts, MuxStream{PID: DefaultAudioPID, Type: StreamTypeAAC, StreamID: StreamIDAudio})
	m.WritePES(DefaultAudioPID, 0, 0, true, []byte("m2ts"))

	var m2ts bytes.Buffer
	raw := ts.Bytes()
	for off := 0; off < len(raw); off += packetSize {
		m2ts.Write([]byte{0, 0, 0, 0})
		m2ts.Write(raw[off : off+packetSize])
	}
	ap := pesOf(demuxAll(t, &m2ts, DemuxerOptPacketSize(192)), DefaultAudioPID)
	if len(ap) != 1 || string(ap[0].Data) != "m2ts" {
		t.Fatalf("got %v", ap)
	}
}

func TestDemuxerContinuity(t *testing.T) {
	t.Parallel()
	var ts bytes.Buffer
	m := NewMuxer(&ts, MuxStream{PID: DefaultVideoPID, Type: StreamTypeH264, StreamID: StreamIDVideo})
	m.WritePES(DefaultVideoPID, 0, 0, true, bytes.Repeat([]byte{1}, 500))
	m.WritePES(DefaultVideoPID, 3600, 3600, false, bytes.Repeat([]byte{2}, 50))

	raw := append([]byte(nil), ts.Bytes()...)
	var out bytes.Buffer
	videoPkts := 0
	for off := 0; off < len(raw); off += packetSize {
		pkt := raw[off : off+packetSize]
		out.Write(pkt)
		p, _ := parsePacket(pkt)
		if p.PID != DefaultVideoPID {
			continue
		}
		videoPkts++
		if videoPkts == 2 {
			out.Write(pkt) // duplicate is dropped
		}
	}
	vp := pesOf(demuxAll(t, &out), DefaultVideoPID)
	if len(vp) != 2 || len(vp[0].Data) != 500 {
		t.Fatalf("duplicate packet corrupted output: %d PES", len(vp))
	}

	// Drop the second video packet: the first PES is discarded, the
	// second still arrives.
	out.Reset()
	videoPkts = 0
	for off := 0; off < len(raw); off += packetSize {
		pkt := raw[off : off+packetSize]
		if p, _ := parsePacket(pkt); p.PID == DefaultVideoPID {
			videoPkts++
			if videoPkts == 2 {
				continue
			}
		}
		out.Write(pkt)
	}
	vp = pesOf(demuxAll(t, &out), DefaultVideoPID)
	if len(vp) != 1 || vp[0].PTS != 3600 {
		t.Fatalf("after CC gap: got %d PES", len(vp))
	}
}

func TestSectionCRCMismatch(t *testing.T) {
	t.Parallel()
	pat := buildPAT(1, []Program{{Number: 1, PMTPID: 0x1000}})
	if _, err := parsePAT(pat); err != nil {
		t.Fatal(err)
	}
	pat[9] ^= 0xFF
	if _, err := parsePAT(pat); !errors.Is(err, errCRC) {
		t.Fatalf("got %v, want errCRC", err)
	}
}

func TestParsePATSkipsNetworkPID(t *testing.T) {
	t.Parallel()
	pat, err := parsePAT(buildPAT(7, []Program{{Number: 0, PMTPID: 0x10}, {Number: 3, PMTPID: 0x1FF0}}))
	if err != nil {
		t.Fatal(err)
	}
	if pat.TransportStreamID != 7 {
		t.Errorf("tsid: got %d", pat.TransportStreamID)
	}
	if len(pat.Programs) != 1 || pat.Programs[0] != (Program{Number: 3, PMTPID: 0x1FF0}) {
		t.Errorf("programs: got %+v", pat.Programs)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()
	for _, ts := range []int64{0, 1, 90000, 1<<32 + 12345, 1<<33 - 1} {
		b := appendTimestamp(nil, 0x2, ts)
		if got := decodeTimestamp(b); got != ts {
			t.Errorf("timestamp %d: got %d", ts, got)
		}
	}
	var pcr [6]byte
	for _, v := range []int64{0, 299, 300, 27_000_000*3600 + 17} {
		encodePCR(pcr[:], v)
		if got := decodePCR(pcr[:]); got != v {
			t.Errorf("PCR %d: got %d", v, got)
		}
	}
}

func TestParsePacketErrors(t *testing.T) {
	t.Parallel()
	if _, err := parsePacket(make([]byte, 100)); err == nil {
		t.Error("short packet accepted")
	}
	if _, err := parsePacket(make([]byte, packetSize)); !errors.Is(err, errSync) {
		t.Errorf("bad sync: got %v", err)
	}
}

func TestDemuxerContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDemuxer(ctx, bytes.NewReader(make([]byte, 1000)))
	if _, err := d.NextData(); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func FuzzParsePacket(f *testing.F) {
	var ts bytes.Buffer
	NewMuxer(&ts, MuxStream{PID: DefaultVideoPID, Type: StreamTypeH264, StreamID: StreamIDVideo}).
		WritePES(DefaultVideoPID, 0, 0, true, []byte{1, 2, 3})
	f.Add(ts.Bytes()[:packetSize])
	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != packetSize {
			return
		}
		parsePacket(data)
	})
}

func FuzzDemuxer(f *testing.F) {
	var ts bytes.Buffer
	NewMuxer(&ts, MuxStream{PID: DefaultAudioPID, Type: StreamTypeAAC, StreamID: StreamIDAudio}).
		WritePES(DefaultAudioPID, 0, 0, true, []byte("seed"))
	f.Add(ts.Bytes())
	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDemuxer(context.Background(), bytes.NewReader(data))
		for range 1000 {
			if _, err := d.NextData(); err != nil {
				return
			}
		}
	})
}

func BenchmarkMuxVideo(b *testing.B) {
	m := NewMuxer(io.Discard, MuxStream{PID: DefaultVideoPID, Type: StreamTypeH264, StreamID: StreamIDVideo})
	frame := make([]byte, 50_000)
	var pts int64
	for b.Loop() {
		m.WritePES(DefaultVideoPID, pts, pts, false, frame)
		pts += 3600
	}
}
