package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/codec"
	"github.com/zsiec/capmux/internal/device"
	"github.com/zsiec/capmux/internal/framebuf"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/mpegts"
)

var testConfig = capture.Config{
	PoolDesired:  4,
	DrainTimeout: 200 * time.Millisecond,
	PollInterval: 100 * time.Microsecond,
	ReadTimeout:  10 * time.Millisecond,
}

// runSession captures from dev and muxes into out until the device ends.
func runSession(t *testing.T, dev device.Device, out io.Writer) (*capture.Session, *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := capture.NewSession("cam1", dev, testConfig, nil)
	p := New("cam1", s, NewPassthrough(), out, nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("session Run: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("pipeline Run: %v", err)
	}
	return s, p
}

type demuxed struct {
	video, audio int
	keyframes    int
	pmt          *mpegts.PMT
	videoPTS     []int64
}

func demuxAll(t *testing.T, ts []byte) demuxed {
	t.Helper()
	var out demuxed
	dmx := mpegts.NewDemuxer(context.Background(), bytes.NewReader(ts))
	for {
		d, err := dmx.NextData()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("demux: %v", err)
		}
		switch {
		case d.PMT != nil:
			out.pmt = d.PMT
		case d.PES != nil && d.PID == mpegts.DefaultVideoPID:
			out.video++
			out.videoPTS = append(out.videoPTS, d.PES.PTS)
			if isKeyframe(d.PES.Data) {
				out.keyframes++
			}
		case d.PES != nil && d.PID == mpegts.DefaultAudioPID:
			out.audio++
		}
	}
}

func TestPipelineMuxesPattern(t *testing.T) {
	t.Parallel()

	dev := device.NewPattern("pattern", device.PatternConfig{
		Video: []media.VideoFormat{
			{Codec: media.CodecH264, Width: 320, Height: 240, FrameRate: 30},
			{Codec: media.CodecH264, Width: 640, Height: 360, FrameRate: 30},
		},
		SwitchEvery:        15,
		GOP:                10,
		AnnounceAudioCodec: true,
		Frames:             30,
	}, nil)

	var out bytes.Buffer
	s, p := runSession(t, dev, &out)

	st := p.Stats()
	if st.VideoPackets != 30 {
		t.Errorf("video packets: got %d, want 30", st.VideoPackets)
	}
	if want := s.Stats().Audio.Frames; st.AudioPackets != want {
		t.Errorf("audio packets: got %d, want %d", st.AudioPackets, want)
	}
	if st.Epochs < 3 {
		t.Errorf("epochs: got %d, want at least 3", st.Epochs)
	}
	if st.BytesWritten != int64(out.Len()) || out.Len()%mpegts.PacketSize != 0 {
		t.Errorf("bytes: stats %d, buffer %d", st.BytesWritten, out.Len())
	}

	got := demuxAll(t, out.Bytes())
	if got.pmt == nil || len(got.pmt.Streams) != 2 {
		t.Fatalf("PMT: got %+v", got.pmt)
	}
	if got.video != 30 || int64(got.audio) != st.AudioPackets {
		t.Errorf("demuxed video/audio: got %d/%d", got.video, got.audio)
	}
	// GOP 10 restarted by each of the two format epochs.
	if got.keyframes != 4 {
		t.Errorf("keyframes: got %d, want 4", got.keyframes)
	}
	for i := 1; i < len(got.videoPTS); i++ {
		if got.videoPTS[i] <= got.videoPTS[i-1] {
			t.Fatalf("video PTS not increasing at %d: %d after %d", i, got.videoPTS[i], got.videoPTS[i-1])
		}
	}
	if got.videoPTS[0] < ptsOffset {
		t.Errorf("first PTS %d below offset", got.videoPTS[0])
	}
}

func TestPipelineProbedAudio(t *testing.T) {
	t.Parallel()

	dev := device.NewPattern("pattern", device.PatternConfig{Frames: 20}, nil)
	var out bytes.Buffer
	_, p := runSession(t, dev, &out)

	st := p.Stats()
	if st.VideoPackets != 20 {
		t.Errorf("video packets: got %d, want 20", st.VideoPackets)
	}
	if st.AudioPackets == 0 {
		t.Error("probed ADTS audio was not muxed")
	}
}

func TestPipelineCancel(t *testing.T) {
	t.Parallel()

	s := capture.NewSession("cam1", device.NewPattern("pattern", device.PatternConfig{}, nil), testConfig, nil)
	defer s.Close()
	p := New("cam1", s, NewPassthrough(), io.Discard, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestPipelineWriteError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	video := framebuf.NewEpochs(ctx, nil)
	audio := framebuf.NewEpochs(ctx, nil)
	f := media.VideoFormat{Codec: media.CodecH264, Width: 320, Height: 240, FrameRate: 25}
	buf := video.Begin(&capture.Epoch{Kind: media.KindVideo, Video: f}, false)
	buf.Add(framebuf.NewFrame(device.AccessUnit(f, true, 0), 0, nil))
	buf.SetEOF()
	video.Close()
	audio.Close()

	p := New("cam1", epochSource{video, audio}, NewPassthrough(), failWriter{}, nil)
	if err := p.Run(ctx); err == nil {
		t.Fatal("expected write error")
	}
}

type epochSource struct{ v, a *framebuf.Epochs }

func (s epochSource) Video() *framebuf.Epochs { return s.v }
func (s epochSource) Audio() *framebuf.Epochs { return s.a }

func TestPassthroughVideo(t *testing.T) {
	t.Parallel()

	f := media.VideoFormat{Codec: media.CodecH264, Width: 320, Height: 240, FrameRate: 25}
	ep := &capture.Epoch{Kind: media.KindVideo, Video: f}
	enc := NewPassthrough()

	tests := []struct {
		name     string
		ep       *capture.Epoch
		payload  []byte
		ok       bool
		keyframe bool
	}{
		{name: "idr", ep: ep, payload: device.AccessUnit(f, true, 0), ok: true, keyframe: true},
		{name: "slice", ep: ep, payload: device.AccessUnit(f, false, 1), ok: true},
		{name: "raw video", ep: &capture.Epoch{Kind: media.KindVideo, Video: media.VideoFormat{Codec: media.CodecRaw}}, payload: []byte{1, 2, 3}},
		{name: "no epoch", payload: []byte{1}},
	}
	for _, tc := range tests {
		pkt, ok, err := enc.EncodeVideo(tc.ep, framebuf.NewFrame(tc.payload, 40_000, nil))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if ok != tc.ok || pkt.Keyframe != tc.keyframe {
			t.Errorf("%s: got ok=%v keyframe=%v, want %v/%v", tc.name, ok, pkt.Keyframe, tc.ok, tc.keyframe)
		}
		if ok && (pkt.PTS != 40_000 || !bytes.Equal(pkt.Data, tc.payload)) {
			t.Errorf("%s: packet not passed through: %+v", tc.name, pkt.PTS)
		}
	}
	if got := enc.Skipped(); got != 2 {
		t.Errorf("skipped: got %d, want 2", got)
	}
}

func TestPassthroughAudio(t *testing.T) {
	t.Parallel()

	aac := capture.NewAudioEpoch(media.AudioFormat{Codec: media.CodecAAC, SampleRate: 48000, Channels: 2})
	pcm := capture.NewAudioEpoch(media.AudioFormat{Codec: media.CodecPCM, SampleRate: 48000, Channels: 2})
	enc := NewPassthrough()

	adts := device.SilentADTS(48000, 2)
	pkt, ok, err := enc.EncodeAudio(aac, framebuf.NewFrame(adts, 0, nil))
	if err != nil || !ok || !bytes.Equal(pkt.Data, adts) {
		t.Fatalf("ADTS frame: ok=%v err=%v", ok, err)
	}

	raw := bytes.Repeat([]byte{0x21}, 64)
	pkt, ok, err = enc.EncodeAudio(aac, framebuf.NewFrame(raw, 0, nil))
	if err != nil || !ok {
		t.Fatalf("raw AAC: ok=%v err=%v", ok, err)
	}
	h, err := codec.ParseADTSHeader(pkt.Data)
	if err != nil {
		t.Fatalf("raw AAC not wrapped: %v", err)
	}
	if h.FrameLen != len(raw)+codec.ADTSHeaderSize || h.SampleRate != 48000 || h.Channels != 2 {
		t.Errorf("header: got %+v", h)
	}

	if _, ok, _ := enc.EncodeAudio(pcm, framebuf.NewFrame([]byte{0, 0, 0, 0}, 0, nil)); ok {
		t.Error("PCM should be skipped")
	}
	if got := enc.Skipped(); got != 1 {
		t.Errorf("skipped: got %d, want 1", got)
	}
}

func TestFileSinkRolls(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewFileSink(dir, "studio/cam1", 2*mpegts.PacketSize, nil)
	if err != nil {
		t.Fatal(err)
	}
	pkt := make([]byte, mpegts.PacketSize)
	for range 5 {
		if _, err := sink.Write(pkt); err != nil {
			t.Fatal(err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	files := sink.Files()
	if len(files) != 3 {
		t.Fatalf("files: got %d, want 3", len(files))
	}
	var total int64
	for _, name := range files {
		if filepath.Dir(name) != dir {
			t.Errorf("%s written outside %s", name, dir)
		}
		fi, err := os.Stat(name)
		if err != nil {
			t.Fatal(err)
		}
		total += fi.Size()
	}
	if total != 5*mpegts.PacketSize {
		t.Errorf("total size: got %d", total)
	}
}

type recordConn struct {
	writes [][]byte
	closed bool
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *recordConn) Close() error { c.closed = true; return nil }

func TestSRTSinkChunks(t *testing.T) {
	t.Parallel()

	conn := &recordConn{}
	sink := newSRTSink(conn, nil)
	pkt := make([]byte, mpegts.PacketSize)
	for range 10 {
		if _, err := sink.Write(pkt); err != nil {
			t.Fatal(err)
		}
	}
	if len(conn.writes) != 1 || len(conn.writes[0]) != srtPayloadSize {
		t.Fatalf("writes before close: got %d", len(conn.writes))
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	if len(conn.writes) != 2 || len(conn.writes[1]) != 3*mpegts.PacketSize {
		t.Errorf("flush: got %d writes", len(conn.writes))
	}
	if !conn.closed || sink.Sent() != 10*mpegts.PacketSize {
		t.Errorf("closed=%v sent=%d", conn.closed, sink.Sent())
	}
}
