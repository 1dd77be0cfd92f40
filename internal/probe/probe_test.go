package probe

import (
	"bytes"
	"context"
	"io"
	"math"
	"testing"

	"github.com/zsiec/capmux/internal/bytequeue"
	"github.com/zsiec/capmux/internal/codec"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/mpegts"
)

func adtsStream(frames int, sampleRate, channels int) []byte {
	var b []byte
	for i := range frames {
		payload := bytes.Repeat([]byte{byte(i + 1)}, 200)
		b = codec.AppendADTSHeader(b, sampleRate, channels, len(payload))
		b = append(b, payload...)
	}
	return b
}

// queueOf pushes data in fixed-size chunks and closes the stream.
func queueOf(t *testing.T, data []byte, chunk int, opts ...bytequeue.Option) *bytequeue.Queue {
	t.Helper()
	q := bytequeue.New(context.Background(), opts...)
	for i, ts := 0, int64(0); i < len(data); i, ts = i+chunk, ts+1 {
		q.Push(data[i:min(i+chunk, len(data))], ts)
	}
	q.SetEndOfLine(true)
	return q
}

func TestDetectADTS(t *testing.T) {
	t.Parallel()
	// Leading junk ahead of the first sync word.
	data := append([]byte{0x00, 0x12, 0xFF, 0x00}, adtsStream(5, 48000, 2)...)
	q := queueOf(t, data, 97)

	res, err := Detect(context.Background(), q, media.AudioFormat{SampleRate: 44100, Channels: 8})
	if err != nil {
		t.Fatal(err)
	}
	if res.Container != ContainerADTS || res.Fallback {
		t.Fatalf("got %+v, want adts", res)
	}
	want := media.AudioFormat{Codec: media.CodecAAC, SampleRate: 48000, Channels: 2}
	if res.Format != want {
		t.Errorf("format: got %+v, want %+v", res.Format, want)
	}
	if res.Offset != 4 {
		t.Errorf("offset: got %d, want 4", res.Offset)
	}
}

func TestDetectTransportStream(t *testing.T) {
	t.Parallel()
	var ts bytes.Buffer
	m := mpegts.NewMuxer(&ts, mpegts.MuxStream{
		PID: mpegts.DefaultAudioPID, Type: mpegts.StreamTypeAAC, StreamID: mpegts.StreamIDAudio,
	})
	au := adtsStream(2, 32000, 1)
	for i := range 3 {
		if err := m.WritePES(mpegts.DefaultAudioPID, int64(i)*2880, int64(i)*2880, i == 0, au); err != nil {
			t.Fatal(err)
		}
	}
	q := queueOf(t, ts.Bytes(), 188*2)

	res, err := Detect(context.Background(), q, media.AudioFormat{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Container != ContainerMPEGTS {
		t.Fatalf("container: got %q, want mpegts", res.Container)
	}
	if res.Format.SampleRate != 32000 || res.Format.Channels != 1 || res.Format.Codec != media.CodecAAC {
		t.Errorf("format: got %+v", res.Format)
	}
}

func TestDetectFallsBackToPCM(t *testing.T) {
	t.Parallel()
	pcm := make([]byte, 8192)
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(1000 + 800*math.Sin(float64(i)/20))
		pcm[i], pcm[i+1] = byte(v), byte(v>>8)
	}
	q := queueOf(t, pcm, 512)

	hint := media.AudioFormat{SampleRate: 48000, Channels: 2}
	res, err := Detect(context.Background(), q, hint)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Fallback || res.Container != ContainerRaw {
		t.Fatalf("got %+v, want PCM fallback", res)
	}
	want := media.AudioFormat{Codec: media.CodecPCM, SampleRate: 48000, Channels: 2}
	if res.Format != want {
		t.Errorf("format: got %+v, want %+v", res.Format, want)
	}
	if q.Position() != 0 {
		t.Errorf("stream not rewound: position %d", q.Position())
	}
}

func TestDetectRestartsAfterWindowOverrun(t *testing.T) {
	t.Parallel()
	q := queueOf(t, make([]byte, 1000), 10,
		bytequeue.WithLookback(1), bytequeue.WithCompactEvery(1))

	calls := 0
	greedy := Detector{
		Name: "greedy",
		Detect: func(_ context.Context, r io.Reader, _ int) (Result, bool, error) {
			calls++
			_, err := io.ReadFull(r, make([]byte, 300))
			return Result{}, false, err
		},
	}

	res, err := Detect(context.Background(), q, media.AudioFormat{Channels: 1}, WithDetectors(greedy))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1+maxRestarts {
		t.Errorf("detector calls: got %d, want %d", calls, 1+maxRestarts)
	}
	if !res.Fallback || res.Offset != 900 {
		t.Errorf("got %+v, want fallback at 900", res)
	}
}

func TestDetectCancelled(t *testing.T) {
	t.Parallel()
	// A stream that never ends: the detector blocks until cancellation.
	q := bytequeue.New(context.Background())
	q.Push([]byte{1, 2, 3}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Detect(ctx, q, media.AudioFormat{}); err != context.Canceled {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
