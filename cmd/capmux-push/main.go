// Command capmux-push sends a transport stream to an SRT listener: either
// a file, looped and paced at a fixed byte rate, or a live synthetic
// pattern with periodic format switches.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zsiec/capmux/internal/codec"
	"github.com/zsiec/capmux/internal/device"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/mpegts"
	"github.com/zsiec/capmux/internal/pipeline"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	key := flag.String("key", "pattern", "stream key")
	file := flag.String("file", "", "TS file to push instead of the pattern")
	rate := flag.Int("rate", 500_000, "file pacing in bytes per second")
	switchEvery := flag.Int("switch", 300, "pattern frames between format switches")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sink, err := pipeline.DialSRT(*addr, "live/"+*key, nil)
	if err != nil {
		slog.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer sink.Close()
	slog.Info("connected", "addr", *addr, "key", *key)

	if *file != "" {
		err = pushFile(ctx, sink, *file, *rate)
	} else {
		err = pushPattern(ctx, sink, *key, *switchEvery)
	}
	if err != nil && ctx.Err() == nil {
		slog.Error("push failed", "error", err)
		os.Exit(1)
	}
	slog.Info("done", "bytes", sink.Sent())
}

// pushFile loops the file forever, paced against a global clock so there
// is no burst at the loop seam.
func pushFile(ctx context.Context, w io.Writer, path string, bytesPerSec int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(data)%mpegts.PacketSize != 0 {
		slog.Warn("file size is not a multiple of the packet size", "size", len(data))
	}
	const chunk = 7 * mpegts.PacketSize

	start := time.Now()
	var sent int64
	for ctx.Err() == nil {
		for i := 0; i < len(data) && ctx.Err() == nil; i += chunk {
			end := min(i+chunk, len(data))
			if _, err := w.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)
			due := time.Duration(float64(sent) / float64(bytesPerSec) * float64(time.Second))
			if wait := due - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
		}
	}
	return ctx.Err()
}

func pushPattern(ctx context.Context, w io.Writer, key string, switchEvery int) error {
	dev := device.NewPattern(key, device.PatternConfig{
		Video: []media.VideoFormat{
			{Codec: media.CodecH264, Width: 1280, Height: 720, FrameRate: 30},
			{Codec: media.CodecH264, Width: 1920, Height: 1080, Interlaced: true, FrameRate: 29.97},
		},
		SwitchEvery: switchEvery,
		Realtime:    true,
	}, nil)
	m := &muxHandler{mux: mpegts.NewMuxer(w,
		mpegts.MuxStream{PID: mpegts.DefaultVideoPID, Type: mpegts.StreamTypeH264, StreamID: mpegts.StreamIDVideo},
		mpegts.MuxStream{PID: mpegts.DefaultAudioPID, Type: mpegts.StreamTypeAAC, StreamID: mpegts.StreamIDAudio},
	)}
	if err := dev.Run(ctx, m); err != nil {
		return err
	}
	return m.err
}

// muxHandler writes device output straight into a transport stream. The
// first write error stops further output.
type muxHandler struct {
	mux *mpegts.Muxer
	err error
}

func (m *muxHandler) OnVideoFormat(f media.VideoFormat) {
	slog.Info("video format", "format", f.String())
}

func (m *muxHandler) OnAudioFormat(media.AudioFormat) {}

func (m *muxHandler) OnVideoFrame(payload []byte, ts int64) {
	m.write(mpegts.DefaultVideoPID, ts, payload, isIDR(payload))
}

func (m *muxHandler) OnAudioFrame(payload []byte, ts int64) {
	m.write(mpegts.DefaultAudioPID, ts, payload, false)
}

func (m *muxHandler) write(pid uint16, ts int64, data []byte, key bool) {
	if m.err != nil {
		return
	}
	pts := media.ToPTS(ts) + media.ClockRate90k
	m.err = m.mux.WritePES(pid, pts, pts, key, data)
}

func isIDR(au []byte) bool {
	for _, nal := range codec.SplitAnnexB(au) {
		if nal.Type == codec.NALIDR {
			return true
		}
	}
	return false
}
