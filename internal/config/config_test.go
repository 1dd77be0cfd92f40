package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/media"
)

func TestParse(t *testing.T) {
	t.Setenv("CAPMUX_TEST_PUSH", "10.1.1.1:9000")

	cfg, err := Parse([]byte(`
srt:
  listen: ":7000"
  probe_audio: true
pulls:
  - address: "192.168.1.10:6000"
    streamKey: cam2
output:
  dir: /var/capmux
  srt_push: "${CAPMUX_TEST_PUSH}"
buffers:
  lookback: 16
  poll_interval: 2ms
  drain_timeout: 1s
pattern:
  key: bars
  frames: 300
  video:
    - {codec: h264, width: 1920, height: 1080, interlaced: true, framerate: 29.97}
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.SRT.Listen != ":7000" || !cfg.SRT.ProbeAudio {
		t.Errorf("srt: got %+v", cfg.SRT)
	}
	if len(cfg.Pulls) != 1 || cfg.Pulls[0].StreamKey != "cam2" {
		t.Errorf("pulls: got %+v", cfg.Pulls)
	}
	if cfg.Output.SRTPush != "10.1.1.1:9000" {
		t.Errorf("env expansion: got %q", cfg.Output.SRTPush)
	}
	if cfg.Output.MaxFileBytes != 1<<30 {
		t.Errorf("default max_file_bytes lost: %d", cfg.Output.MaxFileBytes)
	}
	if cfg.API.Addr != ":4444" {
		t.Errorf("default api addr lost: %q", cfg.API.Addr)
	}

	cc := cfg.Capture()
	want := capture.Config{
		Lookback:     16,
		PollInterval: 2 * time.Millisecond,
		PoolDesired:  capture.DefaultPoolDesired,
		DrainTimeout: time.Second,
	}
	if cc != want {
		t.Errorf("capture config: got %+v, want %+v", cc, want)
	}

	pc := cfg.Pattern.Device()
	if pc.Frames != 300 || len(pc.Video) != 1 || !pc.Realtime {
		t.Fatalf("pattern: got %+v", pc)
	}
	if v := pc.Video[0]; v.Codec != media.CodecH264 || v.Width != 1920 || !v.Interlaced {
		t.Errorf("pattern video: got %+v", v)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{name: "syntax", yaml: "srt: [unclosed"},
		{name: "pull without key", yaml: "pulls:\n  - address: 1.2.3.4:6000\n"},
		{name: "pattern without key", yaml: "pattern:\n  frames: 10\n"},
		{name: "negative size", yaml: "output:\n  max_file_bytes: -1\n"},
		{name: "negative duration", yaml: "buffers:\n  drain_timeout: -1s\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "capmux.yaml")
	if err := os.WriteFile(path, []byte("api:\n  addr: \":9443\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Addr != ":9443" || cfg.SRT.Listen != ":6000" {
		t.Errorf("got api %q srt %q", cfg.API.Addr, cfg.SRT.Listen)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
