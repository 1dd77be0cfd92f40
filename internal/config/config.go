// Package config loads the capmux YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/device"
	"github.com/zsiec/capmux/internal/ingest/srt"
	"github.com/zsiec/capmux/internal/media"
)

// Config holds all capmux configuration.
type Config struct {
	SRT     SRTConfig         `yaml:"srt"`
	Pulls   []srt.PullRequest `yaml:"pulls"`
	API     APIConfig         `yaml:"api"`
	Output  OutputConfig      `yaml:"output"`
	Buffers BufferConfig      `yaml:"buffers"`
	Pattern *PatternConfig    `yaml:"pattern"`
}

// SRTConfig configures the SRT listener.
type SRTConfig struct {
	Listen string `yaml:"listen"`
	// ProbeAudio leaves the audio codec of ingested streams unannounced so
	// the capture session probes the bitstream.
	ProbeAudio bool `yaml:"probe_audio"`
}

// APIConfig configures the status API.
type APIConfig struct {
	Addr     string   `yaml:"addr"`    // HTTPS, TCP
	H3Addr   string   `yaml:"h3_addr"` // HTTP/3, UDP
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	Hosts    []string `yaml:"hosts"`
}

// OutputConfig configures where muxed transport streams go. Either or
// both outputs may be set.
type OutputConfig struct {
	Dir          string `yaml:"dir"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
	SRTPush      string `yaml:"srt_push"`
}

// BufferConfig tunes the capture buffers.
type BufferConfig struct {
	Lookback     int           `yaml:"lookback"`
	CompactEvery int           `yaml:"compact_every"`
	ProbeSize    int           `yaml:"probe_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	PoolDesired  int           `yaml:"pool_desired"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	Pinning      bool          `yaml:"pinning"`
}

// PatternConfig starts a synthetic capture session.
type PatternConfig struct {
	Key           string              `yaml:"key"`
	Video         []media.VideoFormat `yaml:"video"`
	SwitchEvery   int                 `yaml:"switch_every"`
	GOP           int                 `yaml:"gop"`
	Frames        int                 `yaml:"frames"`
	AnnounceAudio bool                `yaml:"announce_audio"`
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		SRT: SRTConfig{Listen: ":6000"},
		API: APIConfig{Addr: ":4444", H3Addr: ":4444"},
		Output: OutputConfig{
			Dir:          "recordings",
			MaxFileBytes: 1 << 30,
		},
		Buffers: BufferConfig{
			PoolDesired:  capture.DefaultPoolDesired,
			DrainTimeout: capture.DefaultDrainTimeout,
		},
	}
}

// Load reads path, expanding ${VAR} references from the environment, and
// fills unset fields from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for i, p := range c.Pulls {
		if p.Address == "" || p.StreamKey == "" {
			return fmt.Errorf("pulls[%d]: address and streamKey are required", i)
		}
	}
	if c.Output.MaxFileBytes < 0 {
		return errors.New("output.max_file_bytes must not be negative")
	}
	if c.Pattern != nil && c.Pattern.Key == "" {
		return errors.New("pattern.key is required")
	}
	if c.Buffers.DrainTimeout < 0 || c.Buffers.ReadTimeout < 0 || c.Buffers.PollInterval < 0 {
		return errors.New("buffers: durations must not be negative")
	}
	return nil
}

// Capture returns the session settings.
func (c *Config) Capture() capture.Config {
	b := c.Buffers
	return capture.Config{
		Lookback:     b.Lookback,
		CompactEvery: b.CompactEvery,
		ProbeSize:    b.ProbeSize,
		PollInterval: b.PollInterval,
		ReadTimeout:  b.ReadTimeout,
		PoolDesired:  b.PoolDesired,
		DrainTimeout: b.DrainTimeout,
		Pinning:      b.Pinning,
	}
}

// Device returns the pattern generator settings.
func (p *PatternConfig) Device() device.PatternConfig {
	return device.PatternConfig{
		Video:              p.Video,
		SwitchEvery:        p.SwitchEvery,
		GOP:                p.GOP,
		AnnounceAudioCodec: p.AnnounceAudio,
		Frames:             p.Frames,
		Realtime:           true,
	}
}
