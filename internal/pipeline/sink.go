package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/capmux/internal/mpegts"
)

// srtPayloadSize is seven transport packets, the usual SRT live payload.
const srtPayloadSize = 7 * mpegts.PacketSize

// FileSink writes a transport stream to files under a directory, starting
// a new file once the current one reaches the size limit. Files are named
// <key>-<unix seconds>-<sequence>.ts.
type FileSink struct {
	log      *slog.Logger
	dir      string
	key      string
	maxBytes int64

	mu    sync.Mutex
	f     *os.File
	size  int64
	files []string
}

// NewFileSink creates dir if needed. A maxBytes of zero disables rolling.
func NewFileSink(dir, key string, maxBytes int64, log *slog.Logger) (*FileSink, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileSink{
		log:      log.With("component", "file-sink", "session", key),
		dir:      dir,
		key:      strings.ReplaceAll(key, "/", "_"),
		maxBytes: maxBytes,
	}, nil
}

// Write implements io.Writer. The muxer writes whole packets, so files
// always end on a packet boundary.
func (s *FileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil || (s.maxBytes > 0 && s.size >= s.maxBytes) {
		if err := s.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := s.f.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *FileSink) rotateLocked() error {
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			s.log.Warn("close segment", "file", s.f.Name(), "error", err)
		}
	}
	name := filepath.Join(s.dir, fmt.Sprintf("%s-%d-%04d.ts", s.key, time.Now().Unix(), len(s.files)))
	f, err := os.Create(name)
	if err != nil {
		s.f = nil
		return fmt.Errorf("create segment: %w", err)
	}
	s.f, s.size = f, 0
	s.files = append(s.files, name)
	s.log.Info("segment opened", "file", name)
	return nil
}

// Files returns the paths written so far, oldest first.
func (s *FileSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// Close closes the current file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

type srtConn interface {
	Write(p []byte) (int, error)
	Close() error
}

// SRTSink pushes a transport stream to a remote SRT listener in
// seven-packet payloads.
type SRTSink struct {
	log  *slog.Logger
	conn srtConn

	mu      sync.Mutex
	pending []byte
	sent    int64
}

// DialSRT connects to addr in caller mode, announcing streamID.
func DialSRT(addr, streamID string, log *slog.Logger) (*SRTSink, error) {
	cfg := srtgo.DefaultConfig()
	cfg.StreamID = streamID
	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("SRT dial %s: %w", addr, err)
	}
	return newSRTSink(conn, log), nil
}

func newSRTSink(conn srtConn, log *slog.Logger) *SRTSink {
	if log == nil {
		log = slog.Default()
	}
	return &SRTSink{
		log:     log.With("component", "srt-sink"),
		conn:    conn,
		pending: make([]byte, 0, srtPayloadSize),
	}
}

// Write implements io.Writer.
func (s *SRTSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, p...)
	for len(s.pending) >= srtPayloadSize {
		if _, err := s.conn.Write(s.pending[:srtPayloadSize]); err != nil {
			return 0, fmt.Errorf("SRT write: %w", err)
		}
		s.sent += srtPayloadSize
		s.pending = append(s.pending[:0], s.pending[srtPayloadSize:]...)
	}
	return len(p), nil
}

// Sent returns the number of bytes handed to the connection.
func (s *SRTSink) Sent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Close flushes any partial payload and closes the connection.
func (s *SRTSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		if _, err := s.conn.Write(s.pending); err != nil {
			s.log.Warn("flush failed", "error", err)
		} else {
			s.sent += int64(len(s.pending))
		}
		s.pending = s.pending[:0]
	}
	return s.conn.Close()
}
