// Package ingest tracks live transport-stream connections and hands each
// one to the capture layer as a byte stream.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Origin records how a stream reached us.
type Origin string

const (
	OriginListen Origin = "listen"
	OriginPull   Origin = "pull"
)

// ErrDuplicate is returned by Register for a key that is already live.
var ErrDuplicate = errors.New("ingest: stream key already active")

// Stats captures connection-level metrics for an ingest stream.
type Stats struct {
	Key           string `json:"key"`
	Origin        Origin `json:"origin"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one live connection. The transport writes received bytes into
// the stream; the capture device reads them from the other end of a pipe.
type Stream struct {
	Key       string
	Origin    Origin
	StartedAt time.Time

	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Write forwards p to the reader side and counts it. It blocks until the
// capture device has consumed p or the stream is closed.
func (s *Stream) Write(p []byte) (int, error) {
	s.bytesReceived.Add(int64(len(p)))
	s.readCount.Add(1)
	return s.pw.Write(p)
}

// Reader returns the capture side of the stream.
func (s *Stream) Reader() io.Reader { return s.pr }

// CloseReader ends the capture side. Subsequent writes fail with
// io.ErrClosedPipe so the transport drops the connection.
func (s *Stream) CloseReader() { s.pr.Close() }

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		Origin:        s.Origin,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks live streams by key and hands each new stream to the
// onStream callback, which runs on its own goroutine for the lifetime of
// the capture.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(s *Stream)
}

// NewRegistry creates a Registry. onStream may be nil.
func NewRegistry(onStream func(s *Stream)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream under key. It fails with ErrDuplicate if the
// key is live.
func (r *Registry) Register(key string, origin Origin) (*Stream, error) {
	pr, pw := io.Pipe()
	s := &Stream{
		Key:       key,
		Origin:    origin,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, key)
	}
	r.streams[key] = s
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(s)
	}
	return s, nil
}

// Unregister removes s, ending its reader with io.EOF. It is a no-op if s
// is no longer the stream registered under its key.
func (r *Registry) Unregister(s *Stream) {
	r.mu.Lock()
	cur, ok := r.streams[s.Key]
	if ok && cur == s {
		delete(r.streams, s.Key)
	}
	r.mu.Unlock()

	if ok && cur == s {
		s.pw.Close()
		close(s.done)
	}
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Stats returns a snapshot of every live stream ordered by key.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Stats) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// StreamKey normalises an SRT stream ID into a registry key: a leading
// slash and a "live/" prefix are dropped, and an empty ID maps to
// "default".
func StreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
