package ingest

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	s, err := r.Register("cam1", OriginListen)
	if err != nil {
		t.Fatal(err)
	}
	if s.Key != "cam1" || s.Origin != OriginListen {
		t.Fatalf("got %q/%q, want cam1/listen", s.Key, s.Origin)
	}

	got, ok := r.Get("cam1")
	if !ok || got != s {
		t.Fatal("Get did not return the registered stream")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if _, err := r.Register("cam1", OriginListen); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("cam1", OriginPull); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestRegistryUnregisterEndsReader(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	s, _ := r.Register("cam1", OriginListen)
	r.Unregister(s)

	if _, ok := r.Get("cam1"); ok {
		t.Fatal("stream still found after Unregister")
	}
	if _, err := s.Reader().Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}

	// A second Unregister must not panic on the closed channel.
	r.Unregister(s)
}

func TestRegistryUnregisterStale(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	old, _ := r.Register("cam1", OriginListen)
	r.Unregister(old)
	repl, _ := r.Register("cam1", OriginListen)
	r.Unregister(old)

	if got, ok := r.Get("cam1"); !ok || got != repl {
		t.Fatal("stale Unregister removed the replacement")
	}
}

func TestRegistryOnStream(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	r := NewRegistry(func(s *Stream) {
		b, _ := io.ReadAll(s.Reader())
		got <- b
	})
	s, _ := r.Register("cam1", OriginPull)
	if _, err := s.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	r.Unregister(s)

	select {
	case b := <-got:
		if string(b) != "hello" {
			t.Fatalf("got %q, want hello", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onStream callback did not finish")
	}

	st := s.Stats()
	if st.BytesReceived != 5 || st.ReadCount != 1 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestStreamCloseReader(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	s, _ := r.Register("cam1", OriginListen)
	s.CloseReader()
	if _, err := s.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("got %v, want io.ErrClosedPipe", err)
	}
	r.Unregister(s)
}

func TestStreamRemoteAddr(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	s, _ := r.Register("cam1", OriginListen)
	s.SetRemoteAddr("192.168.1.1:5000")
	if got := s.Stats().RemoteAddr; got != "192.168.1.1:5000" {
		t.Fatalf("RemoteAddr = %q", got)
	}
	if r.Stats()[0].Key != "cam1" {
		t.Fatal("registry stats missing stream")
	}
}

func TestStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := StreamKey(tc.streamID); got != tc.want {
				t.Errorf("StreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "stream-" + string(rune('A'+n%26))
			if s, err := r.Register(key, OriginListen); err == nil {
				r.Get(key)
				r.Unregister(s)
			}
		}(i)
	}
	wg.Wait()
}
