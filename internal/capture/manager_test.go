package capture

import (
	"context"
	"testing"

	"github.com/zsiec/capmux/internal/device"
)

func idle() device.Device {
	return scripted{run: func(ctx context.Context, _ device.Handler) error {
		<-ctx.Done()
		return ctx.Err()
	}}
}

func TestManagerAddAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s := NewSession("cam1", idle(), Config{}, nil)
	if !m.Add(s) {
		t.Fatal("Add returned false for new session")
	}
	got, ok := m.Get("cam1")
	if !ok || got != s {
		t.Fatal("Get did not return the added session")
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}
}

func TestManagerRejectsDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	if !m.Add(NewSession("cam1", idle(), Config{}, nil)) {
		t.Fatal("first Add should succeed")
	}
	if m.Add(NewSession("cam1", idle(), Config{}, nil)) {
		t.Error("duplicate Add should return false")
	}
	if n := len(m.List()); n != 1 {
		t.Errorf("count: got %d, want 1", n)
	}
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	old := NewSession("cam1", idle(), Config{}, nil)
	m.Add(old)
	if !m.Remove(old) {
		t.Fatal("Remove should report removal")
	}
	if len(m.List()) != 0 {
		t.Errorf("count after remove: got %d, want 0", len(m.List()))
	}

	// A stale session must not evict its replacement.
	repl := NewSession("cam1", idle(), Config{}, nil)
	m.Add(repl)
	if m.Remove(old) {
		t.Error("Remove of a stale session should be a no-op")
	}
	if _, ok := m.Get("cam1"); !ok {
		t.Error("replacement was removed")
	}
}

func TestManagerListSorted(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	for _, k := range []string{"cam-c", "cam-a", "cam-b"} {
		m.Add(NewSession(k, idle(), Config{}, nil))
	}
	list := m.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i, want := range []string{"cam-a", "cam-b", "cam-c"} {
		if list[i].Key != want {
			t.Errorf("list[%d]: got %q, want %q", i, list[i].Key, want)
		}
	}
}

func TestManagerShutdown(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	s := NewSession("cam1", idle(), Config{}, nil)
	m.Add(s)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	m.Shutdown()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
