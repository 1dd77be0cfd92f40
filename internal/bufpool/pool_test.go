package bufpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireGrowsOnDemand(t *testing.T) {
	t.Parallel()
	p := New(16, 2)

	if s := p.Stats(); s.Total != 0 {
		t.Fatalf("new pool allocated %d blocks", s.Total)
	}
	a, b, c := p.Acquire(), p.Acquire(), p.Acquire()
	if len(a.Bytes()) != 16 {
		t.Errorf("block size: got %d, want 16", len(a.Bytes()))
	}
	s := p.Stats()
	if s.Total != 3 || s.InFlight != 3 || s.Available != 0 {
		t.Fatalf("stats: got %+v", s)
	}

	a.Release()
	s = p.Stats()
	if s.Total != 2 || s.Available != 0 {
		t.Errorf("release over desired should free: got %+v", s)
	}
	b.Release()
	c.Release()
	s = p.Stats()
	if s.Total != 2 || s.Available != 2 || s.InFlight != 0 {
		t.Errorf("release at desired should recycle: got %+v", s)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	p := New(8, 4)
	b := p.Acquire()
	b.Release()
	b.Release()
	if s := p.Stats(); s.InFlight != 0 || s.Available != 1 {
		t.Fatalf("stats: got %+v", s)
	}

	if b.Bytes() != nil {
		t.Error("released block still exposes its memory")
	}

	// The recycled memory comes back under a new handle.
	again := p.Acquire()
	if again == b {
		t.Fatal("Acquire returned a released handle")
	}
	if s := p.Stats(); s.Total != 1 {
		t.Fatalf("memory not recycled: %+v", s)
	}
	again.Release()
	if s := p.Stats(); s.Available != 1 {
		t.Fatalf("release of the new handle ignored: %+v", s)
	}
}

func TestStaleReleaseDoesNotLendMemoryTwice(t *testing.T) {
	t.Parallel()
	p := New(8, 4)

	a := p.Acquire()
	a.Release()
	b := p.Acquire()
	a.Release() // stale handle; b holds the memory now

	if s := p.Stats(); s.InFlight != 1 || s.Available != 0 {
		t.Fatalf("stale release changed accounting: %+v", s)
	}

	c := p.Acquire()
	if &b.Bytes()[0] == &c.Bytes()[0] {
		t.Fatal("one block lent to two holders")
	}
	if s := p.Stats(); s.Total != 2 || s.InFlight != 2 {
		t.Errorf("stats: got %+v, want total 2 in flight 2", s)
	}
	b.Release()
	c.Release()
	if s := p.Stats(); s.InFlight != 0 || s.Available != 2 {
		t.Errorf("after release: got %+v", s)
	}
}

func TestTotalConvergesToDesired(t *testing.T) {
	t.Parallel()
	const desired = 4
	p := New(32, desired)

	// A burst while the consumer lags.
	var held []*Block
	for range 20 {
		held = append(held, p.Acquire())
	}
	if s := p.Stats(); s.Total != 20 {
		t.Fatalf("burst total: got %d, want 20", s.Total)
	}
	for _, b := range held {
		b.Release()
	}

	// Steady state with two frames in flight at a time.
	for cycle := range 50 {
		a, b := p.Acquire(), p.Acquire()
		s := p.Stats()
		if s.Total > desired+s.InFlight {
			t.Fatalf("cycle %d: total %d exceeds desired %d + in flight %d", cycle, s.Total, desired, s.InFlight)
		}
		a.Release()
		b.Release()
	}
	if s := p.Stats(); s.Total != desired {
		t.Errorf("steady total: got %d, want %d", s.Total, desired)
	}
}

func TestSetDesiredShrinksAvailable(t *testing.T) {
	t.Parallel()
	p := New(8, 6)
	var held []*Block
	for range 6 {
		held = append(held, p.Acquire())
	}
	for _, b := range held[:4] {
		b.Release()
	}

	p.SetDesired(1)
	s := p.Stats()
	if s.Available != 0 || s.Total != 2 {
		t.Fatalf("after shrink: got %+v", s)
	}
	held[4].Release()
	held[5].Release()
	if s := p.Stats(); s.Total != 1 || s.Available != 1 {
		t.Fatalf("after releasing surplus: got %+v", s)
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	t.Parallel()
	p := New(8, 3)
	b := p.Acquire()
	p.Acquire().Release()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Release()
	}()

	start := time.Now()
	if err := p.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("Drain returned before the in-flight block came back")
	}
	s := p.Stats()
	if s.Total != 0 || s.Available != 0 || s.Desired != 0 {
		t.Fatalf("drained pool: got %+v", s)
	}
}

func TestDrainTimeout(t *testing.T) {
	t.Parallel()
	p := New(8, 2)
	b := p.Acquire()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := p.Drain(ctx); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("got %v, want ErrDrainTimeout", err)
	}

	b.Release()
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("late release should free: got %+v", s)
	}
}

func TestPinnedBlocks(t *testing.T) {
	t.Parallel()
	p := New(64, 1, WithPinning())
	b := p.Acquire()
	if !b.Pinned() {
		t.Fatal("block not pinned")
	}
	mem := b.mem
	b.Release()
	if b.Pinned() {
		t.Error("released handle still reports pinned memory")
	}
	if err := p.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mem.pinner != nil {
		t.Error("freed memory still pinned")
	}
}

func BenchmarkAcquireRelease(b *testing.B) {
	p := New(1920*1080*2, 8)
	for b.Loop() {
		p.Acquire().Release()
	}
}
