package sessions

import (
	"context"
	"sync"
	"testing"
	"time"
)

type stubSession struct {
	mu           sync.Mutex
	lastActivity time.Time
	warnings     []string
	idleCloses   int
	forceCloses  int
}

func (s *stubSession) handle() Handle {
	return Handle{
		LastActivity: func() time.Time {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.lastActivity
		},
		Warn: func(message string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.warnings = append(s.warnings, message)
			return nil
		},
		CloseIdle: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.idleCloses++
		},
		CloseForShutdown: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.forceCloses++
		},
	}
}

func TestRegisterUnregisterCount(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 {
		t.Fatalf("empty registry count = %d", r.Count())
	}

	a := &stubSession{lastActivity: time.Now()}
	b := &stubSession{lastActivity: time.Now()}
	unregA := r.Register("sess_a", a.handle())
	unregB := r.Register("sess_b", b.handle())

	if r.Count() != 2 {
		t.Fatalf("count = %d, want 2", r.Count())
	}

	unregA()
	unregA() // second call must be a no-op
	if r.Count() != 1 {
		t.Fatalf("count after unregister = %d, want 1", r.Count())
	}
	unregB()
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
}

func TestRegisterDuplicateEvictsPrevious(t *testing.T) {
	r := NewRegistry()
	first := &stubSession{lastActivity: time.Now()}
	second := &stubSession{lastActivity: time.Now()}

	unregFirst := r.Register("sess_dup", first.handle())
	r.Register("sess_dup", second.handle())

	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1 after duplicate registration", r.Count())
	}

	// Stale unregister must not remove the replacement entry.
	unregFirst()
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1 after stale unregister", r.Count())
	}
}

func TestSweepIdleClosesOnlyStaleSessions(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	fresh := &stubSession{lastActivity: now.Add(-time.Minute)}
	stale := &stubSession{lastActivity: now.Add(-10 * time.Minute)}
	r.Register("sess_fresh", fresh.handle())
	r.Register("sess_stale", stale.handle())

	closed := r.SweepIdle(now, 5*time.Minute)
	if closed != 1 {
		t.Fatalf("closed = %d, want 1", closed)
	}

	fresh.mu.Lock()
	stale.mu.Lock()
	defer fresh.mu.Unlock()
	defer stale.mu.Unlock()
	if fresh.idleCloses != 0 {
		t.Fatalf("fresh session was closed")
	}
	if stale.idleCloses != 1 {
		t.Fatalf("stale session idle closes = %d, want 1", stale.idleCloses)
	}
}

func TestWarnAllAndCloseAll(t *testing.T) {
	r := NewRegistry()
	a := &stubSession{lastActivity: time.Now()}
	b := &stubSession{lastActivity: time.Now()}
	r.Register("sess_a", a.handle())
	r.Register("sess_b", b.handle())

	if sent := r.WarnAll("draining"); sent != 2 {
		t.Fatalf("warned = %d, want 2", sent)
	}
	a.mu.Lock()
	if len(a.warnings) != 1 || a.warnings[0] != "draining" {
		t.Fatalf("warnings = %v", a.warnings)
	}
	a.mu.Unlock()

	if closed := r.CloseAll(); closed != 2 {
		t.Fatalf("closed = %d, want 2", closed)
	}
	b.mu.Lock()
	if b.forceCloses != 1 {
		t.Fatalf("force closes = %d, want 1", b.forceCloses)
	}
	b.mu.Unlock()
}

func TestWaitBlocksUntilDrained(t *testing.T) {
	r := NewRegistry()
	s := &stubSession{lastActivity: time.Now()}
	unreg := r.Register("sess_wait", s.handle())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatalf("Wait returned true while a session was registered")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		unreg()
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if !r.Wait(ctx2) {
		t.Fatalf("Wait returned false after drain")
	}
}

func TestRunIdleSweepStopsOnContextCancel(t *testing.T) {
	r := NewRegistry()
	stale := &stubSession{lastActivity: time.Now().Add(-time.Hour)}
	r.Register("sess_stale", stale.handle())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.RunIdleSweep(ctx, time.Millisecond, time.Minute)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stale.mu.Lock()
		n := stale.idleCloses
		stale.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sweep loop did not stop")
	}

	stale.mu.Lock()
	defer stale.mu.Unlock()
	if stale.idleCloses == 0 {
		t.Fatalf("sweep never closed the stale session")
	}
}
