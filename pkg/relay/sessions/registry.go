// Package sessions tracks every active relay session for the server's
// lifetime: the idle sweep scans it, and graceful shutdown drains it.
package sessions

import (
	"context"
	"sync"
	"time"
)

// Handle is the registry's view of one live session.
type Handle struct {
	LastActivity     func() time.Time
	Warn             func(message string) error
	CloseIdle        func()
	CloseForShutdown func()
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a session and returns its unregister func. Registering a
// duplicate id evicts the previous entry.
func (r *Registry) Register(sessionID string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*trackedSession)
	}
	old := r.sessions[sessionID]
	r.sessions[sessionID] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(sessionID, old)
	}

	return func() { r.unregister(sessionID, entry) }
}

func (r *Registry) unregister(sessionID string, entry *trackedSession) {
	if r == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		r.mu.Lock()
		if r.sessions != nil && r.sessions[sessionID] == entry {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SweepIdle closes every session whose last activity is older than
// threshold. It catches clients that vanished without a close frame.
func (r *Registry) SweepIdle(now time.Time, threshold time.Duration) (closed int) {
	if r == nil || threshold <= 0 {
		return 0
	}

	var idle []func()
	r.mu.Lock()
	for _, entry := range r.sessions {
		if entry == nil || entry.handle.LastActivity == nil || entry.handle.CloseIdle == nil {
			continue
		}
		if now.Sub(entry.handle.LastActivity()) > threshold {
			idle = append(idle, entry.handle.CloseIdle)
		}
	}
	r.mu.Unlock()

	for _, close := range idle {
		close()
		closed++
	}
	return closed
}

// RunIdleSweep runs SweepIdle on a coarse interval until ctx is done.
func (r *Registry) RunIdleSweep(ctx context.Context, interval, threshold time.Duration) {
	if r == nil || interval <= 0 || threshold <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.SweepIdle(now, threshold)
		}
	}
}

// WarnAll notifies every live session, used before a graceful drain.
func (r *Registry) WarnAll(message string) (sent int) {
	if r == nil {
		return 0
	}

	var warns []func(message string) error
	r.mu.Lock()
	for _, entry := range r.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn(message)
		sent++
	}
	return sent
}

// CloseAll force-closes every remaining session with the server-shutdown
// close code. Sessions must not leak past process lifetime.
func (r *Registry) CloseAll() (closed int) {
	if r == nil {
		return 0
	}

	var closes []func()
	r.mu.Lock()
	for _, entry := range r.sessions {
		if entry == nil || entry.handle.CloseForShutdown == nil {
			continue
		}
		closes = append(closes, entry.handle.CloseForShutdown)
	}
	r.mu.Unlock()

	for _, close := range closes {
		close()
		closed++
	}
	return closed
}

// Wait blocks until every session has unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
