// Package session owns the per-caller browser sessions and the page
// resolution policy applied to them.
package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/errs"
	"pagepilot-mcp-server/internal/metrics"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultID is used when a caller supplies no session identifier.
const DefaultID = "default"

// Session is one caller's automation handle plus its active page index.
// Lock serializes page-set mutation and active index changes.
type Session struct {
	ID     string
	Handle automation.Handle

	mu              sync.Mutex
	activePageIndex int

	createdAt time.Time
	lastUsed  atomic.Int64
	inflight  atomic.Int32
}

func newSession(id string, handle automation.Handle) *Session {
	s := &Session{ID: id, Handle: handle, createdAt: time.Now()}
	s.touch()
	return s
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// ActivePageIndex must be called with the session locked.
func (s *Session) ActivePageIndex() int { return s.activePageIndex }

// SetActivePageIndex must be called with the session locked.
func (s *Session) SetActivePageIndex(i int) { s.activePageIndex = i }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

// Options bounds a Registry.
type Options struct {
	// IdleTimeout closes sessions unused for this long. Zero disables eviction.
	IdleTimeout time.Duration
	// MaxSessions caps live sessions. Zero means unlimited.
	MaxSessions int
	// OnClose runs when a session leaves the registry, before its id can be
	// reused and before its handle is closed. It must not call back into the
	// Registry.
	OnClose func(id string)
}

// Registry maps session ids to Sessions, constructing automation handles
// lazily and at most once per id.
type Registry struct {
	factory automation.Factory
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*Session
	// pending counts constructions that hold a slot under MaxSessions but
	// are not in sessions yet.
	pending int
	group   singleflight.Group
}

func NewRegistry(factory automation.Factory, opts Options) *Registry {
	return &Registry{
		factory:  factory,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the Session for id, constructing it on first reference.
// Concurrent first references share one construction. A failed construction
// registers nothing and surfaces as InitializationFailure.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = DefaultID
	}
	if s, ok := r.lookup(id); ok {
		return s, nil
	}

	// The construction outlives any one caller: a waiter that gives up does
	// not fail the others sharing it.
	ch := r.group.DoChan(id, func() (interface{}, error) {
		return r.create(context.WithoutCancel(ctx), id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, errs.Initialization(id, ctx.Err())
	}
}

func (r *Registry) create(ctx context.Context, id string) (*Session, error) {
	if s, ok := r.lookup(id); ok {
		return s, nil
	}
	if err := r.makeRoom(id); err != nil {
		return nil, err
	}

	handle, err := r.factory.NewHandle(ctx, id)
	if err != nil {
		r.mu.Lock()
		r.release()
		r.mu.Unlock()
		return nil, errs.Initialization(id, err)
	}

	s := newSession(id, handle)
	r.mu.Lock()
	r.release()
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.SetSessions(n)
	log.Printf("session %s created (%d active)", id, n)
	return s, nil
}

// release returns a slot reserved by makeRoom. r.mu must be held.
func (r *Registry) release() {
	if r.opts.MaxSessions > 0 && r.pending > 0 {
		r.pending--
	}
}

// Acquire is GetOrCreate for a tool call: the session cannot be evicted until
// release is called.
func (r *Registry) Acquire(ctx context.Context, id string) (*Session, func(), error) {
	for {
		s, err := r.GetOrCreate(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		r.mu.RLock()
		current := r.sessions[s.ID] == s
		if current {
			s.inflight.Add(1)
		}
		r.mu.RUnlock()

		if current {
			return s, func() {
				s.touch()
				s.inflight.Add(-1)
			}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
}

func (r *Registry) lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Get returns the Session for id without creating it.
func (r *Registry) Get(id string) (*Session, bool) {
	if id == "" {
		id = DefaultID
	}
	return r.lookup(id)
}

// IDs returns the registered session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close removes id from the registry and closes its handle. It reports
// whether a session was registered under id.
func (r *Registry) Close(id string) (bool, error) {
	if id == "" {
		id = DefaultID
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		r.detach(s)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	metrics.SetSessions(n)
	return true, r.closeSession(s)
}

// makeRoom reserves a slot for a new session, evicting the least recently
// used idle session when the registry is full. Every successful call must be
// paired with release.
func (r *Registry) makeRoom(id string) error {
	if r.opts.MaxSessions <= 0 {
		return nil
	}

	r.mu.Lock()
	if len(r.sessions)+r.pending < r.opts.MaxSessions {
		r.pending++
		r.mu.Unlock()
		return nil
	}
	var victim *Session
	for _, s := range r.sessions {
		if s.inflight.Load() > 0 {
			continue
		}
		if victim == nil || s.lastUsed.Load() < victim.lastUsed.Load() {
			victim = s
		}
	}
	if victim != nil {
		r.detach(victim)
		r.pending++
	}
	r.mu.Unlock()

	if victim == nil {
		return errs.Initialization(id, fmt.Errorf("session limit %d reached and no session can be evicted", r.opts.MaxSessions))
	}
	log.Printf("session %s evicted to make room for %s", victim.ID, id)
	metrics.SessionEvicted()
	if err := r.closeSession(victim); err != nil {
		log.Printf("session %s close: %v", victim.ID, err)
	}
	return nil
}

// detach removes s from the registry and runs OnClose while the id is still
// unavailable to GetOrCreate. r.mu must be held.
func (r *Registry) detach(s *Session) {
	delete(r.sessions, s.ID)
	if r.opts.OnClose != nil {
		r.opts.OnClose(s.ID)
	}
}

// EvictIdle closes every session idle for longer than the configured timeout
// and returns their ids.
func (r *Registry) EvictIdle(now time.Time) []string {
	if r.opts.IdleTimeout <= 0 {
		return nil
	}
	cutoff := now.Add(-r.opts.IdleTimeout).UnixNano()

	r.mu.Lock()
	var victims []*Session
	for _, s := range r.sessions {
		if s.inflight.Load() > 0 || s.lastUsed.Load() > cutoff {
			continue
		}
		victims = append(victims, s)
	}
	for _, s := range victims {
		r.detach(s)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, s := range victims {
		ids = append(ids, s.ID)
		metrics.SessionEvicted()
		if err := r.closeSession(s); err != nil {
			log.Printf("session %s close: %v", s.ID, err)
		}
	}
	if len(victims) > 0 {
		metrics.SetSessions(n)
		sort.Strings(ids)
		log.Printf("evicted %d idle sessions: %v", len(ids), ids)
	}
	return ids
}

// RunJanitor evicts idle sessions every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if r.opts.IdleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictIdle(now)
		}
	}
}

// Shutdown closes every session concurrently.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	for _, s := range all {
		r.detach(s)
	}
	r.mu.Unlock()
	metrics.SetSessions(0)

	g, _ := errgroup.WithContext(ctx)
	for _, s := range all {
		s := s
		g.Go(func() error {
			return r.closeSession(s)
		})
	}
	return g.Wait()
}

func (r *Registry) closeSession(s *Session) error {
	s.Lock()
	err := s.Handle.Close()
	s.Unlock()
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.ID, err)
	}
	return nil
}
