package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/automation/automationtest"
	"pagepilot-mcp-server/internal/errs"
	"pagepilot-mcp-server/internal/history"
)

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	factory := &automationtest.Factory{}
	reg := NewRegistry(factory, Options{})
	ctx := context.Background()

	first, err := reg.GetOrCreate(ctx, "caller-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	second, err := reg.GetOrCreate(ctx, "caller-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if first != second {
		t.Error("expected the same session on repeated calls")
	}
	if factory.Created() != 1 {
		t.Errorf("expected 1 handle construction, got %d", factory.Created())
	}
	if first.ActivePageIndex() != 0 {
		t.Errorf("expected active index 0, got %d", first.ActivePageIndex())
	}

	other, _ := reg.GetOrCreate(ctx, "caller-2")
	if other == first {
		t.Error("expected distinct sessions for distinct ids")
	}
	if reg.Len() != 2 {
		t.Errorf("expected 2 sessions, got %d", reg.Len())
	}
}

func TestGetOrCreateDefaultID(t *testing.T) {
	reg := NewRegistry(&automationtest.Factory{}, Options{})

	s, err := reg.GetOrCreate(context.Background(), "")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if s.ID != DefaultID {
		t.Errorf("expected id %q, got %q", DefaultID, s.ID)
	}
	if _, ok := reg.Get(""); !ok {
		t.Error("expected Get(\"\") to find the default session")
	}
}

func TestGetOrCreateConcurrentFirstAccess(t *testing.T) {
	factory := &automationtest.Factory{Delay: 20 * time.Millisecond}
	reg := NewRegistry(factory, Options{})

	const callers = 16
	results := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.GetOrCreate(context.Background(), "shared")
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	if factory.Created() != 1 {
		t.Errorf("expected exactly 1 construction, got %d", factory.Created())
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("expected every caller to receive the same session")
		}
	}
}

func TestGetOrCreateFailureNotRegistered(t *testing.T) {
	cause := errors.New("chrome not found")
	factory := &automationtest.Factory{Err: cause}
	reg := NewRegistry(factory, Options{})

	_, err := reg.GetOrCreate(context.Background(), "x")
	if !errs.Is(err, errs.KindInitializationFailure) {
		t.Fatalf("expected InitializationFailure, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected the construction error to be wrapped")
	}
	if reg.Len() != 0 {
		t.Errorf("expected no registered sessions, got %d", reg.Len())
	}

	// No silent retry: the next call constructs again.
	factory.Err = nil
	if _, err := reg.GetOrCreate(context.Background(), "x"); err != nil {
		t.Fatalf("expected success after factory recovers: %v", err)
	}
	if factory.Created() != 2 {
		t.Errorf("expected 2 construction attempts, got %d", factory.Created())
	}
}

func TestClose(t *testing.T) {
	factory := &automationtest.Factory{}
	var closed []string
	reg := NewRegistry(factory, Options{OnClose: func(id string) { closed = append(closed, id) }})
	ctx := context.Background()

	s, _ := reg.GetOrCreate(ctx, "a")

	ok, err := reg.Close("a")
	if err != nil || !ok {
		t.Fatalf("expected close to succeed, got %v %v", ok, err)
	}
	if !factory.Handle("a").Closed() {
		t.Error("expected handle to be closed")
	}
	if len(closed) != 1 || closed[0] != "a" {
		t.Errorf("expected OnClose for a, got %v", closed)
	}

	ok, err = reg.Close("a")
	if ok || err != nil {
		t.Errorf("expected second close to report nothing, got %v %v", ok, err)
	}

	again, _ := reg.GetOrCreate(ctx, "a")
	if again == s {
		t.Error("expected a fresh session after close")
	}
}

func TestEvictIdle(t *testing.T) {
	factory := &automationtest.Factory{}
	reg := NewRegistry(factory, Options{IdleTimeout: time.Minute})
	ctx := context.Background()

	_, _ = reg.GetOrCreate(ctx, "idle")
	busy, release, err := reg.Acquire(ctx, "busy")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	evicted := reg.EvictIdle(time.Now().Add(2 * time.Minute))
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("expected only idle to be evicted, got %v", evicted)
	}
	if _, ok := reg.Get("busy"); !ok {
		t.Error("expected in-flight session to survive")
	}

	release()
	if busy.LastUsed().IsZero() {
		t.Error("expected release to touch the session")
	}
	evicted = reg.EvictIdle(time.Now().Add(2 * time.Minute))
	if len(evicted) != 1 || evicted[0] != "busy" {
		t.Errorf("expected busy to be evicted once released, got %v", evicted)
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestEvictIdleDisabled(t *testing.T) {
	reg := NewRegistry(&automationtest.Factory{}, Options{})
	_, _ = reg.GetOrCreate(context.Background(), "a")

	if evicted := reg.EvictIdle(time.Now().Add(24 * time.Hour)); len(evicted) != 0 {
		t.Errorf("expected no eviction when disabled, got %v", evicted)
	}
}

func TestMaxSessions(t *testing.T) {
	factory := &automationtest.Factory{}
	reg := NewRegistry(factory, Options{MaxSessions: 2})
	ctx := context.Background()

	old, _ := reg.GetOrCreate(ctx, "old")
	old.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())
	_, _ = reg.GetOrCreate(ctx, "recent")

	if _, err := reg.GetOrCreate(ctx, "new"); err != nil {
		t.Fatalf("expected LRU eviction to make room: %v", err)
	}
	if _, ok := reg.Get("old"); ok {
		t.Error("expected least recently used session to be evicted")
	}
	if !factory.Handle("old").Closed() {
		t.Error("expected evicted handle to be closed")
	}

	t.Run("all busy", func(t *testing.T) {
		reg := NewRegistry(&automationtest.Factory{}, Options{MaxSessions: 1})
		_, release, _ := reg.Acquire(ctx, "a")
		defer release()

		_, err := reg.GetOrCreate(ctx, "b")
		if !errs.Is(err, errs.KindInitializationFailure) {
			t.Errorf("expected InitializationFailure when full, got %v", err)
		}
	})
}

func TestMaxSessionsConcurrentDistinctIDs(t *testing.T) {
	factory := &automationtest.Factory{Delay: 50 * time.Millisecond}
	reg := NewRegistry(factory, Options{MaxSessions: 1})

	ids := []string{"a", "b", "c"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = reg.GetOrCreate(context.Background(), id)
		}(id)
	}
	wg.Wait()

	if n := reg.Len(); n > 1 {
		t.Errorf("expected at most 1 live session, got %d: %v", n, reg.IDs())
	}

	// The reservation is returned on failure too.
	factory.Err = errors.New("boom")
	reg = NewRegistry(factory, Options{MaxSessions: 1})
	if _, err := reg.GetOrCreate(context.Background(), "x"); err == nil {
		t.Fatal("expected construction to fail")
	}
	factory.Err = nil
	if _, err := reg.GetOrCreate(context.Background(), "y"); err != nil {
		t.Errorf("expected the failed slot to be released: %v", err)
	}
}

func TestCloseForgetsHistoryBeforeIDIsReused(t *testing.T) {
	factory := &automationtest.Factory{}
	store := history.NewStore()
	reg := NewRegistry(factory, Options{OnClose: func(id string) { store.Forget(id) }})
	ctx := context.Background()

	if _, err := reg.GetOrCreate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	_ = store.Append("a", automation.HistoryEntry{Method: "goto", Timestamp: time.Now()})

	// A new session for the same id starts while the old handle is closing.
	factory.Handle("a").BeforeClose = func() {
		if _, err := reg.GetOrCreate(ctx, "a"); err != nil {
			t.Errorf("recreate during close: %v", err)
			return
		}
		_ = store.Append("a", automation.HistoryEntry{Method: "goto", Instruction: "fresh", Timestamp: time.Now()})
	}

	if ok, err := reg.Close("a"); !ok || err != nil {
		t.Fatalf("Close = %v, %v", ok, err)
	}
	entries := store.Entries("a")
	if len(entries) != 1 || entries[0].Instruction != "fresh" {
		t.Errorf("expected only the new session's step to survive, got %+v", entries)
	}
}

func TestGetOrCreateSurvivesCancelledWaiter(t *testing.T) {
	factory := &automationtest.Factory{Delay: 50 * time.Millisecond}
	reg := NewRegistry(factory, Options{})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate(first, "shared")
		firstErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate(context.Background(), "shared")
		second <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	if err := <-firstErr; !errs.Is(err, errs.KindInitializationFailure) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected the cancelled caller to give up, got %v", err)
	}
	if err := <-second; err != nil {
		t.Errorf("expected the other caller to get the session, got %v", err)
	}
	if factory.Created() != 1 {
		t.Errorf("expected one construction, got %d", factory.Created())
	}
	if reg.Len() != 1 {
		t.Errorf("expected the session to be registered, got %d", reg.Len())
	}
}

func TestShutdown(t *testing.T) {
	factory := &automationtest.Factory{}
	reg := NewRegistry(factory, Options{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, _ = reg.GetOrCreate(ctx, id)
	}
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
	for _, id := range []string{"a", "b", "c"} {
		if !factory.Handle(id).Closed() {
			t.Errorf("expected handle %s closed", id)
		}
	}
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	reg := NewRegistry(&automationtest.Factory{}, Options{IdleTimeout: time.Nanosecond})
	_, _ = reg.GetOrCreate(context.Background(), "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for reg.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("janitor did not evict idle session")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
