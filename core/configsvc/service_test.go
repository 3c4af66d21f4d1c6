package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/policyhub/core/infra/bus"
	"github.com/redis/go-redis/v9"
)

// loopback delivers published messages synchronously to every subscriber.
type loopback struct {
	mu         sync.Mutex
	handlers   map[string][]bus.Handler
	published  []Change
	publishErr error
}

func newLoopback() *loopback {
	return &loopback{handlers: map[string][]bus.Handler{}}
}

func (l *loopback) Publish(subject string, v any) error {
	if l.publishErr != nil {
		return l.publishErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if c, ok := v.(Change); ok {
		l.published = append(l.published, c)
	}
	handlers := append([]bus.Handler(nil), l.handlers[subject]...)
	l.mu.Unlock()
	for _, h := range handlers {
		_ = h(data)
	}
	return nil
}

func (l *loopback) Subscribe(subject string, handler bus.Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[subject] = append(l.handlers[subject], handler)
	return nil
}

func (l *loopback) deliver(subject string, raw string) error {
	l.mu.Lock()
	handlers := append([]bus.Handler(nil), l.handlers[subject]...)
	l.mu.Unlock()
	var err error
	for _, h := range handlers {
		if e := h([]byte(raw)); e != nil {
			err = e
		}
	}
	return err
}

func newSvc(t *testing.T, notifier Notifier) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := New("redis://"+mr.Addr(), notifier, "")
	if err != nil {
		t.Fatalf("svc init: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mr
}

func actions(names ...string) map[string]any {
	return map[string]any{"allowed_actions": names}
}

func TestSetIncrementsRevision(t *testing.T) {
	lb := newLoopback()
	svc, _ := newSvc(t, lb)
	ctx := context.Background()

	first, err := svc.Set(ctx, "allowlist", actions("rollover"))
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	second, err := svc.Set(ctx, "allowlist", actions("rollover", "delete"))
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if first.Revision != 1 || second.Revision != 2 {
		t.Fatalf("unexpected revisions %d, %d", first.Revision, second.Revision)
	}
	if first.Hash == "" || first.Hash == second.Hash {
		t.Fatalf("expected distinct hashes")
	}

	got, err := svc.Get(ctx, "allowlist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Revision != 2 || got.Hash != second.Hash {
		t.Fatalf("unexpected stored doc %+v", got)
	}
	if len(lb.published) != 2 || lb.published[1].Revision != 2 || lb.published[1].Name != "allowlist" {
		t.Fatalf("unexpected notifications %+v", lb.published)
	}
}

func TestSetConcurrentRevisionsAreUnique(t *testing.T) {
	svc, _ := newSvc(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	revs := make(chan int64, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := svc.Set(ctx, "allowlist", actions("rollover"))
			if err != nil {
				t.Errorf("set: %v", err)
				return
			}
			revs <- doc.Revision
		}()
	}
	wg.Wait()
	close(revs)
	seen := map[int64]bool{}
	for r := range revs {
		if seen[r] {
			t.Fatalf("duplicate revision %d", r)
		}
		seen[r] = true
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 revisions, got %d", len(seen))
	}
}

func TestGetMissing(t *testing.T) {
	svc, _ := newSvc(t, nil)
	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Get(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if _, err := svc.Set(context.Background(), "", actions()); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestWatchAppliesNewRevisions(t *testing.T) {
	lb := newLoopback()
	writer, mr := newSvc(t, lb)
	reader := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), lb, "")
	t.Cleanup(func() { _ = reader.Close() })
	ctx := context.Background()

	var applied []int64
	if err := reader.Watch(ctx, "allowlist", func(doc *Document) error {
		applied = append(applied, doc.Revision)
		return nil
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if _, err := writer.Set(ctx, "allowlist", actions("rollover")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := writer.Set(ctx, "other", actions("delete")); err != nil {
		t.Fatalf("set other: %v", err)
	}
	if _, err := writer.Set(ctx, "allowlist", actions("delete")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(applied) != 2 || applied[0] != 1 || applied[1] != 2 {
		t.Fatalf("unexpected applied revisions %v", applied)
	}

	// A replayed, stale notification is ignored.
	if err := lb.deliver(bus.SubjectSettingsChanged, `{"name":"allowlist","revision":1}`); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("stale revision applied: %v", applied)
	}
}

func TestWatchReloadFailureIsRetryable(t *testing.T) {
	lb := newLoopback()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	svc := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), lb, "")
	defer svc.Close()
	if err := svc.Watch(context.Background(), "allowlist", func(*Document) error { return nil }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	mr.Close()

	err = lb.deliver(bus.SubjectSettingsChanged, `{"name":"allowlist","revision":5}`)
	if _, ok := bus.RetryDelay(err); !ok {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if err := lb.deliver(bus.SubjectSettingsChanged, `not json`); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSyncAndApply(t *testing.T) {
	svc, _ := newSvc(t, nil)
	ctx := context.Background()
	var got []string

	apply := func(doc *Document) error {
		got = append(got, doc.Hash)
		return nil
	}
	if ok, err := svc.Sync(ctx, "allowlist", apply); err != nil || ok {
		t.Fatalf("expected nothing to sync, ok=%v err=%v", ok, err)
	}
	doc, err := svc.Set(ctx, "allowlist", actions("rollover"))
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, err := svc.Apply(doc, apply); err != nil || !ok {
		t.Fatalf("apply: ok=%v err=%v", ok, err)
	}
	if ok, _ := svc.Sync(ctx, "allowlist", apply); ok {
		t.Fatalf("same revision must not be applied twice")
	}
	if len(got) != 1 {
		t.Fatalf("expected one apply, got %d", len(got))
	}

	failing := func(*Document) error { return errors.New("invalid") }
	next, _ := svc.Set(ctx, "allowlist", actions("delete"))
	if _, err := svc.Apply(next, failing); err == nil {
		t.Fatalf("expected apply error")
	}
	if ok, err := svc.Apply(next, apply); err != nil || !ok {
		t.Fatalf("failed apply must not advance the revision: ok=%v err=%v", ok, err)
	}
}

func TestSetSurvivesPublishFailure(t *testing.T) {
	lb := newLoopback()
	lb.publishErr = errors.New("nats down")
	svc, _ := newSvc(t, lb)

	doc, err := svc.Set(context.Background(), "allowlist", actions("rollover"))
	if err != nil {
		t.Fatalf("set must succeed when the bus is down: %v", err)
	}
	if stored, err := svc.Get(context.Background(), "allowlist"); err != nil || stored.Revision != doc.Revision {
		t.Fatalf("expected persisted document, got %+v err=%v", stored, err)
	}
}

func TestWatchRequiresNotifier(t *testing.T) {
	svc, _ := newSvc(t, nil)
	if err := svc.Watch(context.Background(), "allowlist", func(*Document) error { return nil }); err == nil {
		t.Fatalf("expected error without notifier")
	}
}
