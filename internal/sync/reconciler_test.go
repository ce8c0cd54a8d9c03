package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/5-re-5/smore-front-sub000/internal/bus"
	"github.com/5-re-5/smore-front-sub000/internal/history"
	"github.com/5-re-5/smore-front-sub000/internal/timeline"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []history.SinceRequest
	msgs  []timeline.Message
	err   error
}

func (f *fakeFetcher) FetchSince(_ context.Context, req history.SinceRequest) ([]timeline.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.msgs, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func msg(id string, sec int64) timeline.Message {
	return timeline.Message{MessageID: id, Type: timeline.TypeGroup, CreatedAt: time.Unix(sec, 0)}
}

func TestReconcileAnchorsOnNewestEntry(t *testing.T) {
	store := timeline.NewStore("r1", nil)
	store.ReplaceAll([]timeline.Message{msg("m1", 10), msg("m2", 20)})

	f := &fakeFetcher{msgs: []timeline.Message{msg("m3", 30)}}
	r := NewReconciler(store, f, nil, 0, nil)
	r.Reconcile(context.Background())

	if f.callCount() != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.callCount())
	}
	if !f.calls[0].Since.Equal(time.Unix(20, 0)) {
		t.Errorf("since = %v, want newest entry time", f.calls[0].Since)
	}
	if f.calls[0].RoomID != "r1" {
		t.Errorf("room = %q", f.calls[0].RoomID)
	}
	if store.Len() != 3 {
		t.Errorf("timeline len = %d, want 3", store.Len())
	}
}

func TestReconcileSkipsEmptyStore(t *testing.T) {
	store := timeline.NewStore("r1", nil)
	f := &fakeFetcher{}
	r := NewReconciler(store, f, nil, 0, nil)
	r.Reconcile(context.Background())

	if f.callCount() != 0 {
		t.Errorf("fetch calls = %d, want 0 (nothing to anchor to)", f.callCount())
	}
}

func TestReconcileToleratesServerIgnoringStrictAfter(t *testing.T) {
	// Scenario: the server returns a row at or before the anchor despite
	// the "created after" filter. The merge must stay duplicate-free and
	// ordered.
	store := timeline.NewStore("r1", nil)
	store.ReplaceAll([]timeline.Message{msg("m1", 10), msg("m2", 20)})

	f := &fakeFetcher{msgs: []timeline.Message{msg("m2", 20), msg("m3", 30)}}
	r := NewReconciler(store, f, nil, 0, nil)
	r.Reconcile(context.Background())

	snap := store.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("timeline len = %d, want 3", len(snap))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if snap[i].MessageID != want {
			t.Errorf("snap[%d] = %s, want %s", i, snap[i].MessageID, want)
		}
	}
}

func TestReconcileFailureIsAbsorbed(t *testing.T) {
	store := timeline.NewStore("r1", nil)
	store.ReplaceAll([]timeline.Message{msg("m1", 10)})

	f := &fakeFetcher{err: errors.New("boom")}
	r := NewReconciler(store, f, nil, 0, nil)
	r.Reconcile(context.Background())

	if store.Len() != 1 {
		t.Errorf("timeline len = %d, want 1 (untouched)", store.Len())
	}
}

func TestStartTriggersOnReconnectEvent(t *testing.T) {
	b := bus.New()
	store := timeline.NewStore("r1", b)
	store.ReplaceAll([]timeline.Message{msg("m1", 10)})

	f := &fakeFetcher{msgs: []timeline.Message{msg("m2", 20)}}
	r := NewReconciler(store, f, b, 25, nil)
	r.Start(context.Background())
	defer r.Stop()

	b.Publish(bus.Now(bus.KindReconnected, nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Len() == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if store.Len() != 2 {
		t.Fatalf("timeline len = %d, want 2 after gap-fill", store.Len())
	}
	f.mu.Lock()
	limit := f.calls[0].Limit
	f.mu.Unlock()
	if limit != 25 {
		t.Errorf("limit = %d, want 25", limit)
	}
}
