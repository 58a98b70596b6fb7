package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/rgoulet/examd/go/internal/client/cache"
	"github.com/rgoulet/examd/go/internal/client/queue"
	"github.com/rgoulet/examd/go/internal/models"
	"github.com/rgoulet/examd/go/internal/storage"
)

func proxyTestMap() *models.TestMap {
	return &models.TestMap{
		TestID: "test-1",
		Parts: []models.MapPart{
			{
				ID:             "part-1",
				NavigationMode: models.NavigationModeNonLinear,
				Sections: []models.MapSection{
					{
						ID: "section-1",
						Items: []models.MapItem{
							{ID: "item-1", Position: 0, AllowSkipping: true},
							{ID: "item-2", Position: 1, AllowSkipping: true},
							{ID: "item-3", Position: 2, AllowSkipping: true},
						},
					},
				},
			},
		},
	}
}

type proxyFixture struct {
	proxy     *Proxy
	queue     *queue.Queue
	transport *fakeTransport
	machine   *Machine
	items     *cache.ItemCache
}

func newProxyFixture(t *testing.T, initial State) *proxyFixture {
	t.Helper()
	q, err := queue.Load(context.Background(), storage.NewMemoryStore(), "user.session")
	if err != nil {
		t.Fatal(err)
	}
	items := cache.NewItemCache(0)
	items.Put(cache.CachedItem{ID: "item-1"})
	items.Put(cache.CachedItem{ID: "item-2"})
	navigator := cache.NewNavigator(proxyTestMap(), items)
	transport := &fakeTransport{}
	machine := NewMachine(initial)
	sessionID := uuid.New()
	s := New(q, transport, machine, sessionID, 2)
	return &proxyFixture{
		proxy:     NewProxy(q, s, machine, transport, navigator, sessionID, 0),
		queue:     q,
		transport: transport,
		machine:   machine,
		items:     items,
	}
}

func move() models.Action {
	action := models.Action{Kind: models.ActionMove}
	if err := action.SetParam("direction", "next"); err != nil {
		panic(err)
	}
	if err := action.SetParam("scope", "item"); err != nil {
		panic(err)
	}
	return action
}

func TestScheduleOnlineDispatchesAndAcks(t *testing.T) {
	f := newProxyFixture(t, StateOnline)

	result, err := f.proxy.Schedule(context.Background(), move())
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if result.Outcome != OutcomeDispatched {
		t.Fatalf("outcome = %s, want dispatched", result.Outcome)
	}
	if f.queue.Len() != 0 {
		t.Fatal("acked action must leave the queue")
	}
	if f.transport.sendCalled != 1 {
		t.Fatalf("sends = %d, want 1", f.transport.sendCalled)
	}
}

func TestScheduleQueuesBeforeDispatch(t *testing.T) {
	f := newProxyFixture(t, StateOnline)
	f.transport.sendErr = ErrUnreachable

	result, err := f.proxy.Schedule(context.Background(), move())
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if result.Outcome != OutcomeResolvedOffline {
		t.Fatalf("outcome = %s, want resolvedOffline", result.Outcome)
	}
	if f.queue.Len() != 1 {
		t.Fatal("the action must remain queued after a connectivity failure")
	}
	if !f.machine.Is(StateOffline) {
		t.Fatalf("state = %s, want offline", f.machine.State())
	}
	if result.Position != 1 {
		t.Fatalf("position = %d, want 1 (resolved locally)", result.Position)
	}
}

func TestScheduleOfflineNavigatesLocally(t *testing.T) {
	f := newProxyFixture(t, StateOffline)

	result, err := f.proxy.Schedule(context.Background(), move())
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if result.Outcome != OutcomeResolvedOffline || result.Position != 1 {
		t.Fatalf("result = %+v", result)
	}
	if f.queue.Len() != 1 {
		t.Fatal("offline action must stay queued for replay")
	}
	entries := f.queue.Entries()
	if !entries[0].Offline {
		t.Fatal("queued action must carry the offline flag")
	}
}

func TestScheduleOfflineFailsOnUncachedTarget(t *testing.T) {
	f := newProxyFixture(t, StateOffline)
	f.proxy.position = 1 // item-3 is not cached

	_, err := f.proxy.Schedule(context.Background(), move())
	if !errors.Is(err, cache.ErrCannotNavigateOffline) {
		t.Fatalf("err = %v, want ErrCannotNavigateOffline", err)
	}
}

func TestOfflineMoveOntoLastItemSyncsThenAdvances(t *testing.T) {
	f := newProxyFixture(t, StateOffline)
	f.items.Put(cache.CachedItem{ID: "item-3"})
	f.proxy.position = 1

	result, err := f.proxy.Schedule(context.Background(), move())
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if result.Outcome != OutcomeDispatched {
		t.Fatalf("outcome = %s, want dispatched after successful sync", result.Outcome)
	}
	if result.Position != 2 || f.proxy.Position() != 2 {
		t.Fatalf("position = %d (proxy %d), want 2", result.Position, f.proxy.Position())
	}
	if len(f.transport.batches) != 1 {
		t.Fatalf("flushes = %d, want 1", len(f.transport.batches))
	}
}

func TestOfflineMoveOntoLastItemStaysPutWhenSyncFails(t *testing.T) {
	f := newProxyFixture(t, StateOffline)
	f.items.Put(cache.CachedItem{ID: "item-3"})
	f.proxy.position = 1
	f.transport.batchErrs = []error{ErrUnreachable, ErrUnreachable}

	result, err := f.proxy.Schedule(context.Background(), move())
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if result.Outcome != OutcomeSyncRequired {
		t.Fatalf("outcome = %s, want syncRequired", result.Outcome)
	}
	if result.Position != 1 || f.proxy.Position() != 1 {
		t.Fatalf("position = %d (proxy %d), want 1 until the server confirms", result.Position, f.proxy.Position())
	}
}

func TestBlockingActionTriggersSyncAttempt(t *testing.T) {
	f := newProxyFixture(t, StateOffline)
	if _, err := f.queue.Push(context.Background(), move()); err != nil {
		t.Fatal(err)
	}

	result, err := f.proxy.Schedule(context.Background(), models.Action{Kind: models.ActionExitTest})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if result.Outcome != OutcomeDispatched {
		t.Fatalf("outcome = %s, want dispatched after successful sync", result.Outcome)
	}
	if len(f.transport.batches) != 1 {
		t.Fatalf("flushes = %d, want 1", len(f.transport.batches))
	}
	// Batch preserves queue order: the earlier move precedes the exit.
	batch := f.transport.batches[0]
	if len(batch) != 2 || batch[0].Kind != models.ActionMove || batch[1].Kind != models.ActionExitTest {
		t.Fatalf("batch = %+v", batch)
	}
}

func TestBlockingActionStillOfflineRequiresSyncChoice(t *testing.T) {
	f := newProxyFixture(t, StateOffline)
	f.transport.batchErrs = []error{ErrUnreachable, ErrUnreachable}

	result, err := f.proxy.Schedule(context.Background(), models.Action{Kind: models.ActionPause})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if result.Outcome != OutcomeSyncRequired {
		t.Fatalf("outcome = %s, want syncRequired", result.Outcome)
	}

	// The snapshot export path stays available for manual submission.
	snapshot, err := f.proxy.syncer.Export()
	if err != nil {
		t.Fatal(err)
	}
	var exported []models.Action
	if err := json.Unmarshal(snapshot, &exported); err != nil {
		t.Fatalf("snapshot not decodable: %v", err)
	}
	if len(exported) != 1 || exported[0].Kind != models.ActionPause {
		t.Fatalf("exported = %+v", exported)
	}
}

func TestGuardBlocksNavigation(t *testing.T) {
	f := newProxyFixture(t, StateOnline)
	f.proxy.AddBeforeNavigation(func(*models.Action) bool { return false })

	result, err := f.proxy.Schedule(context.Background(), move())
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if result.Outcome != OutcomeBlocked {
		t.Fatalf("outcome = %s, want blocked", result.Outcome)
	}
	if f.queue.Len() != 0 {
		t.Fatal("a blocked action must not be queued")
	}
	if f.transport.sendCalled != 0 {
		t.Fatal("a blocked action must not reach the transport")
	}
}
