package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/rgoulet/examd/go/internal/client/queue"
	"github.com/rgoulet/examd/go/internal/controller"
	"github.com/rgoulet/examd/go/internal/models"
	"github.com/rgoulet/examd/go/internal/storage"
)

type fakeTransport struct {
	batches    [][]models.Action
	sent       []models.Action
	batchErrs  []error
	sendErr    error
	sendCalled int
}

func (t *fakeTransport) Send(_ context.Context, _ uuid.UUID, action models.Action) (controller.Response, error) {
	t.sendCalled++
	if t.sendErr != nil {
		return controller.Response{}, t.sendErr
	}
	t.sent = append(t.sent, action)
	return controller.Response{Success: true}, nil
}

func (t *fakeTransport) SendBatch(_ context.Context, _ uuid.UUID, batch []models.Action) ([]controller.Response, error) {
	copied := make([]models.Action, len(batch))
	copy(copied, batch)
	t.batches = append(t.batches, copied)
	if len(t.batchErrs) > 0 {
		err := t.batchErrs[0]
		t.batchErrs = t.batchErrs[1:]
		return nil, err
	}
	return make([]controller.Response, len(batch)), nil
}

func newSyncQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Load(context.Background(), storage.NewMemoryStore(), "user.session")
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestFlushSendsOneOrderedBatch(t *testing.T) {
	ctx := context.Background()
	q := newSyncQueue(t)
	first, _ := q.Push(ctx, models.Action{Kind: models.ActionMove})
	second, _ := q.Push(ctx, models.Action{Kind: models.ActionMove})

	transport := &fakeTransport{}
	machine := NewMachine(StateOffline)
	var synced int
	s := New(q, transport, machine, uuid.New(), 3)
	s.OnSynced = func(count int) { synced = count }

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if len(transport.batches) != 1 {
		t.Fatalf("batches sent = %d, want 1", len(transport.batches))
	}
	batch := transport.batches[0]
	if batch[0].ClientID != first.ClientID || batch[1].ClientID != second.ClientID {
		t.Fatal("batch order must match queue order")
	}
	if q.Len() != 0 {
		t.Fatalf("queue len after flush = %d, want 0", q.Len())
	}
	if !machine.Is(StateOnline) {
		t.Fatalf("state = %s, want online", machine.State())
	}
	if synced != 2 {
		t.Fatalf("OnSynced count = %d, want 2", synced)
	}
}

func TestFlushRetriesExactlyToTheBoundThenRestores(t *testing.T) {
	ctx := context.Background()
	q := newSyncQueue(t)
	first, _ := q.Push(ctx, models.Action{Kind: models.ActionMove})
	second, _ := q.Push(ctx, models.Action{Kind: models.ActionMove})

	transport := &fakeTransport{
		batchErrs: []error{ErrUnreachable, ErrUnreachable, ErrUnreachable},
	}
	machine := NewMachine(StateOffline)
	s := New(q, transport, machine, uuid.New(), 3)

	err := s.Flush(ctx)
	if err == nil {
		t.Fatal("flush should fail after exhausting retries")
	}
	if len(transport.batches) != 3 {
		t.Fatalf("attempts = %d, want exactly 3", len(transport.batches))
	}
	if !machine.Is(StateOffline) {
		t.Fatalf("state = %s, want offline", machine.State())
	}

	// Queue restored intact and in order.
	entries := q.Entries()
	if len(entries) != 2 || entries[0].ClientID != first.ClientID || entries[1].ClientID != second.ClientID {
		t.Fatalf("restored entries = %+v", entries)
	}
}

func TestFlushSurfacesServerRejectionWithoutGoingOffline(t *testing.T) {
	ctx := context.Background()
	q := newSyncQueue(t)
	if _, err := q.Push(ctx, models.Action{Kind: models.ActionMove}); err != nil {
		t.Fatal(err)
	}

	transport := &fakeTransport{batchErrs: []error{errors.New("duplicate action")}}
	machine := NewMachine(StateOnline)
	s := New(q, transport, machine, uuid.New(), 3)

	err := s.Flush(ctx)
	if err == nil {
		t.Fatal("server rejection must surface")
	}
	if len(transport.batches) != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on non-connectivity errors)", len(transport.batches))
	}
	if !machine.Is(StateOnline) {
		t.Fatalf("state = %s, want online after rejection", machine.State())
	}
	if q.Len() != 1 {
		t.Fatal("queue must be restored after rejection")
	}
}

func TestSyncingIsNotReentrant(t *testing.T) {
	machine := NewMachine(StateOnline)
	if err := machine.To(StateOnline); err != nil {
		t.Fatalf("same-state online transition must be a no-op, got %v", err)
	}
	if err := machine.To(StateSyncing); err != nil {
		t.Fatal(err)
	}
	if err := machine.To(StateSyncing); err == nil {
		t.Fatal("re-entering syncing must fail while a sync holds it")
	}
	if err := machine.To(StateOnline); err != nil {
		t.Fatal(err)
	}
}

func TestOnlyOneFlushAtATime(t *testing.T) {
	q := newSyncQueue(t)
	machine := NewMachine(StateOffline)
	s := New(q, &fakeTransport{}, machine, uuid.New(), 3)

	if err := machine.To(StateSyncing); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(context.Background()); err == nil {
		t.Fatal("a second concurrent flush must be refused")
	}
}
