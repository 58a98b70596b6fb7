// Package queue persists the client's pending actions. Every test-affecting
// call is appended here before any network attempt, so a connectivity loss
// never drops an action.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/models"
	"github.com/rgoulet/examd/go/internal/storage"
)

const storageKey = "actionQueue"

// Queue is a persisted FIFO of actions owned by one session's proxy. It has
// exactly one writer; the single-flush rule in the syncer is what keeps that
// true.
type Queue struct {
	store   storage.Store
	owner   string
	entries []models.Action
}

// Load restores the queue persisted under the owner, or an empty queue when
// none exists.
func Load(ctx context.Context, store storage.Store, owner string) (*Queue, error) {
	q := &Queue{store: store, owner: owner}
	raw, err := store.Get(ctx, owner, storageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load action queue: %w", err)
	}
	if err := json.Unmarshal(raw, &q.entries); err != nil {
		return nil, fmt.Errorf("decode action queue: %w", err)
	}
	log.Info().Str("owner", owner).Int("pending", len(q.entries)).Msg("action queue restored")
	return q, nil
}

// Push appends an action and persists the queue before returning. Actions
// without a client id get one assigned here.
func (q *Queue) Push(ctx context.Context, action models.Action) (models.Action, error) {
	if action.ClientID == "" {
		action.ClientID = uuid.NewString()
	}
	q.entries = append(q.entries, action)
	if err := q.persist(ctx); err != nil {
		q.entries = q.entries[:len(q.entries)-1]
		return models.Action{}, err
	}
	return action, nil
}

// PopAll removes and returns every queued action in FIFO order, persisting
// the now-empty queue. The returned batch must either be acknowledged by a
// successful sync or pushed back via Restore.
func (q *Queue) PopAll(ctx context.Context) ([]models.Action, error) {
	if len(q.entries) == 0 {
		return nil, nil
	}
	batch := q.entries
	q.entries = nil
	if err := q.persist(ctx); err != nil {
		q.entries = batch
		return nil, err
	}
	return batch, nil
}

// Restore pushes a popped batch back onto the front of the queue, preserving
// order ahead of anything queued since.
func (q *Queue) Restore(ctx context.Context, batch []models.Action) error {
	if len(batch) == 0 {
		return nil
	}
	restored := make([]models.Action, 0, len(batch)+len(q.entries))
	restored = append(restored, batch...)
	restored = append(restored, q.entries...)
	prev := q.entries
	q.entries = restored
	if err := q.persist(ctx); err != nil {
		q.entries = prev
		return err
	}
	return nil
}

// Ack drops the action with the given client id, used when an online
// dispatch succeeded immediately.
func (q *Queue) Ack(ctx context.Context, clientID string) error {
	for i, entry := range q.entries {
		if entry.ClientID != clientID {
			continue
		}
		prev := q.entries
		q.entries = append(append([]models.Action{}, q.entries[:i]...), q.entries[i+1:]...)
		if err := q.persist(ctx); err != nil {
			q.entries = prev
			return err
		}
		return nil
	}
	return nil
}

// Entries returns the queued actions in order without removing them.
func (q *Queue) Entries() []models.Action {
	out := make([]models.Action, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Export serializes the pending batch for manual submission, without
// mutating the queue.
func (q *Queue) Export() ([]byte, error) {
	snapshot, err := json.MarshalIndent(q.entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export action queue: %w", err)
	}
	return snapshot, nil
}

func (q *Queue) persist(ctx context.Context) error {
	raw, err := json.Marshal(q.entries)
	if err != nil {
		return fmt.Errorf("encode action queue: %w", err)
	}
	if err := q.store.Set(ctx, q.owner, storageKey, raw); err != nil {
		return fmt.Errorf("persist action queue: %w", err)
	}
	return nil
}
