package syncer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/client/queue"
)

// Syncer flushes the action queue to the server as one ordered batch.
// Exactly one flush runs at a time; the state machine's syncing state is the
// lock.
type Syncer struct {
	queue       *queue.Queue
	transport   Transport
	machine     *Machine
	sessionID   uuid.UUID
	maxAttempts int

	// OnSynced, when set, observes every successfully flushed batch size.
	OnSynced func(count int)
}

// New creates a syncer. maxAttempts bounds how often one batch is retried on
// connectivity failures before the queue is restored.
func New(q *queue.Queue, transport Transport, machine *Machine, sessionID uuid.UUID, maxAttempts int) *Syncer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Syncer{
		queue:       q,
		transport:   transport,
		machine:     machine,
		sessionID:   sessionID,
		maxAttempts: maxAttempts,
	}
}

// Flush pops the whole queue and sends it in order. On a connectivity
// failure the same batch is resent up to the attempt bound; exhausting it
// restores the queue intact and moves the client offline. A non-connectivity
// failure also restores the queue but surfaces immediately without an
// offline transition.
func (s *Syncer) Flush(ctx context.Context) error {
	if err := s.machine.To(StateSyncing); err != nil {
		return fmt.Errorf("flush already in progress: %w", err)
	}

	batch, err := s.queue.PopAll(ctx)
	if err != nil {
		s.settle(StateOffline)
		return fmt.Errorf("pop action queue: %w", err)
	}
	if len(batch) == 0 {
		s.settle(StateOnline)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		_, lastErr = s.transport.SendBatch(ctx, s.sessionID, batch)
		if lastErr == nil {
			s.settle(StateOnline)
			log.Info().
				Str("session_id", s.sessionID.String()).
				Int("actions", len(batch)).
				Int("attempt", attempt).
				Msg("sync flush completed")
			if s.OnSynced != nil {
				s.OnSynced(len(batch))
			}
			return nil
		}
		if !IsConnectivityError(lastErr) {
			// Server-side rejection: restore and surface without going
			// offline.
			if rerr := s.queue.Restore(ctx, batch); rerr != nil {
				log.Error().Err(rerr).Msg("failed to restore queue after sync rejection")
			}
			s.settle(StateOnline)
			return fmt.Errorf("sync rejected by server: %w", lastErr)
		}
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", s.maxAttempts).
			Msg("sync flush failed on connectivity, retrying")
	}

	if err := s.queue.Restore(ctx, batch); err != nil {
		log.Error().Err(err).Msg("failed to restore queue after exhausted retries")
	}
	s.settle(StateOffline)
	return fmt.Errorf("sync failed after %d attempts: %w", s.maxAttempts, lastErr)
}

// Export returns a serialized snapshot of the queued actions for manual
// submission when the client cannot reconnect.
func (s *Syncer) Export() ([]byte, error) {
	return s.queue.Export()
}

func (s *Syncer) settle(state State) {
	if err := s.machine.To(state); err != nil {
		log.Error().Err(err).Str("target", string(state)).Msg("failed to settle connectivity state")
	}
}
