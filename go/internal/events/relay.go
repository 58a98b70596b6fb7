package events

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RelayConfig holds the outbox relay settings.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int32
}

// DefaultRelayConfig returns production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	}
}

// Relay drains the outbox to the publisher on a polling loop. Events that
// fail to publish stay unsent and are retried on the next poll.
type Relay struct {
	db        *sql.DB
	outbox    *Outbox
	publisher Publisher
	config    RelayConfig

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRelay returns a relay over the given outbox and publisher.
func NewRelay(db *sql.DB, outbox *Outbox, publisher Publisher, cfg RelayConfig) *Relay {
	return &Relay{
		db:        db,
		outbox:    outbox,
		publisher: publisher,
		config:    cfg,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the relay loop.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("outbox relay already running")
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	log.Info().
		Dur("poll_interval", r.config.PollInterval).
		Int32("batch_size", r.config.BatchSize).
		Msg("outbox relay started")
	return nil
}

// Stop halts the relay loop and waits for the in-flight batch.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("outbox relay not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	log.Info().Msg("outbox relay stopped")
	return nil
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	// Drain immediately on start so restarts do not delay staged events.
	r.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("outbox relay failed to begin transaction")
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	batch, err := r.outbox.FetchUnsent(ctx, tx, r.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("outbox relay failed to fetch events")
		return
	}
	if len(batch) == 0 {
		return
	}

	published := 0
	for _, event := range batch {
		if err := r.publisher.Publish(ctx, event); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Msg("outbox relay failed to publish event; will retry")
			break
		}
		if err := r.outbox.MarkSent(ctx, tx, event.ID); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("outbox relay failed to mark event sent")
			break
		}
		published++
	}

	if published > 0 {
		if err := tx.Commit(); err != nil {
			log.Error().Err(err).Msg("outbox relay failed to commit batch")
			return
		}
		committed = true
		log.Debug().Int("published", published).Int("batch", len(batch)).Msg("outbox relay drained batch")
	}
}
