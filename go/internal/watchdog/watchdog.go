// Package watchdog enforces maximum-time deadlines server-side. Sessions
// record their next deadline when an item timer starts; the watchdog sleeps
// until the soonest one, claims the sessions that are due and fires a timeout
// for each through the action controller.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/controller"
	"github.com/rgoulet/examd/go/internal/session"
)

// DeadlineSource is the slice of session persistence the watchdog reads.
type DeadlineSource interface {
	FetchNextDeadline(ctx context.Context) (*session.NextDeadline, error)
	FetchSessionsDue(ctx context.Context, limit int32) ([]uuid.UUID, error)
}

// TimeoutDispatcher fires a server-initiated timeout against one session.
type TimeoutDispatcher interface {
	DispatchTimeout(ctx context.Context, sessionID uuid.UUID) (controller.Response, bool)
}

const (
	defaultWorkers   = 10
	idlePollInterval = 5 * time.Second
	maxFetchRetries  = 3
)

// Watchdog is a single-goroutine scheduler loop with a small worker pool
// behind it. One instance serves all sessions of the deployment.
type Watchdog struct {
	deadlines  DeadlineSource
	dispatcher TimeoutDispatcher
	clock      clockwork.Clock
	batchSize  int32
	instanceID string

	wakeCh chan struct{}

	numWorkers int
	workCh     chan uuid.UUID

	// Sessions currently being timed out, to keep a slow worker from being
	// handed the same session twice.
	inFlight   map[uuid.UUID]bool
	inFlightMu sync.Mutex
}

// New creates a watchdog over the given deadline source and dispatcher.
func New(deadlines DeadlineSource, dispatcher TimeoutDispatcher, clock clockwork.Clock, batchSize int32) *Watchdog {
	return &Watchdog{
		deadlines:  deadlines,
		dispatcher: dispatcher,
		clock:      clock,
		batchSize:  batchSize,
		instanceID: uuid.New().String()[:8],
		wakeCh:     make(chan struct{}, 1),
		numWorkers: defaultWorkers,
		workCh:     make(chan uuid.UUID, defaultWorkers*2),
		inFlight:   make(map[uuid.UUID]bool),
	}
}

// Wake nudges the scheduler loop so a freshly written deadline that is sooner
// than the one currently slept on takes effect immediately.
func (w *Watchdog) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled, sleeping until the next deadline and
// handing due sessions to the worker pool.
func (w *Watchdog) Run(ctx context.Context) error {
	log.Info().Str("instance", w.instanceID).Int("workers", w.numWorkers).Msg("watchdog started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer func() {
		cancelWorkers()
		close(w.workCh)
		wg.Wait()
		log.Info().Str("instance", w.instanceID).Msg("watchdog workers shut down")
	}()

	for i := 0; i < w.numWorkers; i++ {
		wg.Add(1)
		go w.worker(workerCtx, &wg, i)
	}

	timer := w.clock.NewTimer(0)
	defer timer.Stop()

	retries := 0
	for {
		select {
		case <-w.wakeCh:
		default:
		}

		deadline, err := w.deadlines.FetchNextDeadline(ctx)
		if err != nil {
			retries++
			if retries <= maxFetchRetries {
				log.Error().Err(err).Int("retry", retries).Str("instance", w.instanceID).Msg("error fetching next deadline, retrying")
				timer.Reset(time.Second * time.Duration(retries))
				select {
				case <-timer.Chan():
					continue
				case <-ctx.Done():
					return nil
				}
			}
			log.Error().Err(err).Str("instance", w.instanceID).Msg("error fetching next deadline after retries")
			return err
		}
		retries = 0

		if deadline == nil || deadline.Deadline == nil {
			// No running session carries a deadline right now.
			timer.Reset(idlePollInterval)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				return nil
			case <-w.wakeCh:
				continue
			}
		}

		if wait := deadline.Deadline.Sub(w.clock.Now()); wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				return nil
			case <-w.wakeCh:
				// A sooner deadline may have been written; re-fetch.
				continue
			}
		}

		due, err := w.deadlines.FetchSessionsDue(ctx, w.batchSize)
		if err != nil {
			log.Error().Err(err).Str("instance", w.instanceID).Msg("error fetching due sessions")
			timer.Reset(time.Second)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if len(due) > 0 {
			log.Info().
				Int("count_due", len(due)).
				Int32("batch_size", w.batchSize).
				Str("instance", w.instanceID).
				Msg("processing due sessions")
		}
		for _, sessionID := range due {
			w.inFlightMu.Lock()
			if w.inFlight[sessionID] {
				w.inFlightMu.Unlock()
				continue
			}
			w.inFlight[sessionID] = true
			w.inFlightMu.Unlock()

			select {
			case <-ctx.Done():
				w.inFlightMu.Lock()
				delete(w.inFlight, sessionID)
				w.inFlightMu.Unlock()
				return nil
			case w.workCh <- sessionID:
			}
		}
	}
}

func (w *Watchdog) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sessionID, ok := <-w.workCh:
			if !ok {
				return
			}

			resp, fired := w.dispatcher.DispatchTimeout(ctx, sessionID)
			switch {
			case !resp.Success:
				log.Error().
					Str("session_id", sessionID.String()).
					Str("instance", w.instanceID).
					Int("worker_id", workerID).
					Interface("error", resp.Error).
					Msg("timeout dispatch failed")
			case fired:
				log.Info().
					Str("session_id", sessionID.String()).
					Str("instance", w.instanceID).
					Int("worker_id", workerID).
					Msg("session timed out")
			}

			w.inFlightMu.Lock()
			delete(w.inFlight, sessionID)
			w.inFlightMu.Unlock()
		}
	}
}
