package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/client/cache"
	"github.com/rgoulet/examd/go/internal/client/queue"
	"github.com/rgoulet/examd/go/internal/controller"
	"github.com/rgoulet/examd/go/internal/models"
)

// Outcome classifies how the proxy resolved a scheduled action.
type Outcome string

const (
	// OutcomeDispatched means the server processed the action (directly or
	// through a flush).
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeResolvedOffline means local navigation advanced the test while
	// the action stays queued.
	OutcomeResolvedOffline Outcome = "resolvedOffline"
	// OutcomeBlocked means a before-navigation guard stopped the action.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeSyncRequired means a blocking action needs the server and the
	// client could not reach it; the caller offers waiting or exporting a
	// snapshot.
	OutcomeSyncRequired Outcome = "syncRequired"
)

// Result is the proxy's answer to one scheduled action.
type Result struct {
	Outcome  Outcome
	Response *controller.Response
	Position int
}

// Proxy is the single entry point UI plugins dispatch through: it queues
// every action first, then executes it against the server when online or
// resolves it locally when not. One proxy exclusively owns its queue and
// caches.
type Proxy struct {
	queue     *queue.Queue
	syncer    *Syncer
	machine   *Machine
	transport Transport
	navigator *cache.Navigator
	sessionID uuid.UUID

	position int
	guards   []func(*models.Action) bool
}

// NewProxy creates a proxy starting at the given item position.
func NewProxy(q *queue.Queue, s *Syncer, machine *Machine, transport Transport, navigator *cache.Navigator, sessionID uuid.UUID, position int) *Proxy {
	return &Proxy{
		queue:     q,
		syncer:    s,
		machine:   machine,
		transport: transport,
		navigator: navigator,
		sessionID: sessionID,
		position:  position,
	}
}

// AddBeforeNavigation registers a guard run before move and skip actions are
// queued. Guards run in registration order; the first false blocks.
func (p *Proxy) AddBeforeNavigation(guard func(action *models.Action) bool) {
	p.guards = append(p.guards, guard)
}

// Position returns the proxy's current item position.
func (p *Proxy) Position() int {
	return p.position
}

// RaiseTimeout schedules a timeout action, used by the timeout strategy.
func (p *Proxy) RaiseTimeout(source string, scope models.NavigationScope) {
	action := models.Action{Kind: models.ActionTimeout}
	if err := action.SetParam("source", source); err != nil {
		log.Error().Err(err).Msg("failed to build timeout action")
		return
	}
	if err := action.SetParam("scope", string(scope)); err != nil {
		log.Error().Err(err).Msg("failed to build timeout action")
		return
	}
	if err := action.SetParam("direction", string(models.DirectionNext)); err != nil {
		log.Error().Err(err).Msg("failed to build timeout action")
		return
	}
	if _, err := p.Schedule(context.Background(), action); err != nil {
		log.Error().Err(err).Str("source", source).Msg("timeout action failed")
	}
}

// MoveForward schedules a forward move, used by guided navigation.
func (p *Proxy) MoveForward() {
	action := models.Action{Kind: models.ActionMove}
	if err := action.SetParam("direction", string(models.DirectionNext)); err != nil {
		log.Error().Err(err).Msg("failed to build move action")
		return
	}
	if err := action.SetParam("scope", string(models.NavScopeItem)); err != nil {
		log.Error().Err(err).Msg("failed to build move action")
		return
	}
	if _, err := p.Schedule(context.Background(), action); err != nil {
		log.Error().Err(err).Msg("guided forward move failed")
	}
}

// Schedule queues the action and then attempts to execute it: against the
// server when online, locally when offline. The append happens before any
// network attempt.
func (p *Proxy) Schedule(ctx context.Context, action models.Action) (Result, error) {
	if navigational(action.Kind) {
		for _, guard := range p.guards {
			if !guard(&action) {
				return Result{Outcome: OutcomeBlocked, Position: p.position}, nil
			}
		}
	}

	action.Offline = !p.machine.Is(StateOnline)
	queued, err := p.queue.Push(ctx, action)
	if err != nil {
		return Result{}, fmt.Errorf("queue action: %w", err)
	}

	if p.machine.Is(StateOnline) {
		return p.dispatchOnline(ctx, queued)
	}
	return p.resolveOffline(ctx, queued)
}

func (p *Proxy) dispatchOnline(ctx context.Context, action models.Action) (Result, error) {
	resp, err := p.transport.Send(ctx, p.sessionID, action)
	if err == nil {
		if err := p.queue.Ack(ctx, action.ClientID); err != nil {
			log.Error().Err(err).Msg("failed to ack dispatched action")
		}
		if resp.TestContext != nil {
			p.position = resp.TestContext.Position
		}
		return Result{Outcome: OutcomeDispatched, Response: &resp, Position: p.position}, nil
	}

	if !IsConnectivityError(err) {
		// The action stays queued; a later flush replays it.
		return Result{}, fmt.Errorf("dispatch %s: %w", action.Kind, err)
	}

	log.Warn().Err(err).Str("action", string(action.Kind)).Msg("dispatch lost connectivity; going offline")
	if terr := p.machine.To(StateOffline); terr != nil {
		log.Error().Err(terr).Msg("failed to transition offline")
	}
	return p.resolveOffline(ctx, action)
}

func (p *Proxy) resolveOffline(ctx context.Context, action models.Action) (Result, error) {
	if !navigational(action.Kind) {
		// Blocking actions (pause, exit, timeout) need the server; try to
		// sync now. Everything else (storeTraceData) just stays queued.
		if action.Kind.Blocking() {
			return p.flushQueued(ctx)
		}
		return Result{Outcome: OutcomeResolvedOffline, Position: p.position}, nil
	}

	// Offline navigation must land on a cached item. Resolve before any
	// sync attempt so an impossible move fails instead of dispatching.
	direction := models.Direction(action.StringParam("direction"))
	var jumpTo int
	if err := action.Param("position", &jumpTo); err != nil {
		jumpTo = 0
	}
	pos, err := p.navigator.Resolve(p.position, direction, jumpTo)
	if err != nil {
		return Result{}, err
	}

	// A move that reaches the end of the test also needs the server. The
	// position only advances once the flush confirms it.
	if p.navigator.ReachesLastItem(p.position, direction) {
		result, err := p.flushQueued(ctx)
		if err == nil && result.Outcome == OutcomeDispatched {
			p.position = pos.Position
			result.Position = p.position
		}
		return result, err
	}

	p.position = pos.Position
	return Result{Outcome: OutcomeResolvedOffline, Position: p.position}, nil
}

func (p *Proxy) flushQueued(ctx context.Context) (Result, error) {
	err := p.syncer.Flush(ctx)
	if err == nil {
		return Result{Outcome: OutcomeDispatched, Position: p.position}, nil
	}
	if IsConnectivityError(err) || errors.Is(err, context.DeadlineExceeded) {
		return Result{Outcome: OutcomeSyncRequired, Position: p.position}, nil
	}
	return Result{}, err
}

func navigational(kind models.ActionKind) bool {
	return kind == models.ActionMove || kind == models.ActionSkip
}
