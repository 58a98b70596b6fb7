package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/events"
	"github.com/rgoulet/examd/go/internal/ledger"
	"github.com/rgoulet/examd/go/internal/models"
	"github.com/rgoulet/examd/go/internal/session"
	"github.com/rgoulet/examd/go/internal/storage"
	"github.com/rgoulet/examd/go/internal/timing"
)

// SessionRepo defines what the controller needs from session persistence.
type SessionRepo interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error
	UpdatePosition(ctx context.Context, id uuid.UUID, position int) error
	MarkOfflineAware(ctx context.Context, id uuid.UUID) error
	UpdateNextDeadline(ctx context.Context, id uuid.UUID, deadline *time.Time) error
	ClearNextDeadline(ctx context.Context, id uuid.UUID) error
}

// StateRepo persists the extended per-session state record: item flags, the
// href index, adaptive values and the client store id.
type StateRepo interface {
	LoadExtendedState(ctx context.Context, userID, sessionID uuid.UUID) (*session.ExtendedState, error)
	SaveExtendedState(ctx context.Context, userID, sessionID uuid.UUID, state *session.ExtendedState) error
}

// EventSink defines what the controller needs from the event outbox.
type EventSink interface {
	InsertPayload(ctx context.Context, sessionID uuid.UUID, eventType string, payload any) error
}

// MapSource resolves test maps. Map construction is a collaborator concern
// outside this core.
type MapSource interface {
	TestMap(ctx context.Context, testID string) (*models.TestMap, error)
}

// Controller executes one inbound action against one session. A single
// controller instance serves many sessions; all per-request state lives on
// the stack.
type Controller struct {
	sessions SessionRepo
	states   StateRepo
	maps     MapSource
	ledgers  ledger.Store
	store    storage.Store
	events   EventSink
	clock    clockwork.Clock
}

// New creates an action controller.
func New(sessions SessionRepo, states StateRepo, maps MapSource, ledgers ledger.Store, store storage.Store, sink EventSink, clock clockwork.Clock) *Controller {
	return &Controller{
		sessions: sessions,
		states:   states,
		maps:     maps,
		ledgers:  ledgers,
		store:    store,
		events:   sink,
		clock:    clock,
	}
}

// request bundles the per-request working set threaded through handlers.
type request struct {
	action models.Action
	sctx   *session.Context
	ledger *ledger.Ledger
	pool   *timing.ExtraTimePool
	state  *session.ExtendedState
}

// Dispatch validates and executes one action, converting every failure mode
// into a structured response. It never returns a Go error and never panics
// across the boundary.
func (c *Controller) Dispatch(ctx context.Context, sessionID uuid.UUID, action models.Action) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("session_id", sessionID.String()).
				Str("action", string(action.Kind)).
				Interface("panic", r).
				Msg("action handler panicked")
			resp = failure(CodeInternal, fmt.Sprintf("action %s failed: %v", action.Kind, r))
		}
	}()

	// Required parameters are checked before any side effect.
	if !action.Kind.Valid() {
		return failure(CodeValidation, fmt.Sprintf("unknown action %q", action.Kind))
	}
	if missing := action.MissingParams(); len(missing) > 0 {
		return failure(CodeValidation, fmt.Sprintf("action %s is missing required parameters: %s",
			action.Kind, strings.Join(missing, ", ")))
	}

	req, err := c.buildRequest(ctx, sessionID, action)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return failure(CodeNotFound, err.Error())
		}
		return failure(CodeInternal, err.Error())
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("action", string(action.Kind)).
		Bool("offline", action.Offline).
		Msg("dispatching action")

	switch action.Kind {
	case models.ActionMove, models.ActionSkip, models.ActionTimeout:
		return c.handleNavigation(ctx, req)
	case models.ActionPause:
		return c.handlePause(ctx, req)
	case models.ActionExitTest:
		return c.handleExit(ctx, req)
	case models.ActionStoreTraceData:
		return c.handleStoreTraceData(ctx, req)
	}
	return failure(CodeValidation, fmt.Sprintf("unhandled action %q", action.Kind))
}

func (c *Controller) buildRequest(ctx context.Context, sessionID uuid.UUID, action models.Action) (*request, error) {
	sess, position, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	testMap, err := c.maps.TestMap(ctx, sess.TestID)
	if err != nil {
		return nil, fmt.Errorf("resolve test map %s: %w", sess.TestID, err)
	}
	sctx, err := session.NewContext(sess, testMap, position)
	if err != nil {
		return nil, err
	}

	led := ledger.New(sctx.Owner(), c.clock)
	if err := led.Load(ctx, c.ledgers); err != nil {
		return nil, fmt.Errorf("load timer ledger: %w", err)
	}

	pool, err := c.loadPool(ctx, sctx)
	if err != nil {
		return nil, err
	}

	state, err := c.states.LoadExtendedState(ctx, sess.UserID, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load extended state: %w", err)
	}

	return &request{action: action, sctx: sctx, ledger: led, pool: pool, state: state}, nil
}

// handleNavigation serves move, skip and timeout: the actions that close the
// current item visit and (usually) open the next one.
func (c *Controller) handleNavigation(ctx context.Context, req *request) Response {
	sctx := req.sctx
	sess := sctx.Session

	if terminal(sess.Status) {
		return failure(CodeSessionState, fmt.Sprintf("session is %s and accepts no navigation", sess.Status))
	}
	if sess.Status == models.SessionStatusNotStarted || sess.Status == models.SessionStatusSuspended {
		firstStart := sess.Status == models.SessionStatusNotStarted
		if err := c.setStatus(ctx, sess, models.SessionStatusRunning); err != nil {
			return failure(CodeInternal, err.Error())
		}
		if firstStart {
			c.emitEvent(ctx, sess.ID, events.TypeSessionStarted, events.SessionStartedPayload{
				SessionID: sess.ID.String(),
				TestID:    sess.TestID,
				StartedAt: c.clock.Now(),
				ItemCount: sctx.TestMap.ItemCount(),
			})
		}
	}

	// Close the visit first. Ledger changes stand even if a later step
	// fails: replays are idempotent against a closed range.
	eval := c.evaluator(req, sctx.Position)
	consumed := eval.EndItemTimer(clientDuration(req.action))
	if err := c.persistTiming(ctx, req); err != nil {
		return failure(CodeInternal, err.Error())
	}

	if err := c.persistItemArtifacts(ctx, req); err != nil {
		var verr *validationError
		if errors.As(err, &verr) {
			return failure(CodeValidation, verr.message)
		}
		return failure(CodeInternal, err.Error())
	}

	// Review flags and the client store id ride along on the action; they
	// buffer in the state record until the single flush below.
	var flagged bool
	if err := req.action.Param("flagged", &flagged); err == nil {
		req.state.FlagItem(itemID(sctx.Position), flagged)
	}
	if storeID := req.action.StringParam("storeId"); storeID != "" {
		req.state.SetStoreID(storeID)
	}

	if req.action.Offline && !sess.OfflineAware {
		if err := c.sessions.MarkOfflineAware(ctx, sess.ID); err != nil {
			return failure(CodeInternal, err.Error())
		}
		sess.OfflineAware = true
	}

	if req.action.Kind == models.ActionTimeout {
		if resp, done := c.applyTimeout(ctx, req); done {
			return resp
		}
	}

	fromPos := sctx.Position
	target, err := resolveTarget(sctx.TestMap, sctx.Position,
		models.Direction(req.action.StringParam("direction")),
		models.NavigationScope(req.action.StringParam("scope")),
		intParam(req.action, "position"),
		sctx.NavigationMode())
	if errors.Is(err, errEndOfTest) {
		return c.finalize(ctx, req, models.SessionStatusTerminated)
	}
	if err != nil {
		return failure(CodeValidation, err.Error())
	}

	if err := sctx.Reposition(target); err != nil {
		return failure(CodeInternal, err.Error())
	}
	if err := c.sessions.UpdatePosition(ctx, sess.ID, target); err != nil {
		return failure(CodeInternal, err.Error())
	}
	if sctx.Position.Item != nil {
		req.state.SetHref(target, sctx.Position.Item.Href)
	}

	c.emitEvent(ctx, sess.ID, events.TypeItemMoved, events.ItemMovedPayload{
		SessionID:    sess.ID.String(),
		FromItemID:   itemID(fromPos),
		ToItemID:     itemID(sctx.Position),
		FromPosition: fromPos.Position,
		ToPosition:   target,
		Direction:    req.action.StringParam("direction"),
		Scope:        req.action.StringParam("scope"),
		Offline:      req.action.Offline,
		MovedAt:      c.clock.Now(),
	})

	// The next visit's range opens only on explicit request, and only now
	// that the new navigation context exists.
	eval = c.evaluator(req, sctx.Position)
	if timerRequested(req.action) {
		eval.StartItemTimer()
		if err := c.updateDeadline(ctx, req, eval); err != nil {
			return failure(CodeInternal, err.Error())
		}
		if err := c.persistTiming(ctx, req); err != nil {
			return failure(CodeInternal, err.Error())
		}
	}

	c.flushState(ctx, req)
	return Response{Success: true, TestContext: c.testContext(req, eval, consumed)}
}

// flushState writes the buffered state record, once per request. The record
// is rebuildable, so a failed flush logs instead of failing the action.
func (c *Controller) flushState(ctx context.Context, req *request) {
	sess := req.sctx.Session
	if err := c.states.SaveExtendedState(ctx, sess.UserID, sess.ID, req.state); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to flush extended state")
	}
}

// applyTimeout emits the timeout event and, for test-wide timeouts, puts the
// session in its terminal timed-out state. It reports done=true when the
// session finalized and no further navigation should happen.
func (c *Controller) applyTimeout(ctx context.Context, req *request) (Response, bool) {
	sess := req.sctx.Session
	scope := req.action.StringParam("scope")
	source := req.action.StringParam("source")

	c.emitEvent(ctx, sess.ID, events.TypeSessionTimedOut, events.SessionTimedOutPayload{
		SessionID: sess.ID.String(),
		Source:    source,
		Scope:     scope,
		TimedOut:  c.clock.Now(),
	})

	if scope == string(models.NavScopeTest) || source == req.sctx.TestMap.TestID {
		return c.finalize(ctx, req, models.SessionStatusTimedOut), true
	}
	return Response{}, false
}

func (c *Controller) handlePause(ctx context.Context, req *request) Response {
	sess := req.sctx.Session
	if terminal(sess.Status) {
		return failure(CodeSessionState, fmt.Sprintf("session is %s and cannot pause", sess.Status))
	}

	req.ledger.End(c.itemTags(req.sctx), c.clock.Now())
	if err := c.persistTiming(ctx, req); err != nil {
		return failure(CodeInternal, err.Error())
	}

	if err := c.setStatus(ctx, sess, models.SessionStatusSuspended); err != nil {
		return failure(CodeInternal, err.Error())
	}
	if err := c.sessions.ClearNextDeadline(ctx, sess.ID); err != nil {
		return failure(CodeInternal, err.Error())
	}

	c.emitEvent(ctx, sess.ID, events.TypeSessionPaused, events.SessionPausedPayload{
		SessionID: sess.ID.String(),
		PausedAt:  c.clock.Now(),
		Reason:    req.action.StringParam("reason"),
	})

	eval := c.evaluator(req, req.sctx.Position)
	return Response{Success: true, TestContext: c.testContext(req, eval, 0)}
}

func (c *Controller) handleExit(ctx context.Context, req *request) Response {
	sess := req.sctx.Session
	if terminal(sess.Status) {
		return failure(CodeSessionState, fmt.Sprintf("session is %s and cannot exit", sess.Status))
	}

	eval := c.evaluator(req, req.sctx.Position)
	consumed := eval.EndItemTimer(clientDuration(req.action))
	if err := c.persistTiming(ctx, req); err != nil {
		return failure(CodeInternal, err.Error())
	}
	if err := c.persistItemArtifacts(ctx, req); err != nil {
		// Exit proceeds regardless; losing a last response beats
		// trapping the taker in a finished test.
		log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("exit discarded item artifacts")
	}

	resp := c.finalize(ctx, req, models.SessionStatusTerminated)
	if resp.Success && resp.TestContext != nil {
		resp.TestContext.ConsumedExtraMs = consumed.Milliseconds()
	}
	return resp
}

// finalize terminates or times out the session, defensively closing any
// still-open ranges first.
func (c *Controller) finalize(ctx context.Context, req *request, status models.SessionStatus) Response {
	sess := req.sctx.Session

	req.ledger.CloseAll(c.clock.Now())
	if err := c.persistTiming(ctx, req); err != nil {
		return failure(CodeInternal, err.Error())
	}
	if err := c.setStatus(ctx, sess, status); err != nil {
		return failure(CodeInternal, err.Error())
	}
	if err := c.sessions.ClearNextDeadline(ctx, sess.ID); err != nil {
		return failure(CodeInternal, err.Error())
	}

	total := req.ledger.Compute([]string{req.sctx.TestMap.TestID}, req.sctx.ClockTarget())
	c.emitEvent(ctx, sess.ID, events.TypeSessionExited, events.SessionExitedPayload{
		SessionID: sess.ID.String(),
		ExitedAt:  c.clock.Now(),
		Duration:  total.String(),
	})

	eval := c.evaluator(req, req.sctx.Position)
	return Response{Success: true, TestContext: c.testContext(req, eval, 0)}
}

func (c *Controller) setStatus(ctx context.Context, sess *models.Session, to models.SessionStatus) error {
	if sess.Status == to {
		return nil
	}
	if err := transition(sess, to); err != nil {
		return err
	}
	return c.sessions.UpdateStatus(ctx, sess.ID, to)
}

// persistItemArtifacts stores the submitted item state and response. An
// empty response against a no-skip item is a validation failure; the closed
// timer range stands.
func (c *Controller) persistItemArtifacts(ctx context.Context, req *request) error {
	owner := req.sctx.Owner()
	item := req.sctx.Position.Item

	if state, ok := req.action.Parameters["itemState"]; ok {
		if err := c.store.Set(ctx, owner, "itemState."+item.ID, state); err != nil {
			return fmt.Errorf("persist item state: %w", err)
		}
	}

	response, ok := req.action.Parameters["itemResponse"]
	if !ok {
		return nil
	}
	if req.action.Kind == models.ActionMove && emptyResponse(response) && !item.AllowSkipping {
		return &validationError{message: fmt.Sprintf("item %s does not allow an empty response", item.ID)}
	}
	if req.action.Kind == models.ActionTimeout && !item.TimeLimits.AllowLateSubmission {
		// The response arrived after the item's time ran out; keep the one
		// stored before the deadline, if any.
		log.Warn().
			Str("session_id", req.sctx.Session.ID.String()).
			Str("item_id", item.ID).
			Msg("late response discarded on timeout")
		return nil
	}
	if err := c.store.Set(ctx, owner, "itemResponse."+item.ID, response); err != nil {
		return fmt.Errorf("persist item response: %w", err)
	}
	return nil
}

func (c *Controller) handleStoreTraceData(ctx context.Context, req *request) Response {
	sess := req.sctx.Session

	var variables map[string]json.RawMessage
	if err := req.action.Param("traceData", &variables); err != nil {
		return failure(CodeValidation, err.Error())
	}

	owner := req.sctx.Owner()
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)

	stored := 0
	for _, name := range names {
		if err := c.store.Set(ctx, owner, "trace."+name, variables[name]); err != nil {
			log.Error().
				Err(err).
				Str("session_id", sess.ID.String()).
				Str("variable", name).
				Msg("failed to store trace variable")
			continue
		}
		// Mirror into the state record so a resumed client restores its
		// engine variables without a per-key read.
		req.state.SetAdaptiveValue(name, variables[name])
		stored++
	}
	c.flushState(ctx, req)

	// The event always carries the full submitted payload, including
	// variables whose store failed.
	c.emitEvent(ctx, sess.ID, events.TypeTraceDataStored, events.TraceDataStoredPayload{
		SessionID: sess.ID.String(),
		Variables: variables,
		Stored:    stored,
		Total:     len(variables),
		StoredAt:  c.clock.Now(),
	})

	tc := &TestContext{
		SessionID:   sess.ID.String(),
		Status:      sess.Status,
		Position:    req.sctx.Position.Position,
		TraceStored: stored,
		TraceTotal:  len(variables),
	}
	if stored < len(variables) {
		return Response{
			Success:     false,
			TestContext: tc,
			Error: &ErrorInfo{
				Code:    CodeInternal,
				Message: fmt.Sprintf("stored %d of %d trace variables", stored, len(variables)),
			},
		}
	}
	return Response{Success: true, TestContext: tc}
}

// updateDeadline records the soonest max-time deadline of the freshly opened
// visit so the timeout watchdog knows when to act.
func (c *Controller) updateDeadline(ctx context.Context, req *request, eval *timing.Evaluator) error {
	var soonest *time.Duration
	for _, constraint := range eval.Constraints(timing.ScopeAll) {
		remaining, ok := constraint.Remaining(req.pool.Remaining())
		if !ok {
			continue
		}
		if soonest == nil || remaining < *soonest {
			r := remaining
			soonest = &r
		}
	}
	if soonest == nil {
		return c.sessions.ClearNextDeadline(ctx, req.sctx.Session.ID)
	}
	deadline := c.clock.Now().Add(*soonest)
	return c.sessions.UpdateNextDeadline(ctx, req.sctx.Session.ID, &deadline)
}

func (c *Controller) evaluator(req *request, pos models.MapPosition) *timing.Evaluator {
	return timing.NewEvaluator(
		req.ledger,
		req.pool,
		req.sctx.TestMap,
		pos,
		req.sctx.ClockTarget(),
		req.sctx.Session.Settings.ConsiderMinTime,
		c.clock,
	)
}

// persistTiming saves the ledger snapshot and the extra-time consumption
// together; both stores are upserts, so a replay converges.
func (c *Controller) persistTiming(ctx context.Context, req *request) error {
	if err := req.ledger.Save(ctx, c.ledgers); err != nil {
		return fmt.Errorf("persist timer ledger: %w", err)
	}
	return c.savePool(ctx, req.sctx, req.pool)
}

func (c *Controller) loadPool(ctx context.Context, sctx *session.Context) (*timing.ExtraTimePool, error) {
	total := time.Duration(sctx.Session.Settings.ExtraTimeMs) * time.Millisecond
	pool := timing.NewExtraTimePool(total)

	raw, err := c.store.Get(ctx, sctx.Owner(), "extraTime.consumed")
	if errors.Is(err, storage.ErrNotFound) {
		return pool, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load extra-time consumption: %w", err)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		log.Warn().Err(err).Str("owner", sctx.Owner()).Msg("corrupt extra-time record; starting from zero")
		return pool, nil
	}
	pool.Report(time.Duration(ms) * time.Millisecond)
	return pool, nil
}

func (c *Controller) savePool(ctx context.Context, sctx *session.Context, pool *timing.ExtraTimePool) error {
	ms := strconv.FormatInt(pool.Consumed().Milliseconds(), 10)
	if err := c.store.Set(ctx, sctx.Owner(), "extraTime.consumed", []byte(ms)); err != nil {
		return fmt.Errorf("persist extra-time consumption: %w", err)
	}
	return nil
}

func (c *Controller) emitEvent(ctx context.Context, sessionID uuid.UUID, eventType string, payload any) {
	if err := c.events.InsertPayload(ctx, sessionID, eventType, payload); err != nil {
		// Event loss is logged, never fatal to the action.
		log.Error().Err(err).Str("event_type", eventType).Str("session_id", sessionID.String()).Msg("failed to stage domain event")
	}
}

func (c *Controller) testContext(req *request, eval *timing.Evaluator, consumed time.Duration) *TestContext {
	sctx := req.sctx
	tc := &TestContext{
		SessionID:        sctx.Session.ID.String(),
		Status:           sctx.Session.Status,
		Position:         sctx.Position.Position,
		NavigationMode:   sctx.NavigationMode(),
		ConsumedExtraMs:  consumed.Milliseconds(),
		RemainingExtraMs: req.pool.Remaining().Milliseconds(),
	}
	if sctx.Position.Item != nil {
		tc.ItemID = sctx.Position.Item.ID
		tc.ItemHref = sctx.Position.Item.Href
	}
	for _, constraint := range eval.Constraints(timing.ScopeAll) {
		view := ConstraintView{
			Source:    constraint.Source,
			Scope:     constraint.Scope.String(),
			ElapsedMs: constraint.Duration.Milliseconds(),
			ExtraTime: constraint.ApplyExtraTime,
		}
		if constraint.MinTime != nil {
			ms := constraint.MinTime.Milliseconds()
			view.MinTimeMs = &ms
		}
		if constraint.MaxTime != nil {
			ms := constraint.MaxTime.Milliseconds()
			view.MaxTimeMs = &ms
		}
		if remaining, ok := constraint.Remaining(req.pool.Remaining()); ok {
			ms := remaining.Milliseconds()
			view.RemainingMs = &ms
		}
		tc.Constraints = append(tc.Constraints, view)
	}
	return tc
}

func (c *Controller) itemTags(sctx *session.Context) []string {
	tags := sctx.Position.Tags()
	return append(tags, sctx.TestMap.TestID)
}

// validationError marks failures the client must fix rather than retry.
type validationError struct {
	message string
}

func (e *validationError) Error() string {
	return e.message
}

func clientDuration(action models.Action) *time.Duration {
	var ms float64
	if err := action.Param("itemDuration", &ms); err != nil {
		return nil
	}
	d := time.Duration(ms * float64(time.Millisecond))
	return &d
}

func intParam(action models.Action, name string) int {
	var v int
	if err := action.Param(name, &v); err != nil {
		return 0
	}
	return v
}

func timerRequested(action models.Action) bool {
	var start bool
	if err := action.Param("start", &start); err != nil {
		return false
	}
	return start
}

func itemID(pos models.MapPosition) string {
	if pos.Item == nil {
		return ""
	}
	return pos.Item.ID
}
