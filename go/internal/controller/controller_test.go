package controller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rgoulet/examd/go/internal/events"
	"github.com/rgoulet/examd/go/internal/ledger"
	"github.com/rgoulet/examd/go/internal/models"
	"github.com/rgoulet/examd/go/internal/session"
	"github.com/rgoulet/examd/go/internal/storage"
)

type fakeSessionRepo struct {
	sessions  map[uuid.UUID]*models.Session
	positions map[uuid.UUID]int
	deadlines map[uuid.UUID]*time.Time
	states    map[uuid.UUID]*session.ExtendedState
	flushes   int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions:  make(map[uuid.UUID]*models.Session),
		positions: make(map[uuid.UUID]int),
		deadlines: make(map[uuid.UUID]*time.Time),
		states:    make(map[uuid.UUID]*session.ExtendedState),
	}
}

func (r *fakeSessionRepo) GetSession(_ context.Context, id uuid.UUID) (*models.Session, int, error) {
	sess, ok := r.sessions[id]
	if !ok {
		return nil, 0, session.ErrNotFound
	}
	copied := *sess
	return &copied, r.positions[id], nil
}

func (r *fakeSessionRepo) UpdateStatus(_ context.Context, id uuid.UUID, status models.SessionStatus) error {
	r.sessions[id].Status = status
	return nil
}

func (r *fakeSessionRepo) UpdatePosition(_ context.Context, id uuid.UUID, position int) error {
	r.positions[id] = position
	return nil
}

func (r *fakeSessionRepo) MarkOfflineAware(_ context.Context, id uuid.UUID) error {
	r.sessions[id].OfflineAware = true
	return nil
}

func (r *fakeSessionRepo) UpdateNextDeadline(_ context.Context, id uuid.UUID, deadline *time.Time) error {
	r.deadlines[id] = deadline
	return nil
}

func (r *fakeSessionRepo) ClearNextDeadline(_ context.Context, id uuid.UUID) error {
	r.deadlines[id] = nil
	return nil
}

func (r *fakeSessionRepo) LoadExtendedState(_ context.Context, _, sessionID uuid.UUID) (*session.ExtendedState, error) {
	if state, ok := r.states[sessionID]; ok {
		return state, nil
	}
	return session.NewExtendedState(), nil
}

func (r *fakeSessionRepo) SaveExtendedState(_ context.Context, _, sessionID uuid.UUID, state *session.ExtendedState) error {
	if !state.Dirty() {
		return nil
	}
	r.states[sessionID] = state
	r.flushes++
	state.MarkClean()
	return nil
}

type fakeMapSource struct {
	testMap *models.TestMap
}

func (s *fakeMapSource) TestMap(_ context.Context, _ string) (*models.TestMap, error) {
	return s.testMap, nil
}

type recordedEvent struct {
	eventType string
	payload   any
}

type fakeEventSink struct {
	inserted []recordedEvent
}

func (s *fakeEventSink) InsertPayload(_ context.Context, _ uuid.UUID, eventType string, payload any) error {
	s.inserted = append(s.inserted, recordedEvent{eventType: eventType, payload: payload})
	return nil
}

func (s *fakeEventSink) last() *recordedEvent {
	if len(s.inserted) == 0 {
		return nil
	}
	return &s.inserted[len(s.inserted)-1]
}

// failingStore rejects writes for configured keys and delegates the rest.
type failingStore struct {
	storage.Store
	failKeys map[string]bool
}

func (s *failingStore) Set(ctx context.Context, owner, key string, value []byte) error {
	if s.failKeys[key] {
		return errors.New("write rejected")
	}
	return s.Store.Set(ctx, owner, key, value)
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

func controllerTestMap() *models.TestMap {
	return &models.TestMap{
		TestID: "test-1",
		TimeLimits: models.TimeLimits{
			MaxTime: durationPtr(10 * time.Minute),
		},
		Parts: []models.MapPart{
			{
				ID:             "part-1",
				NavigationMode: models.NavigationModeLinear,
				Sections: []models.MapSection{
					{
						ID: "section-1",
						Items: []models.MapItem{
							{
								ID:            "item-1",
								Href:          "items/item-1.xml",
								Position:      0,
								AllowSkipping: true,
								TimeLimits: models.TimeLimits{
									MaxTime: durationPtr(30 * time.Second),
								},
							},
							{
								ID:       "item-2",
								Href:     "items/item-2.xml",
								Position: 1,
							},
							{
								ID:            "item-3",
								Href:          "items/item-3.xml",
								Position:      2,
								AllowSkipping: true,
							},
						},
					},
				},
			},
		},
	}
}

type harness struct {
	controller *Controller
	repo       *fakeSessionRepo
	maps       *fakeMapSource
	sink       *fakeEventSink
	ledgers    *ledger.MemoryStore
	store      storage.Store
	clock      *clockwork.FakeClock
	sessionID  uuid.UUID
	owner      string
}

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	repo := newFakeSessionRepo()
	sink := &fakeEventSink{}
	ledgers := ledger.NewMemoryStore()
	if store == nil {
		store = storage.NewMemoryStore()
	}

	sessionID := uuid.New()
	userID := uuid.New()
	repo.sessions[sessionID] = &models.Session{
		ID:     sessionID,
		UserID: userID,
		TestID: "test-1",
		Status: models.SessionStatusRunning,
	}
	repo.positions[sessionID] = 0

	maps := &fakeMapSource{testMap: controllerTestMap()}
	return &harness{
		controller: New(repo, repo, maps, ledgers, store, sink, clock),
		repo:       repo,
		maps:       maps,
		sink:       sink,
		ledgers:    ledgers,
		store:      store,
		clock:      clock,
		sessionID:  sessionID,
		owner:      userID.String() + "." + sessionID.String(),
	}
}

func (h *harness) openItemRange(t *testing.T) {
	t.Helper()
	led := ledger.New(h.owner, h.clock)
	led.Start([]string{"item-1", "section-1", "part-1", "test-1"}, h.clock.Now())
	if err := led.Save(context.Background(), h.ledgers); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
}

func moveAction(params map[string]any) models.Action {
	action := models.Action{
		Kind:       models.ActionMove,
		ClientID:   uuid.NewString(),
		Parameters: make(map[string]json.RawMessage),
	}
	for name, value := range params {
		if err := action.SetParam(name, value); err != nil {
			panic(err)
		}
	}
	return action
}

func TestDispatchRejectsUnknownAction(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.controller.Dispatch(context.Background(), h.sessionID, models.Action{Kind: "launchMissiles"})
	if resp.Success {
		t.Fatal("expected failure for unknown action")
	}
	if resp.Error == nil || resp.Error.Code != CodeValidation {
		t.Fatalf("expected validation error, got %+v", resp.Error)
	}
}

func TestDispatchFailsFastOnMissingParams(t *testing.T) {
	h := newHarness(t, nil)
	h.openItemRange(t)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, models.Action{Kind: models.ActionMove})
	if resp.Success {
		t.Fatal("expected failure for missing parameters")
	}
	if resp.Error.Code != CodeValidation {
		t.Fatalf("code = %s, want %s", resp.Error.Code, CodeValidation)
	}

	// Validation must precede any side effect: the seeded range stays open.
	led := ledger.New(h.owner, h.clock)
	if err := led.Load(context.Background(), h.ledgers); err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if led.OpenCount("item-1") != 1 {
		t.Fatalf("open ranges for item-1 = %d, want 1", led.OpenCount("item-1"))
	}
}

func TestDispatchUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.controller.Dispatch(context.Background(), uuid.New(), moveAction(map[string]any{
		"direction": "next",
		"scope":     "item",
	}))
	if resp.Success || resp.Error.Code != CodeNotFound {
		t.Fatalf("expected not-found failure, got %+v", resp)
	}
}

func TestMoveAdvancesPositionAndRestartsTimer(t *testing.T) {
	h := newHarness(t, nil)
	h.openItemRange(t)
	h.clock.Advance(20 * time.Second)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, moveAction(map[string]any{
		"direction":    "next",
		"scope":        "item",
		"start":        true,
		"itemResponse": map[string]any{"RESPONSE": "choice_2"},
	}))
	if !resp.Success {
		t.Fatalf("move failed: %+v", resp.Error)
	}
	if resp.TestContext.Position != 1 {
		t.Fatalf("position = %d, want 1", resp.TestContext.Position)
	}
	if resp.TestContext.ItemID != "item-2" {
		t.Fatalf("item = %s, want item-2", resp.TestContext.ItemID)
	}
	if h.repo.positions[h.sessionID] != 1 {
		t.Fatalf("persisted position = %d, want 1", h.repo.positions[h.sessionID])
	}

	led := ledger.New(h.owner, h.clock)
	if err := led.Load(context.Background(), h.ledgers); err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if led.OpenCount("item-1") != 0 {
		t.Fatal("item-1 range should be closed after move")
	}
	if led.OpenCount("item-2") != 1 {
		t.Fatal("item-2 range should be open when start was requested")
	}

	last := h.sink.last()
	if last == nil || last.eventType != events.TypeItemMoved {
		t.Fatalf("expected ItemMoved event, got %+v", last)
	}
	payload := last.payload.(events.ItemMovedPayload)
	if payload.FromItemID != "item-1" || payload.ToItemID != "item-2" {
		t.Fatalf("event payload = %+v", payload)
	}
}

func TestMoveFlushesExtendedStateOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.openItemRange(t)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, moveAction(map[string]any{
		"direction": "next",
		"scope":     "item",
		"flagged":   true,
		"storeId":   "store-7",
	}))
	if !resp.Success {
		t.Fatalf("move failed: %+v", resp.Error)
	}

	state := h.repo.states[h.sessionID]
	if state == nil {
		t.Fatal("move must flush the extended state record")
	}
	if !state.ItemFlags["item-1"] {
		t.Fatal("the item being left must carry its review flag")
	}
	if state.HrefIndex[1] != "items/item-2.xml" {
		t.Fatalf("href index[1] = %q, want items/item-2.xml", state.HrefIndex[1])
	}
	if state.StoreID != "store-7" {
		t.Fatalf("store id = %q, want store-7", state.StoreID)
	}
	if h.repo.flushes != 1 {
		t.Fatalf("flushes = %d, want exactly 1 per request", h.repo.flushes)
	}
	if state.Dirty() {
		t.Fatal("a flushed record must be clean")
	}
}

func TestStoreTraceDataMirrorsAdaptiveValues(t *testing.T) {
	h := newHarness(t, nil)

	action := models.Action{Kind: models.ActionStoreTraceData, Parameters: make(map[string]json.RawMessage)}
	if err := action.SetParam("traceData", map[string]any{"theta": 0.42}); err != nil {
		t.Fatal(err)
	}
	resp := h.controller.Dispatch(context.Background(), h.sessionID, action)
	if !resp.Success {
		t.Fatalf("storeTraceData failed: %+v", resp.Error)
	}

	state := h.repo.states[h.sessionID]
	if state == nil {
		t.Fatal("storeTraceData must flush the extended state record")
	}
	if string(state.AdaptiveValues["theta"]) != "0.42" {
		t.Fatalf("adaptive theta = %s, want 0.42", state.AdaptiveValues["theta"])
	}
}

func TestMoveWithoutStartLeavesNextTimerClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.openItemRange(t)
	h.clock.Advance(5 * time.Second)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, moveAction(map[string]any{
		"direction": "next",
		"scope":     "item",
	}))
	if !resp.Success {
		t.Fatalf("move failed: %+v", resp.Error)
	}

	led := ledger.New(h.owner, h.clock)
	if err := led.Load(context.Background(), h.ledgers); err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if led.OpenCount("item-2") != 0 {
		t.Fatal("item-2 range must stay closed without an explicit start")
	}
}

func TestMoveRejectsEmptyResponseWhenSkippingForbidden(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.positions[h.sessionID] = 1 // item-2 forbids skipping
	led := ledger.New(h.owner, h.clock)
	led.Start([]string{"item-2", "section-1", "part-1", "test-1"}, h.clock.Now())
	if err := led.Save(context.Background(), h.ledgers); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	h.clock.Advance(10 * time.Second)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, moveAction(map[string]any{
		"direction":    "next",
		"scope":        "item",
		"itemResponse": json.RawMessage("null"),
	}))
	if resp.Success {
		t.Fatal("expected validation failure for empty response")
	}
	if resp.Error.Code != CodeValidation {
		t.Fatalf("code = %s, want %s", resp.Error.Code, CodeValidation)
	}

	// The timer close precedes response validation and stands.
	led = ledger.New(h.owner, h.clock)
	if err := led.Load(context.Background(), h.ledgers); err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if led.OpenCount("item-2") != 0 {
		t.Fatal("item-2 range should be closed despite the validation failure")
	}
	if h.repo.positions[h.sessionID] != 1 {
		t.Fatal("position must not advance on a rejected response")
	}
}

func TestOfflineMoveMarksSessionOfflineAware(t *testing.T) {
	h := newHarness(t, nil)
	h.openItemRange(t)
	h.clock.Advance(time.Second)

	action := moveAction(map[string]any{"direction": "next", "scope": "item"})
	action.Offline = true

	resp := h.controller.Dispatch(context.Background(), h.sessionID, action)
	if !resp.Success {
		t.Fatalf("move failed: %+v", resp.Error)
	}
	if !h.repo.sessions[h.sessionID].OfflineAware {
		t.Fatal("session should be offline-aware after a replayed offline action")
	}
}

func TestMoveOffEndOfTestTerminates(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.positions[h.sessionID] = 2
	led := ledger.New(h.owner, h.clock)
	led.Start([]string{"item-3", "section-1", "part-1", "test-1"}, h.clock.Now())
	if err := led.Save(context.Background(), h.ledgers); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	h.clock.Advance(3 * time.Second)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, moveAction(map[string]any{
		"direction": "next",
		"scope":     "item",
	}))
	if !resp.Success {
		t.Fatalf("final move failed: %+v", resp.Error)
	}
	if h.repo.sessions[h.sessionID].Status != models.SessionStatusTerminated {
		t.Fatalf("status = %s, want %s", h.repo.sessions[h.sessionID].Status, models.SessionStatusTerminated)
	}
	last := h.sink.last()
	if last == nil || last.eventType != events.TypeSessionExited {
		t.Fatalf("expected SessionExited event, got %+v", last)
	}
}

func TestTimeoutAtTestScopeFinalizes(t *testing.T) {
	h := newHarness(t, nil)
	h.openItemRange(t)
	h.clock.Advance(10 * time.Minute)

	action := models.Action{Kind: models.ActionTimeout, Parameters: map[string]json.RawMessage{}}
	if err := action.SetParam("scope", "test"); err != nil {
		t.Fatal(err)
	}
	if err := action.SetParam("source", "test-1"); err != nil {
		t.Fatal(err)
	}

	resp := h.controller.Dispatch(context.Background(), h.sessionID, action)
	if !resp.Success {
		t.Fatalf("timeout failed: %+v", resp.Error)
	}
	if h.repo.sessions[h.sessionID].Status != models.SessionStatusTimedOut {
		t.Fatalf("status = %s, want %s", h.repo.sessions[h.sessionID].Status, models.SessionStatusTimedOut)
	}
	if h.repo.deadlines[h.sessionID] != nil {
		t.Fatal("deadline should be cleared on timeout")
	}
}

func itemTimeoutAction(t *testing.T) models.Action {
	t.Helper()
	action := models.Action{Kind: models.ActionTimeout, Parameters: map[string]json.RawMessage{}}
	for name, value := range map[string]any{
		"scope":        "item",
		"source":       "item-1",
		"direction":    "next",
		"itemResponse": map[string]any{"RESPONSE": "choice_1"},
	} {
		if err := action.SetParam(name, value); err != nil {
			t.Fatal(err)
		}
	}
	return action
}

func TestTimeoutDiscardsLateResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.openItemRange(t)
	h.clock.Advance(45 * time.Second)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, itemTimeoutAction(t))
	if !resp.Success {
		t.Fatalf("timeout failed: %+v", resp.Error)
	}

	has, err := h.store.Has(context.Background(), h.owner, "itemResponse.item-1")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("a response arriving with the timeout must be discarded")
	}
}

func TestTimeoutKeepsResponseWhenLateSubmissionAllowed(t *testing.T) {
	h := newHarness(t, nil)
	h.maps.testMap.Parts[0].Sections[0].Items[0].TimeLimits.AllowLateSubmission = true
	h.openItemRange(t)
	h.clock.Advance(45 * time.Second)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, itemTimeoutAction(t))
	if !resp.Success {
		t.Fatalf("timeout failed: %+v", resp.Error)
	}

	has, err := h.store.Has(context.Background(), h.owner, "itemResponse.item-1")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("an item allowing late submission must keep the response")
	}
}

func TestPauseSuspendsAndClosesTimer(t *testing.T) {
	h := newHarness(t, nil)
	h.openItemRange(t)
	h.clock.Advance(8 * time.Second)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, models.Action{Kind: models.ActionPause})
	if !resp.Success {
		t.Fatalf("pause failed: %+v", resp.Error)
	}
	if h.repo.sessions[h.sessionID].Status != models.SessionStatusSuspended {
		t.Fatalf("status = %s, want %s", h.repo.sessions[h.sessionID].Status, models.SessionStatusSuspended)
	}
	if h.repo.deadlines[h.sessionID] != nil {
		t.Fatal("deadline should be cleared on pause")
	}

	led := ledger.New(h.owner, h.clock)
	if err := led.Load(context.Background(), h.ledgers); err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if led.OpenCount("item-1") != 0 {
		t.Fatal("pause must close the open item range")
	}
	if last := h.sink.last(); last == nil || last.eventType != events.TypeSessionPaused {
		t.Fatalf("expected SessionPaused event, got %+v", last)
	}
}

func TestExitTerminatesFromAnyActiveState(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.sessions[h.sessionID].Status = models.SessionStatusSuspended
	h.openItemRange(t)
	h.clock.Advance(time.Second)

	resp := h.controller.Dispatch(context.Background(), h.sessionID, models.Action{Kind: models.ActionExitTest})
	if !resp.Success {
		t.Fatalf("exit failed: %+v", resp.Error)
	}
	if h.repo.sessions[h.sessionID].Status != models.SessionStatusTerminated {
		t.Fatalf("status = %s, want %s", h.repo.sessions[h.sessionID].Status, models.SessionStatusTerminated)
	}
}

func TestTerminalSessionRejectsActions(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.sessions[h.sessionID].Status = models.SessionStatusTerminated

	resp := h.controller.Dispatch(context.Background(), h.sessionID, moveAction(map[string]any{
		"direction": "next",
		"scope":     "item",
	}))
	if resp.Success {
		t.Fatal("terminated session must reject navigation")
	}
	if resp.Error.Code != CodeSessionState {
		t.Fatalf("code = %s, want %s", resp.Error.Code, CodeSessionState)
	}
}

func TestStoreTraceDataStoresEachVariable(t *testing.T) {
	h := newHarness(t, nil)

	action := models.Action{Kind: models.ActionStoreTraceData}
	if err := action.SetParam("traceData", map[string]any{
		"focusLost": 3,
		"latency":   "120ms",
	}); err != nil {
		t.Fatal(err)
	}

	resp := h.controller.Dispatch(context.Background(), h.sessionID, action)
	if !resp.Success {
		t.Fatalf("storeTraceData failed: %+v", resp.Error)
	}
	if resp.TestContext.TraceStored != 2 || resp.TestContext.TraceTotal != 2 {
		t.Fatalf("stored/total = %d/%d, want 2/2", resp.TestContext.TraceStored, resp.TestContext.TraceTotal)
	}
	if _, err := h.store.Get(context.Background(), h.owner, "trace.focusLost"); err != nil {
		t.Fatalf("focusLost not stored: %v", err)
	}
}

func TestStoreTraceDataPartialFailure(t *testing.T) {
	store := &failingStore{
		Store:    storage.NewMemoryStore(),
		failKeys: map[string]bool{"trace.latency": true},
	}
	h := newHarness(t, store)

	action := models.Action{Kind: models.ActionStoreTraceData}
	if err := action.SetParam("traceData", map[string]any{
		"focusLost": 3,
		"latency":   "120ms",
	}); err != nil {
		t.Fatal(err)
	}

	resp := h.controller.Dispatch(context.Background(), h.sessionID, action)
	if resp.Success {
		t.Fatal("partial trace storage must report failure")
	}
	if resp.TestContext.TraceStored != 1 || resp.TestContext.TraceTotal != 2 {
		t.Fatalf("stored/total = %d/%d, want 1/2", resp.TestContext.TraceStored, resp.TestContext.TraceTotal)
	}

	// The event still carries every submitted variable.
	last := h.sink.last()
	if last == nil || last.eventType != events.TypeTraceDataStored {
		t.Fatalf("expected TraceDataStored event, got %+v", last)
	}
	payload := last.payload.(events.TraceDataStoredPayload)
	if len(payload.Variables) != 2 {
		t.Fatalf("event variables = %d, want 2", len(payload.Variables))
	}
}

func TestNavigationSetsDeadlineFromTightestConstraint(t *testing.T) {
	h := newHarness(t, nil)
	led := ledger.New(h.owner, h.clock)
	led.Start([]string{"item-2", "section-1", "part-1", "test-1"}, h.clock.Now())
	if err := led.Save(context.Background(), h.ledgers); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	h.repo.positions[h.sessionID] = 1
	h.clock.Advance(time.Minute)

	// Moving back to item-1 (30s max) with a fresh timer: the deadline
	// comes from the item bound, not the looser test bound.
	h.repo.sessions[h.sessionID].Status = models.SessionStatusRunning
	action := moveAction(map[string]any{"direction": "previous", "scope": "item", "start": true})
	// previous navigation needs a nonlinear part
	h.repo.sessions[h.sessionID].Settings = models.SessionSettings{}
	maps := h.controller.maps.(*fakeMapSource)
	maps.testMap.Parts[0].NavigationMode = models.NavigationModeNonLinear

	resp := h.controller.Dispatch(context.Background(), h.sessionID, action)
	if !resp.Success {
		t.Fatalf("move failed: %+v", resp.Error)
	}
	deadline := h.repo.deadlines[h.sessionID]
	if deadline == nil {
		t.Fatal("deadline not set after timer start")
	}
	want := h.clock.Now().Add(30 * time.Second)
	if !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}
}
