package triggers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/automation"
	automatontest "github.com/teranos/automaton/internal/testing"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(t *testing.T, store StateStore) *Processor {
	t.Helper()
	if store == nil {
		store = NewMemoryStateStore()
	}
	p := NewProcessor(store, nil, WithClock(func() time.Time { return testNow }))
	t.Cleanup(p.Close)
	return p
}

func record(t *testing.T, state automation.State, triggers ...automation.Trigger) *automation.ScheduleRecord {
	t.Helper()
	s := automation.Schedule{
		ID:       "s1",
		Triggers: triggers,
		Type:     automation.PayloadActions,
		Actions:  json.RawMessage(`{}`),
	}
	require.NoError(t, s.Validate())
	r := automation.NewScheduleRecord(s, testNow)
	r.State = state
	return r
}

func expectResult(t *testing.T, p *Processor) automation.TriggerResult {
	t.Helper()
	select {
	case r := <-p.Results():
		return r
	case <-time.After(time.Second):
		t.Fatal("expected a trigger result")
	}
	return automation.TriggerResult{}
}

func expectNoResult(t *testing.T, p *Processor) {
	t.Helper()
	select {
	case r := <-p.Results():
		t.Fatalf("unexpected trigger result for %s", r.ScheduleID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventTriggerReachesGoal(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateIdle, automation.Trigger{Type: automation.TriggerForeground, Goal: 2}),
	})

	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectNoResult(t, p)

	p.ProcessEvent(ctx, automation.ForegroundEvent())
	r := expectResult(t, p)
	assert.Equal(t, "s1", r.ScheduleID)
	assert.Equal(t, automation.ExecutionTypeExecution, r.ExecutionType)
	assert.Equal(t, automation.TriggerForeground, r.TriggerInfo.Context.Type)
	assert.Equal(t, testNow, r.TriggerInfo.Date)

	// Count resets after the goal
	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectNoResult(t, p)
}

func TestExecutionTriggersOnlyWhileIdle(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateTriggered, automation.Trigger{Type: automation.TriggerAppInit, Goal: 1}),
	})

	p.ProcessEvent(ctx, automation.AppInitEvent())
	expectNoResult(t, p)

	p.UpdateScheduleState(ctx, "s1", automation.StateIdle)
	p.ProcessEvent(ctx, automation.AppInitEvent())
	expectResult(t, p)

	p.UpdateScheduleState(ctx, "s1", automation.StateFinished)
	p.ProcessEvent(ctx, automation.AppInitEvent())
	expectNoResult(t, p)
}

func TestDelayCancellationTrigger(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	r := record(t, automation.StateIdle, automation.Trigger{Type: automation.TriggerForeground, Goal: 1})
	r.Schedule.Delay = &automation.Delay{
		Seconds:              60,
		CancellationTriggers: []automation.Trigger{{Type: automation.TriggerBackground, Goal: 1}},
	}
	require.NoError(t, r.Schedule.Validate())
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{r})

	// Not live while idle
	p.ProcessEvent(ctx, automation.BackgroundEvent())
	expectNoResult(t, p)

	p.UpdateScheduleState(ctx, "s1", automation.StateTriggered)
	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectNoResult(t, p)

	p.ProcessEvent(ctx, automation.BackgroundEvent())
	res := expectResult(t, p)
	assert.Equal(t, automation.ExecutionTypeDelayCancellation, res.ExecutionType)
}

func TestCustomEventValue(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateIdle, automation.Trigger{Type: automation.TriggerCustomEventValue, Goal: 10}),
	})

	four, seven := 4.0, 7.0
	p.ProcessEvent(ctx, automation.CustomEvent(json.RawMessage(`{"event_name":"purchase"}`), &four))
	expectNoResult(t, p)
	p.ProcessEvent(ctx, automation.CustomEvent(json.RawMessage(`{"event_name":"purchase"}`), &seven))
	res := expectResult(t, p)
	assert.JSONEq(t, `{"event_name":"purchase"}`, string(res.TriggerInfo.Context.Event))
}

func TestScreenPredicate(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateIdle, automation.Trigger{
			Type:      automation.TriggerScreen,
			Goal:      1,
			Predicate: &automation.Predicate{Equals: "home"},
		}),
	})

	p.ProcessEvent(ctx, automation.ScreenViewEvent("settings"))
	expectNoResult(t, p)
	p.ProcessEvent(ctx, automation.ScreenViewEvent("home"))
	res := expectResult(t, p)
	assert.Equal(t, `"home"`, string(res.TriggerInfo.Context.Event))
}

func TestActiveSessionReplayedOnActivation(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	p.ProcessEvent(ctx, automation.StateChangedEvent(automation.TriggerableState{AppSessionID: "session-a"}))

	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateIdle, automation.Trigger{Type: automation.TriggerActiveSession, Goal: 1}),
	})
	expectResult(t, p)

	// Same session does not fire again
	p.UpdateScheduleState(ctx, "s1", automation.StateFinished)
	p.UpdateScheduleState(ctx, "s1", automation.StateIdle)
	expectNoResult(t, p)

	p.ProcessEvent(ctx, automation.StateChangedEvent(automation.TriggerableState{AppSessionID: "session-b"}))
	expectResult(t, p)
}

func TestVersionTrigger(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateIdle, automation.Trigger{
			Type:      automation.TriggerVersion,
			Goal:      1,
			Predicate: &automation.Predicate{Version: ">= 2.0.0"},
		}),
	})

	p.ProcessEvent(ctx, automation.StateChangedEvent(automation.TriggerableState{VersionUpdated: "1.9.0"}))
	expectNoResult(t, p)

	p.ProcessEvent(ctx, automation.StateChangedEvent(automation.TriggerableState{VersionUpdated: "2.1.0"}))
	expectResult(t, p)

	p.ProcessEvent(ctx, automation.StateChangedEvent(automation.TriggerableState{VersionUpdated: "2.1.0", AppSessionID: "x"}))
	expectNoResult(t, p)
}

func TestAndTrigger(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateIdle, automation.Trigger{
			Type: automation.TriggerAnd,
			Goal: 1,
			Children: []automation.ChildTrigger{
				{Trigger: automation.Trigger{Type: automation.TriggerForeground, Goal: 1}},
				{Trigger: automation.Trigger{Type: automation.TriggerAppInit, Goal: 1}},
			},
		}),
	})

	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectNoResult(t, p)
	p.ProcessEvent(ctx, automation.AppInitEvent())
	expectResult(t, p)

	// Children were reset
	p.ProcessEvent(ctx, automation.AppInitEvent())
	expectNoResult(t, p)
}

func TestChainTriggerRequiresOrder(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateIdle, automation.Trigger{
			Type: automation.TriggerChain,
			Goal: 1,
			Children: []automation.ChildTrigger{
				{Trigger: automation.Trigger{Type: automation.TriggerScreen, Goal: 1, Predicate: &automation.Predicate{Equals: "a"}}},
				{Trigger: automation.Trigger{Type: automation.TriggerScreen, Goal: 1, Predicate: &automation.Predicate{Equals: "b"}}},
			},
		}),
	})

	p.ProcessEvent(ctx, automation.ScreenViewEvent("b"))
	expectNoResult(t, p)
	p.ProcessEvent(ctx, automation.ScreenViewEvent("a"))
	expectNoResult(t, p)
	p.ProcessEvent(ctx, automation.ScreenViewEvent("b"))
	expectResult(t, p)
}

func TestOrTrigger(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateIdle, automation.Trigger{
			Type: automation.TriggerOr,
			Goal: 2,
			Children: []automation.ChildTrigger{
				{Trigger: automation.Trigger{Type: automation.TriggerForeground, Goal: 1}},
				{Trigger: automation.Trigger{Type: automation.TriggerBackground, Goal: 1}},
			},
		}),
	})

	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectNoResult(t, p)
	p.ProcessEvent(ctx, automation.BackgroundEvent())
	expectResult(t, p)
}

func TestTriggerOutsideScheduleWindow(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	r := record(t, automation.StateIdle, automation.Trigger{Type: automation.TriggerForeground, Goal: 1})
	start := testNow.Add(time.Hour)
	r.Schedule.Start = &start
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{r})

	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectNoResult(t, p)
}

func TestPausedProcessorIgnoresEvents(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{
		record(t, automation.StateIdle, automation.Trigger{Type: automation.TriggerForeground, Goal: 1}),
	})

	p.SetPaused(true)
	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectNoResult(t, p)

	p.SetPaused(false)
	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectResult(t, p)
}

func TestProgressSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStateStore(automatontest.CreateMigratedTestDB(t))

	r := record(t, automation.StateIdle, automation.Trigger{Type: automation.TriggerForeground, Goal: 3})

	first := newTestProcessor(t, store)
	require.NoError(t, first.RestoreSchedules(ctx, []*automation.ScheduleRecord{r}))
	first.ProcessEvent(ctx, automation.ForegroundEvent())
	first.ProcessEvent(ctx, automation.ForegroundEvent())
	expectNoResult(t, first)

	second := newTestProcessor(t, store)
	require.NoError(t, second.RestoreSchedules(ctx, []*automation.ScheduleRecord{r}))
	second.ProcessEvent(ctx, automation.ForegroundEvent())
	expectResult(t, second)
}

func TestRestoreDropsUnknownSchedules(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStateStore(automatontest.CreateMigratedTestDB(t))
	require.NoError(t, store.Upsert(ctx, []*TriggerData{
		{ScheduleID: "gone", TriggerID: "t1", Count: 2},
		{ScheduleID: "s1", TriggerID: "t1", Count: 1},
	}))

	p := newTestProcessor(t, store)
	r := record(t, automation.StateIdle, automation.Trigger{ID: "t1", Type: automation.TriggerForeground, Goal: 5})
	require.NoError(t, p.RestoreSchedules(ctx, []*automation.ScheduleRecord{r}))

	gone, err := store.Get(ctx, "gone", "t1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.Get(ctx, "s1", "t1")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, 1.0, kept.Count)
}

func TestCancelGroupDeletesProgress(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	p := newTestProcessor(t, store)

	r := record(t, automation.StateIdle, automation.Trigger{ID: "t1", Type: automation.TriggerForeground, Goal: 5})
	r.Schedule.Group = "promo"
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{r})
	p.ProcessEvent(ctx, automation.ForegroundEvent())

	saved, err := store.Get(ctx, "s1", "t1")
	require.NoError(t, err)
	require.NotNil(t, saved)

	p.CancelGroup(ctx, "promo")
	saved, err = store.Get(ctx, "s1", "t1")
	require.NoError(t, err)
	assert.Nil(t, saved)

	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectNoResult(t, p)
}

func TestUpdateKeepsProgressForUnchangedTriggers(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	r := record(t, automation.StateIdle, automation.Trigger{ID: "t1", Type: automation.TriggerForeground, Goal: 2})
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{r})
	p.ProcessEvent(ctx, automation.ForegroundEvent())

	r.Schedule.Priority = 5
	p.UpdateSchedules(ctx, []*automation.ScheduleRecord{r})
	p.ProcessEvent(ctx, automation.ForegroundEvent())
	expectResult(t, p)
}
