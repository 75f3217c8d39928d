package feed

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/automation"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}
}

func next(t *testing.T, f *Feed) automation.Event {
	t.Helper()
	select {
	case e := <-f.Events():
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return automation.Event{}
	}
}

func expectNone(t *testing.T, f *Feed) {
	t.Helper()
	select {
	case e := <-f.Events():
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventsBeforeAttachAreDropped(t *testing.T) {
	f := New(nil)
	defer f.Close()

	f.Emit(automation.ScreenViewEvent("home"))
	f.Attach()

	assert.Equal(t, automation.EventAppInit, next(t, f).Type)
	expectNone(t, f)
}

func TestFirstAttachAnnouncesVersionOnce(t *testing.T) {
	f := New(nil, WithVersionUpdated("2.0.0"))
	defer f.Close()

	f.Attach()
	assert.Equal(t, automation.EventAppInit, next(t, f).Type)
	e := next(t, f)
	require.Equal(t, automation.EventStateChanged, e.Type)
	assert.Equal(t, "2.0.0", e.State.VersionUpdated)

	f.Detach()
	f.Attach()
	expectNone(t, f)
}

func TestForegroundStartsSession(t *testing.T) {
	f := New(nil, WithSessionIDs(sequentialIDs()))
	defer f.Close()
	f.Attach()
	next(t, f)

	f.Emit(automation.ForegroundEvent())
	assert.Equal(t, automation.EventForeground, next(t, f).Type)
	e := next(t, f)
	require.Equal(t, automation.EventStateChanged, e.Type)
	assert.Equal(t, "session-1", e.State.AppSessionID)

	f.Emit(automation.BackgroundEvent())
	assert.Equal(t, automation.EventBackground, next(t, f).Type)
	e = next(t, f)
	require.Equal(t, automation.EventStateChanged, e.Type)
	assert.Empty(t, e.State.AppSessionID)

	f.Emit(automation.ForegroundEvent())
	next(t, f)
	assert.Equal(t, "session-2", next(t, f).State.AppSessionID)
}

func TestDetachedForegroundStillTracksSession(t *testing.T) {
	f := New(nil, WithSessionIDs(sequentialIDs()))
	defer f.Close()

	f.Emit(automation.ForegroundEvent())
	assert.Equal(t, "session-1", f.State().AppSessionID)
}

func TestEventsKeepOrder(t *testing.T) {
	f := New(nil)
	defer f.Close()
	f.Attach()
	next(t, f)

	for i := 0; i < 100; i++ {
		f.Emit(automation.ScreenViewEvent(fmt.Sprint(i)))
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprint(i), next(t, f).Name)
	}
}
