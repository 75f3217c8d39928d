package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
)

type recordingSink struct {
	mu     sync.Mutex
	events []automation.Event
}

func (r *recordingSink) Emit(e automation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) all() []automation.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]automation.Event(nil), r.events...)
}

func startBridge(t *testing.T, opts Options) (*Server, *recordingSink, string) {
	t.Helper()
	sink := &recordingSink{}
	s := New(sink, opts, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, sink, "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    automation.Event
		wantErr bool
	}{
		{name: "foreground", raw: `{"type":"foreground"}`, want: automation.ForegroundEvent()},
		{name: "screen", raw: `{"type":"screen_view","name":"home"}`, want: automation.ScreenViewEvent("home")},
		{name: "region enter", raw: `{"type":"region_enter","name":"r1"}`, want: automation.RegionEnterEvent("r1")},
		{name: "state change rejected", raw: `{"type":"state_changed","state":{}}`, wantErr: true},
		{name: "unknown type", raw: `{"type":"bogus"}`, wantErr: true},
		{name: "screen without name", raw: `{"type":"screen_view"}`, wantErr: true},
		{name: "malformed", raw: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.raw))
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeCustomEvent(t *testing.T) {
	got, err := DecodeEvent([]byte(`{"type":"custom_event","data":{"name":"purchase"},"value":9.5}`))
	require.NoError(t, err)
	assert.Equal(t, automation.EventCustom, got.Type)
	require.NotNil(t, got.Value)
	assert.Equal(t, 9.5, *got.Value)
	assert.JSONEq(t, `{"name":"purchase"}`, string(got.Data))
}

func TestInboundEventsReachSink(t *testing.T) {
	s, sink, url := startBridge(t, Options{})
	conn := dial(t, url, nil)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"foreground"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"screen_view","name":"cart"}`)))

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, automation.EventForeground, sink.all()[0].Type)
	assert.Equal(t, "cart", sink.all()[1].Name)
}

func TestInvalidInboundGetsError(t *testing.T) {
	_, sink, url := startBridge(t, Options{})
	conn := dial(t, url, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)))
	msg := readJSON(t, conn)
	assert.Equal(t, TypeError, msg["type"])
	assert.Contains(t, msg["error"], "nope")
	assert.Empty(t, sink.all())
}

func TestForwardBroadcastsTransitions(t *testing.T) {
	s, _, url := startBridge(t, Options{})
	a := dial(t, url, nil)
	b := dial(t, url, nil)
	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	ch := make(chan automation.Transition, 1)
	ch <- automation.Transition{ScheduleID: "s1", From: automation.StateIdle, To: automation.StateTriggered}
	close(ch)
	s.Forward(context.Background(), ch)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readJSON(t, conn)
		assert.Equal(t, TypeTransition, msg["type"])
		tr := msg["transition"].(map[string]any)
		assert.Equal(t, "s1", tr["schedule_id"])
		assert.Equal(t, "triggered", tr["to"])
	}
}

func TestNotify(t *testing.T) {
	s, _, url := startBridge(t, Options{})
	data := automation.ExecutionData{Type: automation.PayloadActions, Value: json.RawMessage(`{"toast":"hi"}`)}
	info := automation.PreparedScheduleInfo{ScheduleID: "s1", TriggerSessionID: "t1"}

	err := s.Notify(context.Background(), data, info)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable), "no clients connected")

	conn := dial(t, url, nil)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Notify(context.Background(), data, info))

	msg := readJSON(t, conn)
	assert.Equal(t, TypeExecute, msg["type"])
	assert.Equal(t, "s1", msg["schedule_id"])
	assert.Equal(t, "actions", msg["payload_type"])
	assert.Equal(t, map[string]any{"toast": "hi"}, msg["payload"])
}

func TestOriginCheck(t *testing.T) {
	_, _, url := startBridge(t, Options{AllowedOrigins: []string{"http://localhost"}})

	ok := dial(t, url, http.Header{"Origin": []string{"http://localhost:3000"}})
	assert.NotNil(t, ok)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDisconnectUnregisters(t *testing.T) {
	s, _, url := startBridge(t, Options{})
	conn := dial(t, url, nil)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	s := New(&recordingSink{}, Options{}, nil)
	defer s.Stop()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","clients":0}`, rec.Body.String())
}

func TestDecodeFeatureFlagInteraction(t *testing.T) {
	got, err := DecodeEvent([]byte(`{"type":"feature_flag_interaction","data":{"flag":"new_checkout","eligible":true}}`))
	require.NoError(t, err)
	assert.Equal(t, automation.EventFeatureFlagInteraction, got.Type)
	assert.JSONEq(t, `{"flag":"new_checkout","eligible":true}`, string(got.Data))
}
