package schedfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
)

const jsonDoc = `{
  "schedules": [
    {
      "id": "welcome",
      "type": "actions",
      "actions": {"toast": "hi"},
      "priority": 2,
      "triggers": [{"type": "app_init", "goal": 1}],
      "frequency_constraint_ids": ["daily"]
    }
  ],
  "constraints": [{"id": "daily", "range": 86400, "boundary": 1}]
}`

const tomlDoc = `
[[schedules]]
id = "welcome"
type = "actions"
priority = 2
frequency_constraint_ids = ["daily"]

  [schedules.actions]
  toast = "hi"

  [[schedules.triggers]]
  type = "app_init"
  goal = 1

[[constraints]]
id = "daily"
range = 86400
boundary = 1
`

const yamlDoc = `
schedules:
  - id: welcome
    type: actions
    priority: 2
    actions:
      toast: hi
    triggers:
      - type: app_init
        goal: 1
    frequency_constraint_ids: [daily]
constraints:
  - id: daily
    range: 86400
    boundary: 1
`

func TestParseFormats(t *testing.T) {
	tests := []struct {
		format Format
		doc    string
	}{
		{FormatJSON, jsonDoc},
		{FormatTOML, tomlDoc},
		{FormatYAML, yamlDoc},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			f, err := Parse([]byte(tt.doc), tt.format)
			require.NoError(t, err)

			require.Len(t, f.Schedules, 1)
			s := f.Schedules[0]
			assert.Equal(t, "welcome", s.ID)
			assert.Equal(t, automation.PayloadActions, s.Type)
			assert.Equal(t, 2, s.Priority)
			assert.JSONEq(t, `{"toast":"hi"}`, string(s.Actions))
			require.Len(t, s.Triggers, 1)
			assert.Equal(t, automation.TriggerAppInit, s.Triggers[0].Type)
			assert.NotEmpty(t, s.Triggers[0].ID, "validation assigns trigger ids")
			assert.Equal(t, []string{"daily"}, s.FrequencyConstraintIDs)

			require.Len(t, f.Constraints, 1)
			assert.Equal(t, 24*time.Hour, f.Constraints[0].Range)
			assert.Equal(t, uint(1), f.Constraints[0].Count)
		})
	}
}

func TestParseSameTriggerIDsAcrossFormats(t *testing.T) {
	j, err := Parse([]byte(jsonDoc), FormatJSON)
	require.NoError(t, err)
	y, err := Parse([]byte(yamlDoc), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, j.Schedules[0].Triggers[0].ID, y.Schedules[0].Triggers[0].ID)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", `{"schedules": [], "extra": 1}`},
		{"invalid schedule", `{"schedules": [{"id": "a", "type": "actions", "triggers": []}]}`},
		{"duplicate id", `{"schedules": [
			{"id": "a", "type": "actions", "actions": {}, "triggers": [{"type": "foreground", "goal": 1}]},
			{"id": "a", "type": "actions", "actions": {}, "triggers": [{"type": "foreground", "goal": 1}]}]}`},
		{"constraint without range", `{"schedules": [], "constraints": [{"id": "c", "range": 0, "boundary": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), FormatJSON)
			assert.True(t, errors.Is(err, errors.ErrInvalidSchedule), "got %v", err)
		})
	}
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]Format{
		"a.json": FormatJSON, "b.TOML": FormatTOML, "c.yaml": FormatYAML, "d.yml": FormatYAML,
	} {
		got, err := FormatOf(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, path)
	}
	_, err := FormatOf("schedules.txt")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestRemoved(t *testing.T) {
	prev := File{Schedules: []automation.Schedule{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	next := File{Schedules: []automation.Schedule{{ID: "b"}, {ID: "d"}}}
	assert.Equal(t, []string{"a", "c"}, next.Removed(prev))
	assert.Equal(t, []string{"b", "d"}, next.IDs())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestWatcherAppliesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0644))

	var mu sync.Mutex
	var applied [][]string
	var removed [][]string
	w := NewWatcher(path, func(_ context.Context, next, prev File) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, next.IDs())
		removed = append(removed, next.Removed(prev))
		return nil
	}, nil)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 1
	}, time.Second, 5*time.Millisecond)

	// A broken save keeps the last good file
	require.NoError(t, os.WriteFile(path, []byte("schedules: [{id: "), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"welcome"}, w.Current().IDs())

	next := `
schedules:
  - id: second
    type: actions
    actions: {toast: bye}
    triggers: [{type: foreground, goal: 2}]
`
	require.NoError(t, os.WriteFile(path, []byte(next), 0644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, applied[1])
	assert.Equal(t, []string{"welcome"}, removed[1])
}

func TestWatcherInitialLoadError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	w := NewWatcher(path, func(context.Context, File, File) error { return nil }, nil)
	assert.Error(t, w.Run(context.Background()))
}
