package automation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicateEvaluate(t *testing.T) {
	event := json.RawMessage(`{"name": "purchase", "properties": {"sku": "abc", "qty": 3}}`)

	tests := []struct {
		name string
		json string
		want bool
	}{
		{"empty matches", `{}`, true},
		{"equals in scope", `{"scope": ["properties"], "key": "sku", "equals": "abc"}`, true},
		{"number equality", `{"scope": ["properties"], "key": "qty", "equals": 3}`, true},
		{"range", `{"scope": ["properties"], "key": "qty", "at_least": 2, "at_most": 5}`, true},
		{"missing key", `{"key": "nope", "is_present": false}`, true},
		{"and", `{"and": [{"key": "name", "equals": "purchase"}, {"key": "nope", "is_present": true}]}`, false},
		{"or", `{"or": [{"key": "name", "equals": "x"}, {"key": "name", "equals": "purchase"}]}`, true},
		{"not", `{"not": {"key": "name", "equals": "purchase"}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Predicate
			require.NoError(t, json.Unmarshal([]byte(tt.json), &p))
			assert.Equal(t, tt.want, p.Evaluate(event))
		})
	}
}

func TestPredicateVersionMatches(t *testing.T) {
	p := &Predicate{Version: ">= 2.0.0"}
	assert.True(t, p.Evaluate("2.1.0"))
	assert.False(t, p.Evaluate("1.9.9"))
	assert.False(t, p.Evaluate(42))
}

func TestNilPredicateMatches(t *testing.T) {
	var p *Predicate
	assert.True(t, p.Evaluate(nil))
}
