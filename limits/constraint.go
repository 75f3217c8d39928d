// Package limits tracks executions against frequency constraints: at most
// Count occurrences within Range.
package limits

import (
	"context"
	"encoding/json"
	"time"
)

// FrequencyConstraint caps occurrences within a sliding period.
type FrequencyConstraint struct {
	ID    string
	Range time.Duration
	Count uint
}

type constraintJSON struct {
	ID       string  `json:"id"`
	Range    float64 `json:"range"`
	Boundary uint    `json:"boundary"`
}

// MarshalJSON encodes Range in seconds.
func (c FrequencyConstraint) MarshalJSON() ([]byte, error) {
	return json.Marshal(constraintJSON{ID: c.ID, Range: c.Range.Seconds(), Boundary: c.Count})
}

// UnmarshalJSON decodes Range from seconds.
func (c *FrequencyConstraint) UnmarshalJSON(b []byte) error {
	var w constraintJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	c.ID = w.ID
	c.Range = time.Duration(w.Range * float64(time.Second))
	c.Count = w.Boundary
	return nil
}

// Occurrence is one counted execution against a constraint.
type Occurrence struct {
	ConstraintID string
	Timestamp    time.Time
}

// ConstraintInfo is a constraint with its recorded occurrences.
type ConstraintInfo struct {
	Constraint  FrequencyConstraint
	Occurrences []Occurrence
}

// Store persists constraints and occurrences. Deleting a constraint deletes
// its occurrences.
type Store interface {
	// FetchConstraints returns the requested constraints, or all when ids is empty.
	FetchConstraints(ctx context.Context, ids ...string) ([]ConstraintInfo, error)
	UpsertConstraint(ctx context.Context, c FrequencyConstraint) error
	DeleteConstraints(ctx context.Context, ids ...string) error
	SaveOccurrences(ctx context.Context, occurrences []Occurrence) error
}
