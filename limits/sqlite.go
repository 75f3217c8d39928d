package limits

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/automaton/errors"
)

// SQLiteStore persists constraints in frequency_constraints and occurrences
// in frequency_occurrences.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) FetchConstraints(ctx context.Context, ids ...string) ([]ConstraintInfo, error) {
	query := `SELECT constraint_id, range_seconds, max_count FROM frequency_constraints`
	args := make([]any, len(ids))
	if len(ids) > 0 {
		query += ` WHERE constraint_id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`
		for i, id := range ids {
			args[i] = id
		}
	}
	query += ` ORDER BY constraint_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query constraints")
	}
	var infos []ConstraintInfo
	for rows.Next() {
		var (
			c       FrequencyConstraint
			seconds float64
		)
		if err := rows.Scan(&c.ID, &seconds, &c.Count); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan constraint")
		}
		c.Range = time.Duration(seconds * float64(time.Second))
		infos = append(infos, ConstraintInfo{Constraint: c})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate constraints")
	}
	rows.Close()

	for i := range infos {
		occ, err := s.occurrences(ctx, infos[i].Constraint.ID)
		if err != nil {
			return nil, err
		}
		infos[i].Occurrences = occ
	}
	return infos, nil
}

func (s *SQLiteStore) occurrences(ctx context.Context, id string) ([]Occurrence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at FROM frequency_occurrences WHERE constraint_id = ? ORDER BY occurred_at`, id)
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "query occurrences"), "constraint_id=%s", id)
	}
	defer rows.Close()

	var out []Occurrence
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, errors.Wrap(err, "scan occurrence")
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.Wrap(err, "parse occurrence")
		}
		out = append(out, Occurrence{ConstraintID: id, Timestamp: parsed})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertConstraint(ctx context.Context, c FrequencyConstraint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frequency_constraints (constraint_id, range_seconds, max_count)
		VALUES (?, ?, ?)
		ON CONFLICT(constraint_id) DO UPDATE SET
			range_seconds = excluded.range_seconds,
			max_count = excluded.max_count`,
		c.ID, c.Range.Seconds(), c.Count)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "upsert constraint"), "constraint_id=%s", c.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteConstraints(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM frequency_constraints WHERE constraint_id IN (`+strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")+`)`,
		args...)
	if err != nil {
		return errors.Wrapf(err, "delete %d constraints", len(ids))
	}
	return nil
}

// SaveOccurrences drops occurrences whose constraint no longer exists.
func (s *SQLiteStore) SaveOccurrences(ctx context.Context, occurrences []Occurrence) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin save occurrences")
	}
	defer tx.Rollback()

	for _, o := range occurrences {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO frequency_occurrences (constraint_id, occurred_at)
			SELECT ?, ? WHERE EXISTS (SELECT 1 FROM frequency_constraints WHERE constraint_id = ?)`,
			o.ConstraintID, o.Timestamp.UTC().Format(time.RFC3339Nano), o.ConstraintID)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "insert occurrence"), "constraint_id=%s", o.ConstraintID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit occurrences")
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
