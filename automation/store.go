package automation

import "context"

// Store persists schedule records. Update and BatchUpsert are atomic
// read-modify-write operations keyed by schedule ID.
type Store interface {
	Schedules(ctx context.Context) ([]*ScheduleRecord, error)
	// Schedule returns nil, nil when absent.
	Schedule(ctx context.Context, id string) (*ScheduleRecord, error)
	SchedulesInGroup(ctx context.Context, group string) ([]*ScheduleRecord, error)

	// BatchUpsert calls fn for every id with the existing record or nil and
	// stores what fn returns.
	BatchUpsert(ctx context.Context, ids []string, fn func(id string, existing *ScheduleRecord) (*ScheduleRecord, error)) ([]*ScheduleRecord, error)

	// Update mutates an existing record and returns the stored result, or nil
	// when the record does not exist.
	Update(ctx context.Context, id string, fn func(*ScheduleRecord) error) (*ScheduleRecord, error)

	Delete(ctx context.Context, ids ...string) error
	DeleteGroup(ctx context.Context, group string) error
	DeleteType(ctx context.Context, payloadType PayloadType) error
}
