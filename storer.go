package grants

import "context"

// Storer is the interface that Records are persisted and retrieved through.
//
// CreateGrant must return ErrGrantAlreadyExists if a Record with the same
// Key already exists in the Record's partition, and must make the check and
// the insert a single atomic step. A nil return means the Record is durable.
// ListGrants returns the partition in insertion order.
type Storer interface {
	Init(ctx context.Context) error
	CreateGrant(ctx context.Context, record Record) error
	ListGrants(ctx context.Context, role Role) ([]Record, error)
	ClearGrants(ctx context.Context, role Role) error
}

// Factory is used in testing to create and clean up Storers.
type Factory interface {
	NewStorer(ctx context.Context) (Storer, error)
	TeardownStorers() error
}
