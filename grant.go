package grants

import (
	"context"
	"errors"
	"fmt"

	yall "yall.in"
)

var (
	ErrGrantAlreadyExists = errors.New("grant with that counterparty, permission, and expiration already exists")
	ErrStorageUnavailable = errors.New("grant storage unavailable")
	ErrValidation         = errors.New("invalid grant record")
	ErrFetchTimeout       = errors.New("timed out fetching grants from chain")
	ErrFetchFailed        = errors.New("error fetching grants from chain")
	ErrPersistInProgress  = errors.New("a persist is already in progress")
	ErrUnknownRole        = errors.New("unknown grant role")
)

// Role identifies which side of a grant the local address is on. Each Role
// owns exactly one partition of the store.
type Role string

const (
	RoleGranter Role = "granter"
	RoleGrantee Role = "grantee"
)

// Roles lists every partition, in the order they're persisted.
var Roles = []Role{RoleGranter, RoleGrantee}

// PartitionName returns the name the partition is known by outside the
// process, e.g. in API payloads and the JSON file store.
func (r Role) PartitionName() string {
	switch r {
	case RoleGranter:
		return "granterGrants"
	case RoleGrantee:
		return "granteeGrants"
	}
	return ""
}

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleGranter || r == RoleGrantee
}

// Record is a single grant as mirrored into the local store.
type Record struct {
	Role         Role    `json:"role" validate:"oneof=granter grantee"`
	Counterparty string  `json:"counterparty" validate:"required"`
	Permission   string  `json:"permission" validate:"required"`
	Expiration   *string `json:"expiration" validate:"omitnil,min=1"`
}

// Key is the dedup key of a Record within its partition.
type Key struct {
	Counterparty  string
	Permission    string
	Expiration    string
	HasExpiration bool
}

// Key returns the dedup key for the Record.
func (r Record) Key() Key {
	k := Key{
		Counterparty: r.Counterparty,
		Permission:   r.Permission,
	}
	if r.Expiration != nil {
		k.Expiration = *r.Expiration
		k.HasExpiration = true
	}
	return k
}

// String encodes the Key unambiguously, so that it can be used as a map key
// or index value in storers that need a single string.
func (k Key) String() string {
	exp := "-"
	if k.HasExpiration {
		exp = "+" + k.Expiration
	}
	return fmt.Sprintf("%d:%s%d:%s%s", len(k.Counterparty), k.Counterparty, len(k.Permission), k.Permission, exp)
}

// ExpirationOrEmpty returns the expiration, using the empty string for
// records that never expire. Validation guarantees a set expiration is never
// empty, so the encoding is lossless.
func (r Record) ExpirationOrEmpty() string {
	if r.Expiration == nil {
		return ""
	}
	return *r.Expiration
}

// ExpirationFromEmpty is the inverse of ExpirationOrEmpty.
func ExpirationFromEmpty(exp string) *string {
	if exp == "" {
		return nil
	}
	return &exp
}

// Dependencies bundles the things grant operations need.
type Dependencies struct {
	Storer Storer
	Log    *yall.Logger
}

// logger prefers the request-scoped logger carried in ctx.
func (d Dependencies) logger(ctx context.Context) *yall.Logger {
	if log := yall.FromContext(ctx); log != nil {
		return log
	}
	return d.Log
}

func storageUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// Initialize prepares the Storer for use. It is safe to call more than once.
func (d Dependencies) Initialize(ctx context.Context) error {
	if err := d.Storer.Init(ctx); err != nil {
		d.logger(ctx).WithError(err).Error("Error initializing grant storage.")
		return storageUnavailable("initialize", err)
	}
	return nil
}

// AddGrant stores record in the partition belonging to role, unless a
// record with the same Key is already there. Duplicates are not errors;
// added reports whether a new record was written.
func (d Dependencies) AddGrant(ctx context.Context, role Role, record Record) (added bool, err error) {
	if !role.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	record.Role = role
	err = d.Storer.CreateGrant(ctx, record)
	if errors.Is(err, ErrGrantAlreadyExists) {
		d.logger(ctx).WithField("partition", role.PartitionName()).WithField("counterparty", record.Counterparty).
			WithField("permission", record.Permission).Debug("Grant already stored, skipping.")
		return false, nil
	}
	if err != nil {
		return false, storageUnavailable("add grant", err)
	}
	return true, nil
}

// GetGrants returns every record in the partition belonging to role, in
// insertion order. An empty partition yields an empty, non-nil slice.
func (d Dependencies) GetGrants(ctx context.Context, role Role) ([]Record, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	records, err := d.Storer.ListGrants(ctx, role)
	if err != nil {
		return nil, storageUnavailable("get grants", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// ClearGrants empties the partition belonging to role. It's an
// administrative operation and isn't exposed through the API.
func (d Dependencies) ClearGrants(ctx context.Context, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if err := d.Storer.ClearGrants(ctx, role); err != nil {
		return storageUnavailable("clear grants", err)
	}
	return nil
}
