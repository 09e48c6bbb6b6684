package memory

import (
	"context"
	"fmt"
	"sort"

	memdb "github.com/hashicorp/go-memdb"

	"lockbox.dev/authz/grants"
)

var (
	schema = &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"grant": {
				Name: "grant",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{
									Field: "Role",
								},
								&memdb.StringFieldIndex{
									Field: "Key",
								},
							},
						},
					},
					"role": {
						Name: "role",
						Indexer: &memdb.StringFieldIndex{
							Field: "Role",
						},
					},
				},
			},
		},
	}
)

// row is how a Record is held in memdb. Key is the Record's dedup key,
// encoded as a string so it can be indexed even when the Record has no
// expiration.
type row struct {
	Role   string
	Key    string
	Seq    uint64
	Record grants.Record
}

// Storer is an in-memory implementation of the Storer
// interface.
type Storer struct {
	db *memdb.MemDB

	// seq is only read and written while a write transaction is
	// open; memdb allows one writer at a time.
	seq uint64
}

// NewStorer returns an in-memory Storer instance that is ready
// to be used as a Storer.
func NewStorer() (*Storer, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &Storer{
		db: db,
	}, nil
}

// Init does nothing; an in-memory Storer is ready as soon as it's created.
func (s *Storer) Init(_ context.Context) error {
	return nil
}

// CreateGrant inserts the passed Record into the Storer, returning an
// ErrGrantAlreadyExists error if a Record with the same Key already exists
// in the same partition.
func (s *Storer) CreateGrant(_ context.Context, record grants.Record) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	key := record.Key().String()
	exists, err := txn.First("grant", "id", string(record.Role), key)
	if err != nil {
		return err
	}
	if exists != nil {
		return grants.ErrGrantAlreadyExists
	}
	err = txn.Insert("grant", &row{
		Role:   string(record.Role),
		Key:    key,
		Seq:    s.seq + 1,
		Record: record,
	})
	if err != nil {
		return err
	}
	s.seq++
	txn.Commit()
	return nil
}

// ListGrants returns every Record in the partition for role, in the order
// they were created.
func (s *Storer) ListGrants(_ context.Context, role grants.Role) ([]grants.Record, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get("grant", "role", string(role))
	if err != nil {
		return nil, err
	}
	var rows []*row
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		r, ok := obj.(*row)
		if !ok || r == nil {
			return nil, fmt.Errorf("unexpected result type %T", obj) //nolint:goerr113 // error for logging, not handling
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	results := make([]grants.Record, 0, len(rows))
	for _, r := range rows {
		results = append(results, r.Record)
	}
	return results, nil
}

// ClearGrants removes every Record in the partition for role.
func (s *Storer) ClearGrants(_ context.Context, role grants.Role) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	_, err := txn.DeleteAll("grant", "role", string(role))
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}
