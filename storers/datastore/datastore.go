// Package datastore provides a Google Cloud Datastore implementation of the
// grants.Storer interface.
//
// Each partition is its own kind. An entity's name is the BLAKE3 hash of the
// Record's dedup key, so inserting a Record that already exists fails with
// AlreadyExists instead of creating a second entity.
package datastore

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/zeebo/blake3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	yall "yall.in"

	"lockbox.dev/authz/grants"
)

// deleteBatchSize is the most keys Datastore accepts in one DeleteMulti.
const deleteBatchSize = 500

// Storer is a Google Cloud Datastore implementation of the Storer
// interface.
type Storer struct {
	client    *datastore.Client
	namespace string
}

// NewStorer returns a Datastore Storer instance that is ready to be used as a
// Storer. namespace may be empty to use the default namespace.
func NewStorer(_ context.Context, client *datastore.Client, namespace string) *Storer {
	return &Storer{client: client, namespace: namespace}
}

func (s *Storer) key(role grants.Role, key grants.Key) *datastore.Key {
	sum := blake3.Sum256([]byte(key.String()))
	k := datastore.NameKey(kind(role), hex.EncodeToString(sum[:]), nil)
	if s.namespace != "" {
		k.Namespace = s.namespace
	}
	return k
}

// Init does nothing; Datastore kinds don't need to be created ahead of
// time.
func (s *Storer) Init(_ context.Context) error {
	return nil
}

func alreadyExists(err error) bool {
	if status.Code(err) == codes.AlreadyExists {
		return true
	}
	var multi datastore.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			if e != nil && status.Code(e) == codes.AlreadyExists {
				return true
			}
		}
	}
	return false
}

// CreateGrant inserts the passed Record into the Storer,
// returning an ErrGrantAlreadyExists error if a Record
// with the same Key already exists in its partition.
func (s *Storer) CreateGrant(ctx context.Context, record grants.Record) error {
	gr := toDatastore(record, time.Now().UTC())
	mut := datastore.NewInsert(s.key(record.Role, record.Key()), &gr)
	_, err := s.client.Mutate(ctx, mut)
	if err != nil {
		if alreadyExists(err) {
			return grants.ErrGrantAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Storer) query(role grants.Role) *datastore.Query {
	q := datastore.NewQuery(kind(role))
	if s.namespace != "" {
		q = q.Namespace(s.namespace)
	}
	return q
}

// ListGrants returns every Record in the partition for role, ordered by
// creation time.
func (s *Storer) ListGrants(ctx context.Context, role grants.Role) ([]grants.Record, error) {
	var entities []Grant
	_, err := s.client.GetAll(ctx, s.query(role).Order("CreatedAt"), &entities)
	if err != nil {
		return nil, err
	}
	results := make([]grants.Record, 0, len(entities))
	for _, entity := range entities {
		results = append(results, fromDatastore(role, entity))
	}
	return results, nil
}

// ClearGrants removes every Record in the partition for role.
func (s *Storer) ClearGrants(ctx context.Context, role grants.Role) error {
	keys, err := s.client.GetAll(ctx, s.query(role).KeysOnly(), nil)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		if err := s.client.DeleteMulti(ctx, keys[start:end]); err != nil {
			return err
		}
	}
	yall.FromContext(ctx).WithField("deleted", len(keys)).WithField("partition", role.PartitionName()).Debug("cleared grants")
	return nil
}
