package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"

	"darlinggo.co/pan"
	yall "yall.in"

	"lockbox.dev/authz/grants"
)

const (
	// TestConnStringEnvVar is the name of the environment variable
	// to set to the connection string when running tests.
	TestConnStringEnvVar = "PG_TEST_DB"
)

var dedupConstraints = map[string]struct{}{
	"granter_grants_counterparty_permission_expiration_key": {},
	"grantee_grants_counterparty_permission_expiration_key": {},
}

// Storer is a PostgreSQL implementation of the Storer
// interface.
type Storer struct {
	db *sql.DB

	initLock sync.Mutex
	inited   bool
}

// NewStorer returns a PostgreSQL Storer instance that is ready
// to be used as a Storer once Init has been called.
func NewStorer(_ context.Context, conn *sql.DB) *Storer {
	return &Storer{db: conn}
}

// Init applies any outstanding migrations. Calling it again after it has
// succeeded does nothing.
func (s *Storer) Init(ctx context.Context) error {
	s.initLock.Lock()
	defer s.initLock.Unlock()
	if s.inited {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if err := ApplyMigrations(s.db, migrate.Up); err != nil {
		return err
	}
	s.inited = true
	return nil
}

func createGrantSQL(record grants.Record, now time.Time) *pan.Query {
	return pan.Insert(toPostgres(record, now))
}

// CreateGrant inserts the passed Record into the Storer,
// returning an ErrGrantAlreadyExists error if a Record
// with the same Key already exists in its partition.
func (s *Storer) CreateGrant(ctx context.Context, record grants.Record) error {
	query := createGrantSQL(record, time.Now().UTC())
	queryStr, err := query.PostgreSQLString()
	if err != nil {
		return err
	}
	yall.FromContext(ctx).WithField("query", queryStr).WithField("query_args", query.Args()).Debug("running create grant query")
	_, err = s.db.ExecContext(ctx, queryStr, query.Args()...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if _, ok := dedupConstraints[pqErr.Constraint]; ok {
			return grants.ErrGrantAlreadyExists
		}
	}
	return err
}

func listGrantsSQL(role grants.Role) *pan.Query {
	t := table(role)
	query := pan.New("SELECT " + pan.Columns(t).String() + " FROM " + pan.Table(t) + " ORDER BY id")
	return query.Flush(" ")
}

// ListGrants returns every Record in the partition for role, in the order
// they were created.
func (s *Storer) ListGrants(ctx context.Context, role grants.Role) ([]grants.Record, error) {
	log := yall.FromContext(ctx).WithField("partition", role.PartitionName())
	query := listGrantsSQL(role)
	queryStr, err := query.PostgreSQLString()
	if err != nil {
		return nil, err
	}
	log.WithField("query", queryStr).Debug("running list grants query")
	rows, err := s.db.QueryContext(ctx, queryStr, query.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []grants.Record
	for rows.Next() {
		var grant Grant
		if role == grants.RoleGrantee {
			var g GranteeGrant
			err = pan.Unmarshal(rows, &g)
			grant = Grant(g)
		} else {
			var g GranterGrant
			err = pan.Unmarshal(rows, &g)
			grant = Grant(g)
		}
		if err != nil {
			return nil, err
		}
		results = append(results, fromPostgres(role, grant))
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func clearGrantsSQL(role grants.Role) *pan.Query {
	query := pan.New("DELETE FROM " + pan.Table(table(role)))
	return query.Flush(" ")
}

// ClearGrants removes every Record in the partition for role.
func (s *Storer) ClearGrants(ctx context.Context, role grants.Role) error {
	query := clearGrantsSQL(role)
	queryStr, err := query.PostgreSQLString()
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, queryStr, query.Args()...)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	yall.FromContext(ctx).WithField("rows_affected", count).WithField("partition", role.PartitionName()).Debug("cleared grants")
	return nil
}
