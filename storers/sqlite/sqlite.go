// Package sqlite provides an embedded, file-backed implementation of the
// grants.Storer interface.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"darlinggo.co/pan"
	sqlite3 "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	yall "yall.in"

	"lockbox.dev/authz/grants"
)

// DSN parameters. The write pool is a single connection that takes its
// write lock up front, so concurrent check-then-insert sequences from this
// process and others serialize on SQLite's own lock.
const (
	busyTimeout = "5000"
	synchronous = "FULL"
	journalMode = "WAL"
)

// Open opens a *sql.DB for the SQLite file at path, configured the way a
// Storer expects.
func Open(path string) (*sql.DB, error) {
	params := url.Values{}
	params.Set("_journal_mode", journalMode)
	params.Set("_busy_timeout", busyTimeout)
	params.Set("_synchronous", synchronous)
	params.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Storer is a SQLite implementation of the Storer
// interface.
type Storer struct {
	db *sql.DB

	initLock sync.Mutex
	inited   bool
}

// NewStorer returns a SQLite Storer instance that is ready
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
	if err := ApplyMigrations(s.db, migrate.Up); err != nil {
		return err
	}
	yall.FromContext(ctx).Debug("sqlite grant tables ready")
	s.inited = true
	return nil
}

func createGrantSQL(record grants.Record, now time.Time) *pan.Query {
	return pan.Insert(toSQLite(record, now))
}

// CreateGrant inserts the passed Record into the Storer,
// returning an ErrGrantAlreadyExists error if a Record
// with the same Key already exists in its partition.
func (s *Storer) CreateGrant(ctx context.Context, record grants.Record) error {
	query := createGrantSQL(record, time.Now().UTC())
	queryStr, err := query.MySQLString()
	if err != nil {
		return err
	}
	yall.FromContext(ctx).WithField("query", queryStr).Debug("running create grant query")
	_, err = s.db.ExecContext(ctx, queryStr, query.Args()...)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return grants.ErrGrantAlreadyExists
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
	query := listGrantsSQL(role)
	queryStr, err := query.MySQLString()
	if err != nil {
		return nil, err
	}
	yall.FromContext(ctx).WithField("query", queryStr).Debug("running list grants query")
	rows, err := s.db.QueryContext(ctx, queryStr, query.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []grants.Record
	for rows.Next() {
		grant, err := scanGrant(rows, role)
		if err != nil {
			return nil, err
		}
		results = append(results, fromSQLite(role, grant))
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func scanGrant(rows *sql.Rows, role grants.Role) (Grant, error) {
	if role == grants.RoleGrantee {
		var grant GranteeGrant
		err := pan.Unmarshal(rows, &grant)
		return Grant(grant), err
	}
	var grant GranterGrant
	err := pan.Unmarshal(rows, &grant)
	return Grant(grant), err
}

func clearGrantsSQL(role grants.Role) *pan.Query {
	query := pan.New("DELETE FROM " + pan.Table(table(role)))
	return query.Flush(" ")
}

// ClearGrants removes every Record in the partition for role.
func (s *Storer) ClearGrants(ctx context.Context, role grants.Role) error {
	query := clearGrantsSQL(role)
	queryStr, err := query.MySQLString()
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
