package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"sync"

	uuid "github.com/hashicorp/go-uuid"

	"lockbox.dev/authz/grants"
)

// Factory implements the grants.Factory interface
// for the Storer type; it offers a consistent
// interface for setting up and tearing down Storers
// for testing purposes. Every Storer gets its own
// database file in a temporary directory.
type Factory struct {
	dir   string
	conns []*sql.DB
	lock  sync.Mutex
}

// NewFactory returns a Factory, ready to be used.
func NewFactory() (*Factory, error) {
	dir, err := os.MkdirTemp("", "grants_sqlite_test_")
	if err != nil {
		return nil, err
	}
	return &Factory{dir: dir}, nil
}

// NewStorer creates a new Storer backed by a fresh
// database file and returns it.
func (f *Factory) NewStorer(ctx context.Context) (grants.Storer, error) { //nolint:ireturn // interface requires returning an interface
	suffix, err := uuid.GenerateRandomBytes(6)
	if err != nil {
		log.Printf("Error generating UUID: %+v\n", err)
		return nil, err
	}
	conn, err := Open(filepath.Join(f.dir, "grants_test_"+hex.EncodeToString(suffix)+".sqlite"))
	if err != nil {
		return nil, err
	}

	f.lock.Lock()
	f.conns = append(f.conns, conn)
	f.lock.Unlock()

	storer := NewStorer(ctx, conn)
	if err := storer.Init(ctx); err != nil {
		return nil, err
	}
	return storer, nil
}

// TeardownStorers closes every connection the Factory
// opened and removes their database files.
func (f *Factory) TeardownStorers() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, conn := range f.conns {
		conn.Close()
	}
	return os.RemoveAll(f.dir)
}
