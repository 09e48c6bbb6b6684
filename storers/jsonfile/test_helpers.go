package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	uuid "github.com/hashicorp/go-uuid"

	"lockbox.dev/authz/grants"
)

// Factory implements the grants.Factory interface for the Storer type. Each
// Storer gets its own file in a temporary directory that TeardownStorers
// removes.
type Factory struct {
	dir  string
	lock sync.Mutex
}

// NewFactory returns a Factory with its own temporary directory.
func NewFactory() (*Factory, error) {
	dir, err := os.MkdirTemp("", "grants-jsonfile-")
	if err != nil {
		return nil, err
	}
	return &Factory{dir: dir}, nil
}

// NewStorer creates a new, initialized Storer and returns it.
func (f *Factory) NewStorer(ctx context.Context) (grants.Storer, error) { //nolint:ireturn // interface requires returning an interface
	name, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	f.lock.Lock()
	path := filepath.Join(f.dir, name+".json")
	f.lock.Unlock()

	storer := NewStorer(path)
	if err := storer.Init(ctx); err != nil {
		return nil, err
	}
	return storer, nil
}

// TeardownStorers removes every file the Factory created.
func (f *Factory) TeardownStorers() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return os.RemoveAll(f.dir)
}
