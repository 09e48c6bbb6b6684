package datastore

import (
	"context"
	"encoding/hex"
	"log"
	"sync"

	"cloud.google.com/go/datastore"
	uuid "github.com/hashicorp/go-uuid"

	"lockbox.dev/authz/grants"
)

const (
	// TestProjectEnvVar and TestCredsEnvVar must both be set for the
	// Datastore Storer to be tested.
	TestProjectEnvVar = "DATASTORE_TEST_PROJECT"
	TestCredsEnvVar   = "DATASTORE_TEST_CREDS"
)

// Factory implements the grants.Factory interface
// for the Storer type. Every Storer it creates uses
// its own namespace, which TeardownStorers empties.
type Factory struct {
	client     *datastore.Client
	namespaces []string
	lock       sync.Mutex
}

// NewFactory returns a Factory that creates Storers
// using client.
func NewFactory(client *datastore.Client) *Factory {
	return &Factory{client: client}
}

// NewStorer creates a new Storer in a fresh namespace and returns it.
func (f *Factory) NewStorer(ctx context.Context) (grants.Storer, error) { //nolint:ireturn // interface requires returning an interface
	namespaceSuffix, err := uuid.GenerateRandomBytes(6)
	if err != nil {
		log.Printf("Error generating UUID: %s", err.Error())
		return nil, err
	}
	namespace := "grants_test_" + hex.EncodeToString(namespaceSuffix)

	f.lock.Lock()
	f.namespaces = append(f.namespaces, namespace)
	f.lock.Unlock()

	return NewStorer(ctx, f.client, namespace), nil
}

// TeardownStorers deletes every entity in every namespace the Factory
// created.
func (f *Factory) TeardownStorers() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	ctx := context.Background()
	for _, namespace := range f.namespaces {
		storer := NewStorer(ctx, f.client, namespace)
		for _, role := range grants.Roles {
			if err := storer.ClearGrants(ctx, role); err != nil {
				log.Printf("Error cleaning up %s in namespace %q: %s", role.PartitionName(), namespace, err.Error())
			}
		}
	}
	return f.client.Close()
}
