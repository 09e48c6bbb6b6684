package grants_test

import (
	"context"
	"database/sql"
	"os"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/option"

	dsstorer "lockbox.dev/authz/grants/storers/datastore"
	"lockbox.dev/authz/grants/storers/jsonfile"
	"lockbox.dev/authz/grants/storers/memory"
	"lockbox.dev/authz/grants/storers/postgres"
	"lockbox.dev/authz/grants/storers/sqlite"
)

func init() {
	storerFactories = append(storerFactories, memory.Factory{})

	sqliteFactory, err := sqlite.NewFactory()
	if err != nil {
		panic(err)
	}
	storerFactories = append(storerFactories, sqliteFactory)

	jsonFactory, err := jsonfile.NewFactory()
	if err != nil {
		panic(err)
	}
	storerFactories = append(storerFactories, jsonFactory)

	if os.Getenv(postgres.TestConnStringEnvVar) != "" {
		db, err := sql.Open("postgres", os.Getenv(postgres.TestConnStringEnvVar))
		if err != nil {
			panic(err)
		}
		storerFactories = append(storerFactories, postgres.NewFactory(db))
	}

	if os.Getenv(dsstorer.TestProjectEnvVar) != "" && os.Getenv(dsstorer.TestCredsEnvVar) != "" {
		client, err := datastore.NewClient(context.Background(), os.Getenv(dsstorer.TestProjectEnvVar), option.WithCredentialsFile(os.Getenv(dsstorer.TestCredsEnvVar)))
		if err != nil {
			panic(err)
		}
		storerFactories = append(storerFactories, dsstorer.NewFactory(client))
	}
}
