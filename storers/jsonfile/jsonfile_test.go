package jsonfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockbox.dev/authz/grants"
)

func strPtr(s string) *string { return &s }

func TestInitCreatesEmptyDocument(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "db.json")

	require.NoError(t, NewStorer(path).Init(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string][]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "granterGrants")
	assert.Contains(t, raw, "granteeGrants")
	assert.Empty(t, raw["granterGrants"])
	assert.Empty(t, raw["granteeGrants"])
}

func TestInitRejectsMalformedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	err := NewStorer(path).Init(context.Background())
	require.ErrorIs(t, err, ErrMalformedFile)
}

func TestInitRejectsEmptyFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "db.json")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	err := NewStorer(path).Init(context.Background())
	require.ErrorIs(t, err, ErrMalformedFile)

	// the file is left for the operator to inspect, not overwritten
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFileShape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")
	storer := NewStorer(path)

	require.NoError(t, storer.CreateGrant(ctx, grants.Record{
		Role: grants.RoleGranter, Counterparty: "cosmos1abc", Permission: "send", Expiration: strPtr("2025-01-01"),
	}))
	require.NoError(t, storer.CreateGrant(ctx, grants.Record{
		Role: grants.RoleGrantee, Counterparty: "cosmos1xyz", Permission: "vote",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"granterGrants": [{"granter": "cosmos1abc", "permission": "send", "expiration": "2025-01-01"}],
		"granteeGrants": [{"grantee": "cosmos1xyz", "permission": "vote", "expiration": null}]
	}`, string(data))
}

func TestSharedFileSeesOtherWriters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")
	first, second := NewStorer(path), NewStorer(path)
	record := grants.Record{Role: grants.RoleGranter, Counterparty: "cosmos1abc", Permission: "send"}

	require.NoError(t, first.CreateGrant(ctx, record))
	require.ErrorIs(t, second.CreateGrant(ctx, record), grants.ErrGrantAlreadyExists)

	listed, err := second.ListGrants(ctx, grants.RoleGranter)
	require.NoError(t, err)
	assert.Equal(t, []grants.Record{record}, listed)
}

func TestReloadsInPlaceRewriteWithSameSizeAndMtime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.json")
	storer := NewStorer(path)

	require.NoError(t, storer.CreateGrant(ctx, grants.Record{Role: grants.RoleGranter, Counterparty: "cosmos1aaa", Permission: "send"}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// rewrite the same inode with content of identical length, then put the
	// modification time back
	rewritten := strings.Replace(string(data), "cosmos1aaa", "cosmos1bbb", 1)
	require.Len(t, rewritten, len(data))
	require.NoError(t, os.WriteFile(path, []byte(rewritten), 0o600))
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	listed, err := storer.ListGrants(ctx, grants.RoleGranter)
	require.NoError(t, err)
	assert.Equal(t, []grants.Record{{Role: grants.RoleGranter, Counterparty: "cosmos1bbb", Permission: "send"}}, listed)

	require.ErrorIs(t, storer.CreateGrant(ctx, grants.Record{Role: grants.RoleGranter, Counterparty: "cosmos1bbb", Permission: "send"}), grants.ErrGrantAlreadyExists)
	require.NoError(t, storer.CreateGrant(ctx, grants.Record{Role: grants.RoleGranter, Counterparty: "cosmos1aaa", Permission: "send"}))
}
