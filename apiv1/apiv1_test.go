package apiv1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yall "yall.in"
	"yall.in/colour"

	"lockbox.dev/authz/grants"
	"lockbox.dev/authz/grants/chain"
	"lockbox.dev/authz/grants/storers/memory"
)

type fetcherFunc func(ctx context.Context, address, chainID string) (grants.ChainGrants, error)

func (f fetcherFunc) FetchGrants(ctx context.Context, address, chainID string) (grants.ChainGrants, error) {
	return f(ctx, address, chainID)
}

// brokenStorer fails every ListGrants when listErr is set, and every
// CreateGrant after the first `after` calls.
type brokenStorer struct {
	grants.Storer
	listErr error

	mu    sync.Mutex
	after int
	calls int
}

var errDiskFull = errors.New("disk full")

func (b *brokenStorer) ListGrants(ctx context.Context, role grants.Role) ([]grants.Record, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.Storer.ListGrants(ctx, role)
}

func (b *brokenStorer) CreateGrant(ctx context.Context, record grants.Record) error {
	b.mu.Lock()
	b.calls++
	fail := b.after >= 0 && b.calls > b.after
	b.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return b.Storer.CreateGrant(ctx, record)
}

func newTestServer(t *testing.T, fetcher grants.Fetcher, timeout time.Duration) http.Handler {
	t.Helper()
	storer, err := memory.NewStorer()
	require.NoError(t, err)
	return newTestServerWithStorer(t, storer, fetcher, timeout)
}

func newTestServerWithStorer(t *testing.T, storer grants.Storer, fetcher grants.Fetcher, timeout time.Duration) http.Handler {
	t.Helper()
	deps := grants.Dependencies{
		Storer: storer,
		Log:    yall.New(colour.New(io.Discard, yall.Debug)),
	}
	require.NoError(t, deps.Initialize(context.Background()))
	api := APIv1{
		Dependencies: deps,
		Persister:    grants.NewPersister(deps, fetcher, timeout),
	}
	return api.Server("/v1")
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func allowed(w *httptest.ResponseRecorder) []string {
	var methods []string
	for _, method := range strings.Split(w.Header().Get("Allow"), ",") {
		if method = strings.TrimSpace(method); method != "" {
			methods = append(methods, method)
		}
	}
	return methods
}

func TestGetGrantsEmptyStore(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil, 0)

	w := do(t, h, http.MethodGet, "/v1/grants", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"granterGrants":[],"granteeGrants":[]}`, w.Body.String())
}

func TestPostGrantsThenGet(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil, 0)

	w := do(t, h, http.MethodPost, "/v1/grants", `{
		"granterGrants": [{"granter": "cosmos1abc", "permission": "send", "expiration": "2025-01-01"}],
		"granteeGrants": []
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.JSONEq(t, `{"message":"Grants added successfully","added":1,"duplicates":0}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/grants", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"granterGrants": [{"granter": "cosmos1abc", "permission": "send", "expiration": "2025-01-01"}],
		"granteeGrants": []
	}`, w.Body.String())
}

func TestPostGrantsDuplicatesAreNotErrors(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil, 0)
	body := `{"granterGrants":[],"granteeGrants":[{"grantee":"cosmos1xyz","permission":"vote","expiration":null}]}`

	w := do(t, h, http.MethodPost, "/v1/grants", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodPost, "/v1/grants", body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"message":"Grants added successfully","added":0,"duplicates":1}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/grants", "")
	assert.JSONEq(t, `{"granterGrants":[],"granteeGrants":[{"grantee":"cosmos1xyz","permission":"vote","expiration":null}]}`, w.Body.String())
}

func TestPostGrantsInvalidStructure(t *testing.T) {
	t.Parallel()
	bodies := map[string]string{
		"object-instead-of-array": `{"granterGrants":{"granter":"a"},"granteeGrants":[]}`,
		"missing-partition":       `{"granterGrants":[]}`,
		"null-partition":          `{"granterGrants":null,"granteeGrants":[]}`,
		"not-json":                `granterGrants`,
		"array-body":              `[]`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newTestServer(t, nil, 0)
			w := do(t, h, http.MethodPost, "/v1/grants", body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			var apiErr APIError
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
			assert.Equal(t, invalidStructureMessage, apiErr.Message)
		})
	}
}

func TestPostGrantsPartiallyValid(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil, 0)

	w := do(t, h, http.MethodPost, "/v1/grants", `{
		"granterGrants": [
			{"granter": "cosmos1abc", "permission": "send", "expiration": null},
			{"granter": "", "permission": "send", "expiration": null},
			{"granter": "cosmos1def", "permission": "vote", "expiration": null}
		],
		"granteeGrants": [
			{"grantee": "cosmos1xyz", "expiration": null},
			{"grantee": "cosmos1xyz", "permission": "delegate", "expiration": ""}
		]
	}`)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, []InvalidRecord{
		{Partition: "granterGrants", Index: 1, Field: "granter", Reason: "is required"},
		{Partition: "granteeGrants", Index: 0, Field: "permission", Reason: "is required"},
		{Partition: "granteeGrants", Index: 1, Field: "expiration", Reason: "is required"},
	}, apiErr.Invalid)
	require.NotNil(t, apiErr.Added)
	assert.Equal(t, 2, *apiErr.Added)

	w = do(t, h, http.MethodGet, "/v1/grants", "")
	assert.JSONEq(t, `{
		"granterGrants": [
			{"granter": "cosmos1abc", "permission": "send", "expiration": null},
			{"granter": "cosmos1def", "permission": "vote", "expiration": null}
		],
		"granteeGrants": []
	}`, w.Body.String())
}

func TestGrantsMethodNotAllowed(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil, 0)

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		w := do(t, h, method, "/v1/grants", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
		assert.ElementsMatch(t, []string{http.MethodGet, http.MethodPost}, allowed(w), method)
	}

	w := do(t, h, http.MethodPost, "/v1/grants/context", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, []string{http.MethodGet}, allowed(w))
}

func TestGetGrantsStorageUnavailable(t *testing.T) {
	t.Parallel()
	storer, err := memory.NewStorer()
	require.NoError(t, err)
	h := newTestServerWithStorer(t, &brokenStorer{
		Storer:  storer,
		listErr: fmt.Errorf("%w: connection reset", grants.ErrStorageUnavailable),
		after:   -1,
	}, nil, 0)

	for _, path := range []string{"/v1/grants", "/v1/grants/context"} {
		w := do(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusInternalServerError, w.Code, path)
		var apiErr APIError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr), path)
		assert.NotEmpty(t, apiErr.Message, path)
		assert.NotContains(t, w.Body.String(), "connection reset", path)
	}
}

func TestPostGrantsStorageFailureKeepsCommittedRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storer, err := memory.NewStorer()
	require.NoError(t, err)
	h := newTestServerWithStorer(t, &brokenStorer{Storer: storer, after: 1}, nil, 0)

	w := do(t, h, http.MethodPost, "/v1/grants", `{
		"granterGrants": [
			{"granter": "cosmos1abc", "permission": "send", "expiration": null},
			{"granter": "cosmos1def", "permission": "vote", "expiration": null}
		],
		"granteeGrants": [{"grantee": "cosmos1xyz", "permission": "vote", "expiration": null}]
	}`)
	require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.NotEmpty(t, apiErr.Message)
	assert.NotContains(t, w.Body.String(), errDiskFull.Error())

	// records written before the failure stay written
	granter, err := storer.ListGrants(ctx, grants.RoleGranter)
	require.NoError(t, err)
	assert.Equal(t, []grants.Record{{Role: grants.RoleGranter, Counterparty: "cosmos1abc", Permission: "send"}}, granter)
	grantee, err := storer.ListGrants(ctx, grants.RoleGrantee)
	require.NoError(t, err)
	assert.Empty(t, grantee)
}

func TestGrantsContext(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil, 0)
	do(t, h, http.MethodPost, "/v1/grants", `{
		"granterGrants": [{"granter": "cosmos1abc", "permission": "send", "expiration": "2025-01-01"}],
		"granteeGrants": []
	}`)

	w := do(t, h, http.MethodGet, "/v1/grants/context", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("content-type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "Granter: cosmos1abc, Permission: send, Expiration: 2025-01-01")
	assert.Contains(t, w.Body.String(), "No data available")
}

func TestSync(t *testing.T) {
	t.Parallel()
	exp := time.Date(2030, 6, 1, 15, 4, 5, 0, time.UTC)
	h := newTestServer(t, fetcherFunc(func(_ context.Context, address, chainID string) (grants.ChainGrants, error) {
		assert.Equal(t, "cosmos1me", address)
		assert.Equal(t, "cosmoshub-4", chainID)
		return grants.ChainGrants{
			Granter: []grants.RawGrant{{Address: "cosmos1bot", Permissions: []grants.RawPermission{
				{Authorization: grants.Authorization{TypeURL: "/cosmos.staking.v1beta1.StakeAuthorization"}, Expiration: &exp},
			}}},
			Grantee: []grants.RawGrant{{Address: "cosmos1dao", Permissions: []grants.RawPermission{
				{Authorization: grants.Authorization{TypeURL: "/cosmos.feegrant.v1beta1.Mystery"}},
			}}},
		}, nil
	}), time.Second)

	w := do(t, h, http.MethodPost, "/v1/sync", `{"address":"cosmos1me","chain_id":"cosmoshub-4"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res SyncResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Added)
	assert.NotEmpty(t, res.RunID)

	w = do(t, h, http.MethodGet, "/v1/grants", "")
	assert.JSONEq(t, `{
		"granterGrants": [{"granter": "cosmos1bot", "permission": "delegate", "expiration": "2030-06-01"}],
		"granteeGrants": [{"grantee": "cosmos1dao", "permission": "Unknown", "expiration": null}]
	}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/sync", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status SyncStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, string(grants.StateDone), status.State)
	require.NotNil(t, status.Last)
	assert.Equal(t, res.RunID, status.Last.RunID)
}

func TestSyncErrors(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		fetcher fetcherFunc
		code    int
	}{
		"timeout": {
			fetcher: func(ctx context.Context, _, _ string) (grants.ChainGrants, error) {
				<-ctx.Done()
				time.Sleep(50 * time.Millisecond)
				return grants.ChainGrants{Granter: []grants.RawGrant{{Address: "late", Permissions: []grants.RawPermission{{Name: "send"}}}}}, nil
			},
			code: http.StatusGatewayTimeout,
		},
		"unknown-chain": {
			fetcher: func(_ context.Context, _, chainID string) (grants.ChainGrants, error) {
				return grants.ChainGrants{}, fmt.Errorf("%w: %q", chain.ErrUnknownChain, chainID)
			},
			code: http.StatusBadRequest,
		},
		"upstream": {
			fetcher: func(context.Context, string, string) (grants.ChainGrants, error) {
				return grants.ChainGrants{}, fmt.Errorf("unexpected status 503")
			},
			code: http.StatusBadGateway,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newTestServer(t, test.fetcher, 20*time.Millisecond)

			w := do(t, h, http.MethodPost, "/v1/sync", `{"address":"cosmos1me","chain_id":"cosmoshub-4"}`)
			assert.Equal(t, test.code, w.Code, w.Body.String())

			w = do(t, h, http.MethodGet, "/v1/grants", "")
			assert.JSONEq(t, `{"granterGrants":[],"granteeGrants":[]}`, w.Body.String())

			w = do(t, h, http.MethodGet, "/v1/sync", "")
			var status SyncStatus
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
			assert.Equal(t, string(grants.StateFailed), status.State)
			assert.NotEmpty(t, status.Error)
		})
	}
}

func TestSyncBadRequest(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil, 0)

	w := do(t, h, http.MethodPost, "/v1/sync", `{"address":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodDelete, "/v1/sync", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.ElementsMatch(t, []string{http.MethodGet, http.MethodPost}, allowed(w))
}

func TestPersistInProgress(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	h := newTestServer(t, fetcherFunc(func(context.Context, string, string) (grants.ChainGrants, error) {
		close(started)
		<-release
		return grants.ChainGrants{}, nil
	}), 5*time.Second)

	done := make(chan int)
	go func() {
		w := do(t, h, http.MethodPost, "/v1/sync", `{"address":"cosmos1me","chain_id":"cosmoshub-4"}`)
		done <- w.Code
	}()
	<-started

	w := do(t, h, http.MethodPost, "/v1/grants", `{"granterGrants":[],"granteeGrants":[]}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(release)
	assert.Equal(t, http.StatusCreated, <-done)
}
