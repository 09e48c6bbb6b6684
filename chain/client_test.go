package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockbox.dev/authz/grants"
)

func newLCD(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, granteePath):
			if r.URL.Query().Get("pagination.key") == "" {
				fmt.Fprint(w, `{"grants":[
					{"granter":"cosmos1a","grantee":"cosmos1me","authorization":{"@type":"/cosmos.bank.v1beta1.SendAuthorization"},"expiration":"2025-01-01T12:00:00Z"}
				],"pagination":{"next_key":"cGFnZTI="}}`)
				return
			}
			assert.Equal(t, "cGFnZTI=", r.URL.Query().Get("pagination.key"))
			fmt.Fprint(w, `{"grants":[
				{"granter":"cosmos1b","grantee":"cosmos1me","authorization":{"@type":"/cosmos.authz.v1beta1.GenericAuthorization","msg":"/cosmos.gov.v1beta1.MsgVote"},"expiration":null},
				{"granter":"cosmos1a","grantee":"cosmos1me","authorization":{"@type":"/cosmos.staking.v1beta1.StakeAuthorization"},"expiration":null}
			],"pagination":{"next_key":null}}`)
		case strings.HasPrefix(r.URL.Path, granterPath):
			fmt.Fprint(w, `{"grants":[],"pagination":{"next_key":null}}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetchGrantsGroupsAndPaginates(t *testing.T) {
	t.Parallel()
	srv := newLCD(t)
	defer srv.Close()

	client := NewClient(map[string]string{"cosmoshub-4": srv.URL}, 100)
	snapshot, err := client.FetchGrants(context.Background(), "cosmos1me", "cosmoshub-4")
	require.NoError(t, err)

	assert.Empty(t, snapshot.Granter)
	require.Len(t, snapshot.Grantee, 2)
	assert.Equal(t, "cosmos1a", snapshot.Grantee[0].Address)
	require.Len(t, snapshot.Grantee[0].Permissions, 2)
	assert.Equal(t, "/cosmos.bank.v1beta1.SendAuthorization", snapshot.Grantee[0].Permissions[0].Authorization.TypeURL)
	require.NotNil(t, snapshot.Grantee[0].Permissions[0].Expiration)
	assert.True(t, snapshot.Grantee[0].Permissions[0].Expiration.Equal(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "cosmos1b", snapshot.Grantee[1].Address)
	assert.Equal(t, "/cosmos.gov.v1beta1.MsgVote", snapshot.Grantee[1].Permissions[0].Authorization.Msg)

	records := grants.NormalizeAll(snapshot)
	require.Len(t, records, 3)
	assert.Equal(t, "send", records[0].Permission)
	assert.Equal(t, "delegate", records[1].Permission)
	assert.Equal(t, "vote", records[2].Permission)
}

func TestFetchGrantsUnknownChain(t *testing.T) {
	t.Parallel()
	client := NewClient(map[string]string{}, 0)
	_, err := client.FetchGrants(context.Background(), "cosmos1me", "osmosis-1")
	require.ErrorIs(t, err, ErrUnknownChain)
}

func TestFetchGrantsUpstreamError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "node is syncing", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(map[string]string{"test-1": srv.URL}, 0)
	_, err := client.FetchGrants(context.Background(), "cosmos1me", "test-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestFetchGrantsRepeatedPageKey(t *testing.T) {
	t.Parallel()
	tests := map[string][]string{
		"same-key":  {"a2V5", "a2V5"},
		"key-cycle": {"a2V5", "b3RoZXI=", "a2V5"},
	}
	for name, keys := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var requests atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := int(requests.Add(1)) - 1
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintf(w, `{"grants":[{"granter":"cosmos1a","grantee":"cosmos1me","authorization":{"@type":"/cosmos.bank.v1beta1.SendAuthorization"}}],"pagination":{"next_key":%q}}`, keys[n%len(keys)])
			}))
			defer srv.Close()

			client := NewClient(map[string]string{"test-1": srv.URL}, 0)
			_, err := client.FetchGrants(context.Background(), "cosmos1me", "test-1")
			require.ErrorIs(t, err, ErrPaginationLoop)
			assert.Equal(t, int32(len(keys)), requests.Load())
		})
	}
}
