package apiv1

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	yall "yall.in"

	"lockbox.dev/authz/grants"
	"lockbox.dev/authz/grants/chain"
)

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	Address string `json:"address"`
	ChainID string `json:"chain_id"`
}

// SyncResult is the outcome of a sync run.
type SyncResult struct {
	RunID      string          `json:"run_id"`
	Added      int             `json:"added"`
	Duplicates int             `json:"duplicates"`
	Invalid    []InvalidRecord `json:"invalid"`
}

// SyncStatus is the body of GET /sync.
type SyncStatus struct {
	State string      `json:"state"`
	Last  *SyncResult `json:"last,omitempty"`
	Error string      `json:"error,omitempty"`
}

func syncResult(res grants.Result) SyncResult {
	result := SyncResult{
		RunID:      res.RunID,
		Added:      res.Added,
		Duplicates: res.Duplicates,
		Invalid:    []InvalidRecord{},
	}
	for _, recErr := range res.Invalid {
		result.Invalid = append(result.Invalid, InvalidRecord{
			Partition: recErr.Role.PartitionName(),
			Index:     recErr.Index,
			Field:     recErr.Field,
			Reason:    recErr.Reason,
		})
	}
	return result
}

func (a APIv1) handleGetSync(w http.ResponseWriter, r *http.Request) {
	status := SyncStatus{State: string(a.Persister.State())}
	res, err := a.Persister.LastResult()
	if res.RunID != "" {
		last := syncResult(res)
		status.Last = &last
	}
	if err != nil {
		status.Error = err.Error()
	}
	a.writeJSON(w, r, http.StatusOK, status)
}

func (a APIv1) handlePostSync(w http.ResponseWriter, r *http.Request) {
	log := yall.FromContext(r.Context())

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.WithError(err).Debug("Error decoding sync request.")
		a.returnError(w, r, APIError{Message: "Invalid request body.", Code: http.StatusBadRequest})
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	req.ChainID = strings.TrimSpace(req.ChainID)
	if req.Address == "" || req.ChainID == "" {
		a.returnError(w, r, APIError{Message: "address and chain_id are required.", Code: http.StatusBadRequest})
		return
	}

	res, err := a.Persister.Sync(r.Context(), req.Address, req.ChainID)
	switch {
	case err == nil:
		a.writeJSON(w, r, http.StatusCreated, syncResult(res))
	case errors.Is(err, grants.ErrPersistInProgress):
		a.returnError(w, r, persistInProgress)
	case errors.Is(err, chain.ErrUnknownChain):
		a.returnError(w, r, APIError{Message: "Unknown chain_id.", Code: http.StatusBadRequest})
	case errors.Is(err, grants.ErrFetchTimeout):
		a.returnError(w, r, APIError{Message: "Timed out fetching grants from chain.", Code: http.StatusGatewayTimeout})
	case errors.Is(err, grants.ErrFetchFailed):
		a.returnError(w, r, APIError{Message: "Error fetching grants from chain.", Code: http.StatusBadGateway})
	default:
		log.WithError(err).Error("Error syncing grants.")
		a.returnError(w, r, serverError)
	}
}
