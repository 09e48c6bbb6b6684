package apiv1

import (
	"encoding/json"
	"net/http"

	yall "yall.in"

	"lockbox.dev/authz/grants"
)

const invalidStructureMessage = "Invalid data structure. Expected arrays for granterGrants and granteeGrants."

var (
	serverError       = APIError{Message: "Internal server error.", Code: http.StatusInternalServerError}
	invalidStructure  = APIError{Message: invalidStructureMessage, Code: http.StatusBadRequest}
	persistInProgress = APIError{Message: "A persist is already in progress.", Code: http.StatusConflict}
)

// APIv1 serves the grant mirror's HTTP API.
type APIv1 struct {
	grants.Dependencies
	Persister *grants.Persister
}

// APIError is the body of every non-2xx response.
type APIError struct {
	Message    string          `json:"message"`
	Invalid    []InvalidRecord `json:"invalid,omitempty"`
	Added      *int            `json:"added,omitempty"`
	Duplicates *int            `json:"duplicates,omitempty"`
	Code       int             `json:"-"`
}

// InvalidRecord identifies a rejected record by its position in the request.
type InvalidRecord struct {
	Partition string `json:"partition"`
	Index     int    `json:"index"`
	Field     string `json:"field"`
	Reason    string `json:"reason"`
}

func (a APIv1) writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	if err := enc.Encode(body); err != nil {
		yall.FromContext(r.Context()).WithError(err).Error("Error writing response.")
	}
}

func (a APIv1) returnError(w http.ResponseWriter, r *http.Request, apiErr APIError) {
	a.writeJSON(w, r, apiErr.Code, apiErr)
}

// withLogger puts a request-scoped logger in the request's context.
func (a APIv1) withLogger(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := a.Log
		if log == nil {
			log = yall.FromContext(r.Context())
		}
		if log != nil {
			log = log.WithField("method", r.Method).WithField("path", r.URL.Path)
			r = r.WithContext(yall.InContext(r.Context(), log))
		}
		h.ServeHTTP(w, r)
	})
}
