package apiv1

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	yall "yall.in"

	"lockbox.dev/authz/grants"
)

// Grant is the wire form of a grants.Record. Only the field naming the
// record's partition is set.
type Grant struct {
	Granter    string  `json:"granter,omitempty"`
	Grantee    string  `json:"grantee,omitempty"`
	Permission string  `json:"permission"`
	Expiration *string `json:"expiration"`
}

// GrantsResponse is the body of GET /grants.
type GrantsResponse struct {
	GranterGrants []Grant `json:"granterGrants"`
	GranteeGrants []Grant `json:"granteeGrants"`
}

// PersistResponse is the body of a successful POST /grants.
type PersistResponse struct {
	Message    string `json:"message"`
	Added      int    `json:"added"`
	Duplicates int    `json:"duplicates"`
}

func counterpartyField(role grants.Role) string {
	if role == grants.RoleGrantee {
		return "grantee"
	}
	return "granter"
}

func coreGrant(record grants.Record) Grant {
	g := Grant{Permission: record.Permission, Expiration: record.Expiration}
	if record.Role == grants.RoleGrantee {
		g.Grantee = record.Counterparty
	} else {
		g.Granter = record.Counterparty
	}
	return g
}

func apiGrants(records []grants.Record) []Grant {
	results := make([]Grant, 0, len(records))
	for _, record := range records {
		results = append(results, coreGrant(record))
	}
	return results
}

func (a APIv1) handleGetGrants(w http.ResponseWriter, r *http.Request) {
	var resp GrantsResponse
	for _, role := range grants.Roles {
		records, err := a.GetGrants(r.Context(), role)
		if err != nil {
			yall.FromContext(r.Context()).WithError(err).WithField("partition", role.PartitionName()).Error("Error retrieving grants.")
			a.returnError(w, r, serverError)
			return
		}
		if role == grants.RoleGranter {
			resp.GranterGrants = apiGrants(records)
		} else {
			resp.GranteeGrants = apiGrants(records)
		}
	}
	a.writeJSON(w, r, http.StatusOK, resp)
}

// decodeRecord turns one element of a partition array into a Record. Only
// the shape is checked here; the Persister validates the values.
func decodeRecord(role grants.Role, raw json.RawMessage) (grants.Record, *InvalidRecord) {
	invalid := func(field, reason string) *InvalidRecord {
		return &InvalidRecord{Partition: role.PartitionName(), Field: field, Reason: reason}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return grants.Record{}, invalid("record", "must be an object")
	}
	record := grants.Record{Role: role}
	for _, field := range []string{counterpartyField(role), "permission"} {
		val, ok := fields[field]
		if !ok {
			return grants.Record{}, invalid(field, "is required")
		}
		var s string
		if err := json.Unmarshal(val, &s); err != nil || bytes.Equal(bytes.TrimSpace(val), []byte("null")) {
			return grants.Record{}, invalid(field, "must be a string")
		}
		if field == "permission" {
			record.Permission = s
		} else {
			record.Counterparty = s
		}
	}
	exp, ok := fields["expiration"]
	if !ok {
		return grants.Record{}, invalid("expiration", "is required")
	}
	if err := json.Unmarshal(exp, &record.Expiration); err != nil {
		return grants.Record{}, invalid("expiration", "must be a string or null")
	}
	return record, nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func (a APIv1) handlePostGrants(w http.ResponseWriter, r *http.Request) {
	log := yall.FromContext(r.Context())

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		log.WithError(err).Debug("Error decoding request body.")
		a.returnError(w, r, invalidStructure)
		return
	}
	partitions := map[grants.Role][]json.RawMessage{}
	for _, role := range grants.Roles {
		raw, ok := body[role.PartitionName()]
		if !ok || !isArray(raw) {
			a.returnError(w, r, invalidStructure)
			return
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			a.returnError(w, r, invalidStructure)
			return
		}
		partitions[role] = elems
	}

	var records []grants.Record
	var invalid []InvalidRecord
	// positions maps a record's index among the records handed to the
	// Persister back to its index in the request.
	positions := map[grants.Role][]int{}
	for _, role := range grants.Roles {
		for i, raw := range partitions[role] {
			record, bad := decodeRecord(role, raw)
			if bad != nil {
				bad.Index = i
				invalid = append(invalid, *bad)
				continue
			}
			positions[role] = append(positions[role], i)
			records = append(records, record)
		}
	}

	res, err := a.Persister.Persist(r.Context(), records)
	if errors.Is(err, grants.ErrPersistInProgress) {
		a.returnError(w, r, persistInProgress)
		return
	}
	for _, recErr := range res.Invalid {
		field := recErr.Field
		if field == "counterparty" {
			field = counterpartyField(recErr.Role)
		}
		invalid = append(invalid, InvalidRecord{
			Partition: recErr.Role.PartitionName(),
			Index:     positions[recErr.Role][recErr.Index],
			Field:     field,
			Reason:    recErr.Reason,
		})
	}
	if err != nil {
		log.WithError(err).Error("Error persisting grants.")
		a.returnError(w, r, serverError)
		return
	}
	if len(invalid) > 0 {
		sortInvalid(invalid)
		a.returnError(w, r, APIError{
			Message:    "Some grant records were invalid and were not stored.",
			Invalid:    invalid,
			Added:      &res.Added,
			Duplicates: &res.Duplicates,
			Code:       http.StatusBadRequest,
		})
		return
	}
	a.writeJSON(w, r, http.StatusCreated, PersistResponse{
		Message:    "Grants added successfully",
		Added:      res.Added,
		Duplicates: res.Duplicates,
	})
}

func partitionOrder(name string) int {
	for i, role := range grants.Roles {
		if role.PartitionName() == name {
			return i
		}
	}
	return len(grants.Roles)
}

func sortInvalid(invalid []InvalidRecord) {
	sort.SliceStable(invalid, func(i, j int) bool {
		pi, pj := partitionOrder(invalid[i].Partition), partitionOrder(invalid[j].Partition)
		if pi != pj {
			return pi < pj
		}
		return invalid[i].Index < invalid[j].Index
	})
}

func (a APIv1) handleContext(w http.ResponseWriter, r *http.Request) {
	text, err := a.PromptContext(r.Context())
	if err != nil {
		yall.FromContext(r.Context()).WithError(err).Error("Error building prompt context.")
		a.returnError(w, r, serverError)
		return
	}
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(text)); err != nil {
		yall.FromContext(r.Context()).WithError(err).Error("Error writing response.")
	}
}
