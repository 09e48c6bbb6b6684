package grants

import (
	"context"
	"strings"
	"time"
)

// UnknownPermission is the name given to any authorization the permission
// table can't identify.
const UnknownPermission = "Unknown"

// ExpirationLayout is the layout expirations are rendered in.
const ExpirationLayout = "2006-01-02"

const genericAuthorization = "genericauthorization"

// Permission is an entry in the table of permissions this service knows how
// to name.
type Permission struct {
	ID   string
	Name string

	// matches are lowercase fragments of an authorization or message type
	// name that identify this permission.
	matches []string
}

// Permissions is the permission table. Order matters: the first entry with a
// matching fragment wins.
var Permissions = []Permission{
	{ID: "claim-rewards", Name: "claim-rewards", matches: []string{"withdrawdelegatorreward", "claim"}},
	{ID: "send", Name: "send", matches: []string{"send"}},
	{ID: "delegate", Name: "delegate", matches: []string{"delegate", "stake"}},
	{ID: "vote", Name: "vote", matches: []string{"vote"}},
}

// ChainGrants is a snapshot of the grants involving an address, as returned
// by a Fetcher.
type ChainGrants struct {
	// Grantee holds grants where the queried address is the grantee;
	// each RawGrant's Address is the granter.
	Grantee []RawGrant

	// Granter holds grants where the queried address is the granter;
	// each RawGrant's Address is the grantee.
	Granter []RawGrant
}

// RawGrant is every permission between the queried address and one
// counterparty.
type RawGrant struct {
	Address     string
	Permissions []RawPermission
}

// RawPermission is a single on-chain authorization.
type RawPermission struct {
	// Name is a display name, if the chain-query collaborator already
	// resolved one.
	Name          string
	Authorization Authorization
	Expiration    *time.Time
}

// Authorization identifies the type of an on-chain authorization.
type Authorization struct {
	TypeURL string

	// Msg is the message type URL a GenericAuthorization allows.
	Msg string
}

// Fetcher is the chain-query collaborator. Implementations return a
// complete snapshot of the grants involving address on chainID.
type Fetcher interface {
	FetchGrants(ctx context.Context, address, chainID string) (ChainGrants, error)
}

func typeID(typeURL string) string {
	typeURL = strings.TrimSpace(typeURL)
	if i := strings.LastIndex(typeURL, "."); i >= 0 {
		typeURL = typeURL[i+1:]
	}
	return strings.ToLower(typeURL)
}

func lookupPermission(id string) (Permission, bool) {
	if id == "" {
		return Permission{}, false
	}
	for _, perm := range Permissions {
		for _, match := range perm.matches {
			if strings.Contains(id, match) {
				return perm, true
			}
		}
	}
	return Permission{}, false
}

// PermissionName resolves an authorization to a permission name, returning
// UnknownPermission if nothing in the permission table matches.
func PermissionName(auth Authorization) string {
	id := typeID(auth.TypeURL)
	if id == genericAuthorization {
		id = typeID(auth.Msg)
	}
	perm, ok := lookupPermission(id)
	if !ok {
		return UnknownPermission
	}
	return perm.Name
}

// FormatExpiration renders an expiration the way it is stored, or nil if the
// grant doesn't expire.
func FormatExpiration(exp *time.Time) *string {
	if exp == nil || exp.IsZero() {
		return nil
	}
	formatted := exp.UTC().Format(ExpirationLayout)
	return &formatted
}

// NormalizePermission turns a single on-chain permission between the local
// address and address into a Record in role's partition. It never fails;
// anything it can't make sense of is reported as UnknownPermission.
func NormalizePermission(address string, perm RawPermission, role Role) Record {
	name := strings.TrimSpace(perm.Name)
	if name == "" {
		name = PermissionName(perm.Authorization)
	}
	return Record{
		Role:         role,
		Counterparty: address,
		Permission:   name,
		Expiration:   FormatExpiration(perm.Expiration),
	}
}

// Normalize turns every permission in raw into a Record in role's
// partition.
func Normalize(raw RawGrant, role Role) []Record {
	records := make([]Record, 0, len(raw.Permissions))
	for _, perm := range raw.Permissions {
		records = append(records, NormalizePermission(raw.Address, perm, role))
	}
	return records
}

// NormalizeAll normalizes a full snapshot, granter partition first.
func NormalizeAll(snapshot ChainGrants) []Record {
	var records []Record
	for _, raw := range snapshot.Granter {
		records = append(records, Normalize(raw, RoleGranter)...)
	}
	for _, raw := range snapshot.Grantee {
		records = append(records, Normalize(raw, RoleGrantee)...)
	}
	return records
}
