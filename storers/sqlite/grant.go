package sqlite

import (
	"time"

	"darlinggo.co/pan"

	"lockbox.dev/authz/grants"
)

// Grant is a representation of a Record suitable for storage in our
// Storer. Records that don't expire store an empty Expiration, so the
// unique constraint covers them too.
type Grant struct {
	Counterparty string
	Permission   string
	Expiration   string
	CreatedAt    time.Time
}

// GranterGrant is a Grant in the granter partition.
type GranterGrant Grant

// GetSQLTableName allows us to use GranterGrant with
// pan.
func (GranterGrant) GetSQLTableName() string {
	return "granter_grants"
}

// GranteeGrant is a Grant in the grantee partition.
type GranteeGrant Grant

// GetSQLTableName allows us to use GranteeGrant with
// pan.
func (GranteeGrant) GetSQLTableName() string {
	return "grantee_grants"
}

func table(role grants.Role) pan.SQLTableNamer {
	if role == grants.RoleGrantee {
		return GranteeGrant{}
	}
	return GranterGrant{}
}

func toSQLite(record grants.Record, now time.Time) pan.SQLTableNamer {
	grant := Grant{
		Counterparty: record.Counterparty,
		Permission:   record.Permission,
		Expiration:   record.ExpirationOrEmpty(),
		CreatedAt:    now,
	}
	if record.Role == grants.RoleGrantee {
		return GranteeGrant(grant)
	}
	return GranterGrant(grant)
}

func fromSQLite(role grants.Role, grant Grant) grants.Record {
	return grants.Record{
		Role:         role,
		Counterparty: grant.Counterparty,
		Permission:   grant.Permission,
		Expiration:   grants.ExpirationFromEmpty(grant.Expiration),
	}
}
