package postgres

import (
	"time"

	"darlinggo.co/pan"

	"lockbox.dev/authz/grants"
)

// Grant is a representation of a Record
// suitable for storage in our Storer.
type Grant struct {
	Counterparty string
	Permission   string
	Expiration   string
	CreatedAt    time.Time
}

// GranterGrant is a Grant stored in the
// granter partition's table.
type GranterGrant Grant

// GetSQLTableName allows us to use GranterGrant with
// pan.
func (GranterGrant) GetSQLTableName() string {
	return "granter_grants"
}

// GranteeGrant is a Grant stored in the
// grantee partition's table.
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

func fromPostgres(role grants.Role, grant Grant) grants.Record {
	return grants.Record{
		Role:         role,
		Counterparty: grant.Counterparty,
		Permission:   grant.Permission,
		Expiration:   grants.ExpirationFromEmpty(grant.Expiration),
	}
}

func toPostgres(record grants.Record, createdAt time.Time) pan.SQLTableNamer {
	grant := Grant{
		Counterparty: record.Counterparty,
		Permission:   record.Permission,
		Expiration:   record.ExpirationOrEmpty(),
		CreatedAt:    createdAt,
	}
	if record.Role == grants.RoleGrantee {
		return GranteeGrant(grant)
	}
	return GranterGrant(grant)
}
