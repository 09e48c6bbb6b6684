package datastore

import (
	"time"

	"lockbox.dev/authz/grants"
)

const (
	granterKind = "GranterGrant"
	granteeKind = "GranteeGrant"
)

func kind(role grants.Role) string {
	if role == grants.RoleGrantee {
		return granteeKind
	}
	return granterKind
}

// Grant is the entity a Record is stored as.
type Grant struct {
	Counterparty  string
	Permission    string
	Expiration    string
	HasExpiration bool
	CreatedAt     time.Time
}

func toDatastore(record grants.Record, createdAt time.Time) Grant {
	key := record.Key()
	return Grant{
		Counterparty:  key.Counterparty,
		Permission:    key.Permission,
		Expiration:    key.Expiration,
		HasExpiration: key.HasExpiration,
		CreatedAt:     createdAt,
	}
}

func fromDatastore(role grants.Role, g Grant) grants.Record {
	record := grants.Record{
		Role:         role,
		Counterparty: g.Counterparty,
		Permission:   g.Permission,
	}
	if g.HasExpiration {
		exp := g.Expiration
		record.Expiration = &exp
	}
	return record
}
