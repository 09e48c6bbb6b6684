package grants

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestValidateRecord(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		record Record
		field  string
	}{
		"valid":                {record: Record{Role: RoleGranter, Counterparty: "cosmos1abc", Permission: "send"}},
		"valid-with-exp":       {record: Record{Role: RoleGrantee, Counterparty: "cosmos1abc", Permission: "send", Expiration: strPtr("2025-01-01")}},
		"missing-counterparty": {record: Record{Role: RoleGranter, Permission: "send"}, field: "counterparty"},
		"missing-permission":   {record: Record{Role: RoleGranter, Counterparty: "cosmos1abc"}, field: "permission"},
		"empty-expiration":     {record: Record{Role: RoleGranter, Counterparty: "cosmos1abc", Permission: "send", Expiration: strPtr("")}, field: "expiration"},
		"bad-role":             {record: Record{Role: "admin", Counterparty: "cosmos1abc", Permission: "send"}, field: "role"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := ValidateRecord(test.record)
			if test.field == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrValidation)
			var recErr RecordError
			require.True(t, errors.As(err, &recErr))
			assert.Equal(t, test.field, recErr.Field)
		})
	}
}

func TestCombineRecordErrors(t *testing.T) {
	t.Parallel()
	assert.NoError(t, CombineRecordErrors(nil))

	err := CombineRecordErrors([]RecordError{
		{Role: RoleGranter, Index: 1, Field: "counterparty", Reason: "is required"},
		{Role: RoleGrantee, Index: 0, Field: "permission", Reason: "is required"},
	})
	require.ErrorIs(t, err, ErrValidation)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.Equal(t, "granterGrants[1]: counterparty is required", errs[0].Error())
	assert.Equal(t, "granteeGrants[0]: permission is required", errs[1].Error())
}
