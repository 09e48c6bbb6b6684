package grants

import (
	"context"
	"strings"
)

// PromptLine renders a single record as a line of prompt context.
func PromptLine(record Record) string {
	label := "Granter"
	if record.Role == RoleGrantee {
		label = "Grantee"
	}
	exp := "N/A"
	if record.Expiration != nil {
		exp = *record.Expiration
	}
	return label + ": " + record.Counterparty + ", Permission: " + record.Permission + ", Expiration: " + exp
}

// PromptContext renders the full contents of both partitions as plain text,
// for seeding an assistant's prompt.
func (d Dependencies) PromptContext(ctx context.Context) (string, error) {
	var b strings.Builder
	b.WriteString("### Grants Overview\n")
	for _, role := range Roles {
		records, err := d.GetGrants(ctx, role)
		if err != nil {
			return "", err
		}
		b.WriteString("\n### ")
		if role == RoleGranter {
			b.WriteString("Granter Grants:\n")
		} else {
			b.WriteString("Grantee Grants:\n")
		}
		if len(records) == 0 {
			b.WriteString("No data available\n")
			continue
		}
		for _, record := range records {
			b.WriteString(PromptLine(record))
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}
