package graph

import (
	"context"
	"fmt"
	"strings"
)

// BBQCategories are the bias categories of the BBQ benchmark. Each is seeded
// as a sensitive_attribute entity.
var BBQCategories = []string{
	"Age",
	"Disability_status",
	"Gender_identity",
	"Nationality",
	"Physical_appearance",
	"Race_ethnicity",
	"Race_x_SES",
	"Race_x_gender",
	"Religion",
	"SES",
	"Sexual_orientation",
}

// CategoryID returns the entity id of a BBQ category.
func CategoryID(category string) string {
	return DeriveID(TypeSensitiveAttribute, category)
}

// SeedSensitiveAttributes upserts every BBQ category. It is idempotent.
func SeedSensitiveAttributes(ctx context.Context, c Client) error {
	for _, cat := range BBQCategories {
		_, err := c.UpsertEntity(ctx, Entity{
			ID:   CategoryID(cat),
			Type: TypeSensitiveAttribute,
			Attributes: map[string]any{
				"name":    cat,
				"aliases": []any{strings.ReplaceAll(cat, "_", " ")},
			},
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", cat, err)
		}
	}
	return nil
}
