package catalog

import (
	"fmt"
	"strings"
)

// Describe renders the entity-relationship text handed to the model. It only
// depends on the catalog, so it changes with the catalog version and not with
// the live schema.
func Describe(c *Catalog) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ENTITY ACCESSORS (Lua globals, read-only, catalog %s):\n", c.Version)
	for _, entity := range c.Entities {
		b.WriteString("\n")
		fmt.Fprintf(&b, "Entity: %s\n", entity.Name)
		parts := make([]string, 0, len(entity.Fields))
		for _, field := range entity.Fields {
			parts = append(parts, describeField(field))
		}
		fmt.Fprintf(&b, "  Fields: %s\n", strings.Join(parts, ", "))

		if rels := entity.Relations(); len(rels) > 0 {
			names := make([]string, 0, len(rels))
			for _, rel := range rels {
				names = append(names, fmt.Sprintf("%s (%s)", rel.Name, rel.Target.Name))
			}
			fmt.Fprintf(&b, "  Relations: %s\n", strings.Join(names, ", "))
		}
		if revs := entity.ReverseRelations(); len(revs) > 0 {
			names := make([]string, 0, len(revs))
			for _, rev := range revs {
				names = append(names, fmt.Sprintf("%s (%s)", rev.Name, rev.Source.Name))
			}
			fmt.Fprintf(&b, "  Related: %s\n", strings.Join(names, ", "))
		}
	}
	return b.String()
}

func describeField(field Field) string {
	attrs := make([]string, 0, 3)
	switch field.Type {
	case TypeDecimal, TypeDate, TypeDateTime, TypeTime, TypeBool:
		attrs = append(attrs, string(field.Type))
	}
	if field.Ref != "" {
		attrs = append(attrs, "FK->"+field.Ref)
	}
	if field.Note != "" {
		attrs = append(attrs, field.Note)
	}
	if field.Restricted() {
		attrs = append(attrs, strings.Join(field.Roles, "/")+" only")
	}
	if len(attrs) == 0 {
		return field.Name
	}
	return fmt.Sprintf("%s (%s)", field.Name, strings.Join(attrs, ", "))
}
