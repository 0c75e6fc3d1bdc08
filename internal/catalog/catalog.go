package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed entities.yaml
var embeddedEntities []byte

var ErrInvalidCatalog = errors.New("catalog: invalid definition")

type FieldType string

const (
	TypeInteger  FieldType = "integer"
	TypeText     FieldType = "text"
	TypeDecimal  FieldType = "decimal"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
	TypeTime     FieldType = "time"
	TypeBool     FieldType = "bool"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeInteger, TypeText, TypeDecimal, TypeDate, TypeDateTime, TypeTime, TypeBool:
		return true
	default:
		return false
	}
}

// Field is one readable column of an entity.
type Field struct {
	Name    string    `yaml:"name"`
	Type    FieldType `yaml:"type"`
	Ref     string    `yaml:"ref"`
	Related string    `yaml:"related"`
	Note    string    `yaml:"note"`
	Roles   []string  `yaml:"roles"`
}

// Allows reports whether role may read the field. Fields without roles are
// readable by everyone.
func (f Field) Allows(role string) bool {
	if len(f.Roles) == 0 {
		return true
	}
	return slices.Contains(f.Roles, role)
}

func (f Field) Restricted() bool {
	return len(f.Roles) > 0
}

// Relation is a forward foreign key from Column to Target.id.
type Relation struct {
	Name   string
	Column string
	Target *Entity
}

// Reverse is the inverse of a Relation: rows of Source whose Column points
// at this entity.
type Reverse struct {
	Name   string
	Source *Entity
	Column string
}

type Sample struct {
	Key     string   `yaml:"key"`
	Columns []string `yaml:"columns"`
}

type Entity struct {
	Name   string  `yaml:"name"`
	Table  string  `yaml:"table"`
	Scope  string  `yaml:"scope"`
	Sample *Sample `yaml:"sample"`
	Fields []Field `yaml:"fields"`

	fieldIndex map[string]int
	relations  map[string]Relation
	relOrder   []string
	reverse    map[string]Reverse
	revOrder   []string
}

func (e *Entity) Field(name string) (Field, bool) {
	idx, ok := e.fieldIndex[name]
	if !ok {
		return Field{}, false
	}
	return e.Fields[idx], true
}

func (e *Entity) Relation(name string) (Relation, bool) {
	rel, ok := e.relations[name]
	return rel, ok
}

func (e *Entity) Reverse(name string) (Reverse, bool) {
	rev, ok := e.reverse[name]
	return rev, ok
}

func (e *Entity) Relations() []Relation {
	out := make([]Relation, 0, len(e.relOrder))
	for _, name := range e.relOrder {
		out = append(out, e.relations[name])
	}
	return out
}

func (e *Entity) ReverseRelations() []Reverse {
	out := make([]Reverse, 0, len(e.revOrder))
	for _, name := range e.revOrder {
		out = append(out, e.reverse[name])
	}
	return out
}

// VisibleFields returns the fields role may read, in declaration order.
func (e *Entity) VisibleFields(role string) []Field {
	out := make([]Field, 0, len(e.Fields))
	for _, field := range e.Fields {
		if field.Allows(role) {
			out = append(out, field)
		}
	}
	return out
}

// Scoped reports whether rows of the entity belong to a single student.
func (e *Entity) Scoped() bool {
	return e.Scope != ""
}

type Catalog struct {
	Version  string    `yaml:"version"`
	Entities []*Entity `yaml:"entities"`

	byName map[string]*Entity
}

type SampleSpec struct {
	Key     string
	Entity  string
	Table   string
	Columns []string
}

// Embedded returns the catalog compiled into the binary.
func Embedded() (*Catalog, error) {
	return Load(embeddedEntities)
}

func Load(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Entity(name string) (*Entity, bool) {
	entity, ok := c.byName[name]
	return entity, ok
}

// Samples lists the sample-row queries in catalog order.
func (c *Catalog) Samples() []SampleSpec {
	out := make([]SampleSpec, 0)
	for _, entity := range c.Entities {
		if entity.Sample == nil {
			continue
		}
		out = append(out, SampleSpec{
			Key:     entity.Sample.Key,
			Entity:  entity.Name,
			Table:   entity.Table,
			Columns: slices.Clone(entity.Sample.Columns),
		})
	}
	return out
}

func (c *Catalog) index() error {
	if len(c.Entities) == 0 {
		return fmt.Errorf("%w: no entities", ErrInvalidCatalog)
	}
	c.byName = make(map[string]*Entity, len(c.Entities))
	for _, entity := range c.Entities {
		if entity == nil || strings.TrimSpace(entity.Name) == "" {
			return fmt.Errorf("%w: entity without name", ErrInvalidCatalog)
		}
		if strings.TrimSpace(entity.Table) == "" {
			return fmt.Errorf("%w: entity %s has no table", ErrInvalidCatalog, entity.Name)
		}
		if _, exists := c.byName[entity.Name]; exists {
			return fmt.Errorf("%w: duplicate entity %s", ErrInvalidCatalog, entity.Name)
		}
		c.byName[entity.Name] = entity

		entity.fieldIndex = make(map[string]int, len(entity.Fields))
		entity.relations = map[string]Relation{}
		entity.reverse = map[string]Reverse{}
		entity.relOrder = nil
		entity.revOrder = nil
		for idx, field := range entity.Fields {
			if field.Name == "" {
				return fmt.Errorf("%w: entity %s has a field without name", ErrInvalidCatalog, entity.Name)
			}
			if !field.Type.valid() {
				return fmt.Errorf("%w: field %s.%s has unknown type %q", ErrInvalidCatalog, entity.Name, field.Name, field.Type)
			}
			if _, exists := entity.fieldIndex[field.Name]; exists {
				return fmt.Errorf("%w: duplicate field %s.%s", ErrInvalidCatalog, entity.Name, field.Name)
			}
			entity.fieldIndex[field.Name] = idx
		}
		if _, ok := entity.fieldIndex["id"]; !ok {
			return fmt.Errorf("%w: entity %s has no id field", ErrInvalidCatalog, entity.Name)
		}
	}

	for _, entity := range c.Entities {
		for _, field := range entity.Fields {
			if field.Ref == "" {
				continue
			}
			target, ok := c.byName[field.Ref]
			if !ok {
				return fmt.Errorf("%w: field %s.%s references unknown entity %s", ErrInvalidCatalog, entity.Name, field.Name, field.Ref)
			}
			name, ok := strings.CutSuffix(field.Name, "_id")
			if !ok || name == "" {
				return fmt.Errorf("%w: foreign key %s.%s must end in _id", ErrInvalidCatalog, entity.Name, field.Name)
			}
			if _, clash := entity.fieldIndex[name]; clash {
				return fmt.Errorf("%w: relation %s.%s shadows a field", ErrInvalidCatalog, entity.Name, name)
			}
			entity.relations[name] = Relation{Name: name, Column: field.Name, Target: target}
			entity.relOrder = append(entity.relOrder, name)

			if field.Related == "" {
				continue
			}
			if _, clash := target.fieldIndex[field.Related]; clash {
				return fmt.Errorf("%w: reverse relation %s.%s shadows a field", ErrInvalidCatalog, target.Name, field.Related)
			}
			if _, clash := target.reverse[field.Related]; clash {
				return fmt.Errorf("%w: duplicate reverse relation %s.%s", ErrInvalidCatalog, target.Name, field.Related)
			}
			target.reverse[field.Related] = Reverse{Name: field.Related, Source: entity, Column: field.Name}
			target.revOrder = append(target.revOrder, field.Related)
		}
	}

	for _, entity := range c.Entities {
		if entity.Scope != "" {
			if err := c.checkPath(entity, entity.Scope); err != nil {
				return fmt.Errorf("%w: scope of %s: %v", ErrInvalidCatalog, entity.Name, err)
			}
		}
		if entity.Sample != nil {
			if entity.Sample.Key == "" || len(entity.Sample.Columns) == 0 {
				return fmt.Errorf("%w: sample of %s needs key and columns", ErrInvalidCatalog, entity.Name)
			}
			for _, column := range entity.Sample.Columns {
				if _, ok := entity.fieldIndex[column]; !ok {
					return fmt.Errorf("%w: sample column %s.%s is not a field", ErrInvalidCatalog, entity.Name, column)
				}
			}
		}
	}
	return nil
}

// checkPath resolves a double-underscore path made of forward relations
// ending in a field.
func (c *Catalog) checkPath(entity *Entity, path string) error {
	parts := strings.Split(path, "__")
	current := entity
	for idx, part := range parts {
		last := idx == len(parts)-1
		if last {
			if _, ok := current.Field(part); !ok {
				return fmt.Errorf("unknown field %s.%s", current.Name, part)
			}
			return nil
		}
		rel, ok := current.Relation(part)
		if !ok {
			return fmt.Errorf("unknown relation %s.%s", current.Name, part)
		}
		current = rel.Target
	}
	return nil
}
