// Package schema validates model output against structured content schemas
// and applies a fixed, opt-in set of shape repairs.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the declared type of a field.
type Kind string

const (
	KindText       Kind = "text"
	KindTextList   Kind = "text_list"
	KindNumber     Kind = "number"
	KindInteger    Kind = "integer"
	KindBoolean    Kind = "boolean"
	KindEnum       Kind = "enum"
	KindObject     Kind = "object"
	KindObjectList Kind = "object_list"
)

// Repair names one tolerated shape ambiguity. A field only gets the repairs
// it lists.
type Repair string

const (
	// RepairScalarToList wraps a lone string in a text_list field.
	RepairScalarToList Repair = "scalar_to_list"
	// RepairListToText joins a list of strings in a text field.
	RepairListToText Repair = "list_to_text"
	// RepairNumericString parses a numeric string in a number or integer field.
	RepairNumericString Repair = "numeric_string"
)

// DefaultSeparator joins list elements for RepairListToText.
const DefaultSeparator = ", "

// Field declares one member of an object.
type Field struct {
	Name        string   `yaml:"name"`
	Kind        Kind     `yaml:"kind"`
	Required    bool     `yaml:"required"`
	Description string   `yaml:"description,omitempty"`
	Enum        []string `yaml:"enum,omitempty"`
	Fields      []Field  `yaml:"fields,omitempty"`
	Repairs     []Repair `yaml:"repairs,omitempty"`
	Separator   string   `yaml:"separator,omitempty"`
}

// Allows reports whether the field opted into the given repair.
func (f Field) Allows(r Repair) bool {
	for _, have := range f.Repairs {
		if have == r {
			return true
		}
	}
	return false
}

func (f Field) separator() string {
	if f.Separator == "" {
		return DefaultSeparator
	}
	return f.Separator
}

// Schema describes one kind of generated content.
type Schema struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	Credits      int64    `yaml:"credits"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Fields       []Field  `yaml:"fields"`
}

// Check verifies the schema definition itself.
func (s *Schema) Check() error {
	if s.Name == "" {
		return fmt.Errorf("schema: name is required")
	}
	if s.Credits < 0 {
		return fmt.Errorf("schema %s: credits must be non-negative", s.Name)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %s: at least one field is required", s.Name)
	}
	return checkFields(s.Name, s.Fields)
}

func checkFields(path string, fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		p := path + "." + f.Name
		if f.Name == "" {
			return fmt.Errorf("schema %s: field name is required", path)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field", p)
		}
		seen[f.Name] = true

		switch f.Kind {
		case KindText, KindTextList, KindNumber, KindInteger, KindBoolean:
		case KindEnum:
			if len(f.Enum) == 0 {
				return fmt.Errorf("schema %s: enum field needs values", p)
			}
		case KindObject, KindObjectList:
			if len(f.Fields) == 0 {
				return fmt.Errorf("schema %s: object field needs fields", p)
			}
			if err := checkFields(p, f.Fields); err != nil {
				return err
			}
		default:
			return fmt.Errorf("schema %s: unknown kind %q", p, f.Kind)
		}

		for _, r := range f.Repairs {
			if !repairFits(f.Kind, r) {
				return fmt.Errorf("schema %s: repair %q does not apply to kind %s", p, r, f.Kind)
			}
		}
	}
	return nil
}

func repairFits(k Kind, r Repair) bool {
	switch r {
	case RepairScalarToList:
		return k == KindTextList
	case RepairListToText:
		return k == KindText
	case RepairNumericString:
		return k == KindNumber || k == KindInteger
	default:
		return false
	}
}

// Instructions renders a description of the expected JSON object that is
// appended to the system prompt.
func (s *Schema) Instructions() string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON object and nothing else.")
	if s.Description != "" {
		b.WriteString(" The object describes ")
		b.WriteString(s.Description)
		b.WriteString(".")
	}
	b.WriteString(" Fields:\n")
	writeFields(&b, s.Fields, "")
	return b.String()
}

func writeFields(b *strings.Builder, fields []Field, indent string) {
	for _, f := range fields {
		b.WriteString(indent)
		b.WriteString("- ")
		b.WriteString(f.Name)
		b.WriteString(" (")
		b.WriteString(kindHint(f))
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": ")
			b.WriteString(f.Description)
		}
		b.WriteString("\n")
		if f.Kind == KindObject || f.Kind == KindObjectList {
			writeFields(b, f.Fields, indent+"  ")
		}
	}
}

func kindHint(f Field) string {
	switch f.Kind {
	case KindText:
		return "string"
	case KindTextList:
		return "array of strings"
	case KindEnum:
		return "one of " + strings.Join(f.Enum, ", ")
	case KindObjectList:
		return "array of objects"
	default:
		return string(f.Kind)
	}
}

// Catalog maps schema names to definitions. It is read-only after
// construction.
type Catalog struct {
	schemas map[string]*Schema
}

// NewCatalog checks every schema and indexes it by name.
func NewCatalog(schemas ...*Schema) (*Catalog, error) {
	c := &Catalog{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		if err := s.Check(); err != nil {
			return nil, err
		}
		if _, dup := c.schemas[s.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate schema %q", s.Name)
		}
		c.schemas[s.Name] = s
	}
	return c, nil
}

// Lookup returns the named schema.
func (c *Catalog) Lookup(name string) (*Schema, bool) {
	s, ok := c.schemas[name]
	return s, ok
}

// Names returns the schema names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.schemas))
	for n := range c.schemas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
