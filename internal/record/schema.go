package record

import (
	"errors"
	"fmt"
	"sort"
)

// FieldKind is the declared type of a canonical field.
type FieldKind string

const (
	KindScalar FieldKind = "scalar"
	KindSet    FieldKind = "set"
)

// Valid returns true for a known kind.
func (k FieldKind) Valid() bool {
	return k == KindScalar || k == KindSet
}

// Schema validation errors.
var (
	ErrEmptySchema     = errors.New("schema declares no fields")
	ErrEmptyFieldName  = errors.New("field name is required")
	ErrDuplicateField  = errors.New("field name declared more than once")
	ErrInvalidKind     = errors.New("invalid field kind")
	ErrUnknownField    = errors.New("unknown field")
	ErrKindMismatch    = errors.New("value does not match field kind")
	ErrNoFieldEvidence = errors.New("value is empty")
)

// FieldSpec declares one canonical field.
type FieldSpec struct {
	Name        string    `json:"name" koanf:"name"`
	Kind        FieldKind `json:"kind" koanf:"kind"`
	Correctable bool      `json:"correctable,omitempty" koanf:"correctable"`
	Aliases     []string  `json:"aliases,omitempty" koanf:"aliases"`
	Description string    `json:"description,omitempty" koanf:"description"`
}

// Schema is the fixed set of declared fields.
type Schema struct {
	fields  []FieldSpec
	primary map[string]int // any declared name -> index into fields
	names   []string
}

// NewSchema validates specs and builds a schema.
func NewSchema(specs []FieldSpec) (*Schema, error) {
	if len(specs) == 0 {
		return nil, ErrEmptySchema
	}

	s := &Schema{
		fields:  make([]FieldSpec, 0, len(specs)),
		primary: make(map[string]int, len(specs)),
	}

	for _, spec := range specs {
		if spec.Name == "" {
			return nil, ErrEmptyFieldName
		}
		if !spec.Kind.Valid() {
			return nil, fmt.Errorf("%w: %q for field %s", ErrInvalidKind, spec.Kind, spec.Name)
		}

		idx := len(s.fields)
		all := append([]string{spec.Name}, spec.Aliases...)
		for _, name := range all {
			if name == "" {
				return nil, fmt.Errorf("%w: alias of %s", ErrEmptyFieldName, spec.Name)
			}
			if _, exists := s.primary[name]; exists {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateField, name)
			}
			s.primary[name] = idx
			s.names = append(s.names, name)
		}

		stored := spec
		stored.Aliases = append([]string(nil), spec.Aliases...)
		s.fields = append(s.fields, stored)
	}

	sort.Strings(s.names)
	return s, nil
}

// MustSchema is NewSchema for static declarations.
func MustSchema(specs []FieldSpec) *Schema {
	s, err := NewSchema(specs)
	if err != nil {
		panic(fmt.Sprintf("record: %v", err))
	}
	return s
}

// Resolve maps a declared name (primary or alias) to its primary spec.
func (s *Schema) Resolve(name string) (FieldSpec, bool) {
	idx, ok := s.primary[name]
	if !ok {
		return FieldSpec{}, false
	}
	return s.fields[idx], true
}

// Fields returns the primary specs in declaration order.
func (s *Schema) Fields() []FieldSpec {
	out := make([]FieldSpec, len(s.fields))
	copy(out, s.fields)
	return out
}

// Names returns every declared name, aliases included, sorted.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of declared names, aliases included.
func (s *Schema) Len() int {
	return len(s.names)
}

// Kinds returns declared name -> kind, the shape handed to extraction adapters.
func (s *Schema) Kinds() map[string]FieldKind {
	out := make(map[string]FieldKind, len(s.names))
	for name, idx := range s.primary {
		out[name] = s.fields[idx].Kind
	}
	return out
}

// DefaultSchema returns the consultation field set.
func DefaultSchema() *Schema {
	return MustSchema(DefaultFieldSpecs())
}

// DefaultFieldSpecs declares the fields collected during a business consultation.
func DefaultFieldSpecs() []FieldSpec {
	return []FieldSpec{
		{Name: "company_name", Kind: KindScalar, Description: "Legal or trading name of the business"},
		{Name: "industry", Kind: KindScalar, Description: "Industry or market segment"},
		{Name: "business_type", Kind: KindScalar, Correctable: true, Description: "Kind of business (clinic, salon, agency...)"},
		{Name: "website", Kind: KindScalar},
		{Name: "contact_name", Kind: KindScalar, Correctable: true},
		{Name: "contact_role", Kind: KindScalar},
		{Name: "phone", Kind: KindScalar, Aliases: []string{"contact_phone"}},
		{Name: "email", Kind: KindScalar, Aliases: []string{"contact_email"}},
		{Name: "agent_name", Kind: KindScalar, Correctable: true, Description: "Name the voice agent should use"},
		{Name: "agent_purpose", Kind: KindScalar},
		{Name: "services", Kind: KindSet},
		{Name: "pain_points", Kind: KindSet},
		{Name: "goals", Kind: KindSet},
		{Name: "integrations", Kind: KindSet},
		{Name: "working_hours", Kind: KindScalar},
		{Name: "language", Kind: KindScalar},
		{Name: "budget", Kind: KindScalar},
		{Name: "timeline", Kind: KindScalar},
	}
}
