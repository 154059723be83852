// Package schema loads per-language field schemas and compiles them into anchored line matchers.
package schema

import (
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/leakpurge/leakpurge/internal/record"
)

// DefaultLanguage is the schema key used when a language has no schema of its own.
const DefaultLanguage = "default"

const (
	defaultSeparator = ":"
	defaultIdentity  = "fid"
)

var (
	// ErrSchemaNotFound is returned when neither the language nor the default schema exists.
	ErrSchemaNotFound = errors.New("schema not found")
	// ErrUnrecognizedPatternClass is returned when a field names an unknown pattern class.
	ErrUnrecognizedPatternClass = errors.New("unrecognized pattern class")
	// ErrUnrecognizedFieldType marks fields whose value type is unknown; their values coerce to nil.
	ErrUnrecognizedFieldType = errors.New("unrecognized field type")
	// ErrInvalidSchema is returned for structurally broken schemas.
	ErrInvalidSchema = errors.New("invalid schema")
)

var fieldNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValueType is the type a matched field value is coerced into.
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeNumber   ValueType = "number"
	TypeDate     ValueType = "date"
	TypeDatetime ValueType = "datetime"
)

// Known reports whether the parser knows how to coerce t.
func (t ValueType) Known() bool {
	switch t {
	case TypeString, TypeNumber, TypeDate, TypeDatetime:
		return true
	}

	return false
}

type (
	// FieldSpec describes one delimiter-separated segment of a line.
	FieldSpec struct {
		Name     string
		Class    PatternClass
		Optional bool
		Keep     bool
		Type     ValueType
	}

	// Schema is the ordered field list of a language plus its delimiters.
	Schema struct {
		Language  string
		Separator string
		Wrap      string
		Identity  string
		Fields    []FieldSpec
	}

	fieldDoc struct {
		Name     string `yaml:"name"`
		Regex    string `yaml:"regex"`
		Optional bool   `yaml:"optional"`
		Keep     *bool  `yaml:"keep"`
		Type     string `yaml:"type"`
	}

	schemaDoc struct {
		Separator *string    `yaml:"separator"`
		Wrap      string     `yaml:"wrap"`
		Identity  string     `yaml:"identity"`
		Fields    []fieldDoc `yaml:"fields"`
		// Props is the ordered-mapping spelling: field name -> details.
		Props yaml.Node `yaml:"props"`
	}
)

// KeptFields returns the fields that survive into records, in declaration order.
func (s *Schema) KeptFields() []FieldSpec {
	kept := make([]FieldSpec, 0, len(s.Fields))

	for _, f := range s.Fields {
		if f.Keep {
			kept = append(kept, f)
		}
	}

	return kept
}

// Field returns the field named name.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}

	return FieldSpec{}, false
}

func (d *schemaDoc) fieldDocs() ([]fieldDoc, error) {
	if d.Props.Kind == 0 {
		return d.Fields, nil
	}

	if len(d.Fields) > 0 {
		return nil, fmt.Errorf("%w: both fields and props declared", ErrInvalidSchema)
	}

	if d.Props.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: props must be a mapping", ErrInvalidSchema)
	}

	docs := make([]fieldDoc, 0, len(d.Props.Content)/2)

	for i := 0; i+1 < len(d.Props.Content); i += 2 {
		var fd fieldDoc
		if err := d.Props.Content[i+1].Decode(&fd); err != nil {
			return nil, fmt.Errorf("%w: prop %q: %w", ErrInvalidSchema, d.Props.Content[i].Value, err)
		}

		fd.Name = d.Props.Content[i].Value
		docs = append(docs, fd)
	}

	return docs, nil
}

func (d *schemaDoc) build(language string) (*Schema, error) {
	docs, err := d.fieldDocs()
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s declares no fields", ErrInvalidSchema, language)
	}

	s := &Schema{
		Language:  language,
		Separator: defaultSeparator,
		Wrap:      d.Wrap,
		Identity:  d.Identity,
		Fields:    make([]FieldSpec, 0, len(docs)),
	}

	if d.Separator != nil {
		s.Separator = *d.Separator
	}

	if s.Identity == "" {
		s.Identity = defaultIdentity
	}

	seen := make(map[string]bool, len(docs))

	for _, fd := range docs {
		if !fieldNameRegex.MatchString(fd.Name) {
			return nil, fmt.Errorf("%w: %s: bad field name %q", ErrInvalidSchema, language, fd.Name)
		}

		if fd.Name == record.LineKey || fd.Name == record.HistoryKey {
			return nil, fmt.Errorf("%w: %s: field name %q is reserved", ErrInvalidSchema, language, fd.Name)
		}

		if seen[fd.Name] {
			return nil, fmt.Errorf("%w: %s: duplicate field %q", ErrInvalidSchema, language, fd.Name)
		}

		seen[fd.Name] = true

		class, err := ParsePatternClass(fd.Regex)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", language, fd.Name, err)
		}

		spec := FieldSpec{
			Name:     fd.Name,
			Class:    class,
			Optional: fd.Optional,
			Keep:     fd.Keep == nil || *fd.Keep,
			Type:     ValueType(fd.Type),
		}

		if spec.Type == "" {
			spec.Type = TypeString
		}

		s.Fields = append(s.Fields, spec)
	}

	if s.Separator == "" {
		return nil, fmt.Errorf("%w: %s: empty separator", ErrInvalidSchema, language)
	}

	if f, ok := s.Field(s.Identity); !ok || !f.Keep {
		return nil, fmt.Errorf("%w: %s: identity %q must be a kept field", ErrInvalidSchema, language, s.Identity)
	}

	return s, nil
}
