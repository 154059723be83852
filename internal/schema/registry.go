package schema

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed schemas.yaml
var defaultSchemas []byte

type (
	// Registry holds the schemas of every language, immutable once loaded.
	// Compiled matchers are cached; Compile is safe for concurrent use.
	Registry struct {
		schemas  map[string]*Schema
		logger   *slog.Logger
		mu       sync.Mutex
		compiled map[string]*Compiled
	}

	// Option configures a Registry.
	Option func(*Registry)

	// Compiled is a schema bound to its anchored full-line matcher.
	Compiled struct {
		schema *Schema
		re     *regexp.Regexp
		groups []int // subexpression index per schema field
	}
)

// WithLogger sets the logger used for compile-time warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Default returns the registry built from the embedded schemas.yaml.
func Default(opts ...Option) (*Registry, error) {
	return Load(bytes.NewReader(defaultSchemas), opts...)
}

// LoadFile reads a schema definition file (YAML or JSON).
func LoadFile(path string, opts ...Option) (*Registry, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied schema path
	if err != nil {
		return nil, fmt.Errorf("failed to open schema file: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	return Load(f, opts...)
}

// Load decodes a language -> schema mapping. Every schema is validated, including its
// pattern classes, so configuration errors surface before any line is read.
func Load(r io.Reader, opts ...Option) (*Registry, error) {
	var docs map[string]schemaDoc
	if err := yaml.NewDecoder(r).Decode(&docs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty schema definition", ErrInvalidSchema)
		}

		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}

	reg := &Registry{
		schemas:  make(map[string]*Schema, len(docs)),
		logger:   slog.Default(),
		compiled: make(map[string]*Compiled),
	}

	for _, opt := range opts {
		opt(reg)
	}

	for language, doc := range docs {
		s, err := doc.build(language)
		if err != nil {
			return nil, err
		}

		reg.schemas[strings.ToLower(language)] = s
	}

	if _, ok := reg.schemas[DefaultLanguage]; !ok {
		return nil, fmt.Errorf("%w: no %q schema declared", ErrSchemaNotFound, DefaultLanguage)
	}

	return reg, nil
}

// Languages lists the languages with a dedicated schema, sorted, excluding default.
func (r *Registry) Languages() []string {
	languages := make([]string, 0, len(r.schemas))

	for key, s := range r.schemas {
		if key != DefaultLanguage {
			languages = append(languages, s.Language)
		}
	}

	sort.Strings(languages)

	return languages
}

// Lookup returns the schema for language, falling back to the default schema.
func (r *Registry) Lookup(language string) (*Schema, error) {
	if s, ok := r.schemas[strings.ToLower(language)]; ok {
		return s, nil
	}

	if s, ok := r.schemas[DefaultLanguage]; ok {
		return s, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, language)
}

// Compile returns the matcher for language, building it on first use.
func (r *Registry) Compile(language string) (*Compiled, error) {
	s, err := r.Lookup(language)
	if err != nil {
		return nil, err
	}

	key := strings.ToLower(s.Language)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.compiled[key]; ok {
		return c, nil
	}

	c, err := Compile(s)
	if err != nil {
		return nil, err
	}

	for _, f := range s.Fields {
		if f.Keep && !f.Type.Known() {
			r.logger.Warn("field values will be stored as null",
				slog.String("schema", s.Language),
				slog.String("field", f.Name),
				slog.String("type", string(f.Type)),
				slog.String("error", ErrUnrecognizedFieldType.Error()),
			)
		}
	}

	r.compiled[key] = c

	return c, nil
}

// Compile builds the anchored matcher of s: one named group per field in declaration
// order, + for mandatory and * for optional fields, joined by the separator literal.
func Compile(s *Schema) (*Compiled, error) {
	separator := regexp.QuoteMeta(s.Separator)
	wrap := regexp.QuoteMeta(s.Wrap)
	parts := make([]string, 0, len(s.Fields))

	for _, f := range s.Fields {
		if !f.Class.Valid() {
			return nil, fmt.Errorf("%s.%s: %w: %v", s.Language, f.Name, ErrUnrecognizedPatternClass, f.Class)
		}

		multiplier := "+"
		if f.Optional {
			multiplier = "*"
		}

		group := fmt.Sprintf("(?P<%s>%s%s)", f.Name, f.Class.Fragment(), multiplier)

		switch {
		case wrap == "":
			parts = append(parts, group)
		case f.Optional:
			parts = append(parts, "(?:"+wrap+group+wrap+")?")
		default:
			parts = append(parts, wrap+group+wrap)
		}
	}

	re, err := regexp.Compile("^" + strings.Join(parts, separator) + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, s.Language, err)
	}

	groups := make([]int, len(s.Fields))
	for i, f := range s.Fields {
		groups[i] = re.SubexpIndex(f.Name)
	}

	return &Compiled{schema: s, re: re, groups: groups}, nil
}

// Schema returns the schema the matcher was compiled from.
func (c *Compiled) Schema() *Schema {
	return c.schema
}

// Pattern returns the compiled expression source.
func (c *Compiled) Pattern() string {
	return c.re.String()
}

// Match applies the matcher to a whole line. It returns the raw group value of every
// field (empty for absent optional fields), or nil when the line does not match.
func (c *Compiled) Match(line string) map[string]string {
	sub := c.re.FindStringSubmatch(line)
	if sub == nil {
		return nil
	}

	values := make(map[string]string, len(c.groups))
	for i, f := range c.schema.Fields {
		values[f.Name] = sub[c.groups[i]]
	}

	return values
}
