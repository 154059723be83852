// Package migrations embeds the leakpurge SQL migrations and applies them with golang-migrate.
//
// Only the bookkeeping schema lives here (the ingest_runs table). Per-language raw and
// parsed collections are created at runtime by the storage package because their names
// depend on the datasets being purged.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// DefaultTable is the golang-migrate bookkeeping table.
const DefaultTable = "schema_migrations"

//go:embed *.sql
var embedded embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the filesystem holds no migration files.
	ErrNoMigrations = errors.New("no migration files found")
	// ErrInvalidFilename is returned for files that do not follow 001_name.(up|down).sql.
	ErrInvalidFilename = errors.New("invalid migration filename")
	// ErrUnpaired is returned when an up migration has no down counterpart or vice versa.
	ErrUnpaired = errors.New("unpaired migration")
	// ErrSequenceGap is returned when sequence numbers do not run 001, 002, ... without holes.
	ErrSequenceGap = errors.New("gap in migration sequence")
)

type (
	// Set is a validated collection of migration files.
	Set struct {
		fs fs.FS
	}

	// Info contains parsed information about a migration file.
	Info struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// New returns a Set over filesystem, or over the embedded migrations when filesystem is nil.
func New(filesystem fs.FS) *Set {
	if filesystem == nil {
		filesystem = embedded
	}

	return &Set{fs: filesystem}
}

// FS returns the underlying filesystem.
func (s *Set) FS() fs.FS {
	return s.fs
}

// List returns the migration files that follow the naming standard, sorted lexicographically.
func (s *Set) List() ([]string, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if filepath.Ext(entry.Name()) == ".sql" && filenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks pairing and sequencing of the migration files.
func (s *Set) Validate() error {
	files, err := s.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[int]map[string]bool)

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return err
		}

		if pairs[info.Sequence] == nil {
			pairs[info.Sequence] = make(map[string]bool)
		}

		pairs[info.Sequence][info.Direction] = true
	}

	sequences := make([]int, 0, len(pairs))

	for seq, directions := range pairs {
		if !directions["up"] || !directions["down"] {
			return fmt.Errorf("%w: %03d", ErrUnpaired, seq)
		}

		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, seq)
		}
	}

	return nil
}

// MaxVersion returns the highest sequence number available, 0 if none.
func (s *Set) MaxVersion() int {
	files, err := s.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, file := range files {
		if info, err := Parse(file); err == nil && info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}

// Source returns a golang-migrate source driver reading from the set.
func (s *Set) Source() (source.Driver, error) {
	return iofs.New(s.fs, ".")
}

// NewMigrate builds a migrate instance bound to db and the set's files.
func (s *Set) NewMigrate(db *sql.DB, table string) (*migrate.Migrate, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	if table == "" {
		table = DefaultTable
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	src, err := s.Source()
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// Apply runs every pending up migration against db. ErrNoChange is not an error.
func Apply(db *sql.DB) error {
	m, err := New(nil).NewMigrate(db, DefaultTable)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

// Parse extracts the components of a migration filename.
func Parse(filename string) (*Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf("%w: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad sequence in %s: %w", ErrInvalidFilename, filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}
