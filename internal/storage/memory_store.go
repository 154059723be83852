package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/leakpurge/leakpurge/internal/dedup"
	"github.com/leakpurge/leakpurge/internal/ingestion"
	"github.com/leakpurge/leakpurge/internal/record"
)

var (
	_ Store            = (*MemoryStore)(nil)
	_ RawCollection    = (*memRawCollection)(nil)
	_ ParsedCollection = (*memParsedCollection)(nil)
)

type (
	// MemoryStore provides thread-safe in-memory collections with the same uniqueness
	// semantics as DocumentStore. It backs dry runs and tests.
	MemoryStore struct {
		// tables maps collection names to their rows
		tables map[string]*memTable
		// mutex protects concurrent access to every table
		mutex sync.RWMutex
	}

	memTable struct {
		records   []record.Record
		snapshots []record.Snapshot
		// unique maps an indexed key to the set of values present
		unique map[string]map[string]struct{}
	}

	memCollection struct {
		store *MemoryStore
		name  string
		keys  []string
	}

	memRawCollection struct {
		memCollection
	}

	memParsedCollection struct {
		memCollection
	}
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

// Raw returns the raw collection called name.
func (s *MemoryStore) Raw(name string) (RawCollection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	return &memRawCollection{memCollection{store: s, name: name, keys: []string{LineKey, IdentityKey}}}, nil
}

// Parsed returns the collection holding the snapshots of name.
func (s *MemoryStore) Parsed(name string) (ParsedCollection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	return &memParsedCollection{memCollection{store: s, name: ParsedName(name), keys: []string{IdentityKey}}}, nil
}

// Collections lists every collection, sorted by name.
func (s *MemoryStore) Collections(context.Context) ([]CollectionInfo, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	var infos []CollectionInfo

	for _, name := range names {
		if info, ok := classify(name); ok {
			infos = append(infos, info)
		}
	}

	return infos, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func (c *memCollection) Name() string {
	return c.name
}

func (c *memCollection) Exists(context.Context) (bool, error) {
	c.store.mutex.RLock()
	defer c.store.mutex.RUnlock()

	_, ok := c.store.tables[c.name]

	return ok, nil
}

func (c *memCollection) DropIfExists(context.Context) error {
	c.store.mutex.Lock()
	defer c.store.mutex.Unlock()

	delete(c.store.tables, c.name)

	return nil
}

func (c *memCollection) Close() error {
	return nil
}

// ensureUnique creates the table when missing and indexes key over the existing rows.
// Caller must not hold the lock.
func (c *memCollection) ensureUnique(key string, values func(*memTable) []string) error {
	if !slices.Contains(c.keys, key) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedKey, key, c.name)
	}

	c.store.mutex.Lock()
	defer c.store.mutex.Unlock()

	t, ok := c.store.tables[c.name]
	if !ok {
		t = &memTable{unique: make(map[string]map[string]struct{})}
		c.store.tables[c.name] = t
	}

	if _, indexed := t.unique[key]; indexed {
		return nil
	}

	index := make(map[string]struct{})

	for _, v := range values(t) {
		if v == "" {
			continue
		}

		if _, dup := index[v]; dup {
			return fmt.Errorf("%w: %s: (%s)=(%s) is duplicated", ingestion.ErrUniquenessViolation, c.name, key, v)
		}

		index[v] = struct{}{}
	}

	t.unique[key] = index

	return nil
}

// admit checks a batch against the unique indexes of t and records its keys. Nothing is
// recorded when any key collides. Caller must hold the write lock.
func (c *memCollection) admit(t *memTable, keyValues func(i int, key string) string, n int) error {
	pending := make(map[string]map[string]struct{}, len(t.unique))

	for key, index := range t.unique {
		seen := make(map[string]struct{}, n)

		for i := range n {
			v := keyValues(i, key)
			if v == "" {
				continue
			}

			_, stored := index[v]
			_, batched := seen[v]

			if stored || batched {
				return fmt.Errorf("%w: %s: Key (%s)=(%s) already exists", ingestion.ErrUniquenessViolation, c.name, key, v)
			}

			seen[v] = struct{}{}
		}

		pending[key] = seen
	}

	for key, seen := range pending {
		for v := range seen {
			t.unique[key][v] = struct{}{}
		}
	}

	return nil
}

func (c *memCollection) table() (*memTable, error) {
	t, ok := c.store.tables[c.name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, c.name)
	}

	return t, nil
}

func (c *memRawCollection) EnsureUnique(_ context.Context, key string) error {
	return c.ensureUnique(key, func(t *memTable) []string {
		out := make([]string, len(t.records))
		for i, rec := range t.records {
			out[i] = rawKey(rec, key)
		}

		return out
	})
}

func (c *memRawCollection) AppendBatch(_ context.Context, records []record.Record) (int, error) {
	c.store.mutex.Lock()
	defer c.store.mutex.Unlock()

	t, err := c.table()
	if err != nil {
		return 0, err
	}

	if err := c.admit(t, func(i int, key string) string { return rawKey(records[i], key) }, len(records)); err != nil {
		return 0, err
	}

	for _, rec := range records {
		rec.Fields = rec.Fields.Clone()
		t.records = append(t.records, rec)
	}

	return len(records), nil
}

func (c *memRawCollection) Count(context.Context) (int64, error) {
	c.store.mutex.RLock()
	defer c.store.mutex.RUnlock()

	t, err := c.table()
	if err != nil {
		return 0, err
	}

	return int64(len(t.records)), nil
}

// Scan delivers a copy of the collection grouped by identity, ascending by line.
func (c *memRawCollection) Scan(ctx context.Context, fn func(record.Record) error) error {
	c.store.mutex.RLock()

	t, err := c.table()
	if err != nil {
		c.store.mutex.RUnlock()

		return err
	}

	records := slices.Clone(t.records)
	c.store.mutex.RUnlock()

	return dedup.Records(records).Scan(ctx, fn)
}

func (c *memParsedCollection) EnsureUnique(_ context.Context, key string) error {
	return c.ensureUnique(key, func(t *memTable) []string {
		out := make([]string, len(t.snapshots))
		for i, snap := range t.snapshots {
			out[i] = snap.Identity
		}

		return out
	})
}

func (c *memParsedCollection) AppendBatch(_ context.Context, snapshots []record.Snapshot) (int, error) {
	c.store.mutex.Lock()
	defer c.store.mutex.Unlock()

	t, err := c.table()
	if err != nil {
		return 0, err
	}

	if err := c.admit(t, func(i int, _ string) string { return snapshots[i].Identity }, len(snapshots)); err != nil {
		return 0, err
	}

	t.snapshots = append(t.snapshots, snapshots...)

	return len(snapshots), nil
}

func (c *memParsedCollection) Count(context.Context) (int64, error) {
	c.store.mutex.RLock()
	defer c.store.mutex.RUnlock()

	t, err := c.table()
	if err != nil {
		return 0, err
	}

	return int64(len(t.snapshots)), nil
}

func (c *memParsedCollection) Lookup(_ context.Context, identity string) (record.Snapshot, bool, error) {
	c.store.mutex.RLock()
	defer c.store.mutex.RUnlock()

	t, err := c.table()
	if err != nil {
		return record.Snapshot{}, false, err
	}

	for _, snap := range t.snapshots {
		if snap.Identity == identity {
			return snap, true, nil
		}
	}

	return record.Snapshot{}, false, nil
}

// rawKey returns the indexed value of key for rec; empty means NULL.
func rawKey(rec record.Record, key string) string {
	if key == LineKey {
		return strconv.FormatInt(rec.Line, 10)
	}

	return rec.Identity
}
