package storage

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/lib/pq"

	"github.com/leakpurge/leakpurge/internal/config"
	"github.com/leakpurge/leakpurge/internal/ingestion"
	"github.com/leakpurge/leakpurge/internal/record"
)

const defaultScanPageSize = 10_000

// PostgreSQL error codes the store reacts to.
const (
	codeUniqueViolation = "23505"
	codeUndefinedTable  = "42P01"
)

var (
	// ErrDocumentStoreFailed is returned when a store operation fails for any other reason.
	ErrDocumentStoreFailed = errors.New("document store operation failed")

	_ Store            = (*DocumentStore)(nil)
	_ RawCollection    = (*pgRawCollection)(nil)
	_ ParsedCollection = (*pgParsedCollection)(nil)
)

type (
	// DocumentStore keeps collections as JSONB tables inside one PostgreSQL schema.
	//
	// Every collection has a doc JSONB column holding the document plus the columns its
	// unique index and its read order need. Bulk inserts use COPY inside a transaction, so
	// a batch is stored entirely or not at all.
	DocumentStore struct {
		conn     *Connection
		schema   string
		pageSize int
		logger   *slog.Logger
	}

	// DocumentStoreOption configures optional DocumentStore behavior.
	DocumentStoreOption func(*DocumentStore)

	table struct {
		store   *DocumentStore
		name    string
		columns string
		keys    []string
		// order, when set, is indexed so that keyset pages read in that order.
		order string
	}

	pgRawCollection struct {
		table
	}

	pgParsedCollection struct {
		table
	}
)

// WithLogger sets the logger. The default is the JSON logger at LOG_LEVEL.
func WithLogger(logger *slog.Logger) DocumentStoreOption {
	return func(s *DocumentStore) {
		s.logger = logger
	}
}

// WithScanPageSize sets how many raw records Scan reads per query. The default is
// defaultScanPageSize.
func WithScanPageSize(n int) DocumentStoreOption {
	return func(s *DocumentStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewDocumentStore returns a store over schema, creating the schema if needed.
//
// The connection is not owned: Close leaves it open for the other users of the pool.
func NewDocumentStore(
	ctx context.Context,
	conn *Connection,
	schema string,
	opts ...DocumentStoreOption,
) (*DocumentStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if !schemaNameRegex.MatchString(schema) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchemaName, schema)
	}

	store := &DocumentStore{
		conn:     conn,
		schema:   schema,
		pageSize: defaultScanPageSize,
		logger:   config.NewLogger(config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)),
	}

	for _, opt := range opts {
		opt(store)
	}

	if _, err := conn.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
		return nil, fmt.Errorf("%w: failed to create schema %s: %w", ErrDocumentStoreFailed, schema, err)
	}

	return store, nil
}

// Schema returns the PostgreSQL schema holding the collections.
func (s *DocumentStore) Schema() string {
	return s.schema
}

// Raw returns the raw collection called name.
func (s *DocumentStore) Raw(name string) (RawCollection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	return &pgRawCollection{table{
		store:   s,
		name:    name,
		columns: "id BIGSERIAL PRIMARY KEY, line BIGINT NOT NULL, identity TEXT, doc JSONB NOT NULL",
		keys:    []string{LineKey, IdentityKey},
		order:   "identity, line",
	}}, nil
}

// Parsed returns the collection holding the snapshots of the raw collection name.
func (s *DocumentStore) Parsed(name string) (ParsedCollection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	return &pgParsedCollection{table{
		store:   s,
		name:    ParsedName(name),
		columns: "id BIGSERIAL PRIMARY KEY, identity TEXT, doc JSONB NOT NULL",
		keys:    []string{IdentityKey},
	}}, nil
}

// Collections lists the raw and parsed collections of the schema, sorted by table name.
func (s *DocumentStore) Collections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, s.schema)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list collections: %w", ErrDocumentStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var infos []CollectionInfo

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDocumentStoreFailed, err)
		}

		if info, ok := classify(name); ok {
			infos = append(infos, info)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDocumentStoreFailed, err)
	}

	return infos, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *DocumentStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Close does not close the shared connection; the caller owns it.
func (s *DocumentStore) Close() error {
	return nil
}

func (t *table) Name() string {
	return t.name
}

func (t *table) qualified() string {
	return pq.QuoteIdentifier(t.store.schema) + "." + pq.QuoteIdentifier(t.name)
}

func (t *table) Exists(ctx context.Context) (bool, error) {
	var exists bool

	err := t.store.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)
	`, t.store.schema, t.name).Scan(&exists)
	if err != nil {
		return false, t.classify(err)
	}

	return exists, nil
}

func (t *table) DropIfExists(ctx context.Context) error {
	if _, err := t.store.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t.qualified()); err != nil {
		return t.classify(err)
	}

	t.store.logger.Info("collection dropped", slog.String("collection", t.name))

	return nil
}

func (t *table) EnsureUnique(ctx context.Context, key string) error {
	if !slices.Contains(t.keys, key) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedKey, key, t.name)
	}

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.qualified(), t.columns)
	if _, err := t.store.conn.ExecContext(ctx, create); err != nil {
		return t.classify(err)
	}

	index := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		pq.QuoteIdentifier(t.name+"_"+key+"_key"), t.qualified(), pq.QuoteIdentifier(key))
	if _, err := t.store.conn.ExecContext(ctx, index); err != nil {
		return t.classify(err)
	}

	if t.order == "" {
		return nil
	}

	order := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		pq.QuoteIdentifier(t.name+"_scan_idx"), t.qualified(), t.order)
	if _, err := t.store.conn.ExecContext(ctx, order); err != nil {
		return t.classify(err)
	}

	return nil
}

// Close is a no-op: collections borrow the store's pool.
func (t *table) Close() error {
	return nil
}

func (t *table) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := t.store.conn.QueryRowContext(ctx, "SELECT count(*) FROM "+t.qualified()).Scan(&n); err != nil {
		return 0, t.classify(err)
	}

	return n, nil
}

// copyIn bulk loads rows in one transaction.
func (t *table) copyIn(ctx context.Context, columns []string, rows [][]any) (int, error) {
	tx, err := t.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, t.classify(err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(t.store.schema, t.name, columns...))
	if err != nil {
		return 0, t.classify(err)
	}

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = stmt.Close()

			return 0, t.classify(err)
		}
	}

	// The COPY is only sent to the server on the final argument-less Exec.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()

		return 0, t.classify(err)
	}

	if err := stmt.Close(); err != nil {
		return 0, t.classify(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, t.classify(err)
	}

	return len(rows), nil
}

// classify maps driver errors to the package and ingestion sentinels.
func (t *table) classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			t.store.logger.Error("unique constraint violated",
				slog.String("collection", t.name),
				slog.String("constraint", pqErr.Constraint),
				slog.String("detail", pqErr.Detail),
			)

			return fmt.Errorf("%w: %s: %s", ingestion.ErrUniquenessViolation, t.name, pqErr.Detail)
		case codeUndefinedTable:
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, t.name)
		}
	}

	if isDatabaseConnectionError(err) {
		t.store.logger.Error("database connection lost", slog.String("collection", t.name))
	}

	return fmt.Errorf("%w: %s: %w", ErrDocumentStoreFailed, t.name, err)
}

func (c *pgRawCollection) AppendBatch(ctx context.Context, records []record.Record) (int, error) {
	rows := make([][]any, 0, len(records))

	for _, rec := range records {
		doc, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("%w: line %d: %w", ErrDocumentStoreFailed, rec.Line, err)
		}

		rows = append(rows, []any{rec.Line, nullable(rec.Identity), string(doc)})
	}

	return c.copyIn(ctx, []string{LineKey, IdentityKey, "doc"}, rows)
}

// Scan streams the collection ordered by identity, then line. Records without identity
// come last, as one group.
//
// Rows are read in keyset pages and every page is closed before fn sees its records, so
// fn may write through the same pool even when it holds a single connection.
func (c *pgRawCollection) Scan(ctx context.Context, fn func(record.Record) error) error {
	var (
		after   *record.Record
		nullIDs bool
	)

	for {
		page, err := c.page(ctx, after, nullIDs)
		if err != nil {
			return err
		}

		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
		}

		switch {
		case len(page) == c.store.pageSize:
			after = &page[len(page)-1]
		case !nullIDs:
			after, nullIDs = nil, true
		default:
			return nil
		}
	}
}

// page reads up to pageSize records following after: those with an identity first, then,
// with nullIDs set, those without one.
func (c *pgRawCollection) page(ctx context.Context, after *record.Record, nullIDs bool) ([]record.Record, error) {
	var (
		query = "SELECT line, identity, doc FROM " + c.qualified()
		args  []any
	)

	switch {
	case nullIDs && after == nil:
		query += " WHERE identity IS NULL ORDER BY line LIMIT $1"
	case nullIDs:
		query += " WHERE identity IS NULL AND line > $2::bigint ORDER BY line LIMIT $1"
		args = append(args, after.Line)
	case after == nil:
		query += " WHERE identity IS NOT NULL ORDER BY identity, line LIMIT $1"
	default:
		query += " WHERE identity IS NOT NULL AND (identity, line) > ($2::text, $3::bigint) ORDER BY identity, line LIMIT $1"
		args = append(args, after.Identity, after.Line)
	}

	rows, err := c.store.conn.QueryContext(ctx, query, append([]any{c.store.pageSize}, args...)...)
	if err != nil {
		return nil, c.classify(err)
	}

	defer func() {
		_ = rows.Close()
	}()

	page := make([]record.Record, 0, c.store.pageSize)

	for rows.Next() {
		var (
			rec      record.Record
			identity sql.NullString
			doc      []byte
		)

		if err := rows.Scan(&rec.Line, &identity, &doc); err != nil {
			return nil, c.classify(err)
		}

		fields, err := decodeFields(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %w", ErrDocumentStoreFailed, c.name, rec.Line, err)
		}

		delete(fields, record.LineKey)

		rec.Identity = identity.String
		rec.Fields = fields
		page = append(page, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}

	return page, nil
}

func (c *pgParsedCollection) AppendBatch(ctx context.Context, snapshots []record.Snapshot) (int, error) {
	rows := make([][]any, 0, len(snapshots))

	for _, snap := range snapshots {
		doc, err := json.Marshal(snap)
		if err != nil {
			return 0, fmt.Errorf("%w: identity %q: %w", ErrDocumentStoreFailed, snap.Identity, err)
		}

		rows = append(rows, []any{nullable(snap.Identity), string(doc)})
	}

	return c.copyIn(ctx, []string{IdentityKey, "doc"}, rows)
}

// Lookup returns the snapshot stored for identity.
func (c *pgParsedCollection) Lookup(ctx context.Context, identity string) (record.Snapshot, bool, error) {
	var doc []byte

	err := c.store.conn.QueryRowContext(ctx,
		"SELECT doc FROM "+c.qualified()+" WHERE identity IS NOT DISTINCT FROM $1",
		nullable(identity),
	).Scan(&doc)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return record.Snapshot{}, false, nil
	case err != nil:
		return record.Snapshot{}, false, c.classify(err)
	}

	snap, err := decodeSnapshot(identity, doc)
	if err != nil {
		return record.Snapshot{}, false, fmt.Errorf("%w: %s identity %q: %w", ErrDocumentStoreFailed, c.name, identity, err)
	}

	return snap, true, nil
}

func decodeFields(doc []byte) (record.Fields, error) {
	var fields record.Fields

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}

	return fields, nil
}

func decodeSnapshot(identity string, doc []byte) (record.Snapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return record.Snapshot{}, err
	}

	snap := record.Snapshot{Identity: identity, Current: record.Fields{}, History: []record.Fields{}}

	for key, value := range raw {
		if key == record.HistoryKey {
			var history []json.RawMessage
			if err := json.Unmarshal(value, &history); err != nil {
				return record.Snapshot{}, err
			}

			for _, h := range history {
				fields, err := decodeFields(h)
				if err != nil {
					return record.Snapshot{}, err
				}

				snap.History = append(snap.History, fields)
			}

			continue
		}

		var v any

		dec := json.NewDecoder(bytes.NewReader(value))
		dec.UseNumber()

		if err := dec.Decode(&v); err != nil {
			return record.Snapshot{}, err
		}

		snap.Current[key] = v
	}

	return snap, nil
}

// nullable stores an empty identity as NULL so that it stays out of the unique index.
func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
