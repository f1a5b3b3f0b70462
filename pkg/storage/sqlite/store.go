// Package sqlite provides the bundled adapter.Adapter implementation: a
// single-file document store with a schema catalog, a small predicate
// language, and live observations fed from the write path.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

// Options tunes the store and its serializer.
type Options struct {
	JournalMode  string
	Synchronous  string
	MaxDepth     int
	MaxListItems int
}

func (o *Options) applyDefaults() {
	if o.JournalMode == "" {
		o.JournalMode = "WAL"
	}
	if o.Synchronous == "" {
		o.Synchronous = "NORMAL"
	}
	if o.MaxDepth == 0 {
		o.MaxDepth = 3
	}
	if o.MaxListItems == 0 {
		o.MaxListItems = 100
	}
}

// Store owns the SQLite database and the observation registry.
type Store struct {
	db       *sql.DB
	path     string
	inMemory bool
	opts     Options

	obsMu     sync.Mutex
	nextObsID int64
	observers map[int64]*observer
}

// Open initializes a store at path.
func Open(path string, opts Options) (*Store, error) {
	opts.applyDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path, opts: opts, observers: make(map[int64]*observer)}, nil
}

// OpenInMemory initializes a transient store.
func OpenInMemory(opts Options) (*Store, error) {
	opts.applyDefaults()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// database/sql pools connections; a second connection would see a
	// different empty in-memory database.
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: ":memory:", inMemory: true, opts: opts, observers: make(map[int64]*observer)}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the underlying database file path.
func (s *Store) Path() string { return s.path }

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		fmt.Sprintf("PRAGMA journal_mode = %s;", s.opts.JournalMode),
		fmt.Sprintf("PRAGMA synchronous = %s;", s.opts.Synchronous),
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			primary_key TEXT,
			is_embedded INTEGER NOT NULL DEFAULT 0,
			properties TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
			pk TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, pk)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// DefineCollection registers or replaces a collection schema.
func (s *Store) DefineCollection(ctx context.Context, schema adapter.SchemaInfo) error {
	props, err := json.Marshal(schema.Properties)
	if err != nil {
		return err
	}
	embedded := 0
	if schema.IsEmbedded {
		embedded = 1
	}
	// An upsert rather than INSERT OR REPLACE: replacing the row would
	// cascade-delete the collection's documents.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collections(name, primary_key, is_embedded, properties) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET primary_key = excluded.primary_key,
		 is_embedded = excluded.is_embedded, properties = excluded.properties`,
		schema.Name, schema.PrimaryKey, embedded, string(props))
	return err
}

// Info implements adapter.Adapter.
func (s *Store) Info(ctx context.Context) (adapter.Info, error) {
	var version uint64 = 1
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schemaVersion'`).Scan(&raw); err == nil {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			version = v
		}
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return adapter.Info{}, err
	}
	info := adapter.Info{
		Path:          s.path,
		SchemaVersion: version,
		ObjectCount:   count,
		IsInMemory:    s.inMemory,
	}
	if !s.inMemory {
		if st, err := os.Stat(s.path); err == nil {
			size := st.Size()
			info.FileSize = &size
		}
	}
	return info, nil
}

// ListSchemas implements adapter.Adapter.
func (s *Store) ListSchemas(ctx context.Context) ([]adapter.SchemaInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, primary_key, is_embedded, properties FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var schemas []adapter.SchemaInfo
	for rows.Next() {
		schema, err := scanSchema(rows)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, rows.Err()
}

func scanSchema(rows *sql.Rows) (adapter.SchemaInfo, error) {
	var (
		name     string
		pk       sql.NullString
		embedded int
		props    string
	)
	if err := rows.Scan(&name, &pk, &embedded, &props); err != nil {
		return adapter.SchemaInfo{}, err
	}
	schema := adapter.SchemaInfo{Name: name, PrimaryKey: pk.String, IsEmbedded: embedded != 0}
	if err := json.Unmarshal([]byte(props), &schema.Properties); err != nil {
		return adapter.SchemaInfo{}, fmt.Errorf("decode properties of %s: %w", name, err)
	}
	return schema, nil
}

// GetSchema implements adapter.Adapter; nil means unknown type.
func (s *Store) GetSchema(ctx context.Context, typeName string) (*adapter.SchemaInfo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT primary_key, is_embedded, properties FROM collections WHERE name = ?`, typeName)
	var (
		pk       sql.NullString
		embedded int
		props    string
	)
	if err := row.Scan(&pk, &embedded, &props); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	schema := adapter.SchemaInfo{Name: typeName, PrimaryKey: pk.String, IsEmbedded: embedded != 0}
	if err := json.Unmarshal([]byte(props), &schema.Properties); err != nil {
		return nil, err
	}
	return &schema, nil
}

func (s *Store) requireSchema(ctx context.Context, typeName string) (*adapter.SchemaInfo, error) {
	schema, err := s.GetSchema(ctx, typeName)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, adapter.ErrUnknownType(typeName)
	}
	return schema, nil
}

// docRow is one stored document plus its raw body for cheap change
// comparison.
type docRow struct {
	pk   string
	raw  string
	body map[string]wire.Value
}

func (s *Store) loadCollection(ctx context.Context, typeName string) ([]docRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pk, body FROM documents WHERE collection = ? ORDER BY pk`, typeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []docRow
	for rows.Next() {
		var pk, raw string
		if err := rows.Scan(&pk, &raw); err != nil {
			return nil, err
		}
		var val wire.Value
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			return nil, fmt.Errorf("decode document %s/%s: %w", typeName, pk, err)
		}
		body, ok := val.AsMap()
		if !ok {
			return nil, fmt.Errorf("document %s/%s is not an object", typeName, pk)
		}
		docs = append(docs, docRow{pk: pk, raw: raw, body: body})
	}
	return docs, rows.Err()
}

// Count implements adapter.Adapter.
func (s *Store) Count(ctx context.Context, typeName, filter string) (int64, error) {
	if _, err := s.requireSchema(ctx, typeName); err != nil {
		return 0, err
	}
	pred, err := parseFilter(filter)
	if err != nil {
		return 0, err
	}
	if pred == nil {
		var count int64
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, typeName).Scan(&count)
		return count, err
	}
	docs, err := s.loadCollection(ctx, typeName)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, doc := range docs {
		if pred.matches(doc.body) {
			count++
		}
	}
	return count, nil
}

// Query implements adapter.Adapter.
func (s *Store) Query(ctx context.Context, params adapter.QueryParams) (adapter.QueryResult, error) {
	schema, err := s.requireSchema(ctx, params.TypeName)
	if err != nil {
		return adapter.QueryResult{}, err
	}
	pred, err := parseFilter(params.Filter)
	if err != nil {
		return adapter.QueryResult{}, err
	}
	docs, err := s.loadCollection(ctx, params.TypeName)
	if err != nil {
		return adapter.QueryResult{}, err
	}
	filtered := docs[:0:0]
	for _, doc := range docs {
		if pred == nil || pred.matches(doc.body) {
			filtered = append(filtered, doc)
		}
	}
	if params.SortKeyPath != "" {
		sortDocs(filtered, params.SortKeyPath, params.Ascending)
	}

	total := int64(len(filtered))
	skip := params.Skip
	if skip < 0 {
		skip = 0
	}
	limit := params.Limit
	if limit < 0 {
		limit = 0
	}
	start := skip
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	page := filtered[start:end]

	serialized := make([]wire.Value, 0, len(page))
	for _, doc := range page {
		serialized = append(serialized, s.serializeDoc(ctx, schema, doc.body, 0))
	}
	return adapter.QueryResult{
		Documents:  serialized,
		TotalCount: total,
		Skip:       skip,
		Limit:      limit,
		HasMore:    skip+int64(len(page)) < total,
	}, nil
}

func sortDocs(docs []docRow, keyPath string, ascending bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, aok := lookupKeyPath(docs[i].body, keyPath)
		b, bok := lookupKeyPath(docs[j].body, keyPath)
		if !aok || !bok {
			// Documents carrying the sort key order before those without.
			return aok && !bok
		}
		less := valueLess(a, b)
		if ascending {
			return less
		}
		return valueLess(b, a)
	})
}

func valueLess(a, b wire.Value) bool {
	if af, ok := a.AsFloat64(); ok {
		if bf, ok := b.AsFloat64(); ok {
			return af < bf
		}
	}
	if at, ok := a.AsDate(); ok {
		if bt, ok := b.AsDate(); ok {
			return at.Before(bt)
		}
	}
	if ab, ok := a.AsBool(); ok {
		if bb, ok := b.AsBool(); ok {
			return !ab && bb
		}
	}
	as, ok1 := stringOf(a)
	bs, ok2 := stringOf(b)
	if ok1 && ok2 {
		return as < bs
	}
	return false
}

// keyString normalizes a primary key value to its row key form.
func keyString(v wire.Value) (string, error) {
	if s, ok := stringOf(v); ok {
		return s, nil
	}
	if i, ok := v.AsInt64(); ok {
		return strconv.FormatInt(i, 10), nil
	}
	if f, ok := v.AsFloat64(); ok {
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
	return "", adapter.Errf(adapter.InvalidPrimaryKey, "Invalid primary key: unsupported value")
}

// Get implements adapter.Adapter.
func (s *Store) Get(ctx context.Context, typeName string, primaryKey wire.Value) (wire.Value, bool, error) {
	schema, err := s.requireSchema(ctx, typeName)
	if err != nil {
		return wire.Value{}, false, err
	}
	key, err := keyString(primaryKey)
	if err != nil {
		return wire.Value{}, false, err
	}
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND pk = ?`, typeName, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Value{}, false, nil
	}
	if err != nil {
		return wire.Value{}, false, err
	}
	var val wire.Value
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		return wire.Value{}, false, err
	}
	body, _ := val.AsMap()
	return s.serializeDoc(ctx, schema, body, 0), true, nil
}

// Create implements adapter.Adapter.
func (s *Store) Create(ctx context.Context, typeName string, data map[string]wire.Value) (wire.Value, error) {
	schema, err := s.requireSchema(ctx, typeName)
	if err != nil {
		return wire.Value{}, err
	}
	body := make(map[string]wire.Value, len(data))
	for k, v := range data {
		body[k] = v
	}

	var key string
	if schema.PrimaryKey != "" {
		if v, ok := body[schema.PrimaryKey]; ok {
			key, err = keyString(v)
			if err != nil {
				return wire.Value{}, err
			}
		} else {
			key = uuid.NewString()
			body[schema.PrimaryKey] = wire.String(key)
		}
	} else {
		key = uuid.NewString()
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ? AND pk = ?`, typeName, key).Scan(&exists); err != nil {
		return wire.Value{}, err
	}
	if exists > 0 {
		return wire.Value{}, adapter.Errf(adapter.AlreadyExists, "Object with primary key '%s' already exists in '%s'", key, typeName)
	}

	pre := s.captureBaseline(ctx, typeName)
	raw, err := json.Marshal(wire.Object(body))
	if err != nil {
		return wire.Value{}, adapter.Errf(adapter.WriteFailed, "Write failed: %v", err)
	}
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(collection, pk, body, created_at, updated_at) VALUES(?,?,?,?,?)`,
		typeName, key, string(raw), now, now); err != nil {
		return wire.Value{}, adapter.Errf(adapter.WriteFailed, "Write failed: %v", err)
	}
	s.publishChanges(ctx, typeName, schema, pre)
	return s.serializeDoc(ctx, schema, body, 0), nil
}

// Update implements adapter.Adapter.
func (s *Store) Update(ctx context.Context, typeName string, primaryKey wire.Value, changes map[string]wire.Value) (wire.Value, error) {
	schema, err := s.requireSchema(ctx, typeName)
	if err != nil {
		return wire.Value{}, err
	}
	key, err := keyString(primaryKey)
	if err != nil {
		return wire.Value{}, err
	}
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND pk = ?`, typeName, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Value{}, adapter.Errf(adapter.NotFound, "Object with primary key '%s' not found in '%s'", key, typeName)
	}
	if err != nil {
		return wire.Value{}, err
	}
	var val wire.Value
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		return wire.Value{}, err
	}
	body, _ := val.AsMap()
	merged := make(map[string]wire.Value, len(body)+len(changes))
	for k, v := range body {
		merged[k] = v
	}
	for k, v := range changes {
		if len(schema.Properties) > 0 && schema.Property(k) == nil {
			return wire.Value{}, adapter.Errf(adapter.PropertyNotFound, "Property '%s' not found on type '%s'", k, typeName)
		}
		if k == schema.PrimaryKey {
			return wire.Value{}, adapter.Errf(adapter.WriteFailed, "Write failed: primary key is immutable")
		}
		merged[k] = v
	}

	pre := s.captureBaseline(ctx, typeName)
	encoded, err := json.Marshal(wire.Object(merged))
	if err != nil {
		return wire.Value{}, adapter.Errf(adapter.WriteFailed, "Write failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE documents SET body = ?, updated_at = ? WHERE collection = ? AND pk = ?`,
		string(encoded), time.Now().UnixMilli(), typeName, key); err != nil {
		return wire.Value{}, adapter.Errf(adapter.WriteFailed, "Write failed: %v", err)
	}
	s.publishChanges(ctx, typeName, schema, pre)
	return s.serializeDoc(ctx, schema, merged, 0), nil
}

// Delete implements adapter.Adapter.
func (s *Store) Delete(ctx context.Context, typeName string, primaryKey wire.Value) (bool, error) {
	schema, err := s.requireSchema(ctx, typeName)
	if err != nil {
		return false, err
	}
	key, err := keyString(primaryKey)
	if err != nil {
		return false, err
	}
	pre := s.captureBaseline(ctx, typeName)
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND pk = ?`, typeName, key)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, adapter.Errf(adapter.NotFound, "Object with primary key '%s' not found in '%s'", key, typeName)
	}
	s.publishChanges(ctx, typeName, schema, pre)
	return true, nil
}

// DeleteAllIn implements adapter.Adapter.
func (s *Store) DeleteAllIn(ctx context.Context, typeName string) (int64, error) {
	schema, err := s.requireSchema(ctx, typeName)
	if err != nil {
		return 0, err
	}
	pre := s.captureBaseline(ctx, typeName)
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, typeName)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.publishChanges(ctx, typeName, schema, pre)
	return affected, nil
}

// DeleteAll implements adapter.Adapter.
func (s *Store) DeleteAll(ctx context.Context) (adapter.PurgeResult, error) {
	schemas, err := s.ListSchemas(ctx)
	if err != nil {
		return adapter.PurgeResult{}, err
	}
	result := adapter.PurgeResult{Collections: make([]string, 0, len(schemas))}
	for i := range schemas {
		deleted, err := s.DeleteAllIn(ctx, schemas[i].Name)
		if err != nil {
			return adapter.PurgeResult{}, err
		}
		result.CollectionsCleared++
		result.TotalDeleted += deleted
		result.Collections = append(result.Collections, schemas[i].Name)
	}
	return result, nil
}
