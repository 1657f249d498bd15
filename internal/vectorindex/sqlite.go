package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"hcsr/internal/domain"
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

type collectionState struct {
	dim    int
	metric Metric
	idx    *collectionIndex
}

// SQLiteAdapter implements Adapter backed by modernc.org/sqlite: one table
// per named collection, embeddings stored as little-endian float32 blobs,
// an in-memory collectionIndex caching each collection's vectors. Grounded
// on the teacher's vector.Store, generalized from one fixed table to N
// named collections.
type SQLiteAdapter struct {
	db     *sql.DB
	log    *slog.Logger
	dbPath string

	mu          sync.RWMutex
	collections map[string]*collectionState
}

// Open creates (or opens) a SQLite database at dbPath and returns a ready
// SQLiteAdapter with no collections registered; call CreateCollection for
// each collection HCSR needs.
func Open(dbPath string, log *slog.Logger) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, vecErr("Open", "open db", err)
	}

	db.SetMaxOpenConns(1) // single-writer, matches SQLite's concurrency model

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, vecErr("Open", "pragma", err)
		}
	}

	return &SQLiteAdapter{
		db:          db,
		log:         log,
		dbPath:      dbPath,
		collections: make(map[string]*collectionState),
	}, nil
}

func (s *SQLiteAdapter) Close() error { return s.db.Close() }

func (s *SQLiteAdapter) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.NewSubSystemError("vectorindex", "Ping", domain.ErrTransient, err.Error())
	}
	return nil
}

func tableName(collection string) string { return "coll_" + collection }

// CreateCollection is idempotent, per spec §4.A.
func (s *SQLiteAdapter) CreateCollection(ctx context.Context, name string, dim int, metric Metric) error {
	if !collectionNamePattern.MatchString(name) {
		return domain.NewDomainError("CreateCollection", domain.ErrValidation, "illegal collection name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[name]; exists {
		return nil
	}

	tbl := tableName(name)
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			vector     BLOB,
			payload    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);
	`, tbl)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return vecErr("CreateCollection", "create table", err)
	}

	s.collections[name] = &collectionState{dim: dim, metric: metric, idx: newCollectionIndex(metric)}
	return nil
}

func (s *SQLiteAdapter) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !collectionNamePattern.MatchString(name) {
		return domain.NewDomainError("DeleteCollection", domain.ErrValidation, "illegal collection name")
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tableName(name))); err != nil {
		return vecErr("DeleteCollection", "drop table", err)
	}
	delete(s.collections, name)
	return nil
}

func (s *SQLiteAdapter) state(name string) (*collectionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.collections[name]
	if !ok {
		return nil, domain.NewSubSystemError("vectorindex", "collection", domain.ErrNotFound, name)
	}
	return st, nil
}

// Upsert implements Adapter, spec §4.A.
func (s *SQLiteAdapter) Upsert(ctx context.Context, name string, points []Point) error {
	st, err := s.state(name)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	tbl := tableName(name)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vecErr("Upsert", "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, vector, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			vector     = excluded.vector,
			payload    = excluded.payload,
			created_at = excluded.created_at
	`, tbl)
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return vecErr("Upsert", "prepare", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, p := range points {
		if len(p.Vector) != st.dim {
			return domain.NewDomainError("Upsert", domain.ErrValidation, fmt.Sprintf("vector length %d != collection dim %d", len(p.Vector), st.dim))
		}
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return vecErr("Upsert", "marshal payload", err)
		}
		createdAt := now
		if ts, ok := p.Payload["created_at"].(string); ok && ts != "" {
			createdAt = ts
		}
		if _, err := stmt.ExecContext(ctx, p.ID, float32ToBytes(p.Vector), string(payloadJSON), createdAt); err != nil {
			return vecErr("Upsert", fmt.Sprintf("upsert %q", p.ID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return vecErr("Upsert", "commit", err)
	}

	if st.idx.isLoaded() {
		for _, p := range points {
			st.idx.put(p.ID, p.Vector, p.Payload)
		}
	}
	return nil
}

// Search implements Adapter, spec §4.A: ordered by score descending,
// entries below scoreThreshold omitted.
func (s *SQLiteAdapter) Search(ctx context.Context, name string, queryVector []float32, limit int, filter *Filter, scoreThreshold float32) ([]ScoredPoint, error) {
	st, err := s.state(name)
	if err != nil {
		return nil, err
	}

	if !st.idx.isLoaded() {
		if err := st.idx.loadFromDB(ctx, s, name); err != nil {
			return nil, vecErr("Search", "load index", err)
		}
	}

	match := filterMatcher(filter)
	return st.idx.search(queryVector, limit, scoreThreshold, match), nil
}

// MetadataKeyPrefix marks a Filter.Equals key as addressing a field nested
// under payload["metadata"] rather than a top-level payload field — callers
// that stamp fixed fields (tier, created_at, agent_id, session_id,
// token_count) alongside caller-supplied metadata use this prefix so a
// metadata key can never collide with a fixed field name.
const MetadataKeyPrefix = "metadata."

func filterMatcher(f *Filter) func(map[string]any) bool {
	if f == nil {
		return nil
	}
	return func(payload map[string]any) bool {
		for k, want := range f.Equals {
			if mk, ok := strings.CutPrefix(k, MetadataKeyPrefix); ok {
				meta, ok := payload["metadata"].(map[string]any)
				if !ok {
					return false
				}
				got, ok := meta[mk]
				if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
					return false
				}
				continue
			}
			if got, ok := payload[k]; !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		}
		if f.CreatedAfter != nil || f.CreatedBefore != nil {
			ts, ok := payload["created_at"].(string)
			if !ok {
				return false
			}
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return false
			}
			if f.CreatedAfter != nil && t.Before(*f.CreatedAfter) {
				return false
			}
			if f.CreatedBefore != nil && t.After(*f.CreatedBefore) {
				return false
			}
		}
		return true
	}
}

// Get implements Adapter.
func (s *SQLiteAdapter) Get(ctx context.Context, name string, id string) (*Point, bool, error) {
	if _, err := s.state(name); err != nil {
		return nil, false, err
	}
	tbl := tableName(name)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT vector, payload FROM %s WHERE id = ?", tbl), id)

	var vecBlob []byte
	var payloadJSON string
	if err := row.Scan(&vecBlob, &payloadJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, vecErr("Get", "scan", err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, false, vecErr("Get", "unmarshal payload", err)
	}

	return &Point{ID: id, Vector: bytesToFloat32(vecBlob), Payload: payload}, true, nil
}

// Delete implements Adapter.
func (s *SQLiteAdapter) Delete(ctx context.Context, name string, ids []string) error {
	st, err := s.state(name)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	tbl := tableName(name)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vecErr("Delete", "begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", tbl))
	if err != nil {
		return vecErr("Delete", "prepare", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return vecErr("Delete", fmt.Sprintf("delete %q", id), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return vecErr("Delete", "commit", err)
	}

	for _, id := range ids {
		st.idx.remove(id)
	}
	return nil
}

// DeleteByFilter removes every point matching filter; used by the
// janitor's TTL sweep (spec §4.I).
func (s *SQLiteAdapter) DeleteByFilter(ctx context.Context, name string, filter Filter) (int, error) {
	st, err := s.state(name)
	if err != nil {
		return 0, err
	}
	if !st.idx.isLoaded() {
		if err := st.idx.loadFromDB(ctx, s, name); err != nil {
			return 0, vecErr("DeleteByFilter", "load index", err)
		}
	}

	match := filterMatcher(&filter)
	var toDelete []string
	for id, e := range st.idx.snapshot() {
		if match(e.payload) {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := s.Delete(ctx, name, toDelete); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}

// scanAll loads every row of a collection table into an in-memory entry
// map, used by collectionIndex.loadFromDB.
func (s *SQLiteAdapter) scanAll(ctx context.Context, collection string) (map[string]vecEntry, error) {
	tbl := tableName(collection)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT id, vector, payload FROM %s", tbl))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make(map[string]vecEntry)
	for rows.Next() {
		var id, payloadJSON string
		var vecBlob []byte
		if err := rows.Scan(&id, &vecBlob, &payloadJSON); err != nil {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			if s.log != nil {
				s.log.Warn("vectorindex: corrupt payload JSON", "collection", collection, "id", id, "error", err)
			}
			continue
		}
		entries[id] = vecEntry{payload: payload, vector: bytesToFloat32(vecBlob)}
	}
	return entries, rows.Err()
}

func vecErr(op, detail string, err error) error {
	return domain.NewSubSystemError("vectorindex", op, domain.ErrVectorIndex, fmt.Sprintf("%s: %v", detail, err))
}

var _ Adapter = (*SQLiteAdapter)(nil)
