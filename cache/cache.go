// Package cache is the durable, byte-budgeted key/value store the
// monitoring engine writes its snapshots to under a TTL.
//
// The database is the source of truth; an in-process LRU front-runs reads
// so a hot key doesn't round-trip through SQLite on every lookup, but every
// write still goes through to disk synchronously so the byte-budget
// invariant always holds against the durable store, not the memory layer.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nodeplane/fleetcore/domain"
	"github.com/nodeplane/fleetcore/infrastructure/errors"
	"github.com/nodeplane/fleetcore/infrastructure/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DefaultCleanupInterval matches spec's "a background task runs every 5
// minutes removing expired entries."
const DefaultCleanupInterval = 5 * time.Minute

// DefaultMemEntries bounds the in-process LRU front-run layer, independent
// of the durable byte budget.
const DefaultMemEntries = 1024

// Config configures a Store.
type Config struct {
	Path            string
	MaxSizeBytes    int64
	MemEntries      int
	CleanupInterval time.Duration
	Logger          *logging.Logger
}

// DefaultConfig returns sane defaults for a node-local cache file.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxSizeBytes:    64 * 1024 * 1024,
		MemEntries:      DefaultMemEntries,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// Store is the durable, LRU-evicted cache described in spec §4.G.
type Store struct {
	db     *sqlx.DB
	mem    *lru.Cache[string, domain.CacheEntry]
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New opens (creating if needed) the cache database at cfg.Path, applies
// migrations, and starts the background expiry sweep.
func New(cfg Config) (*Store, error) {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultConfig(cfg.Path).MaxSizeBytes
	}
	if cfg.MemEntries <= 0 {
		cfg.MemEntries = DefaultMemEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.ConfigurationError("failed to open cache database", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateSchema(db.DB, cfg.Path); err != nil {
		_ = db.Close()
		return nil, errors.ConfigurationError("failed to migrate cache schema", err)
	}

	mem, err := lru.New[string, domain.CacheEntry](cfg.MemEntries)
	if err != nil {
		_ = db.Close()
		return nil, errors.ConfigurationError("failed to create in-process cache layer", err)
	}

	s := &Store{
		db:     db,
		mem:    mem,
		cfg:    cfg,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s, nil
}

func migrateSchema(db *sql.DB, path string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close stops the cleanup loop and closes the underlying database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.db.Close()
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get returns the raw stored bytes for key, or ok=false on a miss or an
// expired entry (which is deleted as a side effect, per spec).
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	khash := hashKey(key)
	now := time.Now()

	if entry, ok := s.mem.Get(khash); ok {
		if entry.Expired(now) {
			s.mem.Remove(khash)
		} else {
			s.touch(ctx, khash, now)
			s.recordHit(ctx)
			return entry.Value, true, nil
		}
	}

	var row cacheRow
	err := s.db.GetContext(ctx, &row, `SELECT key, value, created_at, expires_at, access_count, last_accessed, size_bytes FROM entries WHERE key_hash = ?`, khash)
	if err == sql.ErrNoRows {
		s.recordMiss(ctx)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.ConnectionError("cache read failed", err)
	}

	entry := row.toDomain()
	if entry.Expired(now) {
		_ = s.deleteRow(ctx, khash)
		s.recordMiss(ctx)
		return nil, false, nil
	}

	s.touch(ctx, khash, now)
	s.mem.Add(khash, entry)
	s.recordHit(ctx)
	return entry.Value, true, nil
}

// GetValue decodes the MessagePack-encoded value stored under key into out.
func (s *Store) GetValue(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return false, errors.ConnectionError("cache value was not valid MessagePack", err)
	}
	return true, nil
}

// Set stores value under key with the given TTL (0 means no expiry) and
// tags, evicting LRU entries first if the write would exceed the byte
// budget.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	khash := hashKey(key)
	now := time.Now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}
	sizeBytes := int64(len(value))

	if err := s.evictForSpace(ctx, khash, sizeBytes); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.ConnectionError("cache write failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (key_hash, key, value, created_at, expires_at, access_count, last_accessed, size_bytes)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(key_hash) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			access_count = 0,
			last_accessed = excluded.last_accessed,
			size_bytes = excluded.size_bytes
	`, khash, key, value, now, expiresAt, now, sizeBytes)
	if err != nil {
		return errors.ConnectionError("cache write failed", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_tags WHERE key_hash = ?`, khash); err != nil {
		return errors.ConnectionError("cache tag write failed", err)
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO cache_tags (key_hash, tag) VALUES (?, ?)`, khash, tag); err != nil {
			return errors.ConnectionError("cache tag write failed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.ConnectionError("cache write failed", err)
	}

	s.mem.Add(khash, domain.CacheEntry{
		Key: key, Value: value, CreatedAt: now, ExpiresAt: expiresAt,
		LastAccessed: now, Tags: tags, SizeBytes: sizeBytes,
	})
	return nil
}

// SetValue MessagePack-encodes value and stores it under key.
func (s *Store) SetValue(ctx context.Context, key string, value interface{}, ttl time.Duration, tags []string) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return errors.ConfigurationError("failed to encode cache value", err)
	}
	return s.Set(ctx, key, raw, ttl, tags)
}

// Delete removes key, reporting whether it was present.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	khash := hashKey(key)
	s.mem.Remove(khash)
	return s.deleteRowReportingExistence(ctx, khash)
}

// Clear removes every entry carrying any of the given tags (or everything,
// if tags is empty), returning the number of rows removed.
func (s *Store) Clear(ctx context.Context, tags []string) (int64, error) {
	var hashes []string
	if len(tags) == 0 {
		if err := s.db.SelectContext(ctx, &hashes, `SELECT key_hash FROM entries`); err != nil {
			return 0, errors.ConnectionError("cache clear failed", err)
		}
	} else {
		query, args, err := sqlxIn(`SELECT DISTINCT key_hash FROM cache_tags WHERE tag IN (?)`, tags)
		if err != nil {
			return 0, errors.ConnectionError("cache clear failed", err)
		}
		if err := s.db.SelectContext(ctx, &hashes, query, args...); err != nil {
			return 0, errors.ConnectionError("cache clear failed", err)
		}
	}

	for _, h := range hashes {
		s.mem.Remove(h)
		if _, err := s.deleteRow(ctx, h); err != nil {
			return 0, err
		}
	}
	return int64(len(hashes)), nil
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// CleanupExpired removes every currently-expired row and returns the count
// removed. Called by the background loop every cfg.CleanupInterval, and
// exposed for callers that want to force a sweep (e.g. tests).
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hashes []string
	if err := s.db.SelectContext(ctx, &hashes, `SELECT key_hash FROM entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now()); err != nil {
		return 0, errors.ConnectionError("cache cleanup failed", err)
	}
	for _, h := range hashes {
		s.mem.Remove(h)
		if _, err := s.deleteRow(ctx, h); err != nil {
			return 0, err
		}
	}
	return int64(len(hashes)), nil
}

// Stats returns the current hit/miss/eviction counters plus a live
// size/entry count.
func (s *Store) Stats(ctx context.Context) (domain.CacheStats, error) {
	var stats domain.CacheStats
	var hits, misses, evictions int64
	err := s.db.QueryRowContext(ctx, `SELECT hits, misses, evictions FROM cache_stats WHERE id = 1`).Scan(&hits, &misses, &evictions)
	if err != nil {
		return stats, errors.ConnectionError("cache stats read failed", err)
	}

	var entries int64
	var size sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(size_bytes) FROM entries`).Scan(&entries, &size); err != nil {
		return stats, errors.ConnectionError("cache stats read failed", err)
	}

	stats.Hits = hits
	stats.Misses = misses
	stats.Evictions = evictions
	stats.Entries = entries
	stats.Size = size.Int64
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}

func (s *Store) touch(ctx context.Context, khash string, now time.Time) {
	_, _ = s.db.ExecContext(ctx, `UPDATE entries SET access_count = access_count + 1, last_accessed = ? WHERE key_hash = ?`, now, khash)
}

func (s *Store) recordHit(ctx context.Context) {
	_, _ = s.db.ExecContext(ctx, `UPDATE cache_stats SET hits = hits + 1 WHERE id = 1`)
}

func (s *Store) recordMiss(ctx context.Context) {
	_, _ = s.db.ExecContext(ctx, `UPDATE cache_stats SET misses = misses + 1 WHERE id = 1`)
}

func (s *Store) deleteRow(ctx context.Context, khash string) (bool, error) {
	return s.deleteRowReportingExistence(ctx, khash)
}

func (s *Store) deleteRowReportingExistence(ctx context.Context, khash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key_hash = ?`, khash)
	if err != nil {
		return false, errors.ConnectionError("cache delete failed", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_tags WHERE key_hash = ?`, khash); err != nil {
		return false, errors.ConnectionError("cache delete failed", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// evictForSpace removes entries in last-accessed ascending order until
// adding addSize bytes would no longer exceed cfg.MaxSizeBytes. Callers
// must hold s.mu.
func (s *Store) evictForSpace(ctx context.Context, skipHash string, addSize int64) error {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM entries WHERE key_hash != ?`, skipHash).Scan(&total); err != nil {
		return errors.ConnectionError("cache eviction check failed", err)
	}

	for total.Int64+addSize > s.cfg.MaxSizeBytes {
		var victim string
		var victimSize int64
		err := s.db.QueryRowContext(ctx, `SELECT key_hash, size_bytes FROM entries WHERE key_hash != ? ORDER BY last_accessed ASC LIMIT 1`, skipHash).Scan(&victim, &victimSize)
		if err == sql.ErrNoRows {
			break // nothing left to evict; the single new entry may itself exceed the budget
		}
		if err != nil {
			return errors.ConnectionError("cache eviction failed", err)
		}

		s.mem.Remove(victim)
		if _, err := s.deleteRow(ctx, victim); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE cache_stats SET evictions = evictions + 1 WHERE id = 1`); err != nil {
			return errors.ConnectionError("cache eviction failed", err)
		}
		total.Int64 -= victimSize
	}
	return nil
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := s.CleanupExpired(ctx)
			cancel()
			if s.logger != nil {
				if err != nil {
					s.logger.Error(context.Background(), "cache cleanup sweep failed", err, nil)
				} else if removed > 0 {
					s.logger.Info(context.Background(), "cache cleanup swept expired entries", map[string]interface{}{"removed": removed})
				}
			}
		}
	}
}

type cacheRow struct {
	Key          string       `db:"key"`
	Value        []byte       `db:"value"`
	CreatedAt    time.Time    `db:"created_at"`
	ExpiresAt    sql.NullTime `db:"expires_at"`
	AccessCount  int64        `db:"access_count"`
	LastAccessed time.Time    `db:"last_accessed"`
	SizeBytes    int64        `db:"size_bytes"`
}

func (r cacheRow) toDomain() domain.CacheEntry {
	entry := domain.CacheEntry{
		Key: r.Key, Value: r.Value, CreatedAt: r.CreatedAt,
		AccessCount: r.AccessCount, LastAccessed: r.LastAccessed, SizeBytes: r.SizeBytes,
	}
	if r.ExpiresAt.Valid {
		entry.ExpiresAt = &r.ExpiresAt.Time
	}
	return entry
}

// sqlxIn expands a "? IN (?)"-style slice argument into positional
// placeholders, since database/sql itself has no slice-binding support.
func sqlxIn(query string, args []string) (string, []interface{}, error) {
	placeholders := make([]string, len(args))
	vals := make([]interface{}, len(args))
	for i, a := range args {
		placeholders[i] = "?"
		vals[i] = a
	}
	return strings.Replace(query, "?)", strings.Join(placeholders, ",")+")", 1), vals, nil
}
