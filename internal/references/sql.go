package references

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/cfgsecrets/internal/sqldb"
)

// SQLStore keeps rows in PostgreSQL or MySQL.
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	now     func() time.Time
	newID   func() string
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) { s.now = now }
}

// WithIDGenerator overrides row id generation.
func WithIDGenerator(newID func() string) SQLOption {
	return func(s *SQLStore) { s.newID = newID }
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect sqldb.Dialect, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSQLStore connects to dsn with the named driver.
func OpenSQLStore(ctx context.Context, driver, dsn string, opts ...SQLOption) (*SQLStore, error) {
	db, dialect, err := sqldb.Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db, dialect, opts...), nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the reference tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	d := s.dialect
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS secret_storage (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	storage_type VARCHAR(64) NOT NULL,
	scope_type VARCHAR(32) NOT NULL,
	scope_id VARCHAR(255) NOT NULL,
	read_only %s NOT NULL,
	descriptor %s NOT NULL,
	created_at %s NOT NULL
)`, d.BoolType(), d.TextType(), d.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS secret_config (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	scope_type VARCHAR(32) NOT NULL,
	scope_id VARCHAR(255) NOT NULL,
	storage_id VARCHAR(64) NOT NULL,
	coordinate VARCHAR(255) NOT NULL,
	version BIGINT NOT NULL,
	airbyte_managed %s NOT NULL,
	created_at %s NOT NULL,
	updated_at %s NOT NULL,
	UNIQUE (coordinate, version)
)`, d.BoolType(), d.TimestampType(), d.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS secret_reference (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	owner_id VARCHAR(255) NOT NULL,
	path VARCHAR(512) NOT NULL,
	secret_config_id VARCHAR(64) NOT NULL,
	active %s NOT NULL,
	created_at %s NOT NULL,
	retired_at %s NULL
)`, d.BoolType(), d.TimestampType(), d.TimestampType()),
		"CREATE INDEX secret_reference_owner_idx ON secret_reference (owner_id, active)",
	}
	if d == sqldb.Postgres {
		statements[3] = "CREATE INDEX IF NOT EXISTS secret_reference_owner_idx ON secret_reference (owner_id, active)"
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if d == sqldb.MySQL && isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("migrate reference tables: %w", err)
		}
	}
	return nil
}

// MySQL has no CREATE INDEX IF NOT EXISTS; error 1061 means it exists.
func isDuplicateIndex(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "Error 1061") || strings.Contains(err.Error(), "Duplicate key name"))
}

// Commit implements Store.
func (s *SQLStore) Commit(ctx context.Context, c Commit) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().UTC()

	for _, cfg := range c.NewConfigs {
		if cfg.Version > 1 {
			latest, ok, err := s.latestVersion(ctx, tx, cfg.Coordinate)
			if err != nil {
				return err
			}
			if ok && latest >= cfg.Version {
				return StateConflictError{Base: cfg.Coordinate, Requested: cfg.Version, Latest: latest}
			}
		}
		if cfg.ID == "" {
			cfg.ID = s.newID()
		}
		cfg = fillConfig(cfg, c, now)
		if err := s.insertConfig(ctx, tx, cfg); err != nil {
			return err
		}
	}

	active, err := s.activeByPath(ctx, tx, c.OwnerID)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Paths))
	for _, pc := range c.Paths {
		seen[pc.Path] = true
		base, version := coordKey(pc.Coordinate)

		configID, err := s.configID(ctx, tx, base, version)
		if errors.Is(err, ErrNotFound) {
			cfg := backfillConfig(pc.Coordinate, c, now)
			cfg.ID = s.newID()
			if err := s.insertConfig(ctx, tx, cfg); err != nil {
				return err
			}
			configID = cfg.ID
		} else if err != nil {
			return err
		}

		if ref, ok := active[pc.Path]; ok {
			if ref.SecretConfigID == configID {
				continue
			}
			if err := s.retire(ctx, tx, ref.ID, now); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, s.dialect.Rebind(
			"INSERT INTO secret_reference (id, owner_id, path, secret_config_id, active, created_at) VALUES (?, ?, ?, ?, ?, ?)"),
			s.newID(), c.OwnerID, pc.Path, configID, true, now)
		if err != nil {
			return fmt.Errorf("insert secret reference for %s: %w", pc.Path, err)
		}
	}

	stale := make([]string, 0)
	for path := range active {
		if !seen[path] {
			stale = append(stale, path)
		}
	}
	sort.Strings(stale)
	for _, path := range stale {
		if err := s.retire(ctx, tx, active[path].ID, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) insertConfig(ctx context.Context, tx *sql.Tx, cfg SecretConfig) error {
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(
		"INSERT INTO secret_config (id, scope_type, scope_id, storage_id, coordinate, version, airbyte_managed, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		cfg.ID, string(cfg.ScopeType), cfg.ScopeID, cfg.StorageID, cfg.Coordinate, int64(cfg.Version), cfg.AirbyteManaged, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert secret config %s: %w", cfg.FullCoordinate(), err)
	}
	return nil
}

func (s *SQLStore) retire(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(
		"UPDATE secret_reference SET active = ?, retired_at = ? WHERE id = ?"), false, now, id)
	if err != nil {
		return fmt.Errorf("retire secret reference %s: %w", id, err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLStore) latestVersion(ctx context.Context, q queryer, base string) (uint64, bool, error) {
	var latest sql.NullInt64
	err := q.QueryRowContext(ctx, s.dialect.Rebind(
		"SELECT MAX(version) FROM secret_config WHERE coordinate = ? AND airbyte_managed = ?"), base, true).Scan(&latest)
	if err != nil {
		return 0, false, fmt.Errorf("query latest version of %s: %w", base, err)
	}
	if !latest.Valid {
		return 0, false, nil
	}
	return uint64(latest.Int64), true, nil
}

func (s *SQLStore) configID(ctx context.Context, q queryer, base string, version uint64) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, s.dialect.Rebind(
		"SELECT id FROM secret_config WHERE coordinate = ? AND version = ?"), base, int64(version)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query secret config %s: %w", base, err)
	}
	return id, nil
}

func (s *SQLStore) activeByPath(ctx context.Context, q queryer, ownerID string) (map[string]SecretReference, error) {
	refs, err := s.queryReferences(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]SecretReference, len(refs))
	for _, r := range refs {
		out[r.Path] = r
	}
	return out, nil
}

func (s *SQLStore) queryReferences(ctx context.Context, q queryer, ownerID string) ([]SecretReference, error) {
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(
		"SELECT id, owner_id, path, secret_config_id, active, created_at, retired_at FROM secret_reference WHERE owner_id = ? AND active = ? ORDER BY path"),
		ownerID, true)
	if err != nil {
		return nil, fmt.Errorf("query secret references: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SecretReference
	for rows.Next() {
		var (
			r       SecretReference
			retired sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Path, &r.SecretConfigID, &r.Active, &r.CreatedAt, &retired); err != nil {
			return nil, fmt.Errorf("scan secret reference: %w", err)
		}
		if retired.Valid {
			t := retired.Time
			r.RetiredAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveReferences implements Store.
func (s *SQLStore) ActiveReferences(ctx context.Context, ownerID string) ([]SecretReference, error) {
	return s.queryReferences(ctx, s.db, ownerID)
}

// SecretConfigByCoordinate implements Store.
func (s *SQLStore) SecretConfigByCoordinate(ctx context.Context, base string, version uint64) (SecretConfig, error) {
	var (
		cfg       SecretConfig
		scopeType string
		v         int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		"SELECT id, scope_type, scope_id, storage_id, coordinate, version, airbyte_managed, created_at, updated_at FROM secret_config WHERE coordinate = ? AND version = ?"),
		base, int64(version)).Scan(&cfg.ID, &scopeType, &cfg.ScopeID, &cfg.StorageID, &cfg.Coordinate, &v, &cfg.AirbyteManaged, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SecretConfig{}, ErrNotFound
	}
	if err != nil {
		return SecretConfig{}, fmt.Errorf("query secret config %s: %w", base, err)
	}
	cfg.ScopeType = ScopeType(scopeType)
	cfg.Version = uint64(v)
	return cfg, nil
}

// LatestVersion implements Store.
func (s *SQLStore) LatestVersion(ctx context.Context, base string) (uint64, bool, error) {
	return s.latestVersion(ctx, s.db, base)
}

// SaveStorage implements Store.
func (s *SQLStore) SaveStorage(ctx context.Context, st SecretStorage) error {
	if st.ID == "" {
		st.ID = s.newID()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now().UTC()
	}
	descriptor := st.Descriptor
	if descriptor == nil {
		descriptor = map[string]interface{}{}
	}
	raw, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("encode storage descriptor: %w", err)
	}

	query := s.dialect.Upsert("secret_storage",
		[]string{"id", "name", "storage_type", "scope_type", "scope_id", "read_only", "descriptor", "created_at"},
		"id",
		[]string{"name", "storage_type", "scope_type", "scope_id", "read_only", "descriptor"},
	)
	_, err = s.db.ExecContext(ctx, query, st.ID, st.Name, st.Type, string(st.ScopeType), st.ScopeID, st.ReadOnly, string(raw), st.CreatedAt)
	if err != nil {
		return fmt.Errorf("save secret storage %s: %w", st.Name, err)
	}
	return nil
}

const storageColumns = "id, name, storage_type, scope_type, scope_id, read_only, descriptor, created_at"

// StorageForScope implements Store.
func (s *SQLStore) StorageForScope(ctx context.Context, scopeType ScopeType, scopeID string) ([]SecretStorage, error) {
	return s.queryStorages(ctx,
		"SELECT "+storageColumns+" FROM secret_storage WHERE scope_type = ? AND scope_id = ? ORDER BY created_at, id",
		string(scopeType), scopeID)
}

// ListStorages implements Store.
func (s *SQLStore) ListStorages(ctx context.Context) ([]SecretStorage, error) {
	return s.queryStorages(ctx, "SELECT "+storageColumns+" FROM secret_storage ORDER BY created_at, id")
}

func (s *SQLStore) queryStorages(ctx context.Context, query string, args ...interface{}) ([]SecretStorage, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query secret storages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SecretStorage
	for rows.Next() {
		var (
			st        SecretStorage
			scopeType string
			raw       string
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.Type, &scopeType, &st.ScopeID, &st.ReadOnly, &raw, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan secret storage: %w", err)
		}
		st.ScopeType = ScopeType(scopeType)
		if err := json.Unmarshal([]byte(raw), &st.Descriptor); err != nil {
			return nil, fmt.Errorf("decode descriptor of storage %s: %w", st.ID, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
