package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/systmms/cfgsecrets/internal/sqldb"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
	"github.com/systmms/cfgsecrets/pkg/secretstore"
)

const defaultSecretsTable = "secrets"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LocalPersistence stores plaintext in a table of the instance database.
// Encryption at rest is the database's responsibility.
type LocalPersistence struct {
	name    string
	db      *sql.DB
	dialect sqldb.Dialect
	table   string
	timeout time.Duration
	now     func() time.Time
}

// LocalOption configures a LocalPersistence.
type LocalOption func(*LocalPersistence)

// WithDB injects an open database (for testing or connection sharing).
func WithDB(db *sql.DB, dialect sqldb.Dialect) LocalOption {
	return func(l *LocalPersistence) {
		l.db = db
		l.dialect = dialect
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) LocalOption {
	return func(l *LocalPersistence) {
		l.now = now
	}
}

// NewLocalPersistence creates a SQL-table backend.
//
// Settings: driver (postgres or mysql), dsn, table (default "secrets").
func NewLocalPersistence(name string, settings map[string]interface{}, opts ...LocalOption) (*LocalPersistence, error) {
	l := &LocalPersistence{
		name:    name,
		table:   stringSetting(settings, "table", defaultSecretsTable),
		timeout: timeoutSetting(settings),
		now:     time.Now,
	}
	if !tableNamePattern.MatchString(l.table) {
		return nil, fmt.Errorf("invalid table name %q", l.table)
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.db == nil {
		dsn, err := requireSetting(settings, "dsn", TypeLocal)
		if err != nil {
			return nil, err
		}
		ctx, cancel := withTimeout(context.Background(), l.timeout)
		defer cancel()
		db, dialect, err := sqldb.Open(ctx, stringSetting(settings, "driver", string(sqldb.Postgres)), dsn)
		if err != nil {
			return nil, err
		}
		l.db = db
		l.dialect = dialect
	}

	return l, nil
}

// NewLocalFactory creates a local SQL backend from settings.
func NewLocalFactory(name string, settings map[string]interface{}) (secretstore.SecretPersistence, error) {
	return NewLocalPersistence(name, settings)
}

// Name returns the storage name.
func (l *LocalPersistence) Name() string {
	return l.name
}

// Migrate creates the secrets table if it does not exist.
func (l *LocalPersistence) Migrate(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	coordinate VARCHAR(255) NOT NULL PRIMARY KEY,
	payload %s NOT NULL,
	created_at %s NOT NULL,
	updated_at %s NOT NULL
)`, l.table, l.dialect.TextType(), l.dialect.TimestampType(), l.dialect.TimestampType())

	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s table: %w", l.table, err)
	}
	return nil
}

// Read selects the payload stored at c.
func (l *LocalPersistence) Read(ctx context.Context, c coordinate.Coordinate) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	key := coordinate.Render(c)
	query := l.dialect.Rebind(fmt.Sprintf("SELECT payload FROM %s WHERE coordinate = ?", l.table))

	var payload string
	err := l.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, secretstore.NotFoundError{Store: l.name, Coordinate: key}
	}
	if err != nil {
		return nil, secretstore.Classify(l.name, "read", err)
	}
	return []byte(payload), nil
}

// Write upserts the payload for c.
func (l *LocalPersistence) Write(ctx context.Context, c coordinate.Coordinate, value []byte) error {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now().UTC()
	query := l.dialect.Upsert(l.table,
		[]string{"coordinate", "payload", "created_at", "updated_at"},
		"coordinate",
		[]string{"payload", "updated_at"},
	)
	if _, err := l.db.ExecContext(ctx, query, coordinate.Render(c), string(value), now, now); err != nil {
		return secretstore.Classify(l.name, "write", err)
	}
	return nil
}

// Delete removes the row for c.
func (l *LocalPersistence) Delete(ctx context.Context, c coordinate.Coordinate) error {
	ctx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	key := coordinate.Render(c)
	query := l.dialect.Rebind(fmt.Sprintf("DELETE FROM %s WHERE coordinate = ?", l.table))
	res, err := l.db.ExecContext(ctx, query, key)
	if err != nil {
		return secretstore.Classify(l.name, "delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return secretstore.NotFoundError{Store: l.name, Coordinate: key}
	}
	return nil
}

// Close closes the underlying database.
func (l *LocalPersistence) Close() error {
	return l.db.Close()
}
