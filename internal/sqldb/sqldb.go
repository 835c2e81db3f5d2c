// Package sqldb opens the relational databases used for the local secret
// table and the reference store, and hides the placeholder and upsert
// differences between PostgreSQL and MySQL.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"              // PostgreSQL
)

// Dialect is a supported SQL flavour.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

var driverMap = map[string]Dialect{
	"postgres":   Postgres,
	"postgresql": Postgres,
	"pq":         Postgres,
	"mysql":      MySQL,
	"mariadb":    MySQL,
}

// ParseDialect maps a driver name from configuration to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	d, ok := driverMap[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unsupported database driver: %q (supported: postgres, mysql)", name)
	}
	return d, nil
}

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	return string(d)
}

// Rebind rewrites "?" placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Upsert returns an insert statement for table that overwrites the update
// columns when a row with the same key already exists.
func (d Dialect) Upsert(table string, columns []string, key string, update []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)

	sets := make([]string, 0, len(update))
	switch d {
	case MySQL:
		for _, c := range update {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		}
		q += " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	default:
		for _, c := range update {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
		q += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
	}
	return d.Rebind(q)
}

// BoolType returns the column type used for booleans.
func (d Dialect) BoolType() string {
	if d == MySQL {
		return "TINYINT(1)"
	}
	return "BOOLEAN"
}

// TimestampType returns the column type used for timestamps.
func (d Dialect) TimestampType() string {
	if d == MySQL {
		return "DATETIME(6)"
	}
	return "TIMESTAMPTZ"
}

// TextType returns the column type used for unbounded text.
func (d Dialect) TextType() string {
	if d == MySQL {
		return "LONGTEXT"
	}
	return "TEXT"
}

// PrepareDSN applies the connection options the stores rely on. MySQL DSNs
// always get parseTime so DATETIME columns scan into time.Time.
func PrepareDSN(d Dialect, dsn string) (string, error) {
	if d != MySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, "", err
	}
	if dsn == "" {
		return nil, "", fmt.Errorf("database dsn is required")
	}

	dsn, err = PrepareDSN(d, dsn)
	if err != nil {
		return nil, "", err
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, d, nil
}
