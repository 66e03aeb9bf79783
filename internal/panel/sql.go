package panel

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// OpenDB opens a database for panel loading. driver is "mysql" or "sqlite";
// mysql:// and mariadb:// URLs are converted to the driver's DSN format.
func OpenDB(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "mysql", "mariadb":
		mysqlDSN, err := toMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open("mysql", mysqlDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
		return db, nil
	case "sqlite":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported SQL driver %q: want mysql or sqlite", driver)
	}
}

func toMySQLDSN(dsn string) (string, error) {
	if !strings.HasPrefix(dsn, "mariadb://") && !strings.HasPrefix(dsn, "mysql://") {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	db := strings.TrimPrefix(u.Path, "/")
	if user == "" || u.Host == "" || db == "" {
		return "", fmt.Errorf("incomplete dsn: user, host and database are required")
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&interpolateParams=true", user, pass, u.Host, db), nil
}

// LoadSQL runs query and collects the result set into a panel, one column
// per selected field.
func LoadSQL(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*Panel, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query panel: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}
	p := New(names...)
	if len(p.Names()) != len(names) {
		return nil, fmt.Errorf("query returns duplicate column names: %v", names)
	}

	raw := make([]interface{}, len(names))
	ptrs := make([]interface{}, len(names))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	row := make([]Value, len(names))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan panel row: %w", err)
		}
		for i, v := range raw {
			row[i] = FromAny(v)
		}
		if err := p.Append(row...); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate panel rows: %w", err)
	}
	return p, nil
}
