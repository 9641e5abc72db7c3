package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore keeps history in a shared PostgreSQL database, for
// deployments where several hosts run the updater
type PostgreSQLStore struct {
	sqlStore
}

// NewPostgreSQLStore connects and creates the schema if needed
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required for the postgres store")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool := poolSettings(config)
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history database unreachable: %w", err)
	}

	s := &PostgreSQLStore{sqlStore: sqlStore{db: db, dollarArgs: true}}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// poolSettings fills unset pool limits. A run writes one row set at the
// end, so the pool stays small.
func poolSettings(c Config) Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns <= 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = 1
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}
