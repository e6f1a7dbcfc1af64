package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/rotisserie/eris"
)

// OpenPostgres opens a connection to PostgreSQL, waits for it to accept
// pings, runs schema migrations, and returns a ready-to-use catalog.
func OpenPostgres(ctx context.Context, dsn string) (*SQLCatalog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, eris.Wrap(ctx.Err(), "postgres: waiting for database")
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "postgres: ping failed after retries")
	}

	c, err := newSQLCatalog(ctx, db, dialect{name: "postgres", dollarParams: true})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}
