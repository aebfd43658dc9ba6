package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

type txKey struct{}

type txScope struct {
	db *sql.DB
	tx *sql.Tx
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func withTx(ctx context.Context, db *sql.DB, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, txScope{db: db, tx: tx})
}

// execerFor returns the transaction carried by ctx when it was opened on db,
// otherwise db itself.
func execerFor(ctx context.Context, db *sql.DB) execer {
	if scope, ok := ctx.Value(txKey{}).(txScope); ok && scope.db == db {
		return scope.tx
	}
	return db
}

// withTransaction commits when fn returns nil and rolls back otherwise.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
