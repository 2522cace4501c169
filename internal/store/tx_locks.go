package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const deleteOperationLockKey int64 = 0x62726b725f64656c // "brkr_del"

func (s *PostgresBackend) acquireDeleteOperationLock(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, deleteOperationLockKey); err != nil {
		return fmt.Errorf("acquire delete operation lock: %w", err)
	}
	return nil
}
