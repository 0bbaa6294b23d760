package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx runs work inside a single-writer transaction. The transaction is
// committed if work returns nil and rolled back otherwise. Concurrent
// callers are serialized; readers are never blocked (WAL).
func (s *Store) Tx(ctx context.Context, work func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := work(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
