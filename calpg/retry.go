// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calpg

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// withRetryableTx runs fn in a REPEATABLE READ transaction and retries it with
// exponential backoff while Postgres reports a transient concurrency failure
func (s *Store) withRetryableTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			lockTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.config.LockTimeout.Milliseconds())
			if _, err := tx.Exec(ctx, lockTimeout); err != nil {
				return err
			}
			return fn(tx)
		})
		if err == nil {
			return nil
		}
		if isRetryablePGTxError(err) {
			s.logger.Debug("Retrying transaction after transient failure", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.config.MaxTxRetries), ctx)
	return backoff.Retry(op, policy)
}
