package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

// PostgresStore хранит офлайн-очередь в PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore подключается к БД и применяет миграции схемы очереди.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := runMigrations(ctx, db, goose.DialectPostgres, "migrations/postgres"); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil || !retryable(err) || i == len(delays) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[i]):
		}
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Enqueue сохраняет документ в очередь. OKP, уже сохранённый в очереди или среди
// результатов сверки, отклоняется с ErrDuplicateSubmission.
func (s *PostgresStore) Enqueue(ctx context.Context, sub *model.PendingSubmission) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var resolved bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM resolved_submissions WHERE okp = $1)`,
			sub.OKP,
		).Scan(&resolved)
		if err != nil {
			return fmt.Errorf("check resolved: %w", err)
		}
		if resolved {
			return fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.OKP)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO pending_submissions (okp, cash_register_code, kind, payload, sequence, issued_at, attempts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, enqueued_at`,
			sub.OKP, sub.CashRegisterCode, string(sub.Kind), string(sub.Payload), sub.Sequence, sub.IssuedAt.UTC(), sub.Attempts,
		).Scan(&sub.ID, &sub.EnqueuedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.OKP)
			}
			return fmt.Errorf("insert submission: %w", err)
		}

		// Импортированный документ может нести номер больше текущего счётчика кассы.
		_, err = tx.Exec(ctx,
			`INSERT INTO register_sequences (cash_register_code, last_sequence) VALUES ($1, $2)
			 ON CONFLICT (cash_register_code)
			 DO UPDATE SET last_sequence = GREATEST(register_sequences.last_sequence, EXCLUDED.last_sequence)`,
			sub.CashRegisterCode, sub.Sequence,
		)
		if err != nil {
			return fmt.Errorf("bump sequence: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

const pgPendingColumns = `id, okp, cash_register_code, kind, payload, sequence, issued_at, enqueued_at, attempts`

func scanPgPending(row pgx.Row) (*model.PendingSubmission, error) {
	var (
		sub     model.PendingSubmission
		kind    string
		payload string
	)
	if err := row.Scan(&sub.ID, &sub.OKP, &sub.CashRegisterCode, &kind, &payload,
		&sub.Sequence, &sub.IssuedAt, &sub.EnqueuedAt, &sub.Attempts); err != nil {
		return nil, err
	}
	sub.Kind = model.DocumentKind(kind)
	sub.Payload = []byte(payload)
	return &sub, nil
}

// PeekOldest возвращает первый документ в очереди кассы.
func (s *PostgresStore) PeekOldest(ctx context.Context, register string) (*model.PendingSubmission, error) {
	var sub *model.PendingSubmission
	err := s.withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+pgPendingColumns+` FROM pending_submissions
			 WHERE cash_register_code = $1
			 ORDER BY id
			 LIMIT 1`,
			register,
		)

		var err error
		sub, err = scanPgPending(row)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("peek oldest: %w", err)
	}
	return sub, nil
}

// Dequeue переносит документ из очереди в таблицу результатов одной транзакцией.
func (s *PostgresStore) Dequeue(ctx context.Context, okp string, res model.Resolution) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			register string
			kind     string
			attempts int
		)
		err = tx.QueryRow(ctx,
			`DELETE FROM pending_submissions WHERE okp = $1
			 RETURNING cash_register_code, kind, attempts`,
			okp,
		).Scan(&register, &kind, &attempts)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, okp)
			}
			return fmt.Errorf("delete submission: %w", err)
		}

		out := flattenOutcome(res.Outcome)
		_, err = tx.Exec(ctx,
			`INSERT INTO resolved_submissions
			 (okp, cash_register_code, kind, status, authority_id, rejection_code, rejection_message, attempts, resolved_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			okp, register, kind, out.status, out.authorityID, out.rejectionCode, out.rejectionMessage,
			max(attempts, res.Attempts), resolvedAt(res),
		)
		if err != nil {
			return fmt.Errorf("insert resolution: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// RecordAttempt увеличивает счётчик попыток отправки документа.
func (s *PostgresStore) RecordAttempt(ctx context.Context, okp string) error {
	return s.withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE pending_submissions SET attempts = attempts + 1 WHERE okp = $1`,
			okp,
		)
		if err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, okp)
		}
		return nil
	})
}

// NextSequence атомарно увеличивает счётчик документов кассы.
func (s *PostgresStore) NextSequence(ctx context.Context, register string) (int64, error) {
	var seq int64
	err := s.withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO register_sequences (cash_register_code, last_sequence) VALUES ($1, 1)
			 ON CONFLICT (cash_register_code)
			 DO UPDATE SET last_sequence = register_sequences.last_sequence + 1
			 RETURNING last_sequence`,
			register,
		).Scan(&seq)
	})
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

// Registers возвращает кассы с непустой очередью в порядке самых старых документов.
func (s *PostgresStore) Registers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cash_register_code FROM pending_submissions
		 GROUP BY cash_register_code
		 ORDER BY MIN(id)`,
	)
	if err != nil {
		return nil, fmt.Errorf("select registers: %w", err)
	}

	registers, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect registers: %w", err)
	}
	return registers, nil
}

// Pending возвращает очередь кассы.
func (s *PostgresStore) Pending(ctx context.Context, register string) ([]model.PendingSubmission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPendingColumns+` FROM pending_submissions
		 WHERE cash_register_code = $1
		 ORDER BY id`,
		register,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var res []model.PendingSubmission
	for rows.Next() {
		sub, err := scanPgPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		res = append(res, *sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Resolution возвращает результат сверки документа.
func (s *PostgresStore) Resolution(ctx context.Context, okp string) (*model.Resolution, error) {
	var (
		res  model.Resolution
		kind string
		out  outcomeRow
	)
	err := s.pool.QueryRow(ctx,
		`SELECT okp, cash_register_code, kind, status, authority_id, rejection_code, rejection_message, attempts, resolved_at
		 FROM resolved_submissions WHERE okp = $1`,
		okp,
	).Scan(&res.OKP, &res.CashRegisterCode, &kind, &out.status, &out.authorityID,
		&out.rejectionCode, &out.rejectionMessage, &res.Attempts, &res.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get resolution: %w", err)
	}

	res.Kind = model.DocumentKind(kind)
	res.Outcome = out.outcome(res.OKP)
	return &res, nil
}
