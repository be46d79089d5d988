package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

// SQLiteStore хранит офлайн-очередь во встроенной БД SQLite рядом с кассой.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore открывает (или создаёт) файл БД и применяет миграции.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Одно соединение сериализует запись и исключает SQLITE_BUSY между транзакциями.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := runMigrations(ctx, db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// Close закрывает БД.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Enqueue сохраняет документ в очередь.
func (s *SQLiteStore) Enqueue(ctx context.Context, sub *model.PendingSubmission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var resolved int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resolved_submissions WHERE okp = ?`, sub.OKP,
	).Scan(&resolved)
	if err != nil {
		return fmt.Errorf("check resolved: %w", err)
	}
	if resolved > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.OKP)
	}

	enqueuedAt := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO pending_submissions
		 (okp, cash_register_code, kind, payload, sequence, issued_at_ms, enqueued_at_ms, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (okp) DO NOTHING`,
		sub.OKP, sub.CashRegisterCode, string(sub.Kind), string(sub.Payload), sub.Sequence,
		toMillis(sub.IssuedAt), toMillis(enqueuedAt), sub.Attempts,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSubmission, sub.OKP)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO register_sequences (cash_register_code, last_sequence) VALUES (?, ?)
		 ON CONFLICT (cash_register_code)
		 DO UPDATE SET last_sequence = MAX(last_sequence, excluded.last_sequence)`,
		sub.CashRegisterCode, sub.Sequence,
	)
	if err != nil {
		return fmt.Errorf("bump sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	sub.ID = id
	sub.EnqueuedAt = fromMillis(toMillis(enqueuedAt))
	return nil
}

const sqlitePendingColumns = `id, okp, cash_register_code, kind, payload, sequence, issued_at_ms, enqueued_at_ms, attempts`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLitePending(row scanner) (*model.PendingSubmission, error) {
	var (
		sub        model.PendingSubmission
		kind       string
		payload    string
		issuedAt   int64
		enqueuedAt int64
	)
	if err := row.Scan(&sub.ID, &sub.OKP, &sub.CashRegisterCode, &kind, &payload,
		&sub.Sequence, &issuedAt, &enqueuedAt, &sub.Attempts); err != nil {
		return nil, err
	}
	sub.Kind = model.DocumentKind(kind)
	sub.Payload = []byte(payload)
	sub.IssuedAt = fromMillis(issuedAt)
	sub.EnqueuedAt = fromMillis(enqueuedAt)
	return &sub, nil
}

// PeekOldest возвращает первый документ в очереди кассы.
func (s *SQLiteStore) PeekOldest(ctx context.Context, register string) (*model.PendingSubmission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePendingColumns+` FROM pending_submissions
		 WHERE cash_register_code = ?
		 ORDER BY id
		 LIMIT 1`,
		register,
	)

	sub, err := scanSQLitePending(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("peek oldest: %w", err)
	}
	return sub, nil
}

// Dequeue переносит документ из очереди в таблицу результатов одной транзакцией.
func (s *SQLiteStore) Dequeue(ctx context.Context, okp string, res model.Resolution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		register string
		kind     string
		attempts int
	)
	err = tx.QueryRowContext(ctx,
		`DELETE FROM pending_submissions WHERE okp = ?
		 RETURNING cash_register_code, kind, attempts`,
		okp,
	).Scan(&register, &kind, &attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, okp)
		}
		return fmt.Errorf("delete submission: %w", err)
	}

	out := flattenOutcome(res.Outcome)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO resolved_submissions
		 (okp, cash_register_code, kind, status, authority_id, rejection_code, rejection_message, attempts, resolved_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		okp, register, kind, out.status, out.authorityID, out.rejectionCode, out.rejectionMessage,
		max(attempts, res.Attempts), toMillis(resolvedAt(res)),
	)
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecordAttempt увеличивает счётчик попыток отправки документа.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, okp string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_submissions SET attempts = attempts + 1 WHERE okp = ?`, okp,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, okp)
	}
	return nil
}

// NextSequence атомарно увеличивает счётчик документов кассы.
func (s *SQLiteStore) NextSequence(ctx context.Context, register string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO register_sequences (cash_register_code, last_sequence) VALUES (?, 1)
		 ON CONFLICT (cash_register_code)
		 DO UPDATE SET last_sequence = last_sequence + 1
		 RETURNING last_sequence`,
		register,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

// Registers возвращает кассы с непустой очередью.
func (s *SQLiteStore) Registers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cash_register_code FROM pending_submissions
		 GROUP BY cash_register_code
		 ORDER BY MIN(id)`,
	)
	if err != nil {
		return nil, fmt.Errorf("select registers: %w", err)
	}
	defer rows.Close()

	var registers []string
	for rows.Next() {
		var register string
		if err := rows.Scan(&register); err != nil {
			return nil, fmt.Errorf("scan register: %w", err)
		}
		registers = append(registers, register)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return registers, nil
}

// Pending возвращает очередь кассы.
func (s *SQLiteStore) Pending(ctx context.Context, register string) ([]model.PendingSubmission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePendingColumns+` FROM pending_submissions
		 WHERE cash_register_code = ?
		 ORDER BY id`,
		register,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var res []model.PendingSubmission
	for rows.Next() {
		sub, err := scanSQLitePending(rows)
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
func (s *SQLiteStore) Resolution(ctx context.Context, okp string) (*model.Resolution, error) {
	var (
		res        model.Resolution
		kind       string
		out        outcomeRow
		resolvedMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT okp, cash_register_code, kind, status, authority_id, rejection_code, rejection_message, attempts, resolved_at_ms
		 FROM resolved_submissions WHERE okp = ?`,
		okp,
	).Scan(&res.OKP, &res.CashRegisterCode, &kind, &out.status, &out.authorityID,
		&out.rejectionCode, &out.rejectionMessage, &res.Attempts, &resolvedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get resolution: %w", err)
	}

	res.Kind = model.DocumentKind(kind)
	res.Outcome = out.outcome(res.OKP)
	res.ResolvedAt = fromMillis(resolvedMs)
	return &res, nil
}
