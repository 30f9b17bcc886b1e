package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the
// read queries can run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the PostgreSQL-backed Store. The conditional
// decrement and the bounded restore are single statements, so they are
// race-free without explicit locks; FOR UPDATE is taken only for the
// multi-step reservation accounting.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ReadAccount(ctx context.Context, accountID string) (*Account, error) {
	return readAccount(ctx, s.pool, accountID, false)
}

func (s *PostgresStore) LookupLedger(ctx context.Context, key string, op Operation) (*IdempotencyRecord, error) {
	return lookupLedger(ctx, s.pool, key, op)
}

func (s *PostgresStore) GetReservation(ctx context.Context, key string) (*Reservation, error) {
	return readReservation(ctx, s.pool, key, false)
}

func (s *PostgresStore) PendingReserved(ctx context.Context, accountID string, now time.Time) (int64, error) {
	return pendingReserved(ctx, s.pool, accountID, now)
}

func (s *PostgresStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quota_reservations
		 SET status = 'expired'
		 WHERE status = 'pending' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expiring reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	status := acct.Status
	if status == "" {
		status = AccountActive
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_accounts (account_id, initial_units, used_units, remaining_units, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		acct.AccountID, acct.Initial, acct.Used, acct.Initial-acct.Used, status, acct.ExpiresAt)
	if err != nil {
		return fmt.Errorf("creating account %s: %w", acct.AccountID, err)
	}
	return nil
}

// pgTx is the transactional view handed to WithinTx callbacks.
type pgTx struct {
	tx pgx.Tx
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) LookupLedger(ctx context.Context, key string, op Operation) (*IdempotencyRecord, error) {
	return lookupLedger(ctx, t.tx, key, op)
}

func (t *pgTx) RecordLedger(ctx context.Context, rec *IdempotencyRecord) error {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshaling ledger metadata: %w", err)
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO quota_idempotency (idempotency_key, operation, account_id, amount, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Key, rec.Operation, rec.AccountID, rec.Amount, data, rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("inserting ledger record: %w", err)
	}
	return nil
}

func (t *pgTx) TryDecrement(ctx context.Context, accountID string, amount int64, now time.Time) (DecrementResult, error) {
	var remaining int64
	err := t.tx.QueryRow(ctx,
		`UPDATE quota_accounts
		 SET remaining_units = remaining_units - $2,
		     used_units = used_units + $2,
		     updated_at = now()
		 WHERE account_id = $1
		   AND status = 'active'
		   AND remaining_units >= $2
		   AND (expires_at IS NULL OR expires_at > $3)
		 RETURNING remaining_units`,
		accountID, amount, now,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return DecrementResult{}, nil
	}
	if err != nil {
		return DecrementResult{}, fmt.Errorf("conditional decrement: %w", err)
	}
	return DecrementResult{Applied: true, RemainingAfter: remaining}, nil
}

func (t *pgTx) Increment(ctx context.Context, accountID string, amount int64) (IncrementResult, error) {
	var res IncrementResult
	err := t.tx.QueryRow(ctx,
		`WITH cur AS (
		     SELECT LEAST(used_units, $2::bigint) AS restore
		     FROM quota_accounts
		     WHERE account_id = $1
		 )
		 UPDATE quota_accounts a
		 SET used_units = a.used_units - cur.restore,
		     remaining_units = a.remaining_units + cur.restore,
		     updated_at = now()
		 FROM cur
		 WHERE a.account_id = $1
		 RETURNING cur.restore, a.used_units, a.remaining_units`,
		accountID, amount,
	).Scan(&res.Restored, &res.UsedAfter, &res.RemainingAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		// No such account: nothing to restore, by contract not an error.
		return IncrementResult{}, nil
	}
	if err != nil {
		return IncrementResult{}, fmt.Errorf("bounded restore: %w", err)
	}
	return res, nil
}

func (t *pgTx) LockAccount(ctx context.Context, accountID string) (*Account, error) {
	return readAccount(ctx, t.tx, accountID, true)
}

func (t *pgTx) ReadAccount(ctx context.Context, accountID string) (*Account, error) {
	return readAccount(ctx, t.tx, accountID, false)
}

func (t *pgTx) PendingReserved(ctx context.Context, accountID string, now time.Time) (int64, error) {
	return pendingReserved(ctx, t.tx, accountID, now)
}

func (t *pgTx) InsertReservation(ctx context.Context, res *Reservation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO quota_reservations
		     (reservation_key, account_id, amount, status, reference_type, reference_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.Key, res.AccountID, res.Amount, res.Status, res.ReferenceType, res.ReferenceID, res.CreatedAt, res.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting reservation: %w", err)
	}
	return nil
}

func (t *pgTx) LockReservation(ctx context.Context, key string) (*Reservation, error) {
	return readReservation(ctx, t.tx, key, true)
}

func (t *pgTx) TransitionReservation(ctx context.Context, key string, from, to ReservationStatus, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE quota_reservations
		 SET status = $3,
		     confirmed_at = CASE WHEN $3 = 'confirmed' THEN $4 ELSE confirmed_at END,
		     cancelled_at = CASE WHEN $3 = 'cancelled' THEN $4 ELSE cancelled_at END
		 WHERE reservation_key = $1 AND status = $2`,
		key, from, to, at)
	if err != nil {
		return false, fmt.Errorf("transitioning reservation %s to %s: %w", key, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

func readAccount(ctx context.Context, q querier, accountID string, forUpdate bool) (*Account, error) {
	query := `SELECT account_id, initial_units, used_units, remaining_units, status, expires_at, created_at, updated_at
	          FROM quota_accounts
	          WHERE account_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var acct Account
	err := q.QueryRow(ctx, query, accountID).Scan(
		&acct.AccountID, &acct.Initial, &acct.Used, &acct.Remaining,
		&acct.Status, &acct.ExpiresAt, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveAccount
	}
	if err != nil {
		return nil, fmt.Errorf("reading account %s: %w", accountID, err)
	}
	return &acct, nil
}

func readReservation(ctx context.Context, q querier, key string, forUpdate bool) (*Reservation, error) {
	query := `SELECT reservation_key, account_id, amount, status, reference_type, reference_id,
	                 created_at, expires_at, confirmed_at, cancelled_at
	          FROM quota_reservations
	          WHERE reservation_key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var res Reservation
	err := q.QueryRow(ctx, query, key).Scan(
		&res.Key, &res.AccountID, &res.Amount, &res.Status, &res.ReferenceType, &res.ReferenceID,
		&res.CreatedAt, &res.ExpiresAt, &res.ConfirmedAt, &res.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading reservation %s: %w", key, err)
	}
	return &res, nil
}

func pendingReserved(ctx context.Context, q querier, accountID string, now time.Time) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM quota_reservations
		 WHERE account_id = $1 AND status = 'pending' AND expires_at > $2`,
		accountID, now,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("summing pending reservations for %s: %w", accountID, err)
	}
	return sum, nil
}

func lookupLedger(ctx context.Context, q querier, key string, op Operation) (*IdempotencyRecord, error) {
	var (
		rec  IdempotencyRecord
		data []byte
	)
	err := q.QueryRow(ctx,
		`SELECT idempotency_key, operation, account_id, amount, metadata, created_at
		 FROM quota_idempotency
		 WHERE idempotency_key = $1 AND operation = $2`,
		key, op,
	).Scan(&rec.Key, &rec.Operation, &rec.AccountID, &rec.Amount, &data, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up ledger key %s: %w", key, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling ledger metadata: %w", err)
		}
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
