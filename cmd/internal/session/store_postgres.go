package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (warden.canonical_sessions).
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Create serializes per account via a transactional advisory lock keyed by
//     hashtextextended(account_id), a wide 64-bit hash, so unrelated accounts
//     do not collide onto the same lock in practice.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "warden").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("session: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed canonical session store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "warden",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("session: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Create inserts or replaces the account's canonical session.
func (s *PostgresStore) Create(ctx context.Context, now time.Time, accountID, address, userAgent, tokenHash string, expiresAt time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("session: nil store")
	}
	if accountID == "" || tokenHash == "" {
		return false, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all canonical writes per account. The registry's
	// register+evict path takes the same lock, so registration and login
	// for one account never interleave.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, accountID); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}

	sessions := pgIdent(s.schema, "canonical_sessions")

	var priorActive bool
	err = tx.QueryRow(ctx,
		`SELECT active FROM `+sessions+` WHERE account_id = $1`,
		accountID,
	).Scan(&priorActive)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+sessions+` (
			account_id, token_hash, address, user_agent,
			created_at, expires_at, last_activity, active
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $5, TRUE
		)
		ON CONFLICT (account_id) DO UPDATE SET
			token_hash = EXCLUDED.token_hash,
			address = EXCLUDED.address,
			user_agent = EXCLUDED.user_agent,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			last_activity = EXCLUDED.last_activity,
			active = TRUE
	`, accountID, tokenHash, address, nullIfEmpty(userAgent), now, expiresAt); err != nil {
		return false, fmt.Errorf("upsert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	return priorActive, nil
}

// ValidateByHash loads the active session for tokenHash and slides its expiry.
func (s *PostgresStore) ValidateByHash(ctx context.Context, now time.Time, tokenHash string, slide, ceiling time.Duration) (Row, error) {
	sessions := pgIdent(s.schema, "canonical_sessions")

	var row Row
	err := s.pool.QueryRow(ctx, `
		UPDATE `+sessions+`
		   SET last_activity = $2,
		       expires_at = LEAST(created_at + ($3 * interval '1 second'), $4)
		 WHERE token_hash = $1 AND active AND expires_at > $2
		RETURNING account_id, token_hash, address, COALESCE(user_agent, ''),
		          created_at, expires_at, last_activity, active
	`, tokenHash, now, ceiling.Seconds(), now.Add(slide)).Scan(
		&row.AccountID,
		&row.TokenHash,
		&row.Address,
		&row.UserAgent,
		&row.CreatedAt,
		&row.ExpiresAt,
		&row.LastActivity,
		&row.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}

	return row, nil
}

// Touch refreshes last_activity for the account's active session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, accountID string, slide, ceiling time.Duration) error {
	sessions := pgIdent(s.schema, "canonical_sessions")

	_, err := s.pool.Exec(ctx, `
		UPDATE `+sessions+`
		   SET last_activity = $2,
		       expires_at = LEAST(created_at + ($3 * interval '1 second'), $4)
		 WHERE account_id = $1 AND active AND expires_at > $2
	`, accountID, now, ceiling.Seconds(), now.Add(slide))
	return err
}

// Invalidate flips the account's session to inactive (idempotent).
func (s *PostgresStore) Invalidate(ctx context.Context, now time.Time, accountID string) (bool, error) {
	sessions := pgIdent(s.schema, "canonical_sessions")

	tag, err := s.pool.Exec(ctx, `
		UPDATE `+sessions+`
		   SET active = FALSE, last_activity = $2
		 WHERE account_id = $1 AND active
	`, accountID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SweepExpired deletes expired or inactive rows. Plain DELETE, no advisory
// lock, so it never queues behind Create.
func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	sessions := pgIdent(s.schema, "canonical_sessions")

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM `+sessions+`
		 WHERE expires_at < $1 OR NOT active
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
