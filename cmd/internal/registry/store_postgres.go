package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"warden/cmd/internal/ids"
)

// PostgresAddressStore implements AddressStore on warden.address_sessions.
// The pool is caller-owned; Close is a no-op.
type PostgresAddressStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresAddressStore behavior.
type PostgresOption func(*PostgresAddressStore) error

// WithSchema sets the DB schema used by this store (default: "warden").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresAddressStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("registry: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("registry: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresAddressStore constructs a Postgres-backed address session store.
func NewPostgresAddressStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresAddressStore, error) {
	st := &PostgresAddressStore{
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
		return nil, errors.New("registry: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresAddressStore) Close() error { return nil }

// Register admits the (account, address) pair, evicting the least recently
// active address when the account is full of other addresses.
//
// The whole sequence runs in one transaction under the per-account advisory
// lock shared with canonical session creation, so concurrent registrations
// for one account serialize and the count-then-evict decision stays sound.
func (s *PostgresAddressStore) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	if s == nil || s.pool == nil {
		return RegisterResult{}, errors.New("registry: nil store")
	}
	if in.AccountID == "" || in.Address == "" {
		return RegisterResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return RegisterResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return RegisterResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.AccountID); err != nil {
		return RegisterResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	addresses := pgIdent(s.schema, "address_sessions")
	accounts := pgIdent(s.schema, "accounts")

	res := RegisterResult{Limit: in.DefaultLimit}

	// Per-account policy override, when one exists.
	var limit *int
	err = tx.QueryRow(ctx,
		`SELECT max_concurrent_addresses FROM `+accounts+` WHERE account_id = $1`,
		in.AccountID,
	).Scan(&limit)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return RegisterResult{}, err
	}
	if limit != nil && *limit > 0 {
		res.Limit = *limit
	}
	if res.Limit < 1 {
		res.Limit = 1
	}

	var existing int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM `+addresses+` WHERE account_id = $1 AND address = $2`,
		in.AccountID, in.Address,
	).Scan(&existing)
	if err != nil {
		return RegisterResult{}, err
	}
	res.NewAddress = existing == 0

	if res.NewAddress {
		var distinct int
		err = tx.QueryRow(ctx,
			`SELECT count(DISTINCT address) FROM `+addresses+` WHERE account_id = $1`,
			in.AccountID,
		).Scan(&distinct)
		if err != nil {
			return RegisterResult{}, err
		}

		if distinct >= res.Limit {
			// Evict the quietest address to make room.
			err = tx.QueryRow(ctx, `
				DELETE FROM `+addresses+`
				 WHERE account_id = $1 AND address = (
					SELECT address FROM `+addresses+`
					 WHERE account_id = $1
					 ORDER BY last_activity_at ASC, connected_at ASC
					 LIMIT 1
				)
				RETURNING address
			`, in.AccountID).Scan(&res.EvictedAddress)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return RegisterResult{}, fmt.Errorf("evict address: %w", err)
			}
		}
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return RegisterResult{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+addresses+` (
			id, account_id, address, city, country, latitude, longitude,
			connected_at, last_activity_at, channel_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $8, $9
		)
		ON CONFLICT (account_id, address) DO UPDATE SET
			city = EXCLUDED.city,
			country = EXCLUDED.country,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			last_activity_at = EXCLUDED.last_activity_at,
			channel_id = EXCLUDED.channel_id
	`, id, in.AccountID, in.Address,
		in.Location.City, in.Location.Country, in.Location.Latitude, in.Location.Longitude,
		in.Now, in.ChannelID); err != nil {
		return RegisterResult{}, fmt.Errorf("upsert address session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RegisterResult{}, err
	}

	return res, nil
}

// Touch refreshes last_activity_at for one (account, address) row.
func (s *PostgresAddressStore) Touch(ctx context.Context, now time.Time, accountID, address string) error {
	addresses := pgIdent(s.schema, "address_sessions")

	_, err := s.pool.Exec(ctx, `
		UPDATE `+addresses+`
		   SET last_activity_at = $3
		 WHERE account_id = $1 AND address = $2
	`, accountID, address, now)
	return err
}

// Delete removes the (account, address) row.
func (s *PostgresAddressStore) Delete(ctx context.Context, accountID, address string) (int64, error) {
	addresses := pgIdent(s.schema, "address_sessions")

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM `+addresses+`
		 WHERE account_id = $1 AND address = $2
	`, accountID, address)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListByAccount returns the account's address sessions, most recent first.
func (s *PostgresAddressStore) ListByAccount(ctx context.Context, accountID string) ([]AddressSession, error) {
	addresses := pgIdent(s.schema, "address_sessions")

	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, address, city, country, latitude, longitude,
		       connected_at, last_activity_at, channel_id
		  FROM `+addresses+`
		 WHERE account_id = $1
		 ORDER BY last_activity_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAddressSessions(rows)
}

// ListMultiAddressAccounts returns every session belonging to an account with
// more than one distinct address, ordered by account for easy grouping.
func (s *PostgresAddressStore) ListMultiAddressAccounts(ctx context.Context) ([]AddressSession, error) {
	addresses := pgIdent(s.schema, "address_sessions")

	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, address, city, country, latitude, longitude,
		       connected_at, last_activity_at, channel_id
		  FROM `+addresses+`
		 WHERE account_id IN (
			SELECT account_id FROM `+addresses+`
			 GROUP BY account_id
			HAVING count(DISTINCT address) > 1
		)
		 ORDER BY account_id, last_activity_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAddressSessions(rows)
}

// SweepStale deletes rows untouched since cutoff.
func (s *PostgresAddressStore) SweepStale(ctx context.Context, cutoff time.Time) (int64, error) {
	addresses := pgIdent(s.schema, "address_sessions")

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM `+addresses+`
		 WHERE last_activity_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanAddressSessions(rows pgx.Rows) ([]AddressSession, error) {
	var out []AddressSession
	for rows.Next() {
		var as AddressSession
		if err := rows.Scan(
			&as.ID,
			&as.AccountID,
			&as.Address,
			&as.City,
			&as.Country,
			&as.Latitude,
			&as.Longitude,
			&as.ConnectedAt,
			&as.LastActivityAt,
			&as.ChannelID,
		); err != nil {
			return nil, err
		}
		out = append(out, as)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
