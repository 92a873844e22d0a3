package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luhack/gatekeeper/internal/platform/db"
	"github.com/luhack/gatekeeper/internal/shared"
)

const uniqueViolation = "23505"

// PGRepository provides PostgreSQL backed persistence for verified users.
type PGRepository struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

// NewPGRepository constructs a repository sealing emails with the given
// cipher.
func NewPGRepository(pool *pgxpool.Pool, cipher *Cipher) *PGRepository {
	return &PGRepository{pool: pool, cipher: cipher}
}

// Get returns the record for an identity.
func (r *PGRepository) Get(ctx context.Context, discordID int64) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT discord_id, username, email_cipher, verified_at, last_activity, flagged_for_removal, is_privileged FROM verified_users WHERE discord_id = $1`, discordID)
	return r.scanUser(row)
}

// EmailOwner returns the identity owning an email address.
func (r *PGRepository) EmailOwner(ctx context.Context, email string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT discord_id FROM verified_users WHERE email_digest = $1`, r.cipher.Digest(email)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, shared.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("verify: email owner: %w", err)
	}
	return id, nil
}

// Create inserts a record, mapping uniqueness violations onto the conflict
// errors of the protocol.
func (r *PGRepository) Create(ctx context.Context, user User) error {
	sealed, err := r.cipher.Seal(user.Email)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO verified_users (discord_id, username, email_cipher, email_digest, verified_at, last_activity, is_privileged) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.DiscordID, user.Username, sealed, r.cipher.Digest(user.Email), user.VerifiedAt, user.LastActivity, user.IsPrivileged,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "verified_users_email_digest_key" {
				return ErrEmailTaken
			}
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("verify: create user: %w", err)
	}
	return nil
}

// Delete removes a record together with its absence mark.
func (r *PGRepository) Delete(ctx context.Context, discordID int64) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM verified_users WHERE discord_id = $1`, discordID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM roster_absences WHERE discord_id = $1`, discordID)
		return err
	})
	if err != nil {
		return fmt.Errorf("verify: delete user: %w", err)
	}
	return nil
}

// List returns all verified users.
func (r *PGRepository) List(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT discord_id, username, email_cipher, verified_at, last_activity, flagged_for_removal, is_privileged FROM verified_users ORDER BY discord_id`)
	if err != nil {
		return nil, fmt.Errorf("verify: list users: %w", err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := r.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("verify: list users: %w", err)
	}
	return users, nil
}

// TouchActivity records activity and clears any removal flag.
func (r *PGRepository) TouchActivity(ctx context.Context, discordID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE verified_users SET last_activity = $2, flagged_for_removal = NULL WHERE discord_id = $1`, discordID, at)
	if err != nil {
		return fmt.Errorf("verify: touch activity: %w", err)
	}
	return nil
}

// SetFlag marks the user for removal.
func (r *PGRepository) SetFlag(ctx context.Context, discordID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE verified_users SET flagged_for_removal = $2 WHERE discord_id = $1`, discordID, at)
	if err != nil {
		return fmt.Errorf("verify: set flag: %w", err)
	}
	return nil
}

// ClearFlag clears the removal flag.
func (r *PGRepository) ClearFlag(ctx context.Context, discordID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE verified_users SET flagged_for_removal = NULL WHERE discord_id = $1`, discordID)
	if err != nil {
		return fmt.Errorf("verify: clear flag: %w", err)
	}
	return nil
}

// SyncRoster refreshes the denormalized roster cache columns.
func (r *PGRepository) SyncRoster(ctx context.Context, discordID int64, username string, isPrivileged bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE verified_users SET username = $2, is_privileged = $3 WHERE discord_id = $1`, discordID, username, isPrivileged)
	if err != nil {
		return fmt.Errorf("verify: sync roster: %w", err)
	}
	return nil
}

// MarkAbsent records a roster-absence observation and returns the strike
// count, including this observation.
func (r *PGRepository) MarkAbsent(ctx context.Context, discordID int64, at time.Time) (int, error) {
	var strikes int
	err := r.pool.QueryRow(ctx,
		`INSERT INTO roster_absences (discord_id, strikes, first_seen) VALUES ($1, 1, $2)
		 ON CONFLICT (discord_id) DO UPDATE SET strikes = roster_absences.strikes + 1
		 RETURNING strikes`,
		discordID, at,
	).Scan(&strikes)
	if err != nil {
		return 0, fmt.Errorf("verify: mark absent: %w", err)
	}
	return strikes, nil
}

// ClearAbsent drops the absence mark for an identity.
func (r *PGRepository) ClearAbsent(ctx context.Context, discordID int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM roster_absences WHERE discord_id = $1`, discordID); err != nil {
		return fmt.Errorf("verify: clear absent: %w", err)
	}
	return nil
}

func (r *PGRepository) scanUser(row pgx.Row) (*User, error) {
	var (
		user   User
		sealed []byte
	)
	err := row.Scan(&user.DiscordID, &user.Username, &sealed, &user.VerifiedAt, &user.LastActivity, &user.FlaggedForRemoval, &user.IsPrivileged)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("verify: scan user: %w", err)
	}
	email, err := r.cipher.Open(sealed)
	if err != nil {
		return nil, err
	}
	user.Email = email
	return &user, nil
}
