package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AcquireLease takes the exclusive lease for holder.
// Returns ErrLeaseHeld if a different, unexpired lease exists.
func (b *SQLiteBlob) AcquireLease(ctx context.Context, holder string, duration time.Duration) (Lease, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := b.now()
	var current Lease
	var expires int64
	err = tx.QueryRowContext(ctx, `
		SELECT lease_id, holder, expires_at FROM leases WHERE id = 1
	`).Scan(&current.ID, &current.Holder, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Lease{}, fmt.Errorf("acquire lease: %w", err)
	case time.Unix(0, expires).After(now):
		return Lease{}, fmt.Errorf("acquire lease: held by %s until %s: %w",
			current.Holder, time.Unix(0, expires).UTC().Format(time.RFC3339), ErrLeaseHeld)
	}

	lease := Lease{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Holder:    holder,
		ExpiresAt: now.Add(duration),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (id, lease_id, holder, expires_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lease_id = excluded.lease_id,
			holder = excluded.holder,
			expires_at = excluded.expires_at
	`, lease.ID, lease.Holder, lease.ExpiresAt.UnixNano())
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Lease{}, fmt.Errorf("acquire lease: commit: %w", err)
	}
	return lease, nil
}

// RenewLease extends the lease identified by leaseID.
// An expired lease can still be renewed as long as nobody acquired it since.
func (b *SQLiteBlob) RenewLease(ctx context.Context, leaseID string, duration time.Duration) (Lease, error) {
	expiresAt := b.now().Add(duration)
	result, err := b.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ? WHERE id = 1 AND lease_id = ?
	`, expiresAt.UnixNano(), leaseID)
	if err != nil {
		return Lease{}, fmt.Errorf("renew lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("renew lease: rows affected: %w", err)
	}
	if n == 0 {
		return Lease{}, fmt.Errorf("renew lease %s: %w", leaseID, ErrLeaseLost)
	}

	var holder string
	if err := b.db.QueryRowContext(ctx, `SELECT holder FROM leases WHERE id = 1`).Scan(&holder); err != nil {
		return Lease{}, fmt.Errorf("renew lease: %w", err)
	}
	return Lease{ID: leaseID, Holder: holder, ExpiresAt: expiresAt}, nil
}

// ReleaseLease gives up the lease so another process can acquire it at once.
func (b *SQLiteBlob) ReleaseLease(ctx context.Context, leaseID string) error {
	result, err := b.db.ExecContext(ctx, `DELETE FROM leases WHERE id = 1 AND lease_id = ?`, leaseID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lease: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("release lease %s: %w", leaseID, ErrLeaseLost)
	}
	return nil
}
