package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	nidoauth "github.com/nidohq/nido-auth"
	"github.com/nidohq/nido-auth/rbac"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("pgstore: not found")

// Provider implements nidoauth.UserProvider over Postgres. See schema.sql
// for the expected tables.
type Provider struct {
	db *sql.DB
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Provider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Provider{db: db}, nil
}

// NewProvider wraps an existing database handle.
func NewProvider(db *sql.DB) *Provider {
	return &Provider{db: db}
}

// Close releases the underlying pool.
func (p *Provider) Close() error {
	return p.db.Close()
}

const userColumns = `user_id, tenant_id, email, password_hash, first_name, last_name,
	role, active, mfa_enabled, created_at, updated_at`

func scanUser(row *sql.Row) (nidoauth.UserRecord, error) {
	var u nidoauth.UserRecord
	err := row.Scan(
		&u.UserID, &u.TenantID, &u.Email, &u.PasswordHash, &u.FirstName,
		&u.LastName, &u.Role, &u.Active, &u.MFAEnabled, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, fmt.Errorf("pgstore: scan user: %w", err)
	}
	return u, nil
}

func (p *Provider) GetUserByEmail(ctx context.Context, tenantID, email string) (nidoauth.UserRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND lower(email) = lower($2)`,
		tenantID, email,
	)
	return scanUser(row)
}

func (p *Provider) GetUserByID(ctx context.Context, userID string) (nidoauth.UserRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`,
		userID,
	)
	return scanUser(row)
}

func (p *Provider) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE user_id = $1`,
		userID, newHash,
	)
	if err != nil {
		return fmt.Errorf("pgstore: update password: %w", err)
	}
	return requireRow(result)
}

func (p *Provider) GetMFARecord(ctx context.Context, userID string) (*nidoauth.MFARecord, error) {
	var record nidoauth.MFARecord
	err := p.db.QueryRowContext(ctx,
		`SELECT secret, confirmed, last_used_counter, enrolled_at FROM mfa_records WHERE user_id = $1`,
		userID,
	).Scan(&record.Secret, &record.Confirmed, &record.LastUsedCounter, &record.EnrolledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: mfa record: %w", err)
	}
	return &record, nil
}

func (p *Provider) SavePendingMFASecret(ctx context.Context, userID string, secret []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO mfa_records (user_id, secret, confirmed, last_used_counter, enrolled_at)
		 VALUES ($1, $2, false, 0, now())
		 ON CONFLICT (user_id) DO UPDATE
		 SET secret = EXCLUDED.secret, confirmed = false, last_used_counter = 0, enrolled_at = now()
		 WHERE mfa_records.confirmed = false`,
		userID, secret,
	)
	if err != nil {
		return fmt.Errorf("pgstore: save pending secret: %w", err)
	}
	return nil
}

func (p *Provider) ConfirmMFA(ctx context.Context, userID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: confirm mfa: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE mfa_records SET confirmed = true WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("pgstore: confirm mfa: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET mfa_enabled = true, updated_at = now() WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("pgstore: confirm mfa: %w", err)
	}
	return tx.Commit()
}

func (p *Provider) DisableMFA(ctx context.Context, userID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: disable mfa: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mfa_records WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("pgstore: disable mfa: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET mfa_enabled = false, updated_at = now() WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("pgstore: disable mfa: %w", err)
	}
	return tx.Commit()
}

func (p *Provider) UpdateMFALastUsedCounter(ctx context.Context, userID string, counter int64) error {
	// Monotonic guard: a stale writer can never move the counter backwards.
	_, err := p.db.ExecContext(ctx,
		`UPDATE mfa_records SET last_used_counter = $2
		 WHERE user_id = $1 AND last_used_counter < $2`,
		userID, counter,
	)
	if err != nil {
		return fmt.Errorf("pgstore: update counter: %w", err)
	}
	return nil
}

func (p *Provider) ReplaceBackupCodes(ctx context.Context, userID string, codes []nidoauth.BackupCodeRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: replace backup codes: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM backup_codes WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("pgstore: replace backup codes: %w", err)
	}
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO backup_codes (user_id, code_hash, used) VALUES ($1, $2, false)`,
			userID, code.Hash[:],
		); err != nil {
			return fmt.Errorf("pgstore: replace backup codes: %w", err)
		}
	}
	return tx.Commit()
}

// ConsumeBackupCode flips used in a single conditional UPDATE; the row lock
// guarantees that of two concurrent consumers exactly one sees the flip.
func (p *Provider) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	result, err := p.db.ExecContext(ctx,
		`UPDATE backup_codes SET used = true, used_at = now()
		 WHERE user_id = $1 AND code_hash = $2 AND used = false`,
		userID, hash[:],
	)
	if err != nil {
		return false, fmt.Errorf("pgstore: consume backup code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pgstore: consume backup code: %w", err)
	}
	return n == 1, nil
}

func (p *Provider) ListIPAllowlist(ctx context.Context, userID string) ([]nidoauth.IPAllowlistEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT cidr, label, created_at FROM ip_allowlist WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: ip allowlist: %w", err)
	}
	defer rows.Close()

	var entries []nidoauth.IPAllowlistEntry
	for rows.Next() {
		var entry nidoauth.IPAllowlistEntry
		if err := rows.Scan(&entry.CIDR, &entry.Label, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: ip allowlist: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (p *Provider) ListRoleAssignments(ctx context.Context, userID string) ([]rbac.Assignment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT role, COALESCE(group_id, '') FROM role_assignments WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: role assignments: %w", err)
	}
	defer rows.Close()

	var assignments []rbac.Assignment
	for rows.Next() {
		var a rbac.Assignment
		if err := rows.Scan(&a.Role, &a.GroupID); err != nil {
			return nil, fmt.Errorf("pgstore: role assignments: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
