package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"portal-auth/internal/account"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const accountColumns = `
	id, external_subject_id, external_email, payment_email,
	handle, avatar_ref, is_admin, is_manually_entitled, is_subscriber,
	subscription_ref, created_at, updated_at`

const subscriptionColumns = `
	id, account_ref, provider_customer_id, provider_subscription_id,
	status, current_period_start, current_period_end, cancel_at_period_end,
	grace_ends_at, created_at, updated_at`

var _ account.Store = (*Store)(nil)

// Store is a SQLite implementation of account.Store for single-node
// deployments and tests.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) accounts.db in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "accounts.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id                   TEXT PRIMARY KEY,
		external_subject_id  TEXT,
		external_email       TEXT,
		payment_email        TEXT,
		handle               TEXT NOT NULL DEFAULT '',
		avatar_ref           TEXT NOT NULL DEFAULT '',
		is_admin             INTEGER NOT NULL DEFAULT 0,
		is_manually_entitled INTEGER NOT NULL DEFAULT 0,
		is_subscriber        INTEGER NOT NULL DEFAULT 0,
		subscription_ref     TEXT,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_accounts_subject
		ON accounts(external_subject_id) WHERE external_subject_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS ux_accounts_payment_email
		ON accounts(payment_email) WHERE payment_email IS NOT NULL;

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                       TEXT PRIMARY KEY,
		account_ref              TEXT NOT NULL,
		provider_customer_id     TEXT NOT NULL DEFAULT '',
		provider_subscription_id TEXT NOT NULL UNIQUE,
		status                   TEXT NOT NULL,
		current_period_start     INTEGER,
		current_period_end       INTEGER,
		cancel_at_period_end     INTEGER NOT NULL DEFAULT 0,
		grace_ends_at            INTEGER,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_account ON subscriptions(account_ref);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init account store schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *Store) GetAccountBySubjectID(ctx context.Context, subjectID string) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE external_subject_id = ?`, subjectID)
	return scanAccount(row)
}

func (s *Store) GetAccountByPaymentEmail(ctx context.Context, email string) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE payment_email = ?`,
		account.NormalizeEmail(email))
	return scanAccount(row)
}

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	if a == nil {
		return errors.New("account is nil")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullable(a.ExternalSubjectID), nullable(account.NormalizeEmail(a.ExternalEmail)),
		nullable(account.NormalizeEmail(a.PaymentEmail)),
		a.Handle, a.AvatarRef, boolToInt(a.IsAdmin), boolToInt(a.IsManuallyEntitled), boolToInt(a.IsSubscriber),
		nullable(a.SubscriptionRef), a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return mapWriteError("create account", err)
	}
	return nil
}

func (s *Store) UpdateAccount(ctx context.Context, a *account.Account) error {
	if a == nil {
		return errors.New("account is nil")
	}
	a.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			external_subject_id = ?, external_email = ?, payment_email = ?,
			handle = ?, avatar_ref = ?, is_admin = ?, is_manually_entitled = ?,
			is_subscriber = ?, subscription_ref = ?, updated_at = ?
		WHERE id = ?`,
		nullable(a.ExternalSubjectID), nullable(account.NormalizeEmail(a.ExternalEmail)),
		nullable(account.NormalizeEmail(a.PaymentEmail)),
		a.Handle, a.AvatarRef, boolToInt(a.IsAdmin), boolToInt(a.IsManuallyEntitled),
		boolToInt(a.IsSubscriber), nullable(a.SubscriptionRef), a.UpdatedAt.Unix(),
		a.ID,
	)
	if err != nil {
		return mapWriteError("update account", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("update account %q: %w", a.ID, account.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateIdentity(ctx context.Context, a *account.Account) error {
	if a == nil {
		return errors.New("account is nil")
	}
	a.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			external_subject_id = ?, external_email = ?, payment_email = ?,
			handle = ?, avatar_ref = ?, updated_at = ?
		WHERE id = ?`,
		nullable(a.ExternalSubjectID), nullable(account.NormalizeEmail(a.ExternalEmail)),
		nullable(account.NormalizeEmail(a.PaymentEmail)),
		a.Handle, a.AvatarRef, a.UpdatedAt.Unix(),
		a.ID,
	)
	if err != nil {
		return mapWriteError("update account identity", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("update account identity %q: %w", a.ID, account.ErrNotFound)
	}
	return nil
}

func (s *Store) AttachSubscription(ctx context.Context, accountID, subscriptionID string, entitling bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			subscription_ref = ?,
			is_subscriber = CASE WHEN ? = 1 THEN 1 ELSE is_subscriber END,
			updated_at = ?
		WHERE id = ?`,
		nullable(subscriptionID), boolToInt(entitling), time.Now().UTC().Unix(), accountID,
	)
	if err != nil {
		return mapWriteError("attach subscription", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("attach subscription to %q: %w", accountID, account.ErrNotFound)
	}
	return nil
}

func (s *Store) DetachSubscription(ctx context.Context, accountID, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET subscription_ref = NULL, updated_at = ?
		WHERE id = ? AND subscription_ref = ?`,
		time.Now().UTC().Unix(), accountID, subscriptionID,
	)
	if err != nil {
		return fmt.Errorf("detach subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*account.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*account.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID)
	return scanSubscription(row)
}

func (s *Store) CreateSubscription(ctx context.Context, rec *account.SubscriptionRecord) error {
	if rec == nil {
		return errors.New("subscription is nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AccountRef, rec.ProviderCustomerID, rec.ProviderSubscriptionID,
		string(rec.Status), nullableUnix(rec.CurrentPeriodStart), nullableUnix(rec.CurrentPeriodEnd),
		boolToInt(rec.CancelAtPeriodEnd), nullableUnix(rec.GraceEndsAt),
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return mapWriteError("create subscription", err)
	}
	return nil
}

func (s *Store) UpdateSubscription(ctx context.Context, rec *account.SubscriptionRecord) error {
	if rec == nil {
		return errors.New("subscription is nil")
	}
	rec.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			account_ref = ?, provider_customer_id = ?, status = ?,
			current_period_start = ?, current_period_end = ?,
			cancel_at_period_end = ?, grace_ends_at = ?, updated_at = ?
		WHERE id = ?`,
		rec.AccountRef, rec.ProviderCustomerID, string(rec.Status),
		nullableUnix(rec.CurrentPeriodStart), nullableUnix(rec.CurrentPeriodEnd),
		boolToInt(rec.CancelAtPeriodEnd), nullableUnix(rec.GraceEndsAt), rec.UpdatedAt.Unix(),
		rec.ID,
	)
	if err != nil {
		return mapWriteError("update subscription", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("update subscription %q: %w", rec.ID, account.ErrNotFound)
	}
	return nil
}

func (s *Store) ListSubscriptionsByStatus(ctx context.Context, statuses ...account.Status) ([]*account.SubscriptionRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE status IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY updated_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*account.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var (
		a                                  account.Account
		subject, extEmail, payEmail, subID sql.NullString
		isAdmin, manual, subscriber        int
		createdAt, updatedAt               int64
	)
	err := row.Scan(
		&a.ID, &subject, &extEmail, &payEmail,
		&a.Handle, &a.AvatarRef, &isAdmin, &manual, &subscriber,
		&subID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.ExternalSubjectID = subject.String
	a.ExternalEmail = extEmail.String
	a.PaymentEmail = payEmail.String
	a.SubscriptionRef = subID.String
	a.IsAdmin = isAdmin != 0
	a.IsManuallyEntitled = manual != 0
	a.IsSubscriber = subscriber != 0
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

func scanSubscription(row rowScanner) (*account.SubscriptionRecord, error) {
	var (
		rec                  account.SubscriptionRecord
		status               string
		start, end, graceAt  sql.NullInt64
		cancelAtEnd          int
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&rec.ID, &rec.AccountRef, &rec.ProviderCustomerID, &rec.ProviderSubscriptionID,
		&status, &start, &end, &cancelAtEnd,
		&graceAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	rec.Status = account.Status(status)
	rec.CurrentPeriodStart = fromNullUnix(start)
	rec.CurrentPeriodEnd = fromNullUnix(end)
	rec.GraceEndsAt = fromNullUnix(graceAt)
	rec.CancelAtPeriodEnd = cancelAtEnd != 0
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

func mapWriteError(op string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", op, account.ErrDuplicate)
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", op, account.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func fromNullUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
