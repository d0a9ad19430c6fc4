package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal-auth/internal/account"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const accountColumns = `
	id::text, external_subject_id, external_email, payment_email,
	handle, avatar_ref, is_admin, is_manually_entitled, is_subscriber,
	subscription_ref::text, created_at, updated_at`

const subscriptionColumns = `
	id::text, account_ref::text, provider_customer_id, provider_subscription_id,
	status, current_period_start, current_period_end, cancel_at_period_end,
	grace_ends_at, created_at, updated_at`

var _ account.Store = (*Store)(nil)

// Store is the Postgres implementation of account.Store.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, account.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1::uuid`, id)
	return scanAccount(row)
}

func (s *Store) GetAccountBySubjectID(ctx context.Context, subjectID string) (*account.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE external_subject_id = $1`, subjectID)
	return scanAccount(row)
}

func (s *Store) GetAccountByPaymentEmail(ctx context.Context, email string) (*account.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE LOWER(payment_email) = LOWER($1)`,
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (
			id, external_subject_id, external_email, payment_email,
			handle, avatar_ref, is_admin, is_manually_entitled, is_subscriber,
			subscription_ref, created_at, updated_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10::uuid, $11, $12)`,
		a.ID, nullable(a.ExternalSubjectID), nullable(account.NormalizeEmail(a.ExternalEmail)),
		nullable(account.NormalizeEmail(a.PaymentEmail)),
		a.Handle, a.AvatarRef, a.IsAdmin, a.IsManuallyEntitled, a.IsSubscriber,
		nullable(a.SubscriptionRef), a.CreatedAt, a.UpdatedAt,
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

	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET
			external_subject_id = $2, external_email = $3, payment_email = $4,
			handle = $5, avatar_ref = $6, is_admin = $7, is_manually_entitled = $8,
			is_subscriber = $9, subscription_ref = $10::uuid, updated_at = $11
		WHERE id = $1::uuid`,
		a.ID, nullable(a.ExternalSubjectID), nullable(account.NormalizeEmail(a.ExternalEmail)),
		nullable(account.NormalizeEmail(a.PaymentEmail)),
		a.Handle, a.AvatarRef, a.IsAdmin, a.IsManuallyEntitled, a.IsSubscriber,
		nullable(a.SubscriptionRef), a.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("update account", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update account %q: %w", a.ID, account.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateIdentity(ctx context.Context, a *account.Account) error {
	if a == nil {
		return errors.New("account is nil")
	}
	a.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET
			external_subject_id = $2, external_email = $3, payment_email = $4,
			handle = $5, avatar_ref = $6, updated_at = $7
		WHERE id = $1::uuid`,
		a.ID, nullable(a.ExternalSubjectID), nullable(account.NormalizeEmail(a.ExternalEmail)),
		nullable(account.NormalizeEmail(a.PaymentEmail)),
		a.Handle, a.AvatarRef, a.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("update account identity", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update account identity %q: %w", a.ID, account.ErrNotFound)
	}
	return nil
}

func (s *Store) AttachSubscription(ctx context.Context, accountID, subscriptionID string, entitling bool) error {
	if _, err := uuid.Parse(accountID); err != nil {
		return fmt.Errorf("attach subscription to %q: %w", accountID, account.ErrNotFound)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET
			subscription_ref = $2::uuid,
			is_subscriber = is_subscriber OR $3,
			updated_at = $4
		WHERE id = $1::uuid`,
		accountID, nullable(subscriptionID), entitling, time.Now().UTC(),
	)
	if err != nil {
		return mapWriteError("attach subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attach subscription to %q: %w", accountID, account.ErrNotFound)
	}
	return nil
}

func (s *Store) DetachSubscription(ctx context.Context, accountID, subscriptionID string) error {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET subscription_ref = NULL, updated_at = $3
		WHERE id = $1::uuid AND subscription_ref = $2::uuid`,
		accountID, subscriptionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("detach subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*account.SubscriptionRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, account.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1::uuid`, id)
	return scanSubscription(row)
}

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*account.SubscriptionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (
			id, account_ref, provider_customer_id, provider_subscription_id,
			status, current_period_start, current_period_end, cancel_at_period_end,
			grace_ends_at, created_at, updated_at
		) VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.AccountRef, rec.ProviderCustomerID, rec.ProviderSubscriptionID,
		string(rec.Status), nullableTime(rec.CurrentPeriodStart), nullableTime(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd, nullableTime(rec.GraceEndsAt), rec.CreatedAt, rec.UpdatedAt,
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

	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			account_ref = $2::uuid, provider_customer_id = $3, status = $4,
			current_period_start = $5, current_period_end = $6,
			cancel_at_period_end = $7, grace_ends_at = $8, updated_at = $9
		WHERE id = $1::uuid`,
		rec.ID, rec.AccountRef, rec.ProviderCustomerID, string(rec.Status),
		nullableTime(rec.CurrentPeriodStart), nullableTime(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd, nullableTime(rec.GraceEndsAt), rec.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update subscription %q: %w", rec.ID, account.ErrNotFound)
	}
	return nil
}

func (s *Store) ListSubscriptionsByStatus(ctx context.Context, statuses ...account.Status) ([]*account.SubscriptionRecord, error) {
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}

	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE status = ANY($1) ORDER BY updated_at ASC`, values)
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

func scanAccount(row pgx.Row) (*account.Account, error) {
	var (
		a                                  account.Account
		subject, extEmail, payEmail, subID *string
	)
	err := row.Scan(
		&a.ID, &subject, &extEmail, &payEmail,
		&a.Handle, &a.AvatarRef, &a.IsAdmin, &a.IsManuallyEntitled, &a.IsSubscriber,
		&subID, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.ExternalSubjectID = deref(subject)
	a.ExternalEmail = deref(extEmail)
	a.PaymentEmail = deref(payEmail)
	a.SubscriptionRef = deref(subID)
	return &a, nil
}

func scanSubscription(row pgx.Row) (*account.SubscriptionRecord, error) {
	var (
		rec                 account.SubscriptionRecord
		status              string
		start, end, graceAt *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.AccountRef, &rec.ProviderCustomerID, &rec.ProviderSubscriptionID,
		&status, &start, &end, &rec.CancelAtPeriodEnd,
		&graceAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	rec.Status = account.Status(status)
	rec.CurrentPeriodStart = derefTime(start)
	rec.CurrentPeriodEnd = derefTime(end)
	rec.GraceEndsAt = derefTime(graceAt)
	return &rec, nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, account.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
