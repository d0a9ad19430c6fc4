package account

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("account: not found")

	// ErrDuplicate is returned when a write violates a unique key
	// (subject id, payment email, provider subscription id).
	ErrDuplicate = errors.New("account: duplicate")
)

// Store persists accounts and subscription records. Implementations must
// enforce the unique keys at the storage layer; no multi-record
// transactions are assumed.
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountBySubjectID(ctx context.Context, subjectID string) (*Account, error)
	GetAccountByPaymentEmail(ctx context.Context, email string) (*Account, error)
	CreateAccount(ctx context.Context, a *Account) error
	// UpdateAccount writes every column of a. It is meant for
	// administrative edits; the resolver and linker use the
	// column-scoped writes below.
	UpdateAccount(ctx context.Context, a *Account) error

	// UpdateIdentity writes only the identity columns of a (subject id,
	// emails, handle, avatar). Entitlement columns are left as stored.
	UpdateIdentity(ctx context.Context, a *Account) error
	// AttachSubscription points the account at subscriptionID and sets
	// IsSubscriber when entitling. IsSubscriber is never cleared.
	AttachSubscription(ctx context.Context, accountID, subscriptionID string, entitling bool) error
	// DetachSubscription clears SubscriptionRef only while it still
	// equals subscriptionID.
	DetachSubscription(ctx context.Context, accountID, subscriptionID string) error

	GetSubscription(ctx context.Context, id string) (*SubscriptionRecord, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*SubscriptionRecord, error)
	CreateSubscription(ctx context.Context, s *SubscriptionRecord) error
	UpdateSubscription(ctx context.Context, s *SubscriptionRecord) error
	ListSubscriptionsByStatus(ctx context.Context, statuses ...Status) ([]*SubscriptionRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
