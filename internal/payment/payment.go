// Package payment describes the payment provider as seen by the identity
// and subscription engine. It carries facts only; status normalization
// happens in the account package.
package payment

import (
	"context"
	"errors"
	"time"
)

// Metadata keys stamped on provider customers and subscriptions.
const (
	MetadataAccountID = "account_id"
	MetadataSubjectID = "subject_id"
)

// ErrNotFound is returned when the provider has no such object.
var ErrNotFound = errors.New("payment: not found")

// Customer is a payer at the provider.
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// Subscription is the provider's view of one subscription. Status is the
// raw provider string.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
}

// CheckoutSession is a completed (or pending) hosted checkout.
type CheckoutSession struct {
	ID             string
	Complete       bool
	CustomerID     string
	SubscriptionID string
	CustomerEmail  string
	Metadata       map[string]string
}

// Provider is the narrow payment provider surface used by the resolver,
// the linker and the checkout entry path.
type Provider interface {
	FindCustomersByEmail(ctx context.Context, email string) ([]Customer, error)
	FindCustomersByMetadata(ctx context.Context, key, value string) ([]Customer, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error
	UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error
}
