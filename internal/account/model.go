package account

import (
	"strings"
	"time"
)

// Account is the canonical application user record.
type Account struct {
	ID                 string
	ExternalSubjectID  string // social identity provider subject, unique when set
	ExternalEmail      string // provider-sourced, secondary
	PaymentEmail       string // payer email of record, unique when set
	Handle             string
	AvatarRef          string
	IsAdmin            bool
	IsManuallyEntitled bool
	IsSubscriber       bool
	SubscriptionRef    string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsPlaceholder reports whether the account was created from payment data
// alone and has never been bound to a social identity.
func (a *Account) IsPlaceholder() bool {
	return a.ExternalSubjectID == "" && a.ExternalEmail == ""
}

// SubscriptionRecord mirrors one provider subscription.
type SubscriptionRecord struct {
	ID                     string
	AccountRef             string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	Status                 Status
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	GraceEndsAt            time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NormalizeEmail trims and lower-cases an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
