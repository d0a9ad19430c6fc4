package resolver

import (
	"context"
	"errors"

	"portal-auth/internal/account"
	"portal-auth/internal/payment"
)

// ErrInsufficientHints is returned when the hints carry nothing to
// resolve on.
var ErrInsufficientHints = errors.New("resolver: no subject id, email or prior account id")

// Resolver determines which account an authentication event belongs to.
// It is the ONLY place where identity-to-account mapping logic lives.
type Resolver interface {
	Resolve(ctx context.Context, hints Hints) (*Resolution, error)
}

// Hints are the transient identity signals of one authentication event.
// Handle and AvatarRef are profile facts used only to refresh fields.
type Hints struct {
	ExternalSubjectID string
	ExternalEmail     string
	PaymentEmail      string
	PriorAccountID    string
	VerificationCode  string

	Handle    string
	AvatarRef string
}

func (h Hints) empty() bool {
	return h.ExternalSubjectID == "" && h.ExternalEmail == "" &&
		h.PaymentEmail == "" && h.PriorAccountID == ""
}

func (h Hints) normalized() Hints {
	h.ExternalEmail = account.NormalizeEmail(h.ExternalEmail)
	h.PaymentEmail = account.NormalizeEmail(h.PaymentEmail)
	return h
}

// MatchedBy names the strategy that found the account.
type MatchedBy string

const (
	MatchedPriorAccount      MatchedBy = "prior_account"
	MatchedSubscriptionOwner MatchedBy = "subscription_owner"
	MatchedSubjectID         MatchedBy = "subject_id"
	MatchedPaymentEmail      MatchedBy = "payment_email"
	MatchedStampedMetadata   MatchedBy = "stamped_metadata"
	MatchedCreated           MatchedBy = "created"
)

// Resolution is the outcome of Resolve. ActiveSubscription is the
// provider subscription the linker should attach, if any.
type Resolution struct {
	Account            *account.Account
	ActiveSubscription *payment.Subscription
	Customer           *payment.Customer
	MatchedBy          MatchedBy
	Created            bool
}
