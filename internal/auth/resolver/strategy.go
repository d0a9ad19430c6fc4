package resolver

import (
	"context"
	"errors"

	"portal-auth/internal/account"
	"portal-auth/internal/payment"
)

// Input is what a strategy sees: the normalized hints and the payment
// provider's view of the caller.
type Input struct {
	Hints Hints
	View  ProviderView
}

// Strategy finds an existing account or returns (nil, nil) for no match.
type Strategy struct {
	Name MatchedBy
	Find func(ctx context.Context, in *Input, store account.Store) (*account.Account, error)
}

// DefaultStrategies returns the canonical priority order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: MatchedPriorAccount, Find: byPriorAccount},
		{Name: MatchedSubscriptionOwner, Find: bySubscriptionOwner},
		{Name: MatchedSubjectID, Find: bySubjectID},
		{Name: MatchedPaymentEmail, Find: byPaymentEmail},
		{Name: MatchedStampedMetadata, Find: byStampedMetadata},
	}
}

// firstMatch runs strategies in order and returns the first hit.
func firstMatch(ctx context.Context, strategies []Strategy, in *Input, store account.Store) (*account.Account, MatchedBy, error) {
	for _, s := range strategies {
		a, err := s.Find(ctx, in, store)
		if err != nil {
			return nil, "", err
		}
		if a != nil {
			return a, s.Name, nil
		}
	}
	return nil, "", nil
}

func byPriorAccount(ctx context.Context, in *Input, store account.Store) (*account.Account, error) {
	if in.Hints.PriorAccountID == "" {
		return nil, nil
	}
	return found(store.GetAccount(ctx, in.Hints.PriorAccountID))
}

// bySubscriptionOwner follows the caller's live provider subscription to
// the account its local record is attached to.
func bySubscriptionOwner(ctx context.Context, in *Input, store account.Store) (*account.Account, error) {
	if in.View.ActiveSubscription == nil {
		return nil, nil
	}
	rec, err := store.GetSubscriptionByProviderID(ctx, in.View.ActiveSubscription.ID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return found(store.GetAccount(ctx, rec.AccountRef))
}

func bySubjectID(ctx context.Context, in *Input, store account.Store) (*account.Account, error) {
	if in.Hints.ExternalSubjectID == "" {
		return nil, nil
	}
	return found(store.GetAccountBySubjectID(ctx, in.Hints.ExternalSubjectID))
}

// byPaymentEmail tries the payment email hint, then the provider email,
// then the emails of the caller's provider customers.
func byPaymentEmail(ctx context.Context, in *Input, store account.Store) (*account.Account, error) {
	for _, email := range in.candidateEmails() {
		a, err := found(store.GetAccountByPaymentEmail(ctx, email))
		if err != nil || a != nil {
			return a, err
		}
	}
	return nil, nil
}

func byStampedMetadata(ctx context.Context, in *Input, store account.Store) (*account.Account, error) {
	for _, c := range in.View.Customers {
		id := c.Metadata[payment.MetadataAccountID]
		if id == "" {
			continue
		}
		a, err := found(store.GetAccount(ctx, id))
		if err != nil || a != nil {
			return a, err
		}
	}
	return nil, nil
}

func (in *Input) candidateEmails() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(email string) {
		email = account.NormalizeEmail(email)
		if email == "" || seen[email] {
			return
		}
		seen[email] = true
		out = append(out, email)
	}
	add(in.Hints.PaymentEmail)
	add(in.Hints.ExternalEmail)
	for _, c := range in.View.Customers {
		add(c.Email)
	}
	return out
}

func found(a *account.Account, err error) (*account.Account, error) {
	if errors.Is(err, account.ErrNotFound) {
		return nil, nil
	}
	return a, err
}
