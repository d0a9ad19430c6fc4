package flow

import (
	"context"
	"errors"
	"fmt"

	"portal-auth/internal/access"
	"portal-auth/internal/account"
	"portal-auth/internal/logger"
	"portal-auth/internal/payment"
	"portal-auth/internal/payment/stripe"
)

var _ stripe.EventSink = (*Service)(nil)

// CheckoutCompleted handles the payment provider's asynchronous
// checkout notification. It races the synchronous CheckoutComplete call;
// the resolver and linker make both orders converge on one account and
// one record.
func (s *Service) CheckoutCompleted(ctx context.Context, cs payment.CheckoutSession) error {
	if !cs.Complete {
		return nil
	}

	res, err := s.resolver.Resolve(ctx, checkoutHints(cs))
	if err != nil {
		return fmt.Errorf("resolve checkout payer: %w", err)
	}

	rec, err := s.linkActive(ctx, res.Account, res.ActiveSubscription, cs.SubscriptionID)
	if err != nil {
		return err
	}

	logger.Info("checkout reconciled", map[string]any{
		"session_id": cs.ID,
		"account_id": res.Account.ID,
		"matched_by": string(res.MatchedBy),
		"linked":     rec != nil,
	})
	s.afterChange(res.Account, rec)
	return nil
}

// SubscriptionChanged refreshes the record for sub. An unseen
// subscription is linked to the account named by its metadata; without
// metadata it is left for the next login to link.
func (s *Service) SubscriptionChanged(ctx context.Context, sub payment.Subscription) error {
	rec, err := s.store.GetSubscriptionByProviderID(ctx, sub.ID)
	switch {
	case err == nil:
		refreshed, err := s.linker.Refresh(ctx, rec, sub)
		if err != nil {
			return err
		}
		owner, err := s.store.GetAccount(ctx, refreshed.AccountRef)
		if errors.Is(err, account.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load subscription owner: %w", err)
		}
		s.afterChange(owner, refreshed)
		return nil

	case errors.Is(err, account.ErrNotFound):
		return s.linkUnseen(ctx, sub)

	default:
		return fmt.Errorf("lookup subscription %s: %w", sub.ID, err)
	}
}

func (s *Service) linkUnseen(ctx context.Context, sub payment.Subscription) error {
	owner, err := s.metadataOwner(ctx, sub.Metadata)
	if err != nil {
		return err
	}
	if owner == nil {
		// a resubscribing payer carries the stamp on the customer only
		if owner, err = s.customerOwner(ctx, sub.CustomerID); err != nil {
			return err
		}
	}
	if owner == nil {
		logger.Debug("unseen subscription without owner metadata", map[string]any{
			"subscription_id": sub.ID,
			"customer_id":     sub.CustomerID,
		})
		return nil
	}

	rec, err := s.linker.Link(ctx, owner, sub)
	if err != nil {
		return err
	}
	s.stampSubscription(ctx, owner, rec, sub)
	s.afterChange(owner, rec)
	return nil
}

// customerOwner loads the account stamped on the subscription's customer.
// Provider failures are returned so the webhook is retried.
func (s *Service) customerOwner(ctx context.Context, customerID string) (*account.Account, error) {
	if customerID == "" || s.payments == nil {
		return nil, nil
	}
	c, err := s.payments.GetCustomer(ctx, customerID)
	if errors.Is(err, payment.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load customer %s: %w", customerID, err)
	}
	return s.metadataOwner(ctx, c.Metadata)
}

// metadataOwner loads the account stamped on provider metadata, by id
// first and subject id second. It never creates accounts.
func (s *Service) metadataOwner(ctx context.Context, meta map[string]string) (*account.Account, error) {
	if id := meta[payment.MetadataAccountID]; id != "" {
		a, err := s.store.GetAccount(ctx, id)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, account.ErrNotFound) {
			return nil, err
		}
	}
	if subject := meta[payment.MetadataSubjectID]; subject != "" {
		a, err := s.store.GetAccountBySubjectID(ctx, subject)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, account.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// afterChange reconciles community membership after a server-side
// change. Only the owner's current record counts.
func (s *Service) afterChange(owner *account.Account, rec *account.SubscriptionRecord) {
	if rec == nil || owner.SubscriptionRef != rec.ID {
		return
	}
	decision := access.Decide(rec, owner.IsManuallyEntitled, s.now())
	if decision.Granted {
		s.sync(owner, "")
		return
	}
	s.revoke(owner)
}
