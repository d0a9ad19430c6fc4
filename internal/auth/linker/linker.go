// Package linker keeps exactly one SubscriptionRecord per provider
// subscription and attaches it to the resolved account.
package linker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"portal-auth/internal/account"
	"portal-auth/internal/logger"
	"portal-auth/internal/metrics"
	"portal-auth/internal/payment"
)

const maxAttempts = 3

// DefaultGracePeriod is added to the period end to compute GraceEndsAt.
const DefaultGracePeriod = 48 * time.Hour

// Linker is idempotent per provider subscription id. It holds no locks;
// the store's unique index on the provider id settles races.
type Linker struct {
	store account.Store
	grace time.Duration
}

func New(store account.Store, grace time.Duration) *Linker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Linker{store: store, grace: grace}
}

// Link refreshes or creates the record for sub and attaches it to a.
// A record whose owner is missing or a placeholder is re-pointed to a;
// a record owned by another bound account is refreshed only. On success
// a reflects the stored account.
func (l *Linker) Link(ctx context.Context, a *account.Account, sub payment.Subscription) (*account.SubscriptionRecord, error) {
	if a == nil || a.ID == "" {
		return nil, errors.New("link subscription: account is required")
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, errors.New("link subscription: provider subscription id is required")
	}

	rec, err := l.upsert(ctx, a, sub)
	if err != nil {
		return nil, err
	}

	if rec.AccountRef != a.ID {
		logger.Warn("subscription owned by another account, refreshed without re-pointing", map[string]any{
			"subscription_id": sub.ID,
			"owner":           rec.AccountRef,
			"account_id":      a.ID,
		})
		return rec, nil
	}

	if err := l.attach(ctx, a, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Refresh applies provider state to an existing record and marks its
// owner as a subscriber when the new status entitles.
func (l *Linker) Refresh(ctx context.Context, rec *account.SubscriptionRecord, sub payment.Subscription) (*account.SubscriptionRecord, error) {
	updated := *rec
	l.apply(&updated, sub)
	if err := l.store.UpdateSubscription(ctx, &updated); err != nil {
		return nil, fmt.Errorf("refresh subscription %s: %w", rec.ProviderSubscriptionID, err)
	}

	if updated.Status.Entitling() {
		owner, err := l.store.GetAccount(ctx, updated.AccountRef)
		switch {
		case errors.Is(err, account.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("load subscription owner: %w", err)
		default:
			if err := l.attach(ctx, owner, &updated); err != nil {
				return nil, err
			}
		}
	}
	return &updated, nil
}

func (l *Linker) upsert(ctx context.Context, a *account.Account, sub payment.Subscription) (*account.SubscriptionRecord, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, err := l.store.GetSubscriptionByProviderID(ctx, sub.ID)
		switch {
		case err == nil:
			l.apply(rec, sub)
			var previous *account.Account
			if rec.AccountRef != a.ID {
				repoint, owner, err := l.shouldRepoint(ctx, rec.AccountRef, a)
				if err != nil {
					return nil, err
				}
				if repoint {
					rec.AccountRef = a.ID
					previous = owner
				}
			}
			if err := l.store.UpdateSubscription(ctx, rec); err != nil {
				return nil, fmt.Errorf("update subscription %s: %w", sub.ID, err)
			}
			l.detach(ctx, previous, rec.ID)
			return rec, nil

		case errors.Is(err, account.ErrNotFound):
			rec = &account.SubscriptionRecord{
				AccountRef:             a.ID,
				ProviderSubscriptionID: sub.ID,
			}
			l.apply(rec, sub)
			err := l.store.CreateSubscription(ctx, rec)
			if errors.Is(err, account.ErrDuplicate) {
				metrics.DuplicateRetriesTotal.WithLabelValues("linker").Inc()
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("create subscription %s: %w", sub.ID, err)
			}
			return rec, nil

		default:
			return nil, fmt.Errorf("lookup subscription %s: %w", sub.ID, err)
		}
	}
	return nil, fmt.Errorf("link subscription %s: no convergence after %d attempts: %w",
		sub.ID, maxAttempts, account.ErrDuplicate)
}

// shouldRepoint reports whether the current owner is missing, or is a
// placeholder while a is bound to an identity. The placeholder is returned
// so its reference can be cleared.
func (l *Linker) shouldRepoint(ctx context.Context, ownerID string, a *account.Account) (bool, *account.Account, error) {
	owner, err := l.store.GetAccount(ctx, ownerID)
	if errors.Is(err, account.ErrNotFound) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("load subscription owner: %w", err)
	}
	return owner.IsPlaceholder() && !a.IsPlaceholder(), owner, nil
}

// detach clears a placeholder's reference to a record it no longer owns.
func (l *Linker) detach(ctx context.Context, previous *account.Account, recID string) {
	if previous == nil || previous.SubscriptionRef != recID {
		return
	}
	if err := l.store.DetachSubscription(ctx, previous.ID, recID); err != nil {
		logger.Warn("failed to detach placeholder account", map[string]any{
			"account_id": previous.ID,
			"error":      err.Error(),
		})
	}
}

// attach points the account at rec and sets IsSubscriber when the status
// entitles. Only those two columns are written, so identity fields filled
// by a concurrent resolve are kept. IsSubscriber is never cleared and
// IsManuallyEntitled is never touched.
func (l *Linker) attach(ctx context.Context, a *account.Account, rec *account.SubscriptionRecord) error {
	if err := l.store.AttachSubscription(ctx, a.ID, rec.ID, rec.Status.Entitling()); err != nil {
		return fmt.Errorf("attach subscription to account %s: %w", a.ID, err)
	}
	current, err := l.store.GetAccount(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", a.ID, err)
	}
	*a = *current
	return nil
}

func (l *Linker) apply(rec *account.SubscriptionRecord, sub payment.Subscription) {
	if sub.CustomerID != "" {
		rec.ProviderCustomerID = sub.CustomerID
	}
	rec.Status = account.NormalizeStatus(sub.Status)
	if !sub.CurrentPeriodStart.IsZero() {
		rec.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		rec.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
		rec.GraceEndsAt = rec.CurrentPeriodEnd.Add(l.grace)
	}
	rec.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
}
