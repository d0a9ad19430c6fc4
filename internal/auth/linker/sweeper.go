package linker

import (
	"context"
	"errors"
	"time"

	"portal-auth/internal/access"
	"portal-auth/internal/account"
	"portal-auth/internal/logger"
	"portal-auth/internal/metrics"
	"portal-auth/internal/payment"
)

const defaultSweepInterval = time.Hour

// Sweeper periodically re-reads lapsed subscriptions (past_due, unpaid)
// whose grace window has closed, refreshes them through the Linker and
// reports owners that lost access.
type Sweeper struct {
	store    account.Store
	linker   *Linker
	payments payment.Provider
	interval time.Duration
	onDenied func(*account.Account)
	now      func() time.Time

	// revoked remembers the state each record was denied in, so an
	// unchanged record is neither re-fetched nor revoked again.
	revoked map[string]sweepMark
}

type sweepMark struct {
	status    account.Status
	periodEnd int64
	graceEnds int64
}

func markOf(rec *account.SubscriptionRecord) sweepMark {
	return sweepMark{
		status:    rec.Status,
		periodEnd: rec.CurrentPeriodEnd.Unix(),
		graceEnds: rec.GraceEndsAt.Unix(),
	}
}

// NewSweeper creates a Sweeper. onDenied is called for every owner the
// gate denies after a refresh; it must not block.
func NewSweeper(store account.Store, linker *Linker, payments payment.Provider, interval time.Duration, onDenied func(*account.Account)) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if onDenied == nil {
		onDenied = func(*account.Account) {}
	}
	return &Sweeper{
		store:    store,
		linker:   linker,
		payments: payments,
		interval: interval,
		onDenied: onDenied,
		now:      time.Now,
		revoked:  make(map[string]sweepMark),
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("grace sweeper started", map[string]any{"interval": s.interval.String()})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("grace sweeper stopped", nil)
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of owners that were denied.
// Records already denied in an unchanged state are skipped. Sweep is not
// safe for concurrent use.
func (s *Sweeper) Sweep(ctx context.Context) int {
	recs, err := s.store.ListSubscriptionsByStatus(ctx, account.StatusPastDue, account.StatusUnpaid)
	if err != nil {
		logger.Error("grace sweeper: failed to list lapsed subscriptions", map[string]any{"error": err.Error()})
		return 0
	}

	denied := 0
	now := s.now()
	listed := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if ctx.Err() != nil {
			return denied
		}
		listed[rec.ID] = true
		if mark, ok := s.revoked[rec.ID]; ok && mark == markOf(rec) {
			metrics.GraceSweepsTotal.WithLabelValues("already_revoked").Inc()
			continue
		}
		delete(s.revoked, rec.ID)
		if access.CanAccess(rec, false, now) {
			metrics.GraceSweepsTotal.WithLabelValues("in_grace").Inc()
			continue
		}
		if s.sweepOne(ctx, rec, now) {
			denied++
		}
	}

	for id := range s.revoked {
		if !listed[id] {
			delete(s.revoked, id)
		}
	}
	return denied
}

func (s *Sweeper) sweepOne(ctx context.Context, rec *account.SubscriptionRecord, now time.Time) bool {
	state, err := s.payments.GetSubscription(ctx, rec.ProviderSubscriptionID)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		// gone at the provider
		state = &payment.Subscription{ID: rec.ProviderSubscriptionID, Status: string(account.StatusCanceled)}
	case err != nil:
		metrics.GraceSweepsTotal.WithLabelValues("provider_error").Inc()
		logger.Warn("grace sweeper: provider lookup failed", map[string]any{
			"subscription_id": rec.ProviderSubscriptionID,
			"error":           err.Error(),
		})
		return false
	}

	refreshed, err := s.linker.Refresh(ctx, rec, *state)
	if err != nil {
		metrics.GraceSweepsTotal.WithLabelValues("store_error").Inc()
		logger.Error("grace sweeper: refresh failed", map[string]any{
			"subscription_id": rec.ProviderSubscriptionID,
			"error":           err.Error(),
		})
		return false
	}

	owner, err := s.store.GetAccount(ctx, refreshed.AccountRef)
	if err != nil {
		metrics.GraceSweepsTotal.WithLabelValues("orphaned").Inc()
		return false
	}
	if owner.SubscriptionRef != "" && owner.SubscriptionRef != refreshed.ID {
		// owner moved on to another subscription
		metrics.GraceSweepsTotal.WithLabelValues("superseded").Inc()
		return false
	}

	decision := access.Decide(refreshed, owner.IsManuallyEntitled, now)
	if decision.Granted {
		metrics.GraceSweepsTotal.WithLabelValues("restored").Inc()
		return false
	}

	metrics.GraceSweepsTotal.WithLabelValues("revoked").Inc()
	logger.Info("grace sweeper: access lapsed", map[string]any{
		"account_id":      owner.ID,
		"subscription_id": refreshed.ProviderSubscriptionID,
		"status":          string(refreshed.Status),
		"reason":          string(decision.Reason),
	})
	s.revoked[refreshed.ID] = markOf(refreshed)
	s.onDenied(owner)
	return true
}
