package resolver

import (
	"context"
	"errors"
	"fmt"

	"portal-auth/internal/account"
	"portal-auth/internal/logger"
	"portal-auth/internal/metrics"
	"portal-auth/internal/payment"
)

// maxAttempts bounds the re-query loop that absorbs unique-key races.
const maxAttempts = 3

// StoreResolver resolves hints against the account store, consulting the
// payment provider for subscription ownership and stamped metadata.
// It holds no locks; concurrent callers converge through the store's
// unique indexes.
type StoreResolver struct {
	store      account.Store
	payments   payment.Provider
	strategies []Strategy
}

// NewStoreResolver returns a resolver using DefaultStrategies. payments
// may be nil, in which case only the store is consulted.
func NewStoreResolver(store account.Store, payments payment.Provider) *StoreResolver {
	return &StoreResolver{
		store:      store,
		payments:   payments,
		strategies: DefaultStrategies(),
	}
}

func (r *StoreResolver) Resolve(ctx context.Context, hints Hints) (*Resolution, error) {
	h := hints.normalized()
	if h.empty() {
		return nil, ErrInsufficientHints
	}

	view, err := buildView(ctx, r.payments, h)
	if err != nil {
		logger.Warn("payment provider lookup failed, resolving from store only", map[string]any{
			"subject_id": h.ExternalSubjectID,
			"error":      err.Error(),
		})
		metrics.ProviderFallbacksTotal.Inc()
		view = ProviderView{}
	}
	in := &Input{Hints: h, View: view}

	res, err := r.findOrCreate(ctx, in)
	if err != nil {
		return nil, err
	}

	res.ActiveSubscription = view.ActiveSubscription
	res.Customer = view.ActiveCustomer
	if res.Customer == nil && len(view.Customers) > 0 {
		first := view.Customers[0]
		res.Customer = &first
	}
	r.stampCustomer(ctx, res)

	metrics.ResolutionsTotal.WithLabelValues(string(res.MatchedBy)).Inc()
	logger.Info("account resolved", map[string]any{
		"account_id":  res.Account.ID,
		"matched_by":  string(res.MatchedBy),
		"created":     res.Created,
		"has_sub":     res.ActiveSubscription != nil,
		"subject_id":  h.ExternalSubjectID,
		"prior_given": h.PriorAccountID != "",
	})
	return res, nil
}

func (r *StoreResolver) findOrCreate(ctx context.Context, in *Input) (*Resolution, error) {
	conservative := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		a, by, err := firstMatch(ctx, r.strategies, in, r.store)
		if err != nil {
			return nil, fmt.Errorf("resolve account: %w", err)
		}

		if a == nil {
			// re-query immediately before creating
			a, by, err = firstMatch(ctx, r.strategies, in, r.store)
			if err != nil {
				return nil, fmt.Errorf("resolve account: %w", err)
			}
		}

		if a == nil {
			created, err := r.create(ctx, in)
			if errors.Is(err, account.ErrDuplicate) {
				metrics.DuplicateRetriesTotal.WithLabelValues("resolver").Inc()
				logger.Debug("account created concurrently, re-querying", map[string]any{
					"subject_id": in.Hints.ExternalSubjectID,
					"attempt":    attempt,
				})
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("create account: %w", err)
			}
			return &Resolution{Account: created, MatchedBy: MatchedCreated, Created: true}, nil
		}

		merged, err := r.merge(ctx, a, in, conservative)
		if errors.Is(err, account.ErrDuplicate) {
			metrics.DuplicateRetriesTotal.WithLabelValues("resolver").Inc()
			// another account owns a key we tried to fill; keep unique
			// fields as they are on the next pass
			conservative = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("merge account %s: %w", a.ID, err)
		}
		return &Resolution{Account: merged, MatchedBy: by}, nil
	}

	return nil, fmt.Errorf("resolve account: no convergence after %d attempts: %w", maxAttempts, account.ErrDuplicate)
}

func (r *StoreResolver) create(ctx context.Context, in *Input) (*account.Account, error) {
	a := &account.Account{
		ExternalSubjectID: in.Hints.ExternalSubjectID,
		ExternalEmail:     in.Hints.ExternalEmail,
		PaymentEmail:      in.paymentEmail(),
		Handle:            in.Hints.Handle,
		AvatarRef:         in.Hints.AvatarRef,
	}
	if err := r.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// merge fills empty authoritative fields and refreshes provider-sourced
// ones. An existing PaymentEmail is never replaced; the provider email
// always lands in ExternalEmail. In conservative mode the unique fields
// (subject id, payment email) are left alone.
func (r *StoreResolver) merge(ctx context.Context, a *account.Account, in *Input, conservative bool) (*account.Account, error) {
	h := in.Hints
	updated := *a

	if !conservative {
		if updated.ExternalSubjectID == "" {
			updated.ExternalSubjectID = h.ExternalSubjectID
		}
		if updated.PaymentEmail == "" {
			updated.PaymentEmail = in.paymentEmail()
		}
	}
	if h.ExternalEmail != "" {
		updated.ExternalEmail = h.ExternalEmail
	}
	if h.Handle != "" {
		updated.Handle = h.Handle
	}
	if h.AvatarRef != "" {
		updated.AvatarRef = h.AvatarRef
	}

	if updated == *a {
		return a, nil
	}
	// a was read before this write; only identity columns go back so a
	// concurrent subscription attach or entitlement change survives
	if err := r.store.UpdateIdentity(ctx, &updated); err != nil {
		return nil, err
	}
	return r.store.GetAccount(ctx, a.ID)
}

// paymentEmail picks the billing email for an account that has none:
// the provider customer's email, else the payment email hint, else the
// provider identity email.
func (in *Input) paymentEmail() string {
	if c := in.View.ActiveCustomer; c != nil && c.Email != "" {
		return account.NormalizeEmail(c.Email)
	}
	for _, c := range in.View.Customers {
		if c.Email != "" {
			return account.NormalizeEmail(c.Email)
		}
	}
	if in.Hints.PaymentEmail != "" {
		return in.Hints.PaymentEmail
	}
	return in.Hints.ExternalEmail
}

// stampCustomer records the account id (and subject id) on the provider
// customer so later lookups can match by metadata. Best-effort; existing
// values are never overwritten.
func (r *StoreResolver) stampCustomer(ctx context.Context, res *Resolution) {
	if r.payments == nil || res.Customer == nil {
		return
	}

	meta := make(map[string]string)
	if res.Customer.Metadata[payment.MetadataAccountID] == "" {
		meta[payment.MetadataAccountID] = res.Account.ID
	}
	if res.Account.ExternalSubjectID != "" && res.Customer.Metadata[payment.MetadataSubjectID] == "" {
		meta[payment.MetadataSubjectID] = res.Account.ExternalSubjectID
	}
	if len(meta) == 0 {
		return
	}

	if err := r.payments.UpdateCustomerMetadata(ctx, res.Customer.ID, meta); err != nil {
		logger.Warn("failed to stamp customer metadata", map[string]any{
			"customer_id": res.Customer.ID,
			"account_id":  res.Account.ID,
			"error":       err.Error(),
		})
	}
}
