package resolver

import (
	"context"

	"portal-auth/internal/account"
	"portal-auth/internal/payment"

	"golang.org/x/sync/errgroup"
)

// ProviderView is the payment provider's picture of the caller.
// ActiveSubscription is the first subscription whose normalized status is
// active, trialing or past_due; ActiveCustomer owns it.
type ProviderView struct {
	Customers          []payment.Customer
	ActiveSubscription *payment.Subscription
	ActiveCustomer     *payment.Customer
}

const viewConcurrency = 4

// buildView queries the provider by subject-id metadata and by each hinted
// email concurrently. Customers are ordered subject match first, then
// payment email, then provider email.
func buildView(ctx context.Context, p payment.Provider, h Hints) (ProviderView, error) {
	if p == nil {
		return ProviderView{}, nil
	}

	var lookups []func(context.Context) ([]payment.Customer, error)
	if h.ExternalSubjectID != "" {
		subject := h.ExternalSubjectID
		lookups = append(lookups, func(ctx context.Context) ([]payment.Customer, error) {
			return p.FindCustomersByMetadata(ctx, payment.MetadataSubjectID, subject)
		})
	}
	for _, email := range distinct(h.PaymentEmail, h.ExternalEmail) {
		email := email
		lookups = append(lookups, func(ctx context.Context) ([]payment.Customer, error) {
			return p.FindCustomersByEmail(ctx, email)
		})
	}
	if len(lookups) == 0 {
		return ProviderView{}, nil
	}

	results := make([][]payment.Customer, len(lookups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(viewConcurrency)
	for i, lookup := range lookups {
		i, lookup := i, lookup
		g.Go(func() error {
			found, err := lookup(gctx)
			results[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return ProviderView{}, err
	}

	var view ProviderView
	seen := make(map[string]bool)
	for _, batch := range results {
		for _, c := range batch {
			if c.ID == "" || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			view.Customers = append(view.Customers, c)
		}
	}

	subs := make([][]payment.Subscription, len(view.Customers))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(viewConcurrency)
	for i, c := range view.Customers {
		i, id := i, c.ID
		g.Go(func() error {
			list, err := p.ListSubscriptions(gctx, id)
			subs[i] = list
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return ProviderView{}, err
	}

	for i := range view.Customers {
		for j := range subs[i] {
			if account.NormalizeStatus(subs[i][j].Status).Live() {
				sub := subs[i][j]
				if sub.CustomerID == "" {
					sub.CustomerID = view.Customers[i].ID
				}
				cust := view.Customers[i]
				view.ActiveSubscription = &sub
				view.ActiveCustomer = &cust
				return view, nil
			}
		}
	}
	return view, nil
}

func distinct(values ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
