// Package stripe implements payment.Provider on top of the Stripe API and
// receives Stripe webhooks.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"portal-auth/internal/auth"
	"portal-auth/internal/payment"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripecustomer "github.com/stripe/stripe-go/v82/customer"
	stripesubscription "github.com/stripe/stripe-go/v82/subscription"
)

var _ payment.Provider = (*Client)(nil)

// Client is a payment.Provider backed by the stripe-go package functions.
// The function fields exist so tests can stub the Stripe API.
type Client struct {
	listCustomers      func(*stripelib.CustomerListParams) ([]*stripelib.Customer, error)
	searchCustomers    func(*stripelib.CustomerSearchParams) ([]*stripelib.Customer, error)
	getCustomer        func(id string, params *stripelib.CustomerParams) (*stripelib.Customer, error)
	updateCustomer     func(id string, params *stripelib.CustomerParams) (*stripelib.Customer, error)
	listSubscriptions  func(*stripelib.SubscriptionListParams) ([]*stripelib.Subscription, error)
	getSubscription    func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	updateSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	getCheckoutSession func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewClient sets the Stripe API key and optional HTTP client, and returns
// a Client calling the live API.
func NewClient(apiKey string, httpClient *http.Client) *Client {
	stripelib.Key = strings.TrimSpace(apiKey)
	if httpClient != nil {
		stripelib.SetHTTPClient(httpClient)
	}

	return &Client{
		listCustomers: func(p *stripelib.CustomerListParams) ([]*stripelib.Customer, error) {
			it := stripecustomer.List(p)
			var out []*stripelib.Customer
			for it.Next() {
				out = append(out, it.Customer())
			}
			return out, it.Err()
		},
		searchCustomers: func(p *stripelib.CustomerSearchParams) ([]*stripelib.Customer, error) {
			it := stripecustomer.Search(p)
			var out []*stripelib.Customer
			for it.Next() {
				out = append(out, it.Customer())
			}
			return out, it.Err()
		},
		getCustomer:    stripecustomer.Get,
		updateCustomer: stripecustomer.Update,
		listSubscriptions: func(p *stripelib.SubscriptionListParams) ([]*stripelib.Subscription, error) {
			it := stripesubscription.List(p)
			var out []*stripelib.Subscription
			for it.Next() {
				out = append(out, it.Subscription())
			}
			return out, it.Err()
		},
		getSubscription:    stripesubscription.Get,
		updateSubscription: stripesubscription.Update,
		getCheckoutSession: stripesession.Get,
	}
}

func (c *Client) FindCustomersByEmail(ctx context.Context, email string) ([]payment.Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	params := &stripelib.CustomerListParams{Email: stripelib.String(email)}
	params.Context = ctx
	params.Limit = stripelib.Int64(10)

	found, err := c.listCustomers(params)
	if err != nil {
		return nil, wrapError("list customers", err)
	}
	return toCustomers(found), nil
}

func (c *Client) FindCustomersByMetadata(ctx context.Context, key, value string) ([]payment.Customer, error) {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
		return nil, nil
	}
	params := &stripelib.CustomerSearchParams{
		SearchParams: stripelib.SearchParams{Query: metadataQuery(key, value)},
	}
	params.Context = ctx

	found, err := c.searchCustomers(params)
	if err != nil {
		return nil, wrapError("search customers", err)
	}
	return toCustomers(found), nil
}

// GetCustomer returns a deleted customer as payment.ErrNotFound.
func (c *Client) GetCustomer(ctx context.Context, id string) (*payment.Customer, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx

	found, err := c.getCustomer(id, params)
	if err != nil {
		return nil, wrapError("get customer", err)
	}
	out := toCustomers([]*stripelib.Customer{found})
	if len(out) == 0 {
		return nil, fmt.Errorf("stripe get customer %s: %w", id, payment.ErrNotFound)
	}
	return &out[0], nil
}

func (c *Client) ListSubscriptions(ctx context.Context, customerID string) ([]payment.Subscription, error) {
	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Context = ctx

	found, err := c.listSubscriptions(params)
	if err != nil {
		return nil, wrapError("list subscriptions", err)
	}
	out := make([]payment.Subscription, 0, len(found))
	for _, s := range found {
		if s == nil {
			continue
		}
		out = append(out, toSubscription(s))
	}
	return out, nil
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*payment.Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	s, err := c.getSubscription(id, params)
	if err != nil {
		return nil, wrapError("get subscription", err)
	}
	out := toSubscription(s)
	return &out, nil
}

func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*payment.CheckoutSession, error) {
	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx

	s, err := c.getCheckoutSession(id, params)
	if err != nil {
		return nil, wrapError("get checkout session", err)
	}
	out := toCheckoutSession(s)
	return &out, nil
}

func (c *Client) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error {
	params := &stripelib.CustomerParams{}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if _, err := c.updateCustomer(customerID, params); err != nil {
		return wrapError("update customer metadata", err)
	}
	return nil
}

func (c *Client) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if _, err := c.updateSubscription(subscriptionID, params); err != nil {
		return wrapError("update subscription metadata", err)
	}
	return nil
}

// metadataQuery builds a Stripe search query matching one metadata value.
func metadataQuery(key, value string) string {
	escape := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return fmt.Sprintf("metadata['%s']:'%s'", escape.Replace(key), escape.Replace(value))
}

func wrapError(op string, err error) error {
	var serr *stripelib.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("stripe %s: %w", op, payment.ErrNotFound)
	}
	return fmt.Errorf("%w: stripe %s: %w", auth.ErrProvider, op, err)
}

func toCustomers(in []*stripelib.Customer) []payment.Customer {
	out := make([]payment.Customer, 0, len(in))
	for _, c := range in {
		if c == nil || c.Deleted {
			continue
		}
		out = append(out, payment.Customer{
			ID:       c.ID,
			Email:    c.Email,
			Metadata: copyMetadata(c.Metadata),
		})
	}
	return out
}

// toSubscription flattens a Stripe subscription. Billing periods live on
// the subscription items; the widest span across items is used.
func toSubscription(s *stripelib.Subscription) payment.Subscription {
	out := payment.Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          copyMetadata(s.Metadata),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items == nil {
		return out
	}
	for _, item := range s.Items.Data {
		if item == nil {
			continue
		}
		if item.CurrentPeriodStart > 0 {
			start := time.Unix(item.CurrentPeriodStart, 0).UTC()
			if out.CurrentPeriodStart.IsZero() || start.Before(out.CurrentPeriodStart) {
				out.CurrentPeriodStart = start
			}
		}
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			if end.After(out.CurrentPeriodEnd) {
				out.CurrentPeriodEnd = end
			}
		}
	}
	return out
}

func toCheckoutSession(s *stripelib.CheckoutSession) payment.CheckoutSession {
	out := payment.CheckoutSession{
		ID:            s.ID,
		Complete:      s.Status == stripelib.CheckoutSessionStatusComplete,
		CustomerEmail: strings.TrimSpace(s.CustomerEmail),
		Metadata:      copyMetadata(s.Metadata),
	}
	if s.CustomerDetails != nil && strings.TrimSpace(s.CustomerDetails.Email) != "" {
		out.CustomerEmail = strings.TrimSpace(s.CustomerDetails.Email)
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
