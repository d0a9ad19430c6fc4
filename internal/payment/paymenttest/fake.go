// Package paymenttest provides an in-memory payment.Provider for tests.
package paymenttest

import (
	"context"
	"strings"
	"sync"

	"portal-auth/internal/payment"
)

// Fake is a concurrency-safe in-memory payment.Provider. Setting Err makes
// every call fail with it.
type Fake struct {
	mu            sync.Mutex
	customers     map[string]*payment.Customer
	subscriptions map[string]*payment.Subscription
	sessions      map[string]*payment.CheckoutSession
	order         []string
	subOrder      []string

	Err error

	MetadataUpdates int
}

func NewFake() *Fake {
	return &Fake{
		customers:     make(map[string]*payment.Customer),
		subscriptions: make(map[string]*payment.Subscription),
		sessions:      make(map[string]*payment.CheckoutSession),
	}
}

func (f *Fake) AddCustomer(c payment.Customer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	if _, ok := f.customers[c.ID]; !ok {
		f.order = append(f.order, c.ID)
	}
	f.customers[c.ID] = &c
}

func (f *Fake) AddSubscription(s payment.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	if _, ok := f.subscriptions[s.ID]; !ok {
		f.subOrder = append(f.subOrder, s.ID)
	}
	f.subscriptions[s.ID] = &s
}

// SetSubscriptionStatus changes the status of a stored subscription.
func (f *Fake) SetSubscriptionStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subscriptions[id]; ok {
		s.Status = status
	}
}

func (f *Fake) AddCheckoutSession(s payment.CheckoutSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = &s
}

// Customer returns a copy of the stored customer.
func (f *Fake) Customer(id string) (payment.Customer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[id]
	if !ok {
		return payment.Customer{}, false
	}
	return copyCustomer(c), true
}

// Subscription returns a copy of the stored subscription.
func (f *Fake) Subscription(id string) (payment.Subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscriptions[id]
	if !ok {
		return payment.Subscription{}, false
	}
	return copySubscription(s), true
}

func (f *Fake) FindCustomersByEmail(_ context.Context, email string) ([]payment.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []payment.Customer
	for _, id := range f.order {
		c := f.customers[id]
		if strings.EqualFold(strings.TrimSpace(c.Email), strings.TrimSpace(email)) {
			out = append(out, copyCustomer(c))
		}
	}
	return out, nil
}

func (f *Fake) FindCustomersByMetadata(_ context.Context, key, value string) ([]payment.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []payment.Customer
	for _, id := range f.order {
		c := f.customers[id]
		if c.Metadata[key] == value {
			out = append(out, copyCustomer(c))
		}
	}
	return out, nil
}

func (f *Fake) GetCustomer(_ context.Context, id string) (*payment.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c, ok := f.customers[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	cp := copyCustomer(c)
	return &cp, nil
}

func (f *Fake) ListSubscriptions(_ context.Context, customerID string) ([]payment.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []payment.Subscription
	for _, id := range f.subOrder {
		s := f.subscriptions[id]
		if s.CustomerID == customerID {
			out = append(out, copySubscription(s))
		}
	}
	return out, nil
}

func (f *Fake) GetSubscription(_ context.Context, id string) (*payment.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s, ok := f.subscriptions[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	cp := copySubscription(s)
	return &cp, nil
}

func (f *Fake) GetCheckoutSession(_ context.Context, id string) (*payment.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *Fake) UpdateCustomerMetadata(_ context.Context, customerID string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	c, ok := f.customers[customerID]
	if !ok {
		return payment.ErrNotFound
	}
	for k, v := range metadata {
		c.Metadata[k] = v
	}
	f.MetadataUpdates++
	return nil
}

func (f *Fake) UpdateSubscriptionMetadata(_ context.Context, subscriptionID string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	s, ok := f.subscriptions[subscriptionID]
	if !ok {
		return payment.ErrNotFound
	}
	for k, v := range metadata {
		s.Metadata[k] = v
	}
	f.MetadataUpdates++
	return nil
}

func copyCustomer(c *payment.Customer) payment.Customer {
	cp := *c
	cp.Metadata = make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

func copySubscription(s *payment.Subscription) payment.Subscription {
	cp := *s
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}
