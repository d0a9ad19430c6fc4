package linker

import (
	"context"
	"sync"
	"testing"
	"time"

	"portal-auth/internal/access"
	"portal-auth/internal/account"
	"portal-auth/internal/account/sqlite"
	"portal-auth/internal/payment"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var periodEnd = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) account.Store {
	t.Helper()
	s, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newAccount(t *testing.T, store account.Store, a *account.Account) *account.Account {
	t.Helper()
	require.NoError(t, store.CreateAccount(context.Background(), a))
	return a
}

func activeSub(status string) payment.Subscription {
	return payment.Subscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		Status:             status,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
	}
}

func TestLinkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := newAccount(t, store, &account.Account{ExternalSubjectID: "D1"})
	l := New(store, 0)

	first, err := l.Link(ctx, a, activeSub("active"))
	require.NoError(t, err)
	second, err := l.Link(ctx, a, activeSub("active"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, a.ID, second.AccountRef)
	assert.Equal(t, "cus_1", second.ProviderCustomerID)
	assert.Equal(t, account.StatusActive, second.Status)
	assert.True(t, periodEnd.Add(48*time.Hour).Equal(second.GraceEndsAt))

	assert.Equal(t, first.ID, a.SubscriptionRef)
	assert.True(t, a.IsSubscriber)

	stored, err := store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.SubscriptionRef)
	assert.True(t, stored.IsSubscriber)
}

func TestLinkConcurrentCallsCreateOneRecord(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := newAccount(t, store, &account.Account{ExternalSubjectID: "D1"})
	l := New(store, 0)

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local := *a
			rec, err := l.Link(ctx, &local, activeSub("active"))
			errs[i] = err
			if err == nil {
				ids[i] = rec.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	recs, err := store.ListSubscriptionsByStatus(ctx, account.StatusActive)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestLinkCanceledRefreshesWithoutClearingSubscriber(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := newAccount(t, store, &account.Account{ExternalSubjectID: "D1", IsManuallyEntitled: false})
	l := New(store, 0)

	first, err := l.Link(ctx, a, activeSub("active"))
	require.NoError(t, err)
	assert.True(t, access.CanAccess(first, a.IsManuallyEntitled, periodEnd.Add(-time.Hour)))

	second, err := l.Link(ctx, a, activeSub("canceled"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, account.StatusCanceled, second.Status)
	assert.False(t, access.CanAccess(second, a.IsManuallyEntitled, periodEnd.Add(-time.Hour)))

	stored, err := store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsSubscriber)
	assert.False(t, stored.IsManuallyEntitled)
}

func TestLinkUnknownStatusIsCanceled(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := newAccount(t, store, &account.Account{ExternalSubjectID: "D1"})

	rec, err := New(store, 0).Link(ctx, a, activeSub("paused_forever"))
	require.NoError(t, err)
	assert.Equal(t, account.StatusCanceled, rec.Status)
	assert.False(t, a.IsSubscriber)
	assert.Equal(t, rec.ID, a.SubscriptionRef)
}

func TestLinkLeavesManualEntitlement(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := newAccount(t, store, &account.Account{ExternalSubjectID: "D1", IsManuallyEntitled: true})

	_, err := New(store, 0).Link(ctx, a, activeSub("unpaid"))
	require.NoError(t, err)

	stored, err := store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsManuallyEntitled)
}

func TestLinkKeepsIdentityWrittenAfterRead(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := newAccount(t, store, &account.Account{ExternalSubjectID: "D1"})

	// a resolver fills the payment email after the caller's read
	stale := *a
	filled := *a
	filled.PaymentEmail = "pay@x.com"
	require.NoError(t, store.UpdateIdentity(ctx, &filled))

	_, err := New(store, 0).Link(ctx, &stale, activeSub("active"))
	require.NoError(t, err)

	stored, err := store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "pay@x.com", stored.PaymentEmail)
	assert.True(t, stored.IsSubscriber)
	assert.Equal(t, "pay@x.com", stale.PaymentEmail, "caller's copy reloaded")
}

func TestLinkRepointsPlaceholderOwner(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	placeholder := newAccount(t, store, &account.Account{PaymentEmail: "pay@x.com"})
	l := New(store, 0)

	rec, err := l.Link(ctx, placeholder, activeSub("active"))
	require.NoError(t, err)
	require.Equal(t, placeholder.ID, rec.AccountRef)

	bound := newAccount(t, store, &account.Account{ExternalSubjectID: "D1"})
	rec, err = l.Link(ctx, bound, activeSub("active"))
	require.NoError(t, err)
	assert.Equal(t, bound.ID, rec.AccountRef)
	assert.Equal(t, rec.ID, bound.SubscriptionRef)

	old, err := store.GetAccount(ctx, placeholder.ID)
	require.NoError(t, err)
	assert.Empty(t, old.SubscriptionRef)
}

func TestLinkRepointsOrphan(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.CreateSubscription(ctx, &account.SubscriptionRecord{
		AccountRef:             uuid.NewString(),
		ProviderSubscriptionID: "sub_1",
		Status:                 account.StatusActive,
	}))

	a := newAccount(t, store, &account.Account{ExternalSubjectID: "D1"})
	rec, err := New(store, 0).Link(ctx, a, activeSub("active"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, rec.AccountRef)
}

func TestLinkDoesNotStealFromBoundOwner(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	owner := newAccount(t, store, &account.Account{ExternalSubjectID: "D1"})
	other := newAccount(t, store, &account.Account{ExternalSubjectID: "D2"})
	l := New(store, 0)

	_, err := l.Link(ctx, owner, activeSub("active"))
	require.NoError(t, err)

	rec, err := l.Link(ctx, other, activeSub("past_due"))
	require.NoError(t, err)
	assert.Equal(t, owner.ID, rec.AccountRef)
	assert.Equal(t, account.StatusPastDue, rec.Status)
	assert.Empty(t, other.SubscriptionRef)
}

func TestLinkCustomGracePeriod(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := newAccount(t, store, &account.Account{ExternalSubjectID: "D1"})

	rec, err := New(store, 72*time.Hour).Link(ctx, a, activeSub("past_due"))
	require.NoError(t, err)
	assert.True(t, periodEnd.Add(72*time.Hour).Equal(rec.GraceEndsAt))
}

func TestLinkRequiresIDs(t *testing.T) {
	l := New(newStore(t), 0)
	_, err := l.Link(context.Background(), &account.Account{}, activeSub("active"))
	assert.Error(t, err)
	_, err = l.Link(context.Background(), &account.Account{ID: "x"}, payment.Subscription{})
	assert.Error(t, err)
}
