// Package storetest holds the behavioural contract every account.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"portal-auth/internal/account"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store against the account.Store contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) account.Store) {
	t.Run("AccountRoundTrip", func(t *testing.T) { testAccountRoundTrip(t, newStore(t)) })
	t.Run("AccountUniqueKeys", func(t *testing.T) { testAccountUniqueKeys(t, newStore(t)) })
	t.Run("ConcurrentCreateSameSubject", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("SubscriptionRoundTrip", func(t *testing.T) { testSubscriptionRoundTrip(t, newStore(t)) })
	t.Run("SubscriptionUniqueProviderID", func(t *testing.T) { testSubscriptionUnique(t, newStore(t)) })
	t.Run("ListByStatus", func(t *testing.T) { testListByStatus(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ColumnScopedWrites", func(t *testing.T) { testColumnScopedWrites(t, newStore(t)) })
}

func testAccountRoundTrip(t *testing.T, s account.Store) {
	ctx := context.Background()
	a := &account.Account{
		ExternalSubjectID: "D1",
		ExternalEmail:     "D1@X.com",
		PaymentEmail:      "Pay@X.com",
		Handle:            "dee",
		IsAdmin:           true,
	}
	require.NoError(t, s.CreateAccount(ctx, a))
	require.NotEmpty(t, a.ID)

	got, err := s.GetAccountBySubjectID(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "d1@x.com", got.ExternalEmail)
	assert.Equal(t, "pay@x.com", got.PaymentEmail)
	assert.True(t, got.IsAdmin)
	assert.False(t, got.IsManuallyEntitled)

	got, err = s.GetAccountByPaymentEmail(ctx, " PAY@x.com")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got.IsManuallyEntitled = true
	got.AvatarRef = "avatar-1"
	require.NoError(t, s.UpdateAccount(ctx, got))

	again, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, again.IsManuallyEntitled)
	assert.Equal(t, "avatar-1", again.AvatarRef)
}

func testAccountUniqueKeys(t *testing.T, s account.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, &account.Account{ExternalSubjectID: "D1", PaymentEmail: "a@x.com"}))

	err := s.CreateAccount(ctx, &account.Account{ExternalSubjectID: "D1"})
	assert.ErrorIs(t, err, account.ErrDuplicate)

	err = s.CreateAccount(ctx, &account.Account{ExternalSubjectID: "D2", PaymentEmail: "A@x.com"})
	assert.ErrorIs(t, err, account.ErrDuplicate)

	// empty keys never collide
	require.NoError(t, s.CreateAccount(ctx, &account.Account{Handle: "one"}))
	require.NoError(t, s.CreateAccount(ctx, &account.Account{Handle: "two"}))

	other := &account.Account{ExternalSubjectID: "D3"}
	require.NoError(t, s.CreateAccount(ctx, other))
	other.PaymentEmail = "a@x.com"
	assert.ErrorIs(t, s.UpdateAccount(ctx, other), account.ErrDuplicate)
}

func testConcurrentCreate(t *testing.T, s account.Store) {
	ctx := context.Background()
	const n = 8

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		duplicates int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateAccount(ctx, &account.Account{ExternalSubjectID: "race"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case assert.ErrorIs(t, err, account.ErrDuplicate):
				duplicates++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, duplicates)
}

func testSubscriptionRoundTrip(t *testing.T, s account.Store) {
	ctx := context.Background()
	a := &account.Account{ExternalSubjectID: "D1"}
	require.NoError(t, s.CreateAccount(ctx, a))

	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	rec := &account.SubscriptionRecord{
		AccountRef:             a.ID,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		Status:                 account.StatusActive,
		CurrentPeriodStart:     end.AddDate(0, -1, 0),
		CurrentPeriodEnd:       end,
		GraceEndsAt:            end.Add(48 * time.Hour),
	}
	require.NoError(t, s.CreateSubscription(ctx, rec))
	require.NotEmpty(t, rec.ID)

	got, err := s.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, a.ID, got.AccountRef)
	assert.Equal(t, account.StatusActive, got.Status)
	assert.True(t, end.Equal(got.CurrentPeriodEnd))
	assert.True(t, end.Add(48*time.Hour).Equal(got.GraceEndsAt))

	got.Status = account.StatusCanceled
	got.CancelAtPeriodEnd = true
	require.NoError(t, s.UpdateSubscription(ctx, got))

	again, err := s.GetSubscription(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, account.StatusCanceled, again.Status)
	assert.True(t, again.CancelAtPeriodEnd)

	a.SubscriptionRef = rec.ID
	require.NoError(t, s.UpdateAccount(ctx, a))
	reloaded, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, reloaded.SubscriptionRef)
}

func testSubscriptionUnique(t *testing.T, s account.Store) {
	ctx := context.Background()
	a := &account.Account{ExternalSubjectID: "D1"}
	require.NoError(t, s.CreateAccount(ctx, a))

	rec := &account.SubscriptionRecord{AccountRef: a.ID, ProviderSubscriptionID: "sub_1", Status: account.StatusActive}
	require.NoError(t, s.CreateSubscription(ctx, rec))

	dup := &account.SubscriptionRecord{AccountRef: a.ID, ProviderSubscriptionID: "sub_1", Status: account.StatusActive}
	assert.ErrorIs(t, s.CreateSubscription(ctx, dup), account.ErrDuplicate)
}

func testListByStatus(t *testing.T, s account.Store) {
	ctx := context.Background()
	a := &account.Account{ExternalSubjectID: "D1"}
	require.NoError(t, s.CreateAccount(ctx, a))

	for id, st := range map[string]account.Status{
		"sub_a": account.StatusActive,
		"sub_p": account.StatusPastDue,
		"sub_u": account.StatusUnpaid,
		"sub_c": account.StatusCanceled,
	} {
		require.NoError(t, s.CreateSubscription(ctx, &account.SubscriptionRecord{
			AccountRef: a.ID, ProviderSubscriptionID: id, Status: st,
		}))
	}

	recs, err := s.ListSubscriptionsByStatus(ctx, account.StatusPastDue, account.StatusUnpaid)
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ProviderSubscriptionID)
	}
	assert.ElementsMatch(t, []string{"sub_p", "sub_u"}, ids)
}

func testNotFound(t *testing.T, s account.Store) {
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, account.ErrNotFound)
	_, err = s.GetAccountBySubjectID(ctx, "nobody")
	assert.ErrorIs(t, err, account.ErrNotFound)
	_, err = s.GetAccountByPaymentEmail(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, account.ErrNotFound)
	_, err = s.GetSubscriptionByProviderID(ctx, "sub_missing")
	assert.ErrorIs(t, err, account.ErrNotFound)

	err = s.UpdateAccount(ctx, &account.Account{ID: "00000000-0000-0000-0000-000000000000"})
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func testColumnScopedWrites(t *testing.T, s account.Store) {
	ctx := context.Background()
	a := &account.Account{ExternalSubjectID: "D1", IsManuallyEntitled: true}
	require.NoError(t, s.CreateAccount(ctx, a))
	rec := &account.SubscriptionRecord{AccountRef: a.ID, ProviderSubscriptionID: "sub_1", Status: account.StatusActive}
	require.NoError(t, s.CreateSubscription(ctx, rec))

	// a snapshot taken before the attach
	stale, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)

	require.NoError(t, s.AttachSubscription(ctx, a.ID, rec.ID, true))

	stale.PaymentEmail = "Pay@X.com"
	stale.Handle = "dee"
	require.NoError(t, s.UpdateIdentity(ctx, stale))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "pay@x.com", got.PaymentEmail)
	assert.Equal(t, "dee", got.Handle)
	assert.Equal(t, rec.ID, got.SubscriptionRef)
	assert.True(t, got.IsSubscriber)
	assert.True(t, got.IsManuallyEntitled)

	// a non-entitling attach never clears the flag
	require.NoError(t, s.AttachSubscription(ctx, a.ID, rec.ID, false))
	got, err = s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSubscriber)

	// detach is a no-op once the reference moved on
	other := &account.SubscriptionRecord{AccountRef: a.ID, ProviderSubscriptionID: "sub_2", Status: account.StatusActive}
	require.NoError(t, s.CreateSubscription(ctx, other))
	require.NoError(t, s.DetachSubscription(ctx, a.ID, other.ID))
	got, err = s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.SubscriptionRef)

	require.NoError(t, s.DetachSubscription(ctx, a.ID, rec.ID))
	got, err = s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SubscriptionRef)

	taken := &account.Account{ExternalSubjectID: "D2", PaymentEmail: "taken@x.com"}
	require.NoError(t, s.CreateAccount(ctx, taken))
	got.PaymentEmail = "taken@x.com"
	assert.ErrorIs(t, s.UpdateIdentity(ctx, got), account.ErrDuplicate)

	assert.ErrorIs(t, s.AttachSubscription(ctx, "00000000-0000-0000-0000-000000000000", rec.ID, true), account.ErrNotFound)
}
