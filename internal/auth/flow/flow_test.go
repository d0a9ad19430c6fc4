package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"portal-auth/internal/access"
	"portal-auth/internal/account"
	"portal-auth/internal/account/sqlite"
	"portal-auth/internal/auth"
	"portal-auth/internal/auth/linkcode"
	"portal-auth/internal/auth/linker"
	"portal-auth/internal/auth/resolver"
	"portal-auth/internal/auth/token"
	"portal-auth/internal/community"
	"portal-auth/internal/payment"
	"portal-auth/internal/payment/paymenttest"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const paidRole = "role-paid"

type roleService struct {
	mu      sync.Mutex
	members map[string]map[string]bool
}

func (r *roleService) Join(_ context.Context, memberID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[memberID] == nil {
		r.members[memberID] = map[string]bool{}
	}
	return nil
}

func (r *roleService) Member(_ context.Context, memberID string) (*community.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roles, ok := r.members[memberID]
	if !ok {
		return nil, community.ErrNotMember
	}
	m := &community.Member{ID: memberID}
	for role := range roles {
		m.Roles = append(m.Roles, role)
	}
	return m, nil
}

func (r *roleService) AssignRole(_ context.Context, memberID, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[memberID] == nil {
		return community.ErrNotMember
	}
	r.members[memberID][roleID] = true
	return nil
}

func (r *roleService) RemoveRole(_ context.Context, memberID, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[memberID], roleID)
	return nil
}

func (r *roleService) hasRole(memberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[memberID][paidRole]
}

type captureMailer struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *captureMailer) SendLinkCode(_ context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[email] = code
	return nil
}

func (m *captureMailer) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

type fixture struct {
	store    account.Store
	payments *paymenttest.Fake
	tokens   *token.Issuer
	roles    *roleService
	agent    *community.Agent
	mailer   *captureMailer
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tokens, err := token.NewIssuer("0123456789abcdef0123456789abcdef", "portal-auth", token.DefaultTTLs())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mailer := &captureMailer{codes: map[string]string{}}

	payments := paymenttest.NewFake()
	roles := &roleService{members: map[string]map[string]bool{}}
	agent := community.NewAgent(roles, paidRole, community.DefaultTimeouts())
	t.Cleanup(agent.Wait)

	svc := New(Deps{
		Store:             store,
		Resolver:          resolver.NewStoreResolver(store, payments),
		Linker:            linker.New(store, linker.DefaultGracePeriod),
		Payments:          payments,
		Tokens:            tokens,
		Community:         agent,
		LinkCodes:         linkcode.New(rdb, mailer, linkcode.WithHashCost(bcrypt.MinCost)),
		CommunityProvider: "discord",
	})

	return &fixture{
		store:    store,
		payments: payments,
		tokens:   tokens,
		roles:    roles,
		agent:    agent,
		mailer:   mailer,
		svc:      svc,
	}
}

func (f *fixture) addPayer(customerID, email, subID, status string, meta map[string]string) {
	now := time.Now().UTC()
	f.payments.AddCustomer(payment.Customer{ID: customerID, Email: email, Metadata: meta})
	f.payments.AddSubscription(payment.Subscription{
		ID:                 subID,
		CustomerID:         customerID,
		Status:             status,
		CurrentPeriodStart: now.AddDate(0, 0, -10),
		CurrentPeriodEnd:   now.AddDate(0, 0, 20),
	})
}

func discordIdentity(subject, email string) *auth.Identity {
	return &auth.Identity{
		Provider:       "discord",
		ProviderUserID: subject,
		Email:          email,
		EmailVerified:  true,
		Handle:         "user-" + subject,
		AccessToken:    "user-token",
		CanJoin:        true,
	}
}

func waitTask(t *testing.T, task *community.Task) community.Report {
	t.Helper()
	require.NotNil(t, task)
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("community task did not finish")
	}
	return task.Report()
}

func TestSocialLoginLinksPaidSubscription(t *testing.T) {
	f := newFixture(t)
	f.addPayer("cus_1", "pay@x.com", "sub_1", "active", map[string]string{payment.MetadataSubjectID: "D1"})

	out, err := f.svc.SocialLogin(context.Background(), discordIdentity("D1", "d1@x.com"), "")
	require.NoError(t, err)

	require.True(t, out.Granted)
	assert.Equal(t, access.ReasonEntitled, out.Reason)
	assert.Equal(t, "pay@x.com", out.Account.PaymentEmail)
	assert.Equal(t, "d1@x.com", out.Account.ExternalEmail)

	claims, err := f.tokens.Verify(out.Token)
	require.NoError(t, err)
	assert.Equal(t, out.Account.ID, claims.AccountID())
	assert.Equal(t, token.PathSocial, claims.Path)

	rec, err := f.store.GetSubscriptionByProviderID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, account.StatusActive, rec.Status)
	assert.Equal(t, out.Account.ID, rec.AccountRef)

	report := waitTask(t, out.Community)
	assert.Equal(t, community.StateRoleAssigned, report.Final)
	assert.True(t, f.roles.hasRole("D1"))
}

func TestSecondLoginSeesCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayer("cus_1", "pay@x.com", "sub_1", "active", map[string]string{payment.MetadataSubjectID: "D1"})

	first, err := f.svc.SocialLogin(ctx, discordIdentity("D1", "d1@x.com"), "")
	require.NoError(t, err)
	require.True(t, first.Granted)
	waitTask(t, first.Community)
	before, err := f.store.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)

	f.payments.SetSubscriptionStatus("sub_1", "canceled")

	second, err := f.svc.SocialLogin(ctx, discordIdentity("D1", "d1@x.com"), "")
	require.NoError(t, err)
	assert.False(t, second.Granted)
	assert.Empty(t, second.Token)
	assert.Equal(t, auth.CodeSubscriptionRequired, second.Code)
	assert.Equal(t, first.Account.ID, second.Account.ID)

	after, err := f.store.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID, "record is refreshed in place")
	assert.Equal(t, account.StatusCanceled, after.Status)

	stored, err := f.store.GetAccount(ctx, first.Account.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsSubscriber)

	report := waitTask(t, second.Community)
	assert.Equal(t, community.StateRoleRemoved, report.Final)
	assert.False(t, f.roles.hasRole("D1"))
}

func TestSocialLoginWithoutSubscription(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.SocialLogin(context.Background(), discordIdentity("D2", "d2@x.com"), "")
	require.NoError(t, err)
	assert.False(t, out.Granted)
	assert.Equal(t, access.ReasonNoSubscription, out.Reason)
	assert.Equal(t, resolver.MatchedCreated, out.MatchedBy)
	assert.Equal(t, "d2@x.com", out.Account.PaymentEmail)
}

func TestSocialLoginManualEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateAccount(ctx, &account.Account{
		ExternalSubjectID:  "D3",
		IsManuallyEntitled: true,
	}))

	out, err := f.svc.SocialLogin(ctx, discordIdentity("D3", ""), "")
	require.NoError(t, err)
	assert.True(t, out.Granted)
	assert.Equal(t, access.ReasonManualOverride, out.Reason)
	waitTask(t, out.Community)
}

func TestSocialLoginNamespacesOtherProviders(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.SocialLogin(context.Background(), &auth.Identity{
		Provider:       "oidc",
		ProviderUserID: "S1",
		Email:          "s1@x.com",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "oidc:S1", out.Account.ExternalSubjectID)
	assert.Nil(t, out.Community, "non community subjects are never revoked")
}

func TestSocialLoginRequiresSubject(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SocialLogin(context.Background(), &auth.Identity{Provider: "discord"}, "")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestCheckoutCompleteThenSocialLoginConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayer("cus_1", "pay@x.com", "sub_1", "active", nil)
	f.payments.AddCheckoutSession(payment.CheckoutSession{
		ID:             "cs_1",
		Complete:       true,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		CustomerEmail:  "Pay@X.com",
	})

	paid, err := f.svc.CheckoutComplete(ctx, "cs_1")
	require.NoError(t, err)
	require.True(t, paid.Granted)
	assert.True(t, paid.Account.IsPlaceholder())
	assert.Equal(t, "pay@x.com", paid.Account.PaymentEmail)

	claims, err := f.tokens.Verify(paid.Token)
	require.NoError(t, err)
	assert.Equal(t, token.PathCheckout, claims.Path)

	social, err := f.svc.SocialLogin(ctx, discordIdentity("D1", "pay@x.com"), "")
	require.NoError(t, err)
	require.True(t, social.Granted)
	assert.Equal(t, paid.Account.ID, social.Account.ID)
	assert.Equal(t, "D1", social.Account.ExternalSubjectID)
	waitTask(t, social.Community)
}

func TestCheckoutCompleteIncompleteSession(t *testing.T) {
	f := newFixture(t)
	f.payments.AddCheckoutSession(payment.CheckoutSession{ID: "cs_open", CustomerEmail: "pay@x.com"})

	out, err := f.svc.CheckoutComplete(context.Background(), "cs_open")
	require.NoError(t, err)
	assert.False(t, out.Granted)
	assert.Equal(t, auth.CodeSubscriptionRequired, out.Code)
	assert.Nil(t, out.Account)
}

func TestCheckoutCompleteUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CheckoutComplete(context.Background(), "cs_missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	_, err = f.svc.CheckoutComplete(context.Background(), " ")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestLinkCodeAttachesPaymentToCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayer("cus_1", "pay@x.com", "sub_1", "active", nil)

	login, err := f.svc.SocialLogin(ctx, discordIdentity("D4", "d4@x.com"), "")
	require.NoError(t, err)
	require.False(t, login.Granted)

	sent, err := f.svc.RequestLinkCode(ctx, "Pay@x.com")
	require.NoError(t, err)
	require.True(t, sent)
	code := f.mailer.code("pay@x.com")
	require.NotEmpty(t, code)

	_, err = f.svc.VerifyLinkCode(ctx, "pay@x.com", "notacode", login.Account.ID)
	assert.ErrorIs(t, err, auth.ErrNotFound)

	out, err := f.svc.VerifyLinkCode(ctx, "pay@x.com", code, login.Account.ID)
	require.NoError(t, err)
	require.True(t, out.Granted)
	assert.Equal(t, login.Account.ID, out.Account.ID)
	assert.Equal(t, resolver.MatchedPriorAccount, out.MatchedBy)

	rec, err := f.store.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, login.Account.ID, rec.AccountRef)
	waitTask(t, out.Community)
}

func TestRequestLinkCodeUnknownPayer(t *testing.T) {
	f := newFixture(t)

	sent, err := f.svc.RequestLinkCode(context.Background(), "nobody@x.com")
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, f.mailer.code("nobody@x.com"))
}

func TestSubscriptionChangedRefreshesAndRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayer("cus_1", "pay@x.com", "sub_1", "active", map[string]string{payment.MetadataSubjectID: "D5"})

	login, err := f.svc.SocialLogin(ctx, discordIdentity("D5", "d5@x.com"), "")
	require.NoError(t, err)
	require.True(t, login.Granted)
	waitTask(t, login.Community)
	require.True(t, f.roles.hasRole("D5"))

	sub, err := f.payments.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	sub.Status = "canceled"
	require.NoError(t, f.svc.SubscriptionChanged(ctx, *sub))
	f.agent.Wait()

	rec, err := f.store.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, account.StatusCanceled, rec.Status)
	assert.False(t, f.roles.hasRole("D5"))
}

func TestSubscriptionChangedLinksUnseenByMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	login, err := f.svc.SocialLogin(ctx, discordIdentity("D6", "d6@x.com"), "")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, f.svc.SubscriptionChanged(ctx, payment.Subscription{
		ID:               "sub_new",
		CustomerID:       "cus_9",
		Status:           "active",
		CurrentPeriodEnd: now.AddDate(0, 1, 0),
		Metadata:         map[string]string{payment.MetadataAccountID: login.Account.ID},
	}))
	require.NoError(t, f.svc.SubscriptionChanged(ctx, payment.Subscription{
		ID:     "sub_orphan",
		Status: "active",
	}))
	f.agent.Wait()

	rec, err := f.store.GetSubscriptionByProviderID(ctx, "sub_new")
	require.NoError(t, err)
	assert.Equal(t, login.Account.ID, rec.AccountRef)

	_, err = f.store.GetSubscriptionByProviderID(ctx, "sub_orphan")
	assert.ErrorIs(t, err, account.ErrNotFound)

	a, decision, err := f.svc.Current(ctx, login.Account.ID)
	require.NoError(t, err)
	assert.True(t, decision.Granted)
	assert.True(t, a.IsSubscriber)
}

func TestSubscriptionChangedLinksResubscribeByCustomerStamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayer("cus_1", "d7@x.com", "sub_old", "canceled", nil)

	login, err := f.svc.SocialLogin(ctx, discordIdentity("D7", "d7@x.com"), "")
	require.NoError(t, err)
	require.False(t, login.Granted)
	stamped, ok := f.payments.Customer("cus_1")
	require.True(t, ok)
	require.Equal(t, login.Account.ID, stamped.Metadata[payment.MetadataAccountID])

	now := time.Now().UTC()
	resub := payment.Subscription{
		ID:               "sub_new",
		CustomerID:       "cus_1",
		Status:           "active",
		CurrentPeriodEnd: now.AddDate(0, 1, 0),
	}
	f.payments.AddSubscription(resub)
	require.NoError(t, f.svc.SubscriptionChanged(ctx, resub))
	f.agent.Wait()

	rec, err := f.store.GetSubscriptionByProviderID(ctx, "sub_new")
	require.NoError(t, err)
	assert.Equal(t, login.Account.ID, rec.AccountRef)

	_, decision, err := f.svc.Current(ctx, login.Account.ID)
	require.NoError(t, err)
	assert.True(t, decision.Granted)

	// later events for the subscription carry the owner themselves
	sub, ok := f.payments.Subscription("sub_new")
	require.True(t, ok)
	assert.Equal(t, login.Account.ID, sub.Metadata[payment.MetadataAccountID])
	assert.Equal(t, "D7", sub.Metadata[payment.MetadataSubjectID])
}

func TestCheckoutWebhookAndReturnConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPayer("cus_1", "pay@x.com", "sub_1", "active", nil)
	cs := payment.CheckoutSession{
		ID:             "cs_1",
		Complete:       true,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		CustomerEmail:  "pay@x.com",
	}
	f.payments.AddCheckoutSession(cs)

	var wg sync.WaitGroup
	var out *Outcome
	var syncErr, hookErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		hookErr = f.svc.CheckoutCompleted(ctx, cs)
	}()
	go func() {
		defer wg.Done()
		out, syncErr = f.svc.CheckoutComplete(ctx, "cs_1")
	}()
	wg.Wait()
	f.agent.Wait()

	require.NoError(t, hookErr)
	require.NoError(t, syncErr)
	require.True(t, out.Granted)

	owner, err := f.store.GetAccountByPaymentEmail(ctx, "pay@x.com")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, out.Account.ID)

	rec, err := f.store.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, rec.AccountRef)
}

func TestCurrentUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Current(context.Background(), "7d3a3c4e-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, account.ErrNotFound)
}
