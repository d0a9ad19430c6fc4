// Package flow runs the authentication pipeline shared by every entry
// path: resolve the account, link its subscription, ask the gate, then
// issue a credential or a remediation outcome.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"portal-auth/internal/access"
	"portal-auth/internal/account"
	"portal-auth/internal/auth"
	"portal-auth/internal/auth/linkcode"
	"portal-auth/internal/auth/linker"
	"portal-auth/internal/auth/resolver"
	"portal-auth/internal/auth/token"
	"portal-auth/internal/community"
	"portal-auth/internal/logger"
	"portal-auth/internal/metrics"
	"portal-auth/internal/payment"
)

// Deps are the collaborators of a Service. Community and LinkCodes are
// optional.
type Deps struct {
	Store     account.Store
	Resolver  resolver.Resolver
	Linker    *linker.Linker
	Payments  payment.Provider
	Tokens    *token.Issuer
	Community *community.Agent
	LinkCodes *linkcode.Service

	// CommunityProvider names the identity provider whose subject ids are
	// community member ids.
	CommunityProvider string
}

type Service struct {
	store             account.Store
	resolver          resolver.Resolver
	linker            *linker.Linker
	payments          payment.Provider
	tokens            *token.Issuer
	community         *community.Agent
	linkCodes         *linkcode.Service
	communityProvider string
	now               func() time.Time
}

func New(d Deps) *Service {
	return &Service{
		store:             d.Store,
		resolver:          d.Resolver,
		linker:            d.Linker,
		payments:          d.Payments,
		tokens:            d.Tokens,
		community:         d.Community,
		linkCodes:         d.LinkCodes,
		communityProvider: d.CommunityProvider,
		now:               time.Now,
	}
}

// Outcome is the result of one authentication event. Token is set only
// when Granted; Code carries the remediation when denied.
type Outcome struct {
	Granted   bool
	Token     string
	ExpiresAt time.Time
	Account   *account.Account
	Reason    access.Reason
	Code      string
	MatchedBy resolver.MatchedBy

	// Community is the detached sync or revoke task, nil when community
	// sync is not configured.
	Community *community.Task
}

// Profile is the account view returned to clients.
type Profile struct {
	ID           string `json:"id"`
	Handle       string `json:"handle"`
	AvatarRef    string `json:"avatar,omitempty"`
	PaymentEmail string `json:"email,omitempty"`
	IsSubscriber bool   `json:"is_subscriber"`
	IsAdmin      bool   `json:"is_admin"`
}

func ProfileOf(a *account.Account) Profile {
	return Profile{
		ID:           a.ID,
		Handle:       a.Handle,
		AvatarRef:    a.AvatarRef,
		PaymentEmail: a.PaymentEmail,
		IsSubscriber: a.IsSubscriber,
		IsAdmin:      a.IsAdmin,
	}
}

type request struct {
	hints     resolver.Hints
	path      token.Path
	userToken string
	// subscription named by the event itself, linked when the provider
	// view did not surface one
	subscriptionID string
}

// run executes the pipeline. It is detached from the caller's
// cancellation so a disconnecting client cannot leave it half done.
func (s *Service) run(ctx context.Context, req request) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	res, err := s.resolver.Resolve(ctx, req.hints)
	if errors.Is(err, resolver.ErrInsufficientHints) {
		return nil, fmt.Errorf("%w: %w", auth.ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	a := res.Account

	linked, err := s.linkActive(ctx, a, res.ActiveSubscription, req.subscriptionID)
	if err != nil {
		return nil, err
	}

	rec, err := s.ownRecord(ctx, a, linked)
	if err != nil {
		return nil, err
	}

	decision := access.Decide(rec, a.IsManuallyEntitled, s.now())
	out := &Outcome{
		Granted:   decision.Granted,
		Account:   a,
		Reason:    decision.Reason,
		MatchedBy: res.MatchedBy,
	}
	s.record(req.path, decision)

	if !decision.Granted {
		out.Code = auth.CodeSubscriptionRequired
		out.Community = s.revoke(a)
		logger.Info("access denied", map[string]any{
			"account_id": a.ID,
			"path":       string(req.path),
			"reason":     string(decision.Reason),
		})
		return out, nil
	}

	tok, exp, err := s.tokens.Issue(a, req.path)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	out.Token, out.ExpiresAt = tok, exp
	out.Community = s.sync(a, req.userToken)

	logger.Info("access granted", map[string]any{
		"account_id": a.ID,
		"path":       string(req.path),
		"reason":     string(decision.Reason),
		"matched_by": string(res.MatchedBy),
	})
	return out, nil
}

// linkActive links the subscription the resolver surfaced, or else the
// one the event named.
func (s *Service) linkActive(ctx context.Context, a *account.Account, active *payment.Subscription, namedID string) (*account.SubscriptionRecord, error) {
	if active == nil && namedID != "" && s.payments != nil {
		sub, err := s.payments.GetSubscription(ctx, namedID)
		if err != nil {
			logger.Warn("named subscription lookup failed", map[string]any{
				"subscription_id": namedID,
				"error":           err.Error(),
			})
		} else {
			active = sub
		}
	}
	if active == nil {
		return nil, nil
	}

	rec, err := s.linker.Link(ctx, a, *active)
	if err != nil {
		return nil, fmt.Errorf("link subscription: %w", err)
	}
	s.stampSubscription(ctx, a, rec, *active)
	return rec, nil
}

// stampSubscription records the owning account on the provider
// subscription so later webhooks for it resolve without a login.
// Best-effort; existing values are never overwritten.
func (s *Service) stampSubscription(ctx context.Context, a *account.Account, rec *account.SubscriptionRecord, sub payment.Subscription) {
	if s.payments == nil || rec == nil || rec.AccountRef != a.ID {
		return
	}
	meta := make(map[string]string)
	if sub.Metadata[payment.MetadataAccountID] == "" {
		meta[payment.MetadataAccountID] = a.ID
	}
	if a.ExternalSubjectID != "" && sub.Metadata[payment.MetadataSubjectID] == "" {
		meta[payment.MetadataSubjectID] = a.ExternalSubjectID
	}
	if len(meta) == 0 {
		return
	}
	if err := s.payments.UpdateSubscriptionMetadata(ctx, sub.ID, meta); err != nil {
		logger.Warn("failed to stamp subscription metadata", map[string]any{
			"subscription_id": sub.ID,
			"account_id":      a.ID,
			"error":           err.Error(),
		})
	}
}

// ownRecord returns the record the account points at. A record that was
// not just linked is refreshed from the provider first, so a status
// change since the last login is seen. Provider failures fall back to
// the stored state.
func (s *Service) ownRecord(ctx context.Context, a *account.Account, linked *account.SubscriptionRecord) (*account.SubscriptionRecord, error) {
	if a.SubscriptionRef == "" {
		return nil, nil
	}
	if linked != nil && linked.ID == a.SubscriptionRef {
		return linked, nil
	}

	rec, err := s.store.GetSubscription(ctx, a.SubscriptionRef)
	if errors.Is(err, account.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", a.SubscriptionRef, err)
	}
	if s.payments == nil {
		return rec, nil
	}

	state, err := s.payments.GetSubscription(ctx, rec.ProviderSubscriptionID)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		state = &payment.Subscription{ID: rec.ProviderSubscriptionID, Status: string(account.StatusCanceled)}
	case err != nil:
		metrics.ProviderFallbacksTotal.Inc()
		logger.Warn("subscription refresh failed, using stored state", map[string]any{
			"subscription_id": rec.ProviderSubscriptionID,
			"error":           err.Error(),
		})
		return rec, nil
	}

	refreshed, err := s.linker.Refresh(ctx, rec, *state)
	if err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (s *Service) record(path token.Path, d access.Decision) {
	outcome := "denied"
	if d.Granted {
		outcome = "granted"
	}
	metrics.AccessDecisionsTotal.WithLabelValues(string(path), outcome, string(d.Reason)).Inc()
}

// memberID maps an account to its community member id. Only subjects
// issued by the community provider are members.
func memberID(a *account.Account) string {
	if a.ExternalSubjectID == "" || strings.Contains(a.ExternalSubjectID, ":") {
		return ""
	}
	return a.ExternalSubjectID
}

// subjectID namespaces subjects of every provider but the community one.
func (s *Service) subjectID(id *auth.Identity) string {
	if id.Provider == s.communityProvider {
		return id.ProviderUserID
	}
	return id.Provider + ":" + id.ProviderUserID
}

func (s *Service) sync(a *account.Account, userToken string) *community.Task {
	if s.community == nil {
		return nil
	}
	return s.community.Dispatch(community.Request{
		AccountID: a.ID,
		MemberID:  memberID(a),
		UserToken: userToken,
	})
}

func (s *Service) revoke(a *account.Account) *community.Task {
	if s.community == nil || memberID(a) == "" {
		return nil
	}
	return s.community.DispatchRevoke(community.Request{
		AccountID: a.ID,
		MemberID:  memberID(a),
	})
}

// Revoke removes the paid role from a. It does not block. Used by the
// grace sweeper.
func (s *Service) Revoke(a *account.Account) {
	s.revoke(a)
}
