package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"portal-auth/internal/access"
	"portal-auth/internal/account"
	"portal-auth/internal/auth"
	"portal-auth/internal/auth/linkcode"
	"portal-auth/internal/auth/resolver"
	"portal-auth/internal/auth/token"
	"portal-auth/internal/logger"
	"portal-auth/internal/payment"
)

// ErrLinkCodesDisabled is returned when no link code service is wired.
var ErrLinkCodesDisabled = errors.New("flow: link codes are not configured")

// SocialLogin handles a completed OAuth callback. priorAccountID is the
// account of a still-valid credential presented with the callback, if any.
func (s *Service) SocialLogin(ctx context.Context, id *auth.Identity, priorAccountID string) (*Outcome, error) {
	if id == nil || id.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: identity has no subject", auth.ErrNotFound)
	}

	hints := resolver.Hints{
		ExternalSubjectID: s.subjectID(id),
		ExternalEmail:     id.Email,
		PriorAccountID:    priorAccountID,
		Handle:            id.Handle,
		AvatarRef:         id.AvatarRef,
	}

	userToken := ""
	if id.CanJoin {
		userToken = id.AccessToken
	}

	return s.run(ctx, request{
		hints:     hints,
		path:      token.PathSocial,
		userToken: userToken,
	})
}

// CheckoutComplete handles the post-payment return from the payment
// provider's hosted checkout.
func (s *Service) CheckoutComplete(ctx context.Context, sessionID string) (*Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: checkout session id is required", auth.ErrNotFound)
	}

	cs, err := s.payments.GetCheckoutSession(ctx, sessionID)
	if errors.Is(err, payment.ErrNotFound) {
		return nil, fmt.Errorf("%w: checkout session %s", auth.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}

	if !cs.Complete {
		logger.Info("checkout session not complete", map[string]any{
			"session_id": sessionID,
		})
		s.record(token.PathCheckout, access.Decision{Reason: access.ReasonNoSubscription})
		return &Outcome{Code: auth.CodeSubscriptionRequired, Reason: access.ReasonNoSubscription}, nil
	}

	return s.run(ctx, request{
		hints:          checkoutHints(*cs),
		path:           token.PathCheckout,
		subscriptionID: cs.SubscriptionID,
	})
}

func checkoutHints(cs payment.CheckoutSession) resolver.Hints {
	return resolver.Hints{
		PaymentEmail:      cs.CustomerEmail,
		ExternalSubjectID: cs.Metadata[payment.MetadataSubjectID],
		PriorAccountID:    cs.Metadata[payment.MetadataAccountID],
	}
}

// RequestLinkCode mails a link code when email belongs to a paying
// customer. Callers should not reveal whether a code was sent.
func (s *Service) RequestLinkCode(ctx context.Context, email string) (bool, error) {
	if s.linkCodes == nil {
		return false, ErrLinkCodesDisabled
	}
	email = account.NormalizeEmail(email)
	if email == "" {
		return false, nil
	}

	paying, err := s.hasLiveSubscription(ctx, email)
	if err != nil {
		return false, err
	}
	if !paying {
		logger.Info("link code not issued, no paying customer", nil)
		return false, nil
	}

	if err := s.linkCodes.Issue(ctx, email); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) hasLiveSubscription(ctx context.Context, email string) (bool, error) {
	customers, err := s.payments.FindCustomersByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	for _, c := range customers {
		subs, err := s.payments.ListSubscriptions(ctx, c.ID)
		if err != nil {
			return false, err
		}
		for _, sub := range subs {
			if account.NormalizeStatus(sub.Status).Live() {
				return true, nil
			}
		}
	}
	return false, nil
}

// VerifyLinkCode proves control of a payment email and links that
// payment identity to the caller's account, or to the account already
// holding it.
func (s *Service) VerifyLinkCode(ctx context.Context, email, code, priorAccountID string) (*Outcome, error) {
	if s.linkCodes == nil {
		return nil, ErrLinkCodesDisabled
	}
	email = account.NormalizeEmail(email)

	if err := s.linkCodes.Verify(ctx, email, code); err != nil {
		if errors.Is(err, linkcode.ErrInvalidCode) || errors.Is(err, linkcode.ErrTooManyAttempts) {
			return nil, fmt.Errorf("%w: %w", auth.ErrNotFound, err)
		}
		return nil, err
	}

	return s.run(ctx, request{
		hints: resolver.Hints{
			PaymentEmail:     email,
			PriorAccountID:   priorAccountID,
			VerificationCode: code,
		},
		path: token.PathLinkCode,
	})
}

// Current evaluates the gate for an already authenticated account
// without contacting any provider.
func (s *Service) Current(ctx context.Context, accountID string) (*account.Account, access.Decision, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, access.Decision{}, err
	}

	var rec *account.SubscriptionRecord
	if a.SubscriptionRef != "" {
		rec, err = s.store.GetSubscription(ctx, a.SubscriptionRef)
		if err != nil && !errors.Is(err, account.ErrNotFound) {
			return nil, access.Decision{}, err
		}
	}
	return a, access.Decide(rec, a.IsManuallyEntitled, s.now()), nil
}
