// Package access decides whether an account may use the portal.
// It performs no I/O; every entry path calls CanAccess or Decide.
package access

import (
	"time"

	"portal-auth/internal/account"
)

// DefaultGracePeriod applies to past_due records whose grace deadline
// was never computed.
const DefaultGracePeriod = 48 * time.Hour

// Reason explains a decision. It is used as a log field and metric label.
type Reason string

const (
	ReasonManualOverride Reason = "manual_override"
	ReasonNoSubscription Reason = "no_subscription"
	ReasonEntitled       Reason = "entitled"
	ReasonInGrace        Reason = "in_grace"
	ReasonGraceExpired   Reason = "grace_expired"
	ReasonInactive       Reason = "inactive"
)

// Decision is the outcome of Decide.
type Decision struct {
	Granted bool
	Reason  Reason
}

// CanAccess reports whether access is granted.
func CanAccess(sub *account.SubscriptionRecord, manualOverride bool, now time.Time) bool {
	return Decide(sub, manualOverride, now).Granted
}

// Decide evaluates the access rule:
//
//	manual override               -> grant
//	no subscription               -> deny
//	active, trialing              -> grant
//	past_due before grace ends    -> grant
//	anything else                 -> deny
//
// The status is re-normalized so a record carrying an unrecognized raw
// status is treated as canceled.
func Decide(sub *account.SubscriptionRecord, manualOverride bool, now time.Time) Decision {
	if manualOverride {
		return Decision{Granted: true, Reason: ReasonManualOverride}
	}
	if sub == nil {
		return Decision{Reason: ReasonNoSubscription}
	}

	status := account.NormalizeStatus(string(sub.Status))
	switch {
	case status.Entitling():
		return Decision{Granted: true, Reason: ReasonEntitled}
	case status == account.StatusPastDue:
		if now.Before(GraceEndsAt(sub)) {
			return Decision{Granted: true, Reason: ReasonInGrace}
		}
		return Decision{Reason: ReasonGraceExpired}
	default:
		return Decision{Reason: ReasonInactive}
	}
}

// GraceEndsAt returns the record's grace deadline, falling back to
// CurrentPeriodEnd + DefaultGracePeriod. A record with neither yields the
// zero time, which never grants.
func GraceEndsAt(sub *account.SubscriptionRecord) time.Time {
	if !sub.GraceEndsAt.IsZero() {
		return sub.GraceEndsAt
	}
	if sub.CurrentPeriodEnd.IsZero() {
		return time.Time{}
	}
	return sub.CurrentPeriodEnd.Add(DefaultGracePeriod)
}
