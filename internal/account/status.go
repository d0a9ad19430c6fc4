package account

import "strings"

// Status is the local subscription state.
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusUnpaid   Status = "unpaid"
	StatusCanceled Status = "canceled"
)

// NormalizeStatus maps a provider status string onto Status. It is total:
// anything unrecognized becomes StatusCanceled so that unknown states
// never grant access.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due":
		return StatusPastDue
	case "unpaid":
		return StatusUnpaid
	default:
		// canceled, incomplete, incomplete_expired, paused, ""
		return StatusCanceled
	}
}

// Entitling reports whether the status entitles the holder outright.
func (s Status) Entitling() bool {
	return s == StatusActive || s == StatusTrialing
}

// Live reports whether the subscription is still owned by a paying
// customer, including the past_due window.
func (s Status) Live() bool {
	return s.Entitling() || s == StatusPastDue
}
