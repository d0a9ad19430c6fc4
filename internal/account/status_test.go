package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"active":             StatusActive,
		" Active ":           StatusActive,
		"trialing":           StatusTrialing,
		"past_due":           StatusPastDue,
		"unpaid":             StatusUnpaid,
		"canceled":           StatusCanceled,
		"incomplete":         StatusCanceled,
		"incomplete_expired": StatusCanceled,
		"paused":             StatusCanceled,
		"unrecognized":       StatusCanceled,
		"":                   StatusCanceled,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeStatus(raw), "status %q", raw)
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusActive.Entitling())
	assert.True(t, StatusTrialing.Entitling())
	assert.False(t, StatusPastDue.Entitling())
	assert.True(t, StatusPastDue.Live())
	assert.False(t, StatusUnpaid.Live())
	assert.False(t, Status("unrecognized").Live())
}

func TestNormalizeEmailAndPlaceholder(t *testing.T) {
	assert.Equal(t, "pay@x.com", NormalizeEmail("  Pay@X.com "))

	a := &Account{PaymentEmail: "pay@x.com"}
	assert.True(t, a.IsPlaceholder())
	a.ExternalSubjectID = "D1"
	assert.False(t, a.IsPlaceholder())
}
