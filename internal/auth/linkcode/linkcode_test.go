package linkcode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type captureMailer struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (m *captureMailer) SendLinkCode(_ context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.codes == nil {
		m.codes = map[string]string{}
	}
	m.codes[email] = code
	return nil
}

func (m *captureMailer) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

func newService(t *testing.T) (*Service, *captureMailer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mailer := &captureMailer{}
	return New(rdb, mailer, WithHashCost(bcrypt.MinCost)), mailer, mr
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestIssueAndVerify(t *testing.T) {
	svc, mailer, mr := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Issue(ctx, " Payer@X.com "))
	code := mailer.code("payer@x.com")
	require.Len(t, code, 6)

	stored := mr.HGet("linkcode:payer@x.com", "hash")
	assert.NotEqual(t, code, stored)
	assert.Contains(t, stored, "$2")
	assert.Equal(t, DefaultTTL, mr.TTL("linkcode:payer@x.com"))

	require.NoError(t, svc.Verify(ctx, "PAYER@x.com", code))
	assert.ErrorIs(t, svc.Verify(ctx, "payer@x.com", code), ErrInvalidCode, "codes are single use")
	assert.False(t, mr.Exists("linkcode:payer@x.com"))
}

func TestVerifyAttemptLimit(t *testing.T) {
	svc, mailer, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Issue(ctx, "payer@x.com"))
	code := mailer.code("payer@x.com")

	for i := 0; i < DefaultMaxAttempts; i++ {
		assert.ErrorIs(t, svc.Verify(ctx, "payer@x.com", wrongCode(code)), ErrInvalidCode)
	}
	assert.ErrorIs(t, svc.Verify(ctx, "payer@x.com", code), ErrTooManyAttempts)
	assert.ErrorIs(t, svc.Verify(ctx, "payer@x.com", code), ErrInvalidCode)
}

func TestVerifyExpired(t *testing.T) {
	svc, mailer, mr := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Issue(ctx, "payer@x.com"))
	code := mailer.code("payer@x.com")

	mr.FastForward(DefaultTTL + time.Second)
	assert.ErrorIs(t, svc.Verify(ctx, "payer@x.com", code), ErrInvalidCode)
	assert.False(t, mr.Exists("linkcode:payer@x.com"))
}

func TestReissueReplacesCode(t *testing.T) {
	svc, mailer, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Issue(ctx, "payer@x.com"))
	first := mailer.code("payer@x.com")
	require.NoError(t, svc.Issue(ctx, "payer@x.com"))
	second := mailer.code("payer@x.com")

	if first != second {
		assert.ErrorIs(t, svc.Verify(ctx, "payer@x.com", first), ErrInvalidCode)
	}
	assert.NoError(t, svc.Verify(ctx, "payer@x.com", second))
}

func TestVerifyRejectsMalformedCode(t *testing.T) {
	svc, _, _ := newService(t)
	assert.ErrorIs(t, svc.Verify(context.Background(), "payer@x.com", "12ab"), ErrInvalidCode)
}

func TestIssueMailerFailure(t *testing.T) {
	svc, mailer, _ := newService(t)
	mailer.err = errors.New("smtp down")

	err := svc.Issue(context.Background(), "payer@x.com")
	assert.ErrorContains(t, err, "smtp down")
}

func TestIssueRequiresEmail(t *testing.T) {
	svc, _, _ := newService(t)
	assert.Error(t, svc.Issue(context.Background(), "  "))
}
