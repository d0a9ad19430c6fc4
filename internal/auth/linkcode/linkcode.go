package linkcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal-auth/internal/account"
	"portal-auth/internal/logger"
	"portal-auth/internal/utils"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	codeLength = 6

	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 5

	keyPrefix     = "linkcode:"
	fieldHash     = "hash"
	fieldAttempts = "attempts"
)

var (
	// ErrInvalidCode covers unknown, expired and mismatched codes alike.
	ErrInvalidCode = errors.New("linkcode: invalid or expired code")

	// ErrTooManyAttempts is returned once the attempt budget is spent.
	// The code is discarded and a new one must be requested.
	ErrTooManyAttempts = errors.New("linkcode: too many attempts")
)

// Service issues and verifies one-time codes proving control of a
// payment email. At most one code per email is live; issuing again
// replaces it.
type Service struct {
	rdb         goredis.Cmdable
	mailer      Mailer
	ttl         time.Duration
	maxAttempts int
	cost        int
}

type Option func(*Service)

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithHashCost overrides the bcrypt cost.
func WithHashCost(cost int) Option {
	return func(s *Service) {
		s.cost = cost
	}
}

func New(rdb goredis.Cmdable, mailer Mailer, opts ...Option) *Service {
	if mailer == nil {
		mailer = LogMailer{}
	}
	s := &Service{
		rdb:         rdb,
		mailer:      mailer,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		cost:        bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(email string) string {
	return keyPrefix + account.NormalizeEmail(email)
}

// Issue creates a code for email, stores its hash and mails it.
func (s *Service) Issue(ctx context.Context, email string) error {
	email = account.NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("linkcode: email is required")
	}

	code, err := utils.RandomDigits(codeLength)
	if err != nil {
		return err
	}
	hash, err := hashCode(code, s.cost)
	if err != nil {
		return fmt.Errorf("linkcode: hash: %w", err)
	}

	k := key(email)
	_, err = s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k, fieldHash, hash, fieldAttempts, 0)
		p.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("linkcode: store: %w", err)
	}

	if err := s.mailer.SendLinkCode(ctx, email, code); err != nil {
		return fmt.Errorf("linkcode: send: %w", err)
	}

	logger.Info("link code issued", map[string]any{
		"ttl_seconds": int(s.ttl.Seconds()),
	})
	return nil
}

// Verify checks code against the live code for email. A successful
// verification consumes the code.
func (s *Service) Verify(ctx context.Context, email, code string) error {
	k := key(email)

	if !validFormat(code) {
		return ErrInvalidCode
	}

	var (
		incr *goredis.IntCmd
		get  *goredis.StringCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.HIncrBy(ctx, k, fieldAttempts, 1)
		get = p.HGet(ctx, k, fieldHash)
		return nil
	})
	if errors.Is(err, goredis.Nil) || (err == nil && get.Val() == "") {
		// expired or never issued; drop the counter the increment created
		_ = s.rdb.Del(ctx, k).Err()
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("linkcode: load: %w", err)
	}

	attempts, hash := incr.Val(), get.Val()
	if attempts > int64(s.maxAttempts) {
		_ = s.rdb.Del(ctx, k).Err()
		logger.Warn("link code attempts exhausted", map[string]any{
			"max_attempts": s.maxAttempts,
		})
		return ErrTooManyAttempts
	}

	if err := verifyCode(hash, code); err != nil {
		return ErrInvalidCode
	}

	if err := s.rdb.Del(ctx, k).Err(); err != nil {
		logger.Warn("link code delete failed", map[string]any{
			"error": err.Error(),
		})
	}
	return nil
}
