package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"portal-auth/internal/auth"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort     string
	FrontendURL string
	LogLevel    string
	LogFormat   string

	DiscordClientID     string
	DiscordClientSecret string
	DiscordRedirectURL  string
	DiscordBotToken     string
	DiscordGuildID      string
	DiscordRoleID       string
	DiscordAPIBaseURL   string

	OIDCIssuer        string
	OIDCClientID      string
	OIDCClientSecret  string
	OIDCRedirectURL   string
	OIDCPublicAuthURL string

	StripeAPIKey        string
	StripeWebhookSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StoreDriver string // "postgres" or "sqlite"
	DatabaseDSN string
	SQLitePath  string

	JWTSecret      string
	JWTIssuer      string
	SocialTokenTTL time.Duration
	CheckoutTTL    time.Duration
	LinkCodeTTL    time.Duration
	LinkCodeExpiry time.Duration

	GracePeriod   time.Duration
	SweepInterval time.Duration

	CookieSecure   bool
	AllowedOrigins []string

	PostmarkToken  string
	PostmarkAPIURL string
	MailFrom       string

	ServiceName    string
	OTelEndpoint   string
	OTelInsecure   bool
	OTelHeaders    string
	OTelSampler    string
	OTelSamplerArg string
}

// Load reads configuration from the environment. A .env file is loaded
// if present but not required.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppPort:     envOrDefault("APP_PORT", "8080"),
		FrontendURL: strings.TrimSpace(os.Getenv("FRONTEND_URL")),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("LOG_FORMAT", "json"),

		DiscordClientID:     strings.TrimSpace(os.Getenv("DISCORD_CLIENT_ID")),
		DiscordClientSecret: strings.TrimSpace(os.Getenv("DISCORD_CLIENT_SECRET")),
		DiscordRedirectURL:  strings.TrimSpace(os.Getenv("DISCORD_REDIRECT_URL")),
		DiscordBotToken:     strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		DiscordGuildID:      strings.TrimSpace(os.Getenv("DISCORD_GUILD_ID")),
		DiscordRoleID:       strings.TrimSpace(os.Getenv("DISCORD_ROLE_ID")),
		DiscordAPIBaseURL:   envOrDefault("DISCORD_API_BASE_URL", "https://discord.com/api/v10"),

		OIDCIssuer:        strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCClientID:      strings.TrimSpace(os.Getenv("OIDC_CLIENT_ID")),
		OIDCClientSecret:  strings.TrimSpace(os.Getenv("OIDC_CLIENT_SECRET")),
		OIDCRedirectURL:   strings.TrimSpace(os.Getenv("OIDC_REDIRECT_URL")),
		OIDCPublicAuthURL: strings.TrimSpace(os.Getenv("OIDC_PUBLIC_AUTH_URL")),

		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),

		RedisAddr:     envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		StoreDriver: strings.ToLower(envOrDefault("STORE_DRIVER", "postgres")),
		DatabaseDSN: strings.TrimSpace(os.Getenv("DATABASE_DSN")),
		SQLitePath:  envOrDefault("SQLITE_PATH", "./data"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTIssuer: envOrDefault("JWT_ISSUER", "portal-auth"),

		CookieSecure:   !strings.EqualFold(os.Getenv("COOKIE_INSECURE"), "true"),
		AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),

		PostmarkToken:  strings.TrimSpace(os.Getenv("POSTMARK_TOKEN")),
		PostmarkAPIURL: envOrDefault("POSTMARK_API_URL", "https://api.postmarkapp.com"),
		MailFrom:       strings.TrimSpace(os.Getenv("MAIL_FROM")),

		ServiceName:    envOrDefault("OTEL_SERVICE_NAME", "portal-auth"),
		OTelEndpoint:   strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTelInsecure:   strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), "true"),
		OTelHeaders:    os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTelSampler:    os.Getenv("OTEL_TRACES_SAMPLER"),
		OTelSamplerArg: os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
	}

	if len(cfg.AllowedOrigins) == 0 {
		if u, err := url.Parse(cfg.FrontendURL); err == nil && u.Scheme != "" && u.Host != "" {
			cfg.AllowedOrigins = []string{u.Scheme + "://" + u.Host}
		}
	}

	var err error
	if cfg.RedisDB, err = envOrDefaultInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.SocialTokenTTL, err = envOrDefaultDuration("TOKEN_TTL_SOCIAL", 72*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.CheckoutTTL, err = envOrDefaultDuration("TOKEN_TTL_CHECKOUT", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.LinkCodeTTL, err = envOrDefaultDuration("TOKEN_TTL_LINK_CODE", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.LinkCodeExpiry, err = envOrDefaultDuration("LINK_CODE_EXPIRY", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.GracePeriod, err = envOrDefaultDuration("GRACE_PERIOD", 48*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envOrDefaultDuration("SWEEP_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports every missing required setting at once. The returned
// error wraps auth.ErrConfiguration.
func (c Config) Validate() error {
	var missing []string
	require := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	require("FRONTEND_URL", c.FrontendURL)
	require("JWT_SECRET", c.JWTSecret)
	require("STRIPE_API_KEY", c.StripeAPIKey)
	require("STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret)
	require("DISCORD_CLIENT_ID", c.DiscordClientID)
	require("DISCORD_CLIENT_SECRET", c.DiscordClientSecret)
	require("DISCORD_REDIRECT_URL", c.DiscordRedirectURL)

	// community sync is optional but all-or-nothing
	if c.DiscordBotToken != "" || c.DiscordGuildID != "" || c.DiscordRoleID != "" {
		require("DISCORD_BOT_TOKEN", c.DiscordBotToken)
		require("DISCORD_GUILD_ID", c.DiscordGuildID)
		require("DISCORD_ROLE_ID", c.DiscordRoleID)
	}

	if c.PostmarkToken != "" {
		require("MAIL_FROM", c.MailFrom)
	}

	switch c.StoreDriver {
	case "postgres":
		require("DATABASE_DSN", c.DatabaseDSN)
	case "sqlite":
		require("SQLITE_PATH", c.SQLitePath)
	default:
		return fmt.Errorf("%w: STORE_DRIVER must be postgres or sqlite, got %q", auth.ErrConfiguration, c.StoreDriver)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required environment variables: %s",
			auth.ErrConfiguration, strings.Join(missing, ", "))
	}

	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("%w: JWT_SECRET must be at least 32 bytes", auth.ErrConfiguration)
	}

	u, err := url.Parse(c.FrontendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: FRONTEND_URL must be an absolute http(s) URL", auth.ErrConfiguration)
	}

	return nil
}

// CommunityEnabled reports whether community role sync is configured.
func (c Config) CommunityEnabled() bool {
	return c.DiscordBotToken != "" && c.DiscordGuildID != "" && c.DiscordRoleID != ""
}

// MailEnabled reports whether link codes are delivered by email.
func (c Config) MailEnabled() bool {
	return c.PostmarkToken != "" && c.MailFrom != ""
}

// OIDCEnabled reports whether the secondary OIDC login provider is configured.
func (c Config) OIDCEnabled() bool {
	return c.OIDCIssuer != "" && c.OIDCClientID != "" && c.OIDCRedirectURL != ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a valid integer: %v", auth.ErrConfiguration, key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a duration: %v", auth.ErrConfiguration, key, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("%w: %s must be positive", auth.ErrConfiguration, key)
		}
		return d, nil
	}
	return fallback, nil
}
