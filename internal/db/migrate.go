package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const portalMigration = `
CREATE EXTENSION IF NOT EXISTS "pgcrypto";

CREATE TABLE IF NOT EXISTS accounts (
    id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    external_subject_id text,
    external_email text,
    payment_email text,
    handle text NOT NULL DEFAULT '',
    avatar_ref text NOT NULL DEFAULT '',
    is_admin boolean NOT NULL DEFAULT false,
    is_manually_entitled boolean NOT NULL DEFAULT false,
    is_subscriber boolean NOT NULL DEFAULT false,
    subscription_ref uuid,
    created_at timestamptz NOT NULL DEFAULT NOW(),
    updated_at timestamptz NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS accounts_external_subject_unique
ON accounts (external_subject_id) WHERE external_subject_id IS NOT NULL;

CREATE UNIQUE INDEX IF NOT EXISTS accounts_payment_email_unique
ON accounts (LOWER(payment_email)) WHERE payment_email IS NOT NULL;

CREATE TABLE IF NOT EXISTS subscriptions (
    id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    account_ref uuid NOT NULL,
    provider_customer_id text NOT NULL DEFAULT '',
    provider_subscription_id text NOT NULL,
    status text NOT NULL,
    current_period_start timestamptz,
    current_period_end timestamptz,
    cancel_at_period_end boolean NOT NULL DEFAULT false,
    grace_ends_at timestamptz,
    created_at timestamptz NOT NULL DEFAULT NOW(),
    updated_at timestamptz NOT NULL DEFAULT NOW(),
    CONSTRAINT subscriptions_provider_unique
        UNIQUE (provider_subscription_id)
);

CREATE INDEX IF NOT EXISTS subscriptions_account_ref_idx
ON subscriptions (account_ref);

CREATE INDEX IF NOT EXISTS subscriptions_status_idx
ON subscriptions (status);
`

// Migrate creates the portal schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, portalMigration)
	return err
}
