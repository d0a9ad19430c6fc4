// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "portal"

var (
	// AccessDecisionsTotal counts gate decisions by entry path and reason.
	AccessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "access_decisions_total",
		Help:      "Access decisions by entry path, outcome and reason.",
	}, []string{"path", "outcome", "reason"})

	// ResolutionsTotal counts identity resolutions by matching strategy.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "resolutions_total",
		Help:      "Identity resolutions by matching strategy (\"created\" for new accounts).",
	}, []string{"matched_by"})

	// DuplicateRetriesTotal counts unique-key collisions converted into re-queries.
	DuplicateRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "duplicate_retries_total",
		Help:      "Unique-key collisions absorbed by re-querying, by component.",
	}, []string{"component"})

	// ProviderFallbacksTotal counts payment provider failures that fell back to store-only data.
	ProviderFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "provider_fallbacks_total",
		Help:      "Payment provider lookups that failed and fell back to the account store.",
	})

	// CommunitySyncTotal counts community sync tasks by final state.
	CommunitySyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "community",
		Name:      "sync_total",
		Help:      "Community sync tasks by final state.",
	}, []string{"state"})

	// CommunityRevokeTotal counts role removals by result.
	CommunityRevokeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "community",
		Name:      "revoke_total",
		Help:      "Community role removals by result.",
	}, []string{"result"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// GraceSweepsTotal counts records examined by the grace sweeper by outcome.
	GraceSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "grace_sweeps_total",
		Help:      "Subscription records examined by the grace sweeper, by outcome.",
	}, []string{"outcome"})
)
