package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SubmissionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "greenloop_submissions_created_total", Help: "Total submissions accepted"},
	)
	SubmissionsAutoVerified = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "greenloop_submissions_auto_verified_total", Help: "Total submissions auto-verified by the pipeline"},
	)
	SubmissionsNeedsReview = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "greenloop_submissions_needs_review_total", Help: "Total submissions routed to manual review"},
	)
	VerificationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "greenloop_verification_retries_total", Help: "Total verification job retry attempts"},
	)
	PointsCredited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "greenloop_points_credited_total", Help: "Total points credited to wallets"},
	)
	CashoutsSettled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "greenloop_cashouts_settled_total", Help: "Total cashout requests settled"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "greenloop_webhook_events_total", Help: "Total payout webhook deliveries by gateway and status"},
		[]string{"gateway", "status"},
	)
)

func Register() {
	prometheus.MustRegister(
		SubmissionsCreated,
		SubmissionsAutoVerified,
		SubmissionsNeedsReview,
		VerificationRetries,
		PointsCredited,
		CashoutsSettled,
		WebhookEvents,
	)
}
