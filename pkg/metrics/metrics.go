// Package metrics registers the prometheus collectors behind every
// "increment metric" instruction in the engine's error handling policy.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/histogram the engine exports, registered
// once at construction time against the supplied registerer.
type Metrics struct {
	TransientRPCErrors    prometheus.Counter
	GatewayGaps           prometheus.Counter
	CacheResyncs          prometheus.Counter
	QuoterDisagreements   prometheus.Counter
	SizingClamped         prometheus.Counter
	SubmissionRejects     prometheus.Counter
	Reverts               prometheus.Counter
	FatalErrors           prometheus.Counter
	OpportunitiesEmitted  prometheus.Counter
	OpportunitiesDropped  prometheus.Counter
	AttemptsIncluded      prometheus.Counter
	AttemptsTimedOut      prometheus.Counter
	AttemptsReorgDropped  prometheus.Counter
	AttemptsRetried       prometheus.Counter
	EvaluationDuration    prometheus.Histogram
	RealizedProfitUSD     prometheus.Histogram
}

// New builds and registers the full metrics set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransientRPCErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_transient_rpc_errors_total",
			Help: "Transient RPC errors (timeout, 5xx) retried then given up on.",
		}),
		GatewayGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_gateway_gaps_total",
			Help: "Log subscription gaps detected, triggering a pool resync.",
		}),
		CacheResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_cache_resyncs_total",
			Help: "Forced pool cache resyncs due to out-of-order or missed events.",
		}),
		QuoterDisagreements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_quoter_disagreements_total",
			Help: "Local simulation vs on-chain quoter disagreements beyond tolerance.",
		}),
		SizingClamped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_sizing_clamped_total",
			Help: "Trade sizing runs that clamped to x_max because net never turned negative.",
		}),
		SubmissionRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_submission_rejects_total",
			Help: "Submission rejects (nonce too low, underpriced) before abandon.",
		}),
		Reverts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_reverts_total",
			Help: "On-chain reverts (ArbitrageFailed_Detailed or ProfitBelowMinimum).",
		}),
		FatalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_fatal_errors_total",
			Help: "Fatal errors that halted the engine core.",
		}),
		OpportunitiesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_opportunities_emitted_total",
			Help: "Opportunities emitted by the evaluator to the bus.",
		}),
		OpportunitiesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_opportunities_dropped_total",
			Help: "Opportunities evicted from the bus before execution.",
		}),
		AttemptsIncluded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_attempts_included_total",
			Help: "Trade attempts included on-chain with status 1.",
		}),
		AttemptsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_attempts_timed_out_total",
			Help: "Trade attempts that timed out awaiting inclusion.",
		}),
		AttemptsReorgDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_attempts_reorg_dropped_total",
			Help: "Included attempts orphaned by a reorg and marked Dropped.",
		}),
		AttemptsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triarb_attempts_retried_total",
			Help: "Attempts resubmitted once after a timeout with a boosted priority fee.",
		}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triarb_evaluation_duration_seconds",
			Help:    "Wall-clock time spent evaluating one candidate path.",
			Buckets: prometheus.DefBuckets,
		}),
		RealizedProfitUSD: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triarb_realized_profit_usd",
			Help:    "Realized profit in USD for included trade attempts.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	reg.MustRegister(
		m.TransientRPCErrors,
		m.GatewayGaps,
		m.CacheResyncs,
		m.QuoterDisagreements,
		m.SizingClamped,
		m.SubmissionRejects,
		m.Reverts,
		m.FatalErrors,
		m.OpportunitiesEmitted,
		m.OpportunitiesDropped,
		m.AttemptsIncluded,
		m.AttemptsTimedOut,
		m.AttemptsReorgDropped,
		m.AttemptsRetried,
		m.EvaluationDuration,
		m.RealizedProfitUSD,
	)

	return m
}
