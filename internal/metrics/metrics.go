// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes prometheus collectors for the aTLS pipeline.
// Registration is left to the caller (via Collectors) so embedding
// applications control which registry they land in, the same pattern
// caddy and virtengine use for their own prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Terminal state labels, matching the §4.10 state machine.
const (
	OutcomeDone                  = "done"
	OutcomeHandshakeFailed       = "tls_handshake_failed"
	OutcomeQuoteFetchFailed      = "quote_fetch_failed"
	OutcomeDcapFailed            = "dcap_failed"
	OutcomeTcbRejected           = "tcb_rejected"
	OutcomeReportDataMismatch    = "report_data_mismatch"
	OutcomeRtmrMismatch          = "rtmr_mismatch"
	OutcomePolicyRejected        = "policy_rejected"
	OutcomeConfigurationRejected = "configuration_rejected"
)

var (
	// ConnectTotal counts connect() calls by terminal outcome.
	ConnectTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atls",
		Name:      "connect_total",
		Help:      "Total attested TLS connect() calls by terminal outcome.",
	}, []string{"outcome"})

	// QuoteFetchDuration observes the latency of the §4.3 quote-fetch exchange.
	QuoteFetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atls",
		Name:      "quote_fetch_duration_seconds",
		Help:      "Latency of the in-band /tdx_quote HTTP exchange.",
		Buckets:   prometheus.DefBuckets,
	})

	// CollateralCache counts cache hits and misses for DCAP collateral.
	CollateralCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atls",
		Name:      "collateral_cache_total",
		Help:      "DCAP collateral cache lookups by result.",
	}, []string{"result"})
)

// Collectors returns every collector defined by this package, for callers
// that want to register them against their own prometheus.Registerer.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{ConnectTotal, QuoteFetchDuration, CollateralCache}
}
