// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package atls is the public entry point: Connect dials (or wraps) a
// transport, performs a TLS 1.3 handshake with deferred certificate
// trust, requests a TDX quote bound to the session, verifies it against
// a policy, and hands back a plain byte stream plus an attestation
// report (spec.md §1, §4.2-§4.10).
package atls

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dstack-tee/atls-go/atlserr"
	"github.com/dstack-tee/atls-go/attest"
	"github.com/dstack-tee/atls-go/dcap"
	"github.com/dstack-tee/atls-go/internal/logging"
	"github.com/dstack-tee/atls-go/internal/metrics"
	"github.com/dstack-tee/atls-go/policy"
	"github.com/dstack-tee/atls-go/report"
	"github.com/dstack-tee/atls-go/tlsengine"
	"github.com/dstack-tee/atls-go/transport"
	"github.com/dstack-tee/atls-go/verifier"
)

// state names the progression of spec.md §4.10. A connection that does
// not reach done is torn down and its stream discarded; callers never
// observe an intermediate state.
type state int

const (
	stateInit state = iota
	stateTLSUp
	stateQuoted
	stateDCAPOk
	stateTCBOk
	stateEKMOk
	stateRTMROk
	statePolicyOk
	stateDone
)

// DefaultDialTimeout bounds the TLS handshake plus quote round trip when
// a caller does not set one explicitly.
const DefaultDialTimeout = 30 * time.Second

// Options configures a call to Connect.
type options struct {
	alpn        []string
	dialTimeout time.Duration
	log         zerolog.Logger
	verifierOpt verifier.Option
}

// Option customizes Connect.
type Option func(*options)

// WithALPN sets the TLS ALPN protocol list to negotiate.
func WithALPN(protocols ...string) Option {
	return func(o *options) { o.alpn = protocols }
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithLogger attaches a logger used for handshake/attestation diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithCollateralCache overrides the verifier's DCAP collateral cache,
// e.g. with a dcap.RedisCollateralCache shared across a fleet of
// verifiers.
func WithCollateralCache(c dcap.CollateralCache) Option {
	return func(o *options) { o.verifierOpt = verifier.WithCollateralCache(c) }
}

// Connect runs the full state machine over stream against serverName
// (used for both TLS SNI and policy correlation), enforcing p. On
// success it returns a transport.ByteDuplex the caller can now treat as
// an ordinary (if already-consumed-for-attestation) stream, plus the
// attestation report. On any failure the stream is closed and neither
// return value should be used.
func Connect(ctx context.Context, stream transport.ByteDuplex, serverName string, p policy.Policy, opts ...Option) (transport.ByteDuplex, report.Report, error) {
	o := &options{dialTimeout: DefaultDialTimeout, log: logging.Default}
	for _, opt := range opts {
		opt(o)
	}

	st := stateInit
	connID := uuid.NewString()
	log := logging.Stage(o.log, "atls").With().Str("connection_id", connID).Str("server_name", serverName).Logger()

	fail := func(kind atlserr.Kind, outcome string, err error) (transport.ByteDuplex, report.Report, error) {
		metrics.ConnectTotal.WithLabelValues(outcome).Inc()
		_ = stream.Close()
		log.Warn().Err(err).Str("state", stateName(st)).Msg("atls connection rejected")
		if e, ok := err.(*atlserr.Error); ok {
			return nil, nil, e
		}
		return nil, nil, atlserr.Wrap(kind, err, "atls connect")
	}

	if err := p.Validate(); err != nil {
		return fail(atlserr.KindConfiguration, metrics.OutcomeConfigurationRejected, err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()

	session, err := tlsengine.Handshake(ctx, stream, tlsengine.Options{ServerName: serverName, ALPN: o.alpn})
	if err != nil {
		return fail(atlserr.KindTLSHandshake, metrics.OutcomeHandshakeFailed, err)
	}
	st = stateTLSUp

	nonce, err := attest.NewNonce()
	if err != nil {
		return fail(atlserr.KindIO, metrics.OutcomeHandshakeFailed, err)
	}
	ekm, err := session.ExportKeyingMaterial()
	if err != nil {
		return fail(atlserr.KindTLSHandshake, metrics.OutcomeHandshakeFailed, err)
	}
	reportData := attest.ReportData(nonce, ekm)

	fetchStart := time.Now()
	quote, eventLogRaw, err := attest.FetchQuote(ctx, session, reportData, log)
	metrics.QuoteFetchDuration.Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		return fail(atlserr.KindQuoteFetch, metrics.OutcomeQuoteFetchFailed, err)
	}
	st = stateQuoted

	verifierOpts := []verifier.Option{verifier.WithLogger(log)}
	if o.verifierOpt != nil {
		verifierOpts = append(verifierOpts, o.verifierOpt)
	}
	v, err := verifier.FromPolicy(p, verifierOpts...)
	if err != nil {
		return fail(atlserr.KindConfiguration, metrics.OutcomeConfigurationRejected, err)
	}

	rep, err := v.Verify(ctx, verifier.Input{
		Quote:              quote,
		EventLogRaw:        eventLogRaw,
		ExpectedReportData: reportData,
		LeafCertDER:        session.LeafDER,
		ConnectionID:       connID,
	})
	if err != nil {
		outcome := metrics.OutcomePolicyRejected
		if e, ok := err.(*atlserr.Error); ok {
			switch e.Kind {
			case atlserr.KindTcbStatusNotAllowed:
				outcome = metrics.OutcomeTcbRejected
			case atlserr.KindReportDataMismatch:
				outcome = metrics.OutcomeReportDataMismatch
			case atlserr.KindRtmr3Mismatch, atlserr.KindBootchainMismatch:
				outcome = metrics.OutcomeRtmrMismatch
			case atlserr.KindQuoteSignature, atlserr.KindCollateralFetch:
				outcome = metrics.OutcomeDcapFailed
			}
		}
		return fail(atlserr.KindQuoteSignature, outcome, err)
	}
	st = stateDone

	metrics.ConnectTotal.WithLabelValues(metrics.OutcomeDone).Inc()
	log.Info().Str("tee_type", rep.Type()).Msg("atls connection verified")

	return session, rep, nil
}

func stateName(s state) string {
	switch s {
	case stateInit:
		return "init"
	case stateTLSUp:
		return "tls_up"
	case stateQuoted:
		return "quoted"
	case stateDCAPOk:
		return "dcap_ok"
	case stateTCBOk:
		return "tcb_ok"
	case stateEKMOk:
		return "ekm_ok"
	case stateRTMROk:
		return "rtmr_ok"
	case statePolicyOk:
		return "policy_ok"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// simulatorEndpointEnv is the convention the Dstack guest agent's own
// SDK uses to point development tooling at a local simulator instead of
// a real TD (SPEC_FULL.md §7, grounded in the Dstack Go SDK's
// DSTACK_SIMULATOR_ENDPOINT).
const simulatorEndpointEnv = "DSTACK_SIMULATOR_ENDPOINT"

// DialSimulator dials addr (or, if empty, the DSTACK_SIMULATOR_ENDPOINT
// environment variable) as a plain TCP connection and runs Connect
// against it with policy.Dev(), for local development against a dstack
// simulator that has no real TDX hardware backing it.
func DialSimulator(ctx context.Context, addr string, opts ...Option) (transport.ByteDuplex, report.Report, error) {
	if addr == "" {
		addr = os.Getenv(simulatorEndpointEnv)
	}
	if addr == "" {
		return nil, nil, atlserr.Configuration("addr", "empty and "+simulatorEndpointEnv+" is not set")
	}
	stream, err := transport.DialTCP(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	return Connect(ctx, stream, "", policy.Dev(), opts...)
}
