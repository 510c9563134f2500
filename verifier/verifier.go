// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package verifier turns a fetched quote and event log into a verdict:
// it runs DCAP collateral verification, checks the TCB status against
// policy, replays RTMR3, and compares the result against the expected
// bootchain and workload identity (spec.md §4.4-§4.9).
//
// Verifier lives in its own package rather than as a method on
// policy.Policy so policy can stay free of a dependency on dcap/eventlog
// — the policy package only describes what to check, this package does
// the checking.
package verifier

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dstack-tee/atls-go/atlserr"
	"github.com/dstack-tee/atls-go/attest"
	"github.com/dstack-tee/atls-go/compose"
	"github.com/dstack-tee/atls-go/dcap"
	"github.com/dstack-tee/atls-go/eventlog"
	"github.com/dstack-tee/atls-go/policy"
	"github.com/dstack-tee/atls-go/report"
)

// Input is everything a Verifier needs to reach a verdict: the raw
// quote and event log a peer returned from /tdx_quote, the report_data
// this session's nonce+EKM produced, and the TLS leaf certificate the
// handshake captured (for the key-binding check of spec.md §4.6).
type Input struct {
	Quote              []byte
	EventLogRaw        []byte
	ExpectedReportData [attest.MaxReportDataLen]byte
	LeafCertDER        []byte
	ConnectionID       string
}

// Verifier checks a quote against a policy and produces a report.
type Verifier interface {
	Verify(ctx context.Context, in Input) (report.Report, error)
}

// FromPolicy builds the Verifier matching p's concrete type. It is the
// sole place a policy.Policy value is turned into runtime verification
// behavior, so new policy variants register here, not as methods on
// Policy itself.
func FromPolicy(p policy.Policy, opts ...Option) (Verifier, error) {
	switch v := p.(type) {
	case *policy.DstackTdxPolicy:
		if v.CollateralCacheURL != "" {
			redisOpts, err := redis.ParseURL(v.CollateralCacheURL)
			if err != nil {
				return nil, atlserr.Wrap(atlserr.KindConfiguration, err, "parse collateral_cache_url")
			}
			cache := dcap.NewRedisCollateralCache(redis.NewClient(redisOpts), dcap.DefaultCollateralTTL)
			opts = append([]Option{WithCollateralCache(cache)}, opts...)
		}
		return NewDstackTdxVerifier(v, opts...), nil
	default:
		return nil, atlserr.Configuration("type", fmt.Sprintf("no verifier registered for policy type %T", p))
	}
}

// Option configures a DstackTdxVerifier.
type Option func(*DstackTdxVerifier)

// WithPCCSClient overrides the PCCS client (default: one built from the
// policy's effective PCCS URL).
func WithPCCSClient(c *dcap.PCCSClient) Option {
	return func(v *DstackTdxVerifier) { v.pccs = c }
}

// WithCollateralCache overrides the collateral cache (default: an
// in-process SnapshotCache).
func WithCollateralCache(c dcap.CollateralCache) Option {
	return func(v *DstackTdxVerifier) { v.cache = c }
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(v *DstackTdxVerifier) { v.log = l }
}

// DstackTdxVerifier is the Verifier for policy.DstackTdxPolicy.
type DstackTdxVerifier struct {
	policy *policy.DstackTdxPolicy
	pccs   *dcap.PCCSClient
	cache  dcap.CollateralCache
	log    zerolog.Logger
}

// NewDstackTdxVerifier builds a verifier for p, defaulting its PCCS
// client and collateral cache from p's own settings.
func NewDstackTdxVerifier(p *policy.DstackTdxPolicy, opts ...Option) *DstackTdxVerifier {
	v := &DstackTdxVerifier{
		policy: p,
		pccs:   dcap.NewPCCSClient(p.EffectivePccsURL()),
		cache:  dcap.NewSnapshotCache(dcap.DefaultCollateralTTL),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify implements the state progression of spec.md §4.10 from QUOTED
// onward: DCAP_OK, TCB_OK, EKM_OK (report_data match), RTMR_OK, then
// KEY_BINDING_OK, then the policy-specific bootchain/app-compose/
// os-image checks. EKM/RTMR3/key-binding are enforced unconditionally,
// even under a policy with runtime verification disabled — only
// bootchain/app-compose/os-image are skippable (spec.md §8 scenario
// S6). It returns on the first failing check; nothing after that point
// runs.
func (v *DstackTdxVerifier) Verify(ctx context.Context, in Input) (report.Report, error) {
	quote, err := dcap.ParseQuote(in.Quote)
	if err != nil {
		return nil, err
	}

	tcbStatus, advisoryIDs, err := v.checkDCAP(ctx, quote)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare(quote.ReportData[:], in.ExpectedReportData[:]) != 1 {
		return nil, atlserr.New(atlserr.KindReportDataMismatch, fmt.Errorf("quote report_data does not match session binding"))
	}

	rtmrs := [4]string{
		hex.EncodeToString(quote.Rtmr0[:]),
		hex.EncodeToString(quote.Rtmr1[:]),
		hex.EncodeToString(quote.Rtmr2[:]),
		hex.EncodeToString(quote.Rtmr3[:]),
	}

	entries, err := eventlog.Decode(in.EventLogRaw)
	if err != nil {
		return nil, err
	}

	replayedRtmr3, err := eventlog.Replay(entries, 3)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(replayedRtmr3, quote.Rtmr3[:]) != 1 {
		return nil, atlserr.New(atlserr.KindRtmr3Mismatch, fmt.Errorf("replayed rtmr3 does not match quoted rtmr3"))
	}

	tags := v.policy.EffectiveEventTags()

	deviceID, err := v.checkKeyBinding(entries, tags, in.LeafCertDER)
	if err != nil {
		return nil, err
	}

	var appComposeRaw, composeHash string

	if !v.policy.DisableRuntimeVerification {
		if err := v.checkBootchain(quote); err != nil {
			return nil, err
		}

		if e, ok := eventlog.FindByEvent(entries, 3, tags.OsImage); ok {
			if e.Digest != v.policy.OsImageHash {
				return nil, atlserr.New(atlserr.KindOsImageMismatch, fmt.Errorf("os image hash mismatch: expected %s, got %s", v.policy.OsImageHash, e.Digest))
			}
		} else if v.policy.OsImageHash != "" {
			return nil, atlserr.New(atlserr.KindOsImageMismatch, fmt.Errorf("event log has no %q entry to verify os image hash against", tags.OsImage))
		}

		if e, ok := eventlog.FindByEvent(entries, 3, tags.AppCompose); ok {
			composeHash = e.Digest
			if err := v.checkAppCompose(composeHash); err != nil {
				return nil, err
			}
		} else if v.policy.AppCompose != nil {
			return nil, atlserr.New(atlserr.KindAppComposeMismatch, fmt.Errorf("event log has no %q entry to verify app compose against", tags.AppCompose))
		}

		appComposeRaw = composeHash
	}

	return &report.TdxReport{
		TeeType:      "tdx",
		Measurement:  hex.EncodeToString(quote.MrTd[:]),
		TcbStatus:    tcbStatus,
		AdvisoryIDs:  advisoryIDs,
		Rtmr:         rtmrs[:],
		Mrtd:         hex.EncodeToString(quote.MrTd[:]),
		DeviceID:     deviceID,
		AppCompose:   appComposeRaw,
		ComposeHash:  composeHash,
		ConnectionID: in.ConnectionID,
		VerifiedAt:   time.Now(),
	}, nil
}

// checkDCAP parses the quote's embedded PCK chain, fetches (or reuses
// cached) collateral for its FMSPC, and evaluates TCB status against the
// policy's allow-list (spec.md §4.4).
func (v *DstackTdxVerifier) checkDCAP(ctx context.Context, quote *dcap.Quote) (string, []string, error) {
	chain, err := dcap.ParsePCKChain(quote.SignatureBlock)
	if err != nil {
		return "", nil, err
	}

	trustedRoot, err := v.trustedRoot()
	if err != nil {
		return "", nil, err
	}
	if err := chain.Verify(trustedRoot, time.Now()); err != nil {
		return "", nil, err
	}

	collateral, ok := v.cache.Get(ctx, chain.FMSPC)
	if !ok {
		collateral, err = v.pccs.FetchCollateral(ctx, chain.FMSPC)
		if err != nil {
			return "", nil, err
		}
		if v.policy.CacheCollateral {
			if err := v.cache.Put(ctx, chain.FMSPC, collateral); err != nil {
				v.log.Warn().Err(err).Msg("failed to cache collateral")
			}
		}
	}

	if crl, err := x509.ParseRevocationList(collateral.RootCRL); err == nil {
		if chain.IsRevoked(crl) {
			return "", nil, atlserr.New(atlserr.KindQuoteSignature, fmt.Errorf("pck leaf certificate is revoked"))
		}
	} else {
		v.log.Warn().Err(err).Msg("failed to parse pck crl, skipping revocation check")
	}

	pceSvn, err := chain.PCESVN()
	if err != nil {
		return "", nil, err
	}

	level, err := dcap.EvaluateTCBStatus(&collateral.TCBInfo, pceSvn)
	if err != nil {
		return "", nil, err
	}

	if err := dcap.CheckTCBStatusAllowed(level.Status, v.policy.AllowedTcbStatus); err != nil {
		return "", nil, err
	}

	return level.Status, level.AdvisoryIDs, nil
}

// trustedRoot resolves the Intel SGX/TDX root CA a PCK chain must verify
// against: the policy's override if set, else the built-in default.
func (v *DstackTdxVerifier) trustedRoot() (*x509.Certificate, error) {
	if v.policy.TrustedRootPEM != "" {
		return dcap.ParseTrustedRootPEM([]byte(v.policy.TrustedRootPEM))
	}
	return dcap.DefaultTrustedRoot()
}

// checkKeyBinding implements spec.md §4.6's anti-relay property: the
// event log's key-provider event on RTMR3 must carry the SHA-256 hash
// of the TLS leaf certificate's SubjectPublicKeyInfo, proving the TD
// that produced the quote is the same one holding the TLS session's
// private key. It returns the event's digest (carried into the report
// as DeviceID) on success.
func (v *DstackTdxVerifier) checkKeyBinding(entries []eventlog.Entry, tags policy.EventTags, leafCertDER []byte) (string, error) {
	e, ok := eventlog.FindByEvent(entries, 3, tags.KeyProvider)
	if !ok {
		return "", atlserr.New(atlserr.KindKeyBindingMismatch, fmt.Errorf("event log has no %q entry to bind the tls session key", tags.KeyProvider))
	}

	leaf, err := x509.ParseCertificate(leafCertDER)
	if err != nil {
		return "", atlserr.Wrap(atlserr.KindKeyBindingMismatch, err, "parse tls leaf certificate")
	}

	sum := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(e.Digest)) != 1 {
		return "", atlserr.New(atlserr.KindKeyBindingMismatch, fmt.Errorf("tls key spki hash mismatch: expected %s, got %s", want, e.Digest))
	}

	return e.Digest, nil
}

// checkBootchain compares MRTD/RTMR0-2 against the policy's
// expected_bootchain, aborting at the first mismatch (spec.md §4.8).
func (v *DstackTdxVerifier) checkBootchain(quote *dcap.Quote) error {
	eb := v.policy.ExpectedBootchain
	checks := []struct {
		field    string
		expected string
		actual   [48]byte
	}{
		{"mrtd", eb.Mrtd, quote.MrTd},
		{"rtmr0", eb.Rtmr0, quote.Rtmr0},
		{"rtmr1", eb.Rtmr1, quote.Rtmr1},
		{"rtmr2", eb.Rtmr2, quote.Rtmr2},
	}
	for _, c := range checks {
		expected, err := hex.DecodeString(c.expected)
		if err != nil {
			return atlserr.Bootchain(c.field, c.expected, hex.EncodeToString(c.actual[:]))
		}
		if subtle.ConstantTimeCompare(expected, c.actual[:]) != 1 {
			return atlserr.Bootchain(c.field, c.expected, hex.EncodeToString(c.actual[:]))
		}
	}
	return nil
}

// checkAppCompose verifies the event log's recorded compose digest
// matches the hash of the policy's (default-merged) app compose object
// (spec.md §4.7).
func (v *DstackTdxVerifier) checkAppCompose(eventDigest string) error {
	merged := policy.MergeWithDefaultAppCompose(v.policy.AppCompose)
	sum, err := compose.Hash(merged)
	if err != nil {
		return err
	}
	want := hex.EncodeToString(sum[:])
	if want != eventDigest {
		return atlserr.New(atlserr.KindAppComposeMismatch, fmt.Errorf("app compose hash mismatch: expected %s, got %s", want, eventDigest))
	}
	return nil
}
