// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the aTLS policy model: a JSON tagged-union
// describing what counts as a trustworthy peer (spec.md §4.1, §6). Adding
// a new TEE type is purely additive — a new struct implementing Policy,
// registered in FromJSON's type switch — no existing variant's
// semantics change.
package policy

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dstack-tee/atls-go/atlserr"
)

// Policy is the closed sum type of acceptance criteria a caller can hand
// to atls.Connect. Today it has exactly one variant, DstackTdxPolicy; new
// variants (SEV-SNP, SGX) are additive per spec.md §4.1/§9.
type Policy interface {
	// Type returns the JSON discriminator for this variant ("dstack_tdx").
	Type() string
	// Validate checks the configuration-valid invariants of spec.md §3 and
	// returns an *atlserr.Error of KindConfiguration naming the first bad
	// field, or nil.
	Validate() error
}

// ExpectedBootchain is the four-register firmware/kernel measurement
// tuple spec.md §3 defines: MRTD, RTMR0, RTMR1, RTMR2, each a 48-byte
// SHA-384 value encoded as 96 lowercase hex characters.
type ExpectedBootchain struct {
	Mrtd  string `json:"mrtd"`
	Rtmr0 string `json:"rtmr0"`
	Rtmr1 string `json:"rtmr1"`
	Rtmr2 string `json:"rtmr2"`
}

const bootchainRegisterLen = 48 // bytes; SHA-384 output

// Validate checks that every register is lowercase hex decoding to
// exactly 48 bytes, returning the name of the first offending field.
func (b *ExpectedBootchain) Validate() error {
	fields := []struct {
		name string
		val  string
	}{
		{"mrtd", b.Mrtd},
		{"rtmr0", b.Rtmr0},
		{"rtmr1", b.Rtmr1},
		{"rtmr2", b.Rtmr2},
	}
	for _, f := range fields {
		if err := validateHexLen(f.val, bootchainRegisterLen); err != nil {
			return atlserr.Configuration(f.name, err.Error())
		}
	}
	return nil
}

// AppCompose is the user-supplied workload description (typically a
// Docker Compose file plus metadata). It is kept as a decoded JSON value
// tree (not a fixed struct) so unknown/forward-compatible fields survive
// round-tripping and canonical hashing unchanged, per spec.md §4.7.
type AppCompose map[string]any

// OsImageHashLen is the byte length of the SHA-256 OS-image digest.
const OsImageHashLen = 32

// DstackTdxPolicy is the policy variant for Intel TDX guests running the
// Dstack runtime (spec.md §3, §6).
type DstackTdxPolicy struct {
	AllowedTcbStatus  []string           `json:"allowed_tcb_status"`
	ExpectedBootchain *ExpectedBootchain `json:"expected_bootchain,omitempty"`
	OsImageHash       string             `json:"os_image_hash,omitempty"`
	AppCompose        AppCompose         `json:"app_compose,omitempty"`

	DisableRuntimeVerification bool `json:"disable_runtime_verification,omitempty"`
	PccsURL                    string `json:"pccs_url,omitempty"`
	CacheCollateral            bool   `json:"cache_collateral,omitempty"`

	// CollateralCacheURL, when set, points the collateral cache at a
	// shared backend (e.g. redis://host:6379/0) instead of the default
	// in-process snapshot cache. Not part of the wire schema in spec.md
	// §6; a SPEC_FULL.md domain-stack addition.
	CollateralCacheURL string `json:"collateral_cache_url,omitempty"`

	// EventTags overrides the event-log tag strings used to locate the
	// key-binding/app-compose/os-image events, per spec.md §9's open
	// question. Nil uses DefaultEventTags.
	EventTags *EventTags `json:"event_tags,omitempty"`

	// TrustedRootPEM overrides the Intel SGX/TDX root CA a PCK chain must
	// verify against. Empty uses dcap.DefaultTrustedRoot(), Intel's
	// published root (spec.md §4.4; DESIGN.md, "PCK chain trust anchor").
	TrustedRootPEM string `json:"trusted_root_pem,omitempty"`
}

// EventTags names the event-log "event" field values the verifier looks
// for while replaying RTMR3 (spec.md §4.6, §9).
type EventTags struct {
	KeyProvider string `json:"key_provider"`
	AppCompose  string `json:"app_compose"`
	OsImage     string `json:"os_image"`
}

// DefaultPccsURL is Intel's public Provisioning Certificate Caching
// Service, used when a policy does not specify one.
const DefaultPccsURL = "https://api.trustedservices.intel.com/sgx/certification/v4"

func (p *DstackTdxPolicy) Type() string { return "dstack_tdx" }

// Validate implements the invariant of spec.md §3: either runtime
// verification is disabled, or bootchain/os-image/app-compose are all
// present; allowed_tcb_status must be non-empty either way.
func (p *DstackTdxPolicy) Validate() error {
	if len(p.AllowedTcbStatus) == 0 {
		return atlserr.Configuration("allowed_tcb_status", "must be non-empty")
	}
	for _, s := range p.AllowedTcbStatus {
		if s == "Revoked" {
			return atlserr.Configuration("allowed_tcb_status", "Revoked must never be configured as allowed")
		}
	}

	if p.DisableRuntimeVerification {
		return nil
	}

	if p.ExpectedBootchain == nil {
		return atlserr.Configuration("expected_bootchain", "required unless disable_runtime_verification is true")
	}
	if err := p.ExpectedBootchain.Validate(); err != nil {
		return err
	}
	if p.OsImageHash == "" {
		return atlserr.Configuration("os_image_hash", "required unless disable_runtime_verification is true")
	}
	if err := validateHexLen(p.OsImageHash, OsImageHashLen); err != nil {
		return atlserr.Configuration("os_image_hash", err.Error())
	}
	if p.AppCompose == nil {
		return atlserr.Configuration("app_compose", "required unless disable_runtime_verification is true")
	}
	return nil
}

// Dev returns a policy with disable_runtime_verification=true and a
// permissive TCB allow-list, for local development against a dstack
// simulator (spec.md §6; SPEC_FULL.md §7's DialSimulator convenience).
func Dev() *DstackTdxPolicy {
	return &DstackTdxPolicy{
		AllowedTcbStatus: []string{
			"UpToDate",
			"SWHardeningNeeded",
			"ConfigurationNeeded",
			"ConfigurationAndSWHardeningNeeded",
			"OutOfDate",
			"OutOfDateConfigurationNeeded",
		},
		DisableRuntimeVerification: true,
	}
}

// EffectivePccsURL resolves the configured PCCS URL or the default.
func (p *DstackTdxPolicy) EffectivePccsURL() string {
	if p.PccsURL != "" {
		return p.PccsURL
	}
	return DefaultPccsURL
}

// EffectiveEventTags resolves the configured event tags or the defaults.
func (p *DstackTdxPolicy) EffectiveEventTags() EventTags {
	if p.EventTags != nil {
		return *p.EventTags
	}
	return DefaultEventTags
}

// DefaultEventTags are the event-log tag strings this implementation
// assumes for the current Dstack runtime generation, per spec.md §9.
var DefaultEventTags = EventTags{
	KeyProvider: "key-provider",
	AppCompose:  "compose-hash",
	OsImage:     "os-image-hash",
}

// envelope is the wire shape of the JSON tagged union (spec.md §6): a
// "type" discriminator alongside the variant's own fields.
type envelope struct {
	Type string `json:"type"`
}

// FromJSON implements policy_from_json(bytes) → Policy (spec.md §6).
func FromJSON(data []byte) (Policy, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, atlserr.Wrap(atlserr.KindConfiguration, err, "decode policy envelope")
	}
	switch env.Type {
	case "dstack_tdx", "":
		var p DstackTdxPolicy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, atlserr.Wrap(atlserr.KindConfiguration, err, "decode dstack_tdx policy")
		}
		return &p, nil
	default:
		return nil, atlserr.Configuration("type", fmt.Sprintf("unknown policy variant %q", env.Type))
	}
}

// ToJSON serializes p back to its wire form, with the "type" discriminator
// injected alongside its own fields. Round-tripping through FromJSON/ToJSON
// must be lossless for every syntactically valid policy (spec.md §8).
func ToJSON(p Policy) ([]byte, error) {
	switch v := p.(type) {
	case *DstackTdxPolicy:
		type alias DstackTdxPolicy
		return json.Marshal(struct {
			Type string `json:"type"`
			*alias
		}{Type: v.Type(), alias: (*alias)(v)})
	default:
		return nil, atlserr.Configuration("type", fmt.Sprintf("unsupported policy type %T", p))
	}
}

func validateHexLen(s string, wantBytes int) error {
	if len(s) != wantBytes*2 {
		return fmt.Errorf("expected %d hex characters (%d bytes), got %d", wantBytes*2, wantBytes, len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("must be lowercase hex, found %q", c)
		}
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	return nil
}
