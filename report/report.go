// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package report defines the attestation result atls.Connect returns on
// success: everything the caller needs to decide how much further to
// trust the connection, without having to re-derive it from the raw
// quote (spec.md §3, §4.9).
package report

import "time"

// Report is the sum type every verifier produces. Today TdxReport is the
// only variant; new TEE types add new variants additively (spec.md §4.9,
// §9), matching policy.Policy's own closed/open shape.
type Report interface {
	Type() string
}

// TdxReport is the attestation result for a Dstack TDX guest.
type TdxReport struct {
	TeeType     string   `json:"tee_type"`
	Measurement string   `json:"measurement"` // hex MRTD, the platform's primary identity
	TcbStatus   string   `json:"tcb_status"`
	AdvisoryIDs []string `json:"advisory_ids,omitempty"`
	Rtmr        []string `json:"rtmr"` // hex, RTMR0..RTMR3, in order
	Mrtd        string   `json:"mrtd"`

	// DeviceID, AppCompose, and ComposeHash are named after the dstack
	// runtime's own TcbInfo fields (SPEC_FULL.md §7 supplement) and are
	// filled from the event log: DeviceID holds the key-provider event's
	// digest, and AppCompose and ComposeHash both hold the compose-hash
	// event's digest (both empty when runtime verification is disabled).
	DeviceID    string `json:"device_id,omitempty"`
	AppCompose  string `json:"app_compose,omitempty"`
	ComposeHash string `json:"compose_hash,omitempty"`

	// ConnectionID correlates this report with logs/metrics emitted
	// during the handshake that produced it.
	ConnectionID string    `json:"connection_id"`
	VerifiedAt   time.Time `json:"verified_at"`
}

func (r *TdxReport) Type() string { return "tdx" }
