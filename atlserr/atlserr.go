// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package atlserr defines the typed error taxonomy raised by every stage
// of the attested-TLS verification pipeline. No stage recovers from its
// own errors; a value produced here always aborts the call that raised it.
package atlserr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies which pipeline stage failed.
type Kind string

const (
	// KindConfiguration means the policy is not configuration-valid.
	KindConfiguration Kind = "configuration"
	// KindIO means a transport read/write/shutdown failed.
	KindIO Kind = "io"
	// KindTLSHandshake means TLS negotiation failed or EKM export is unavailable.
	KindTLSHandshake Kind = "tls_handshake"
	// KindQuoteFetch means the /tdx_quote HTTP exchange failed or was malformed.
	KindQuoteFetch Kind = "quote_fetch"
	// KindCollateralFetch means PCCS was unreachable or returned invalid collateral.
	KindCollateralFetch Kind = "collateral_fetch"
	// KindQuoteSignature means DCAP cryptographic validation failed.
	KindQuoteSignature Kind = "quote_signature"
	// KindTcbStatusNotAllowed means the TCB status is not in the policy's allow-list.
	KindTcbStatusNotAllowed Kind = "tcb_status_not_allowed"
	// KindReportDataMismatch means the EKM-bound nonce check failed.
	KindReportDataMismatch Kind = "report_data_mismatch"
	// KindBootchainMismatch means MRTD/RTMR0-2 disagree with policy.
	KindBootchainMismatch Kind = "bootchain_mismatch"
	// KindRtmr3Mismatch means event-log replay did not reproduce RTMR3.
	KindRtmr3Mismatch Kind = "rtmr3_mismatch"
	// KindKeyBindingMismatch means the TLS key hash is missing or mismatched in the event log.
	KindKeyBindingMismatch Kind = "key_binding_mismatch"
	// KindAppComposeMismatch means the app-compose payload hash disagrees with policy.
	KindAppComposeMismatch Kind = "app_compose_mismatch"
	// KindOsImageMismatch means the OS-image payload hash disagrees with policy.
	KindOsImageMismatch Kind = "os_image_mismatch"
	// KindTimeout means an external deadline fired.
	KindTimeout Kind = "timeout"
	// KindCancelled means an external cancellation signal fired.
	KindCancelled Kind = "cancelled"
)

// Error is the error type the pipeline's stages return, and atls.Connect
// wraps any other error into one before returning it (a few helpers, such
// as package compose, return plain errors). Callers should compare
// against Kind with errors.As, not
// against a sentinel value, since several kinds carry structured fields.
type Error struct {
	Kind Kind
	// Field names the specific configuration/register/check that failed,
	// when known (e.g. "mrtd", "os_image_hash"). Empty when not applicable.
	Field string
	// Expected and Actual hold hex or string representations of a
	// mismatched value, for BootchainMismatch and similar kinds.
	Expected string
	Actual   string
	// Status and Allowed are populated for KindTcbStatusNotAllowed.
	Status  string
	Allowed []string

	cause error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" field=%s", e.Field)
	}
	if e.Status != "" {
		msg += fmt.Sprintf(" status=%s allowed=%v", e.Status, e.Allowed)
	}
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" expected=%s actual=%s", e.Expected, e.Actual)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause so errors.Is/As compose normally.
func (e *Error) Unwrap() error { return e.cause }

// New builds a bare Error of the given kind, optionally wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Wrap attaches call-site context to cause and tags it with kind, using
// github.com/pkg/errors so the resulting error carries a stack trace for
// operator diagnosis without losing the original error for errors.Is/As.
func Wrap(kind Kind, cause error, context string) *Error {
	return &Error{Kind: kind, cause: errors.Wrap(cause, context)}
}

// Configuration reports a policy validation failure naming the bad field.
func Configuration(field, reason string) *Error {
	return &Error{Kind: KindConfiguration, Field: field, cause: errors.New(reason)}
}

// Bootchain reports a single mismatched bootchain register.
func Bootchain(field, expected, actual string) *Error {
	return &Error{Kind: KindBootchainMismatch, Field: field, Expected: expected, Actual: actual}
}

// TcbStatusNotAllowed reports a TCB status outside the policy allow-list.
func TcbStatusNotAllowed(status string, allowed []string) *Error {
	return &Error{Kind: KindTcbStatusNotAllowed, Status: status, Allowed: allowed}
}

// Is reports whether err carries the given Kind, for use with errors.Is-
// style call sites that only care about the stage that failed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
