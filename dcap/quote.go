// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package dcap parses Intel TDX DCAP quotes and checks them against
// Intel's collateral: it verifies the PCK certificate chain, looks the
// PCK leaf up in the fetched CRL, and derives the TCB status from the TCB
// info by PCE SVN (spec.md §4.4, §4.5). The QE identity is fetched but
// not evaluated, and the quote's ECDSA signature is not verified by this
// package. Byte offsets below follow the TDX
// ECDSA quote v4 structure (quote header + TD report body + signature
// block with embedded PCK certificate chain).
package dcap

import (
	"encoding/binary"
	"fmt"

	"github.com/dstack-tee/atls-go/atlserr"
)

const (
	quoteHeaderLen = 48
	tdReportLen    = 584

	// Offsets within the 584-byte TD report body.
	offTeeTcbSvn      = 0
	offMrSeam         = 16
	offMrSignerSeam   = 64
	offSeamAttributes = 112
	offTdAttributes   = 120
	offXfam           = 128
	offMrTd           = 136
	offMrConfigID     = 184
	offMrOwner        = 232
	offMrOwnerConfig  = 280
	offRtmr0          = 328
	offRtmr1          = 376
	offRtmr2          = 424
	offRtmr3          = 472
	offReportData     = 520

	registerLen    = 48 // SHA-384
	reportDataLen  = 64

	// Quote header fields.
	offVersion  = 0
	offAttKeyTy = 2
	offTeeType  = 4
	offQeVendor = 12
	offUserData = 28
)

// Quote is a structurally parsed TDX ECDSA quote (header + TD report).
// The signature block (ECDSA signature, attestation key, QE report, PCK
// certificate chain) is kept raw in SignatureBlock; ParsePCKChain
// extracts the PCK certificate chain from it. The ECDSA signature in it
// is not checked anywhere in this package.
type Quote struct {
	Version uint16
	TeeType uint32

	MrSeam       [48]byte
	MrSignerSeam [48]byte
	MrTd         [registerLen]byte
	MrConfigID   [48]byte
	MrOwner      [48]byte
	MrOwnerConfig [48]byte
	Rtmr0        [registerLen]byte
	Rtmr1        [registerLen]byte
	Rtmr2        [registerLen]byte
	Rtmr3        [registerLen]byte
	ReportData   [reportDataLen]byte

	// SignatureBlock is everything after the fixed header+body, containing
	// the ECDSA signature over header‖body, the attestation public key,
	// the QE report and its own signature, and the PCK certificate chain
	// (PEM, concatenated) as an authentication data extension.
	SignatureBlock []byte

	// Raw is the full quote exactly as received, for signature
	// verification which must hash the original bytes.
	Raw []byte
}

// tdxTeeType is the TEE type value TDX quotes carry in the quote header.
const tdxTeeType = 0x00000081

// ParseQuote parses the fixed-size quote header and TD report body out of
// raw. It does not verify any signature.
func ParseQuote(raw []byte) (*Quote, error) {
	if len(raw) < quoteHeaderLen+tdReportLen {
		return nil, atlserr.Wrap(atlserr.KindQuoteSignature, fmt.Errorf("quote too short: %d bytes", len(raw)), "parse tdx quote")
	}

	header := raw[:quoteHeaderLen]
	body := raw[quoteHeaderLen : quoteHeaderLen+tdReportLen]

	q := &Quote{
		Version: binary.LittleEndian.Uint16(header[offVersion:]),
		TeeType: binary.LittleEndian.Uint32(header[offTeeType:]),
		Raw:     raw,
	}

	if q.TeeType != tdxTeeType {
		return nil, atlserr.Wrap(atlserr.KindQuoteSignature, fmt.Errorf("unexpected tee_type 0x%x", q.TeeType), "parse tdx quote")
	}

	copy(q.MrSeam[:], body[offMrSeam:offMrSeam+48])
	copy(q.MrSignerSeam[:], body[offMrSignerSeam:offMrSignerSeam+48])
	copy(q.MrTd[:], body[offMrTd:offMrTd+registerLen])
	copy(q.MrConfigID[:], body[offMrConfigID:offMrConfigID+48])
	copy(q.MrOwner[:], body[offMrOwner:offMrOwner+48])
	copy(q.MrOwnerConfig[:], body[offMrOwnerConfig:offMrOwnerConfig+48])
	copy(q.Rtmr0[:], body[offRtmr0:offRtmr0+registerLen])
	copy(q.Rtmr1[:], body[offRtmr1:offRtmr1+registerLen])
	copy(q.Rtmr2[:], body[offRtmr2:offRtmr2+registerLen])
	copy(q.Rtmr3[:], body[offRtmr3:offRtmr3+registerLen])
	copy(q.ReportData[:], body[offReportData:offReportData+reportDataLen])

	if len(raw) > quoteHeaderLen+tdReportLen {
		q.SignatureBlock = raw[quoteHeaderLen+tdReportLen:]
	}

	return q, nil
}
