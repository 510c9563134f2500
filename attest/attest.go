// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package attest drives the in-band quote request (spec.md §4.3): it
// mints a fresh nonce, derives report_data from the nonce and the TLS
// session's exported keying material, and speaks the minimal HTTP/1.1
// exchange that asks the peer to embed that report_data in a freshly
// generated TDX quote.
package attest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dstack-tee/atls-go/atlserr"
	"github.com/dstack-tee/atls-go/transport"
)

// NonceLen is the byte length of the client-chosen attestation nonce.
const NonceLen = 32

// MaxReportDataLen is the ceiling TDX places on a TD report's
// user-supplied report_data field (SPEC_FULL.md §7).
const MaxReportDataLen = 64

// maxQuoteResponseBytes bounds the /tdx_quote response body so a
// misbehaving or compromised peer cannot exhaust client memory
// (spec.md §4.3's 256 KiB–4 MiB guidance).
const maxQuoteResponseBytes = 4 << 20

const quotePath = "/tdx_quote"

// NewNonce returns NonceLen cryptographically random bytes.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, atlserr.Wrap(atlserr.KindIO, err, "generate attestation nonce")
	}
	return nonce, nil
}

// ReportData computes the 64-byte value the peer's quote must embed:
// SHA-512(nonce ‖ session_ekm) (spec.md §3). The TDX report_data field is
// exactly 64 bytes, matching SHA-512's output length, with no padding.
func ReportData(nonce, sessionEKM []byte) [MaxReportDataLen]byte {
	return sha512.Sum512(append(append([]byte(nil), nonce...), sessionEKM...))
}

// QuoteRequest is the JSON body POSTed to /tdx_quote.
type QuoteRequest struct {
	ReportData string `json:"report_data"` // base64-standard, 64 bytes decoded
	RequestID  string `json:"request_id"`
}

// QuoteResponse is the JSON body the peer returns.
type QuoteResponse struct {
	Quote       string `json:"quote"`                  // base64-standard
	EventLog    json.RawMessage `json:"event_log,omitempty"` // JSON array, passed through raw
	RequestID   string `json:"request_id"`
}

// FetchQuote sends the report_data to the peer over stream and returns
// the raw quote bytes and raw event-log JSON it replied with. stream is
// assumed already wrapped in the attested TLS session; this function
// speaks plain HTTP/1.1 over it and does not close stream.
func FetchQuote(ctx context.Context, stream transport.ByteDuplex, reportData [MaxReportDataLen]byte, log zerolog.Logger) ([]byte, []byte, error) {
	reqID := uuid.NewString()
	body, err := json.Marshal(QuoteRequest{
		ReportData: base64.StdEncoding.EncodeToString(reportData[:]),
		RequestID:  reqID,
	})
	if err != nil {
		return nil, nil, atlserr.Wrap(atlserr.KindQuoteFetch, err, "encode quote request")
	}

	log.Debug().Str("request_id", reqID).Msg("requesting tdx quote")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, quotePath, bytes.NewReader(body))
	if err != nil {
		return nil, nil, atlserr.Wrap(atlserr.KindQuoteFetch, err, "build quote request")
	}
	httpReq.ContentLength = int64(len(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", reqID)
	httpReq.Host = "atls"

	if err := httpReq.Write(stream); err != nil {
		return nil, nil, atlserr.Wrap(atlserr.KindQuoteFetch, err, "write quote request")
	}

	reader := bufio.NewReader(&limitedByteDuplexReader{r: stream, n: maxQuoteResponseBytes})
	httpResp, err := http.ReadResponse(reader, httpReq)
	if err != nil {
		return nil, nil, atlserr.Wrap(atlserr.KindQuoteFetch, err, "read quote response")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, nil, atlserr.Wrap(atlserr.KindQuoteFetch, fmt.Errorf("peer returned HTTP %d", httpResp.StatusCode), "tdx_quote request rejected")
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxQuoteResponseBytes))
	if err != nil {
		return nil, nil, atlserr.Wrap(atlserr.KindQuoteFetch, err, "read quote response body")
	}

	var qr QuoteResponse
	if err := json.Unmarshal(respBody, &qr); err != nil {
		return nil, nil, atlserr.Wrap(atlserr.KindQuoteFetch, err, "decode quote response")
	}

	quote, err := base64.StdEncoding.DecodeString(qr.Quote)
	if err != nil {
		return nil, nil, atlserr.Wrap(atlserr.KindQuoteFetch, err, "decode quote base64")
	}

	log.Debug().Str("request_id", reqID).Int("quote_bytes", len(quote)).Msg("received tdx quote")

	return quote, []byte(qr.EventLog), nil
}

// limitedByteDuplexReader adapts a transport.ByteDuplex to io.Reader with
// a hard cap on total bytes read, so http.ReadResponse cannot be tricked
// into buffering an unbounded reply.
type limitedByteDuplexReader struct {
	r transport.ByteDuplex
	n int64
}

func (l *limitedByteDuplexReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, atlserr.New(atlserr.KindQuoteFetch, fmt.Errorf("quote response exceeded %d bytes", maxQuoteResponseBytes))
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
