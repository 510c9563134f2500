// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package dcap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/dstack-tee/atls-go/atlserr"
)

// TCBInfo is Intel's TCB info response, trimmed to the fields this
// verifier needs (spec.md §4.4).
type TCBInfo struct {
	TcbInfo struct {
		FMSPC    string `json:"fmspc"`
		TcbLevels []struct {
			Tcb struct {
				PceSvn int `json:"pcesvn"`
			} `json:"tcb"`
			TcbStatus   string   `json:"tcbStatus"`
			AdvisoryIDs []string `json:"advisoryIDs"`
		} `json:"tcbLevels"`
	} `json:"tcbInfo"`
}

// Collateral bundles everything fetched from a PCCS for one FMSPC:
// TCB info, QE identity, and one CRL, plus when it was fetched so
// callers can age it out of a cache. RootCRL holds the PCK processor CA
// CRL (the one that lists revoked PCK leaf certificates), not the Intel
// root CA's CRL.
type Collateral struct {
	FMSPC      string
	TCBInfo    TCBInfo
	QEIdentity []byte
	RootCRL    []byte
	FetchedAt  time.Time
}

// PCCSClient fetches DCAP collateral from a Provisioning Certificate
// Caching Service, retrying transient failures with exponential backoff
// (spec.md §4.4; SPEC_FULL.md §6).
type PCCSClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	maxRetry   time.Duration
}

// PCCSClientOption configures a PCCSClient.
type PCCSClientOption func(*PCCSClient)

// WithHTTPClient overrides the http.Client used for collateral requests.
func WithHTTPClient(c *http.Client) PCCSClientOption {
	return func(p *PCCSClient) { p.httpClient = c }
}

// WithLogger attaches a logger to a PCCSClient.
func WithLogger(l zerolog.Logger) PCCSClientOption {
	return func(p *PCCSClient) { p.log = l }
}

// WithMaxRetryElapsed bounds total time spent retrying a single request.
func WithMaxRetryElapsed(d time.Duration) PCCSClientOption {
	return func(p *PCCSClient) { p.maxRetry = d }
}

// NewPCCSClient builds a client against baseURL (e.g.
// policy.DstackTdxPolicy.EffectivePccsURL()).
func NewPCCSClient(baseURL string, opts ...PCCSClientOption) *PCCSClient {
	p := &PCCSClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        zerolog.Nop(),
		maxRetry:   15 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchCollateral retrieves TCB info, QE identity, and the PCK processor
// CRL for fmspc, retrying each request with exponential backoff.
func (c *PCCSClient) FetchCollateral(ctx context.Context, fmspc string) (*Collateral, error) {
	tcbBody, err := c.getWithRetry(ctx, fmt.Sprintf("%s/tcb?fmspc=%s", c.baseURL, url.QueryEscape(fmspc)))
	if err != nil {
		return nil, atlserr.Wrap(atlserr.KindCollateralFetch, err, "fetch tcb info")
	}
	var tcbInfo TCBInfo
	if err := json.Unmarshal(tcbBody, &tcbInfo); err != nil {
		return nil, atlserr.Wrap(atlserr.KindCollateralFetch, err, "decode tcb info")
	}

	qeBody, err := c.getWithRetry(ctx, fmt.Sprintf("%s/qe/identity", c.baseURL))
	if err != nil {
		return nil, atlserr.Wrap(atlserr.KindCollateralFetch, err, "fetch qe identity")
	}

	crlBody, err := c.getWithRetry(ctx, fmt.Sprintf("%s/crl?ca=processor", c.baseURL))
	if err != nil {
		return nil, atlserr.Wrap(atlserr.KindCollateralFetch, err, "fetch pck processor crl")
	}

	return &Collateral{
		FMSPC:      fmspc,
		TCBInfo:    tcbInfo,
		QEIdentity: qeBody,
		RootCRL:    crlBody,
		FetchedAt:  time.Now(),
	}, nil
}

func (c *PCCSClient) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("pccs returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("pccs returned %d: %s", resp.StatusCode, string(b)))
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	bo := backoff.WithMaxElapsedTime(backoff.NewExponentialBackOff(), c.maxRetry)
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("endpoint", endpoint).Dur("retry_in", wait).Msg("pccs request failed, retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}
