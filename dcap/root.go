// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package dcap

import (
	"crypto/x509"
	"encoding/pem"
	"sync"

	"github.com/dstack-tee/atls-go/atlserr"
)

// IntelSGXRootCAPEM is Intel's published SGX/TDX Root CA certificate, the
// trust anchor every PCK chain must ultimately chain to (spec.md §4.4).
// Policies may override it via DstackTdxPolicy.TrustedRootPEM (e.g. to
// pin a different root in an air-gapped or test deployment); this is the
// default.
const IntelSGXRootCAPEM = `-----BEGIN CERTIFICATE-----
MIICjzCCAjSgAwIBAgIUImUM1lqdNInzg7SVUr9QGzknBqwwCgYIKoZIzj0EAwIw
aDEaMBgGA1UEAwwRSW50ZWwgU0dYIFJvb3QgQ0ExGjAYBgNVBAoMEUludGVsIENv
cnBvcmF0aW9uMRQwEgYDVQQHDAtTYW50YSBDbGFyYTELMAkGA1UECAwCQ0ExCzAJ
BgNVBAYTAlVTMB4XDTE4MDUyMTEwNDUxMFoXDTQ5MTIzMTIzNTk1OVowaDEaMBgG
A1UEAwwRSW50ZWwgU0dYIFJvb3QgQ0ExGjAYBgNVBAoMEUludGVsIENvcnBvcmF0
aW9uMRQwEgYDVQQHDAtTYW50YSBDbGFyYTELMAkGA1UECAwCQ0ExCzAJBgNVBAYT
AlVTMFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAEC6nEwMDIYZOj/iPWsCzaEKi7
1OiOSLRFhWGjbnBVJfVnkY4u3IjkDYYL0MxO4mqsyYjlBalTVYxFP2sJBK5zlKOB
uzCBuDAfBgNVHSMEGDAWgBQiZQzWWp00ifODtJVSv1AbOScGrDBSBgNVHR8ESzBJ
MEegRaBDhkFodHRwczovL2NlcnRpZmljYXRlcy50cnVzdGVkc2VydmljZXMuaW50
ZWwuY29tL0ludGVsU0dYUm9vdENBLmRlcjAdBgNVHQ4EFgQUImUM1lqdNInzg7SV
Ur9QGzknBqwwDgYDVR0PAQH/BAQDAgEGMBIGA1UdEwEB/wQIMAYBAf8CAQEwCgYI
KoZIzj0EAwIDSQAwRgIhAOW/5QkR+S9CiSDcNoowLuPRLsWGf/Yi7GSX94BgwTwg
AiEA4J0lrHoMs+Xo5o/sX6O9QWxHRAvZUGOdRQ7cvqRXaqI=
-----END CERTIFICATE-----`

var (
	defaultRootOnce sync.Once
	defaultRootCert *x509.Certificate
	defaultRootErr  error
)

// DefaultTrustedRoot parses and caches the built-in IntelSGXRootCAPEM.
func DefaultTrustedRoot() (*x509.Certificate, error) {
	defaultRootOnce.Do(func() {
		defaultRootCert, defaultRootErr = ParseTrustedRootPEM([]byte(IntelSGXRootCAPEM))
	})
	return defaultRootCert, defaultRootErr
}

// ParseTrustedRootPEM decodes a single PEM-encoded certificate to use as
// a PCK chain's trust anchor (spec.md §4.4).
func ParseTrustedRootPEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, atlserr.Configuration("trusted_root_pem", "no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, atlserr.Wrap(atlserr.KindConfiguration, err, "parse trusted root certificate")
	}
	return cert, nil
}
