// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package dcap

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/dstack-tee/atls-go/atlserr"
)

// OIDSGXExtensions and its children identify the SGX/TDX platform
// extension Intel embeds in every PCK leaf certificate.
var (
	OIDSGXExtensions = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}
	OIDFMSPC         = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 2}
	OIDPCESVN        = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 4}
	OIDPCEId         = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 6}
)

// PCKChain is a parsed, but not yet validated, PCK certificate chain:
// leaf (the platform's PCK cert), intermediate (processor/platform CA),
// and root (Intel SGX Root CA).
type PCKChain struct {
	Leaf         *x509.Certificate
	Intermediate *x509.Certificate
	Root         *x509.Certificate
	FMSPC        string
}

// ParsePCKChain decodes the PEM-concatenated certificate chain a quote's
// signature block carries (spec.md §4.4) into leaf/intermediate/root and
// extracts the leaf's FMSPC SGX extension.
func ParsePCKChain(pemChain []byte) (*PCKChain, error) {
	var certs []*x509.Certificate
	rest := pemChain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, atlserr.Wrap(atlserr.KindQuoteSignature, err, "parse pck chain certificate")
		}
		certs = append(certs, cert)
	}
	if len(certs) != 3 {
		return nil, atlserr.Wrap(atlserr.KindQuoteSignature, fmt.Errorf("expected 3 certificates in pck chain, got %d", len(certs)), "parse pck chain")
	}

	fmspc, err := extractFMSPC(certs[0])
	if err != nil {
		return nil, err
	}

	return &PCKChain{Leaf: certs[0], Intermediate: certs[1], Root: certs[2], FMSPC: fmspc}, nil
}

// PCESVN extracts the leaf's PCE security version number extension,
// the value TCB level matching keys off (spec.md §4.4).
func (c *PCKChain) PCESVN() (int, error) {
	for _, ext := range c.Leaf.Extensions {
		if !ext.Id.Equal(OIDSGXExtensions) {
			continue
		}
		var seq asn1.RawValue
		if _, err := asn1.Unmarshal(ext.Value, &seq); err != nil {
			return 0, atlserr.Wrap(atlserr.KindQuoteSignature, err, "parse sgx extension sequence")
		}
		rest := seq.Bytes
		for len(rest) > 0 {
			var field struct {
				OID   asn1.ObjectIdentifier
				Value asn1.RawValue
			}
			var err error
			rest, err = asn1.Unmarshal(rest, &field)
			if err != nil {
				return 0, atlserr.Wrap(atlserr.KindQuoteSignature, err, "parse sgx extension field")
			}
			if field.OID.Equal(OIDPCESVN) {
				var svn int
				if _, err := asn1.Unmarshal(field.Value.FullBytes, &svn); err != nil {
					return 0, atlserr.Wrap(atlserr.KindQuoteSignature, err, "parse pcesvn")
				}
				return svn, nil
			}
		}
	}
	return 0, atlserr.Wrap(atlserr.KindQuoteSignature, fmt.Errorf("pcesvn extension not found"), "extract pcesvn")
}

// extractFMSPC walks the leaf certificate's SGX extension SEQUENCE
// looking for the FMSPC child OID, per Intel's SGX/TDX PCK certificate
// extension layout.
func extractFMSPC(leaf *x509.Certificate) (string, error) {
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(OIDSGXExtensions) {
			continue
		}
		var seq asn1.RawValue
		if _, err := asn1.Unmarshal(ext.Value, &seq); err != nil {
			return "", atlserr.Wrap(atlserr.KindQuoteSignature, err, "parse sgx extension sequence")
		}
		rest := seq.Bytes
		for len(rest) > 0 {
			var field struct {
				OID   asn1.ObjectIdentifier
				Value asn1.RawValue
			}
			var err error
			rest, err = asn1.Unmarshal(rest, &field)
			if err != nil {
				return "", atlserr.Wrap(atlserr.KindQuoteSignature, err, "parse sgx extension field")
			}
			if field.OID.Equal(OIDFMSPC) {
				return fmt.Sprintf("%x", field.Value.Bytes), nil
			}
		}
	}
	return "", atlserr.Wrap(atlserr.KindQuoteSignature, fmt.Errorf("fmspc extension not found"), "extract fmspc")
}

// Verify validates the chain's signatures (leaf signed by intermediate,
// intermediate signed by root) against a trusted Intel root and checks
// validity periods at t. It does not check revocation; callers combine
// this with CRL checking (spec.md §4.4).
func (c *PCKChain) Verify(trustedRoot *x509.Certificate, t time.Time) error {
	for _, cert := range []*x509.Certificate{c.Leaf, c.Intermediate, c.Root} {
		if t.Before(cert.NotBefore) || t.After(cert.NotAfter) {
			return atlserr.Wrap(atlserr.KindQuoteSignature, fmt.Errorf("certificate %s not valid at %s", cert.Subject, t), "pck chain validity")
		}
	}

	if !c.Root.Equal(trustedRoot) {
		return atlserr.Wrap(atlserr.KindQuoteSignature, fmt.Errorf("pck chain root does not match trusted Intel root"), "pck chain root mismatch")
	}

	roots := x509.NewCertPool()
	roots.AddCert(trustedRoot)
	intermediates := x509.NewCertPool()
	intermediates.AddCert(c.Intermediate)

	if _, err := c.Leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   t,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return atlserr.Wrap(atlserr.KindQuoteSignature, err, "pck chain verification")
	}

	return nil
}

// IsRevoked reports whether the leaf's serial number appears in crl.
func (c *PCKChain) IsRevoked(crl *x509.RevocationList) bool {
	for _, rc := range crl.RevokedCertificateEntries {
		if rc.SerialNumber.Cmp(c.Leaf.SerialNumber) == 0 {
			return true
		}
	}
	return false
}
