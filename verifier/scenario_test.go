// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstack-tee/atls-go/atlserr"
	"github.com/dstack-tee/atls-go/attest"
	"github.com/dstack-tee/atls-go/compose"
	"github.com/dstack-tee/atls-go/dcap"
	"github.com/dstack-tee/atls-go/eventlog"
	"github.com/dstack-tee/atls-go/policy"
)

// The tests below drive Verify end to end against the seven scenarios of
// spec.md §8 (S1-S7). A real PCK/TLS certificate chain cannot be
// pre-computed without running the Go toolchain, so each test generates
// one at run time instead of loading a static fixture; the one input
// that genuinely is a literal production artifact — the app-compose
// payload — is a checked-in fixture under testdata/, per spec.md §8's
// "exact docker-compose payload that produced the recorded compose-hash
// event."

// Byte offsets mirroring dcap.ParseQuote's TDX ECDSA quote v4 layout
// (spec.md §4.4): 48-byte header, 584-byte TD report body.
const (
	scenarioHeaderLen     = 48
	scenarioBodyLen       = 584
	scenarioOffTeeType    = 4
	scenarioOffMrTd       = 136
	scenarioOffRtmr0      = 328
	scenarioOffRtmr1      = 376
	scenarioOffRtmr2      = 424
	scenarioOffRtmr3      = 472
	scenarioOffReportData = 520
	scenarioTdxTeeType    = 0x00000081
)

type sgxExtField struct {
	OID   asn1.ObjectIdentifier
	Value asn1.RawValue
}

func scenarioSGXExtensionValue(t *testing.T, fmspc []byte, pceSvn int) []byte {
	t.Helper()
	fmspcDER, err := asn1.Marshal(fmspc)
	require.NoError(t, err)
	pceSvnDER, err := asn1.Marshal(pceSvn)
	require.NoError(t, err)
	fields := []sgxExtField{
		{OID: dcap.OIDFMSPC, Value: asn1.RawValue{FullBytes: fmspcDER}},
		{OID: dcap.OIDPCESVN, Value: asn1.RawValue{FullBytes: pceSvnDER}},
	}
	seq, err := asn1.Marshal(fields)
	require.NoError(t, err)
	return seq
}

// scenarioPCKChain builds a real root -> intermediate -> leaf chain with
// the leaf carrying the SGX extension, PEM-concatenated the way a
// quote's signature block embeds it (spec.md §4.4).
func scenarioPCKChain(t *testing.T, fmspc []byte, pceSvn int) (chainPEM, rootPEM []byte, rootCert *x509.Certificate, rootKey *ecdsa.PrivateKey) {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test PCK Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err = x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	interKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	interTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test PCK Platform CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	interDER, err := x509.CreateCertificate(rand.Reader, interTmpl, rootTmpl, &interKey.PublicKey, rootKey)
	require.NoError(t, err)
	interCert, err := x509.ParseCertificate(interDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "pck-leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: dcap.OIDSGXExtensions, Value: scenarioSGXExtensionValue(t, fmspc, pceSvn)},
		},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, interCert, &leafKey.PublicKey, interKey)
	require.NoError(t, err)
	leafCert, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafCert.Raw})...)
	chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: interCert.Raw})...)
	chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootCert.Raw})...)
	rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootCert.Raw})
	return chainPEM, rootPEM, rootCert, rootKey
}

func scenarioCleanCRL(t *testing.T, rootCert *x509.Certificate, rootKey *ecdsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Hour),
		NextUpdate: time.Now().Add(time.Hour),
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, rootCert, rootKey)
	require.NoError(t, err)
	return der
}

// scenarioTLSLeaf builds a self-signed certificate standing in for the
// TLS session's captured leaf, and returns its raw DER and the SHA-256
// hash of its SubjectPublicKeyInfo hex-encoded (spec.md §4.6).
func scenarioTLSLeaf(t *testing.T) (der []byte, spkiHash string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "atls-peer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return der, hex.EncodeToString(sum[:])
}

func scenarioQuoteBytes(mrtd, rtmr0, rtmr1, rtmr2, rtmr3 []byte, reportData [attest.MaxReportDataLen]byte, pckChainPEM []byte) []byte {
	buf := make([]byte, scenarioHeaderLen+scenarioBodyLen)
	binary.LittleEndian.PutUint32(buf[scenarioOffTeeType:], scenarioTdxTeeType)
	copy(buf[scenarioHeaderLen+scenarioOffMrTd:], mrtd)
	copy(buf[scenarioHeaderLen+scenarioOffRtmr0:], rtmr0)
	copy(buf[scenarioHeaderLen+scenarioOffRtmr1:], rtmr1)
	copy(buf[scenarioHeaderLen+scenarioOffRtmr2:], rtmr2)
	copy(buf[scenarioHeaderLen+scenarioOffRtmr3:], rtmr3)
	copy(buf[scenarioHeaderLen+scenarioOffReportData:], reportData[:])
	return append(buf, pckChainPEM...)
}

func scenarioAppCompose(t *testing.T) policy.AppCompose {
	t.Helper()
	raw, err := os.ReadFile("testdata/app-compose.json")
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return policy.AppCompose(m)
}

func scenarioPCCSServer(t *testing.T, fmspc string, pceSvn int, tcbStatus string, crlDER []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tcb":
			body, _ := json.Marshal(map[string]any{
				"tcbInfo": map[string]any{
					"fmspc": fmspc,
					"tcbLevels": []map[string]any{
						{
							"tcb":         map[string]any{"pcesvn": pceSvn},
							"tcbStatus":   tcbStatus,
							"advisoryIDs": []string{},
						},
					},
				},
			})
			w.Write(body)
		case "/qe/identity":
			w.Write([]byte(`{}`))
		case "/crl":
			w.Write(crlDER)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// scenarioFixture bundles everything a single S1-S7 scenario needs: a
// fresh PCK chain, a fresh TLS leaf, a baseline bootchain/app-compose/
// os-image event log, and the resulting quote bytes. Each scenario
// mutates the pieces spec.md §8 says it mutates and nothing else.
type scenarioFixture struct {
	policy          *policy.DstackTdxPolicy
	input           Input
	appComposeEvent policy.AppCompose // the object that actually hashed into the compose-hash event
}

const (
	scenarioMrtd  = "b24d3b24e9e3c16012376b52362ca09856c4adecb709d5fac33addf1c47e193da075b125b6c364115771390a5461e217"
	scenarioRtmr0 = "222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222"
	scenarioRtmr1 = "333333333333333333333333333333333333333333333333333333333333333333333333333333333333333333333333"
	scenarioRtmr2 = "444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444"
)

func newScenarioFixture(t *testing.T, tcbStatus string) *scenarioFixture {
	t.Helper()

	fmspcBytes := []byte{0x00, 0x90, 0x6e, 0xa1, 0x00, 0x00}
	fmspcHex := hex.EncodeToString(fmspcBytes)
	const pceSvn = 10

	chainPEM, rootPEM, rootCert, rootKey := scenarioPCKChain(t, fmspcBytes, pceSvn)
	crlDER := scenarioCleanCRL(t, rootCert, rootKey)
	srv := scenarioPCCSServer(t, fmspcHex, pceSvn, tcbStatus, crlDER)

	leafDER, keyBindingDigest := scenarioTLSLeaf(t)

	appCompose := scenarioAppCompose(t)
	merged := policy.MergeWithDefaultAppCompose(appCompose)
	composeSum, err := compose.Hash(merged)
	require.NoError(t, err)
	composeHashHex := hex.EncodeToString(composeSum[:])

	osImageSum := sha256.Sum256([]byte("dstack-os-image-v1"))
	osImageHashHex := hex.EncodeToString(osImageSum[:])

	tags := policy.DefaultEventTags
	entries := []eventlog.Entry{
		{IMR: 3, Event: tags.OsImage, Digest: osImageHashHex},
		{IMR: 3, Event: tags.AppCompose, Digest: composeHashHex},
		{IMR: 3, Event: tags.KeyProvider, Digest: keyBindingDigest},
	}
	eventLogRaw, err := json.Marshal(entries)
	require.NoError(t, err)

	rtmr3, err := eventlog.Replay(entries, 3)
	require.NoError(t, err)

	mrtdBytes, err := hex.DecodeString(scenarioMrtd)
	require.NoError(t, err)
	rtmr0Bytes, err := hex.DecodeString(scenarioRtmr0)
	require.NoError(t, err)
	rtmr1Bytes, err := hex.DecodeString(scenarioRtmr1)
	require.NoError(t, err)
	rtmr2Bytes, err := hex.DecodeString(scenarioRtmr2)
	require.NoError(t, err)

	nonce := make([]byte, attest.NonceLen)
	for i := range nonce {
		nonce[i] = 0xAB
	}
	ekm := make([]byte, 32)
	for i := range ekm {
		ekm[i] = 0xCD
	}
	reportData := attest.ReportData(nonce, ekm)

	quote := scenarioQuoteBytes(mrtdBytes, rtmr0Bytes, rtmr1Bytes, rtmr2Bytes, rtmr3, reportData, chainPEM)

	p := &policy.DstackTdxPolicy{
		AllowedTcbStatus: []string{"UpToDate"},
		ExpectedBootchain: &policy.ExpectedBootchain{
			Mrtd:  scenarioMrtd,
			Rtmr0: scenarioRtmr0,
			Rtmr1: scenarioRtmr1,
			Rtmr2: scenarioRtmr2,
		},
		OsImageHash:    osImageHashHex,
		AppCompose:     appCompose,
		PccsURL:        srv.URL,
		TrustedRootPEM: string(rootPEM),
	}

	return &scenarioFixture{
		policy: p,
		input: Input{
			Quote:              quote,
			EventLogRaw:        eventLogRaw,
			ExpectedReportData: reportData,
			LeafCertDER:        leafDER,
			ConnectionID:       "scenario",
		},
		appComposeEvent: appCompose,
	}
}

func TestScenarioS1ValidPolicyMatchingFixtureQuoteSucceeds(t *testing.T) {
	f := newScenarioFixture(t, "UpToDate")
	v := NewDstackTdxVerifier(f.policy)

	rep, err := v.Verify(context.Background(), f.input)
	require.NoError(t, err)
	assert.Equal(t, "tdx", rep.Type())
}

func TestScenarioS2FlippedMrtdFailsBootchain(t *testing.T) {
	f := newScenarioFixture(t, "UpToDate")
	flipped := "a" + scenarioMrtd[1:]
	f.policy.ExpectedBootchain.Mrtd = flipped
	v := NewDstackTdxVerifier(f.policy)

	_, err := v.Verify(context.Background(), f.input)
	require.Error(t, err)
	assert.True(t, atlserr.Is(err, atlserr.KindBootchainMismatch))

	var asErr *atlserr.Error
	require.ErrorAs(t, err, &asErr)
	assert.Equal(t, "mrtd", asErr.Field)
}

func TestScenarioS3WrongOsImageHashFails(t *testing.T) {
	f := newScenarioFixture(t, "UpToDate")
	f.policy.OsImageHash = hex.EncodeToString(sha256Sum([]byte("a-different-os-image")))
	v := NewDstackTdxVerifier(f.policy)

	_, err := v.Verify(context.Background(), f.input)
	require.Error(t, err)
	assert.True(t, atlserr.Is(err, atlserr.KindOsImageMismatch))
}

func TestScenarioS4AppComposeWithExtraAllowedEnvFails(t *testing.T) {
	f := newScenarioFixture(t, "UpToDate")
	withExtra := make(policy.AppCompose, len(f.appComposeEvent)+1)
	for k, v := range f.appComposeEvent {
		withExtra[k] = v
	}
	withExtra["allowed_envs"] = append([]any{"EXTRA"}, toAnySlice(f.appComposeEvent["allowed_envs"])...)
	f.policy.AppCompose = withExtra
	v := NewDstackTdxVerifier(f.policy)

	_, err := v.Verify(context.Background(), f.input)
	require.Error(t, err)
	assert.True(t, atlserr.Is(err, atlserr.KindAppComposeMismatch))
}

func TestScenarioS5ReportDataFromDifferentNonceFails(t *testing.T) {
	f := newScenarioFixture(t, "UpToDate")
	wrongNonce := make([]byte, attest.NonceLen)
	for i := range wrongNonce {
		wrongNonce[i] = 0xEF
	}
	ekm := make([]byte, 32)
	for i := range ekm {
		ekm[i] = 0xCD
	}
	f.input.ExpectedReportData = attest.ReportData(wrongNonce, ekm)
	v := NewDstackTdxVerifier(f.policy)

	_, err := v.Verify(context.Background(), f.input)
	require.Error(t, err)
	assert.True(t, atlserr.Is(err, atlserr.KindReportDataMismatch))
}

func TestScenarioS6DevPolicySkipsRuntimeButEnforcesKeyBinding(t *testing.T) {
	f := newScenarioFixture(t, "UpToDate")
	dev := policy.Dev()
	dev.PccsURL = f.policy.PccsURL
	dev.TrustedRootPEM = f.policy.TrustedRootPEM
	v := NewDstackTdxVerifier(dev)

	rep, err := v.Verify(context.Background(), f.input)
	require.NoError(t, err)
	assert.Equal(t, "tdx", rep.Type())

	// Corrupting the key-binding event must still fail even under dev().
	tampered := f.input
	tampered.LeafCertDER = mustOtherLeaf(t)
	_, err = v.Verify(context.Background(), tampered)
	require.Error(t, err)
	assert.True(t, atlserr.Is(err, atlserr.KindKeyBindingMismatch))
}

func TestScenarioS7TcbStatusNotAllowedFails(t *testing.T) {
	f := newScenarioFixture(t, "SWHardeningNeeded")
	v := NewDstackTdxVerifier(f.policy)

	_, err := v.Verify(context.Background(), f.input)
	require.Error(t, err)
	assert.True(t, atlserr.Is(err, atlserr.KindTcbStatusNotAllowed))

	var asErr *atlserr.Error
	require.ErrorAs(t, err, &asErr)
	assert.Equal(t, "SWHardeningNeeded", asErr.Status)
	assert.Equal(t, []string{"UpToDate"}, asErr.Allowed)
}

func mustOtherLeaf(t *testing.T) []byte {
	der, _ := scenarioTLSLeaf(t)
	return der
}

func toAnySlice(v any) []any {
	s, ok := v.([]any)
	if !ok {
		return nil
	}
	return s
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
