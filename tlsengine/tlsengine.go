// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package tlsengine performs the TLS 1.3 client handshake with the
// deferred-certificate-trust deviation spec.md §4.2/§9 requires: the
// peer's chain is accepted unconditionally during the handshake, but the
// leaf certificate is captured verbatim for the attestation step that
// follows. Trust is not established here — it is established by binding
// this session's exported keying material to a hardware-signed quote in
// package attest/verifier. Reimplementers must not "fix" this verifier.
package tlsengine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/dstack-tee/atls-go/atlserr"
	"github.com/dstack-tee/atls-go/transport"
)

// EkmLabel is the RFC 5705 exporter label this protocol binds sessions
// with (spec.md §3, §4.2).
const EkmLabel = "EXPORTER-Channel-Binding"

// EkmLen is the number of exported keying material bytes used for
// channel binding (spec.md §3).
const EkmLen = 32

// Session is an established TLS 1.3 connection with its peer's leaf
// certificate captured for out-of-band verification. It implements
// transport.ByteDuplex so the attestation protocol can read/write the
// same stream the caller eventually receives.
type Session struct {
	conn      *tls.Conn
	LeafCert  *x509.Certificate
	LeafDER   []byte
}

// Options configures the handshake. ServerName and ALPN are caller
// configurable per spec.md §4.2; ALPN defaults to none.
type Options struct {
	ServerName string
	ALPN       []string
}

// Handshake performs a TLS 1.3 client handshake over conn, accepting any
// certificate chain the peer presents but capturing the leaf's raw DER
// bytes. It fails with atlserr.KindTLSHandshake on negotiation failure or
// if the negotiated stack cannot export RFC 5705 keying material.
func Handshake(ctx context.Context, conn transport.ByteDuplex, opts Options) (*Session, error) {
	var leafDER []byte
	var leafCert *x509.Certificate

	cfg := &tls.Config{
		ServerName:         opts.ServerName,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         opts.ALPN,
		InsecureSkipVerify: true, // deferred trust; see package doc
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return atlserr.New(atlserr.KindTLSHandshake, nil)
			}
			leafDER = append([]byte(nil), rawCerts[0]...)
			cert, err := x509.ParseCertificate(leafDER)
			if err != nil {
				return err
			}
			leafCert = cert
			return nil
		},
	}

	netConn := &duplexConn{ByteDuplex: conn}
	tlsConn := tls.Client(netConn, cfg)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, atlserr.Wrap(atlserr.KindTLSHandshake, err, "tls 1.3 handshake")
	}

	if leafDER == nil {
		_ = tlsConn.Close()
		return nil, atlserr.New(atlserr.KindTLSHandshake, nil)
	}

	if _, err := tlsConn.ConnectionState().ExportKeyingMaterial(EkmLabel, nil, EkmLen); err != nil {
		_ = tlsConn.Close()
		return nil, atlserr.Wrap(atlserr.KindTLSHandshake, err, "tls stack cannot export RFC 5705 keying material")
	}

	return &Session{conn: tlsConn, LeafCert: leafCert, LeafDER: leafDER}, nil
}

// ExportKeyingMaterial returns the 32-byte session_ekm of spec.md §3:
// RFC 5705 material under EkmLabel with an empty context.
func (s *Session) ExportKeyingMaterial() ([]byte, error) {
	ekm, err := s.conn.ConnectionState().ExportKeyingMaterial(EkmLabel, nil, EkmLen)
	if err != nil {
		return nil, atlserr.Wrap(atlserr.KindTLSHandshake, err, "export keying material")
	}
	return ekm, nil
}

func (s *Session) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *Session) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *Session) Close() error                { return s.conn.Close() }
func (s *Session) CloseWrite() error           { return s.conn.Close() } // TLS has no half-close
func (s *Session) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

// duplexConn adapts a transport.ByteDuplex (which lacks addressing
// methods) into a net.Conn so crypto/tls.Client can run over it,
// regardless of whether the underlying transport is a real socket.
type duplexConn struct {
	transport.ByteDuplex
}

func (duplexConn) LocalAddr() net.Addr  { return noAddr{} }
func (duplexConn) RemoteAddr() net.Addr { return noAddr{} }
func (d duplexConn) SetReadDeadline(t time.Time) error  { return d.ByteDuplex.SetDeadline(t) }
func (d duplexConn) SetWriteDeadline(t time.Time) error { return d.ByteDuplex.SetDeadline(t) }

type noAddr struct{}

func (noAddr) Network() string { return "atls" }
func (noAddr) String() string  { return "atls-byte-duplex" }
