// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the byte-duplex abstraction the aTLS core
// requires of its underlying stream (spec.md §4.2, §6), plus two
// concrete providers: a direct TCP dialer for native use, and a
// WebSocket-tunnel dialer for environments that can only reach the
// target through a tunnel proxy (the Go-native analogue of the
// browser/WASM tunnel described as an out-of-scope collaborator in
// spec.md §1).
//
// The core never opens sockets itself; it only ever holds a ByteDuplex.
package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dstack-tee/atls-go/atlserr"
)

// ByteDuplex is an ordered, reliable, backpressure-respecting bidirectional
// byte stream with explicit shutdown, satisfied by any transport the core
// can run TLS over (spec.md §4.2). *net.TCPConn already satisfies it; a
// plain net.Conn lacks CloseWrite and needs an adapter such as wrappedConn.
type ByteDuplex interface {
	io.Reader
	io.Writer
	// CloseWrite half-closes the write side where supported; implementations
	// that cannot half-close make CloseWrite() close the whole stream.
	CloseWrite() error
	io.Closer
	SetDeadline(t time.Time) error
}

// DialTCP opens a direct TCP connection to addr ("host:port"), honoring
// ctx's deadline/cancellation for the dial itself.
func DialTCP(ctx context.Context, addr string) (ByteDuplex, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, atlserr.Wrap(atlserr.KindIO, err, "dial tcp "+addr)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return wrappedConn{Conn: conn}, nil
	}
	return tcpConn, nil
}

// wrappedConn adapts a net.Conn that isn't a *net.TCPConn (and so lacks
// CloseWrite) into ByteDuplex by closing the whole connection instead.
type wrappedConn struct {
	net.Conn
}

func (w wrappedConn) CloseWrite() error { return w.Conn.Close() }

// wsDuplex adapts a gorilla/websocket connection's binary message stream
// into an io.Reader/io.Writer pair, the shape every other layer of the
// core expects. WebSocket framing is invisible above this adapter.
type wsDuplex struct {
	conn   *websocket.Conn
	reader io.Reader
}

// DialWebSocketTunnel connects to a WebSocket endpoint that tunnels a raw
// TCP stream to some target the server side resolves and allowlists
// (spec.md §6: "a tunnel URL whose target host:port is validated
// server-side"; validation itself is outside this core's concern).
func DialWebSocketTunnel(ctx context.Context, tunnelURL string) (ByteDuplex, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, tunnelURL, nil)
	if err != nil {
		return nil, atlserr.Wrap(atlserr.KindIO, err, "dial websocket tunnel "+tunnelURL)
	}
	return &wsDuplex{conn: conn}, nil
}

func (w *wsDuplex) Read(p []byte) (int, error) {
	for w.reader == nil {
		msgType, r, err := w.conn.NextReader()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		w.reader = r
	}
	n, err := w.reader.Read(p)
	if err == io.EOF {
		w.reader = nil
		if n == 0 {
			return w.Read(p)
		}
		err = nil
	}
	return n, err
}

func (w *wsDuplex) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsDuplex) CloseWrite() error {
	return w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(5*time.Second))
}

func (w *wsDuplex) Close() error { return w.conn.Close() }

func (w *wsDuplex) SetDeadline(t time.Time) error {
	if err := w.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.conn.SetWriteDeadline(t)
}
