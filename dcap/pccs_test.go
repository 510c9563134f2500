// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package dcap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCCSClientFetchCollateralSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/tcb":
			w.Write([]byte(`{"tcbInfo":{"fmspc":"aabbcc001122"}}`))
		case r.URL.Path == "/qe/identity":
			w.Write([]byte(`{"id":"qe"}`))
		case r.URL.Path == "/crl":
			w.Write([]byte("crl-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewPCCSClient(srv.URL)
	got, err := c.FetchCollateral(context.Background(), "aabbcc001122")
	require.NoError(t, err)
	assert.Equal(t, "aabbcc001122", got.TCBInfo.TcbInfo.FMSPC)
	assert.Equal(t, []byte(`{"id":"qe"}`), got.QEIdentity)
}

func TestPCCSClientRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tcb" && atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/tcb":
			w.Write([]byte(`{"tcbInfo":{"fmspc":"ff"}}`))
		default:
			w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	c := NewPCCSClient(srv.URL, WithMaxRetryElapsed(5*time.Second))
	got, err := c.FetchCollateral(context.Background(), "ff")
	require.NoError(t, err)
	assert.Equal(t, "ff", got.TCBInfo.TcbInfo.FMSPC)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestPCCSClientDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewPCCSClient(srv.URL, WithMaxRetryElapsed(2*time.Second))
	_, err := c.FetchCollateral(context.Background(), "ff")
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
