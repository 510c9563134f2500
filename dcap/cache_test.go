// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

package dcap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCachePutThenGet(t *testing.T) {
	c := NewSnapshotCache(time.Hour)
	ctx := context.Background()

	_, ok := c.Get(ctx, "abc123")
	assert.False(t, ok)

	want := &Collateral{FMSPC: "abc123", FetchedAt: time.Now()}
	require.NoError(t, c.Put(ctx, "abc123", want))

	got, ok := c.Get(ctx, "abc123")
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestSnapshotCacheExpiresEntriesPastTTL(t *testing.T) {
	c := NewSnapshotCache(time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fmspc", &Collateral{FMSPC: "fmspc", FetchedAt: time.Now().Add(-time.Hour)}))

	_, ok := c.Get(ctx, "fmspc")
	assert.False(t, ok)
}
