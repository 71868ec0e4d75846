// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := newMemoryStore(
		MemoryConfig{
			nowFunc:  func() time.Time { return now },
			Lifetime: time.Second,
		},
	)

	// Reading an unknown session does not create a record
	sess, err := store.Read(ctx, "1")
	require.NoError(t, err)
	assert.True(t, sess.Fresh())
	assert.False(t, store.Exist(ctx, "1"))

	sess.Set("username", "flamego")
	require.NoError(t, store.Save(ctx, sess))
	assert.True(t, store.Exist(ctx, "1"))

	// Records and live sessions do not share data
	sess.Set("username", "clobbered")
	reloaded, err := store.Read(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "flamego", reloaded.Get("username"))
	assert.False(t, reloaded.Fresh())

	// Reading an expired record deletes it
	now = now.Add(2 * time.Second)
	expired, err := store.Read(ctx, "1")
	require.NoError(t, err)
	assert.True(t, expired.Fresh())
	assert.Nil(t, expired.Get("username"))
	assert.False(t, store.Exist(ctx, "1"))
}

func TestMemoryStore_GC(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := newMemoryStore(
		MemoryConfig{
			nowFunc:  func() time.Time { return now },
			Lifetime: time.Second,
		},
	)

	sess1, err := store.Read(ctx, "1")
	require.NoError(t, err)
	sess1.Set("name", "flamego")
	require.NoError(t, store.Save(ctx, sess1))

	now = now.Add(-2 * time.Second)
	sess2, err := store.Read(ctx, "2")
	require.NoError(t, err)
	sess2.Set("name", "flamego")
	require.NoError(t, store.Save(ctx, sess2))

	sess3, err := store.Read(ctx, "3")
	require.NoError(t, err)
	sess3.Set("name", "flamego")
	require.NoError(t, store.Save(ctx, sess3))

	// Touch rescues a record that would otherwise be expired
	now = now.Add(2 * time.Second)
	require.NoError(t, store.Touch(ctx, "3"))

	require.NoError(t, store.GC(ctx)) // sess2 should be recycled

	assert.True(t, store.Exist(ctx, "1"))
	assert.False(t, store.Exist(ctx, "2"))
	assert.True(t, store.Exist(ctx, "3"))

	assert.Len(t, store.heap, 2)
	assert.Len(t, store.index, 2)
}
