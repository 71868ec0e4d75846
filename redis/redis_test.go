// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package redis

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/flamego/flamego"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flamego/session/v2"
)

func newTestClient(t *testing.T, ctx context.Context) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping testing without REDIS_ADDR set")
	}

	client := redis.NewClient(
		&redis.Options{
			Addr: addr,
			DB:   15,
		},
	)
	require.NoError(t, client.FlushDB(ctx).Err())

	t.Cleanup(func() {
		if t.Failed() {
			t.Log("DATABASE 15 left intact for inspection")
			return
		}

		require.NoError(t, client.FlushDB(ctx).Err())
		require.NoError(t, client.Close())
	})
	return client
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, ctx)

	f := flamego.NewWithLogger(&bytes.Buffer{})
	f.Use(session.Sessioner(
		session.Options{
			Initer: Initer(),
			Config: Config{
				Client: client,
			},
		},
	))

	f.Get("/set", func(s session.Session) {
		s.Set("username", "flamego")
	})
	f.Get("/get", func(s session.Session) {
		sid := s.ID()
		assert.Len(t, sid, 16)

		username, ok := s.Get("username").(string)
		assert.True(t, ok)
		assert.Equal(t, "flamego", username)

		s.Delete("username")
		_, ok = s.Get("username").(string)
		assert.False(t, ok)

		s.Set("random", "value")
		s.Flush()
		_, ok = s.Get("random").(string)
		assert.False(t, ok)
	})
	f.Get("/destroy", func(c flamego.Context, sess session.Session, store session.Store) error {
		return store.Destroy(c.Request().Context(), sess.ID())
	})

	resp := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/set", nil)
	assert.NoError(t, err)

	f.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)

	cookie := resp.Header().Get("Set-Cookie")

	resp = httptest.NewRecorder()
	req, err = http.NewRequest(http.MethodGet, "/get", nil)
	assert.NoError(t, err)

	req.Header.Set("Cookie", cookie)
	f.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = httptest.NewRecorder()
	req, err = http.NewRequest(http.MethodGet, "/destroy", nil)
	assert.NoError(t, err)

	req.Header.Set("Cookie", cookie)
	f.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, ctx)

	store, err := Initer()(ctx,
		Config{
			Client: client,
		},
	)
	require.NoError(t, err)

	sess, err := store.Read(ctx, "1")
	require.NoError(t, err)
	sess.Set("name", "flamego")
	require.NoError(t, store.Save(ctx, sess))

	// Expiry is delegated to a Redis key TTL
	ttl, err := client.TTL(ctx, "session:1").Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0)

	require.NoError(t, store.Touch(ctx, "1"))
	assert.True(t, store.Exist(ctx, "1"))

	require.NoError(t, store.Destroy(ctx, "1"))
	assert.False(t, store.Exist(ctx, "1"))
}
