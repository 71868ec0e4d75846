// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mysql

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/flamego/flamego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flamego/session/v2"
)

func newTestDB(t *testing.T, ctx context.Context) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping testing without MYSQL_DSN set")
	}

	db, err := sql.Open("mysql", dsn+"?parseTime=true")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS sessions")
	require.NoError(t, err)

	t.Cleanup(func() {
		if t.Failed() {
			t.Log("TABLE sessions left intact for inspection")
			return
		}

		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS sessions")
		require.NoError(t, err)
		require.NoError(t, db.Close())
	})
	return db
}

func TestMySQLStore(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, ctx)

	f := flamego.NewWithLogger(&bytes.Buffer{})
	f.Use(session.Sessioner(
		session.Options{
			Initer: Initer(),
			Config: Config{
				nowFunc:   time.Now,
				db:        db,
				InitTable: true,
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

func TestMySQLStore_GC(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, ctx)

	now := time.Now()
	store, err := Initer()(ctx,
		Config{
			nowFunc:   func() time.Time { return now },
			db:        db,
			Lifetime:  time.Second,
			InitTable: true,
		},
	)
	require.NoError(t, err)

	sess1, err := store.Read(ctx, "1")
	require.NoError(t, err)
	sess1.Set("name", "flamego")
	require.NoError(t, store.Save(ctx, sess1))

	now = now.Add(-2 * time.Second)
	sess2, err := store.Read(ctx, "2")
	require.NoError(t, err)
	sess2.Set("name", "flamego")
	require.NoError(t, store.Save(ctx, sess2))

	now = now.Add(2 * time.Second)
	require.NoError(t, store.GC(ctx)) // sess2 should be recycled

	assert.True(t, store.Exist(ctx, "1"))
	assert.False(t, store.Exist(ctx, "2"))
}

func TestMySQLStore_ExpiredRead(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, ctx)

	now := time.Now()
	store, err := Initer()(ctx,
		Config{
			nowFunc:   func() time.Time { return now },
			db:        db,
			Lifetime:  time.Second,
			InitTable: true,
		},
	)
	require.NoError(t, err)

	sess, err := store.Read(ctx, "1")
	require.NoError(t, err)
	sess.Set("name", "flamego")
	require.NoError(t, store.Save(ctx, sess))

	// The expired row is logically absent and deleted upon read
	now = now.Add(2 * time.Second)
	tmp, err := store.Read(ctx, "1")
	require.NoError(t, err)
	assert.True(t, tmp.Fresh())
	assert.Nil(t, tmp.Get("name"))
	assert.False(t, store.Exist(ctx, "1"))
}
