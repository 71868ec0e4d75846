// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseSession(t *testing.T) {
	sess := NewBaseSession("beefcafe", JSONEncoder)
	assert.Equal(t, "beefcafe", sess.ID())
	assert.True(t, sess.Fresh())
	assert.True(t, sess.Empty())
	assert.False(t, sess.HasChanged())

	sess.Set("username", "flamego")
	assert.Equal(t, "flamego", sess.Get("username"))
	assert.False(t, sess.Empty())
	assert.True(t, sess.HasChanged())

	sess.Delete("username")
	assert.Nil(t, sess.Get("username"))
	assert.True(t, sess.Empty())

	sess.Set("random", "value")
	sess.Flush()
	assert.True(t, sess.Empty())
}

func TestBaseSession_Payload(t *testing.T) {
	created := time.Unix(1588568886, 0)
	sess := NewBaseSessionWithPayload(
		"beefcafe",
		JSONEncoder,
		Payload{
			Created: created.Unix(),
			Data:    Data{"username": "flamego"},
		},
	)
	assert.False(t, sess.Fresh())
	assert.Equal(t, created, sess.CreatedAt())
	assert.Equal(t, "flamego", sess.Get("username"))

	// The creation time survives re-encoding
	binary, err := sess.Encode()
	require.NoError(t, err)

	payload, err := JSONDecoder(binary)
	require.NoError(t, err)
	assert.Equal(t, created.Unix(), payload.Created)
	assert.Equal(t, "flamego", payload.Data["username"])
}

func TestGobCodec(t *testing.T) {
	binary, err := GobEncoder(
		Payload{
			Created: 1588568886,
			Data:    Data{"username": "flamego", "login": true},
		},
	)
	require.NoError(t, err)

	payload, err := GobDecoder(binary)
	require.NoError(t, err)
	assert.Equal(t, int64(1588568886), payload.Created)
	assert.Equal(t, "flamego", payload.Data["username"])
	assert.Equal(t, true, payload.Data["login"])
}
