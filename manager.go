// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"crypto/rand"
	"math/big"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Store is a session store with capabilities of checking, reading, destroying
// and GC sessions.
type Store interface {
	// Exist returns true if a record of the session with given ID exists.
	Exist(ctx context.Context, sid string) bool
	// Read returns the session with given ID. If no record with the ID exists,
	// or the record has expired or cannot be decoded, a fresh session with the
	// same ID is returned. Expired records are deleted upon read, they are
	// logically absent even before the store's own TTL reaping catches up.
	Read(ctx context.Context, sid string) (Session, error)
	// Destroy deletes the record of the session with given ID from the session
	// store completely.
	Destroy(ctx context.Context, sid string) error
	// Touch renews the expiry time of the session with given ID without
	// rewriting its payload. It does nothing if there is no record associated
	// with the ID.
	Touch(ctx context.Context, sid string) error
	// Save persists session data to the session store with a renewed expiry
	// time.
	Save(ctx context.Context, session Session) error
	// GC deletes all expired session records from the session store. Stores
	// backed by a database with its own TTL support may implement this as a
	// no-op.
	GC(ctx context.Context) error
}

// Initer takes arbitrary number of arguments needed for initialization and
// returns an initialized session store.
type Initer func(ctx context.Context, args ...interface{}) (Store, error)

// IDFactory generates a new session ID. Generated IDs must be lowercase
// alphanumeric with at least 3 characters.
type IDFactory func() (string, error)

// manager is wrapper for wiring HTTP request and session stores.
type manager struct {
	store Store // The session store that is being managed.
}

// newManager returns a new manager with given session store.
func newManager(store Store) *manager {
	return &manager{
		store: store,
	}
}

// startGC starts a background goroutine to trigger GC of the session store in
// given time interval. Errors are printed using the `errFunc`. It returns a
// send-only channel for stopping the background goroutine.
func (m *manager) startGC(ctx context.Context, interval time.Duration, errFunc func(error)) chan<- struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		for {
			err := m.store.GC(ctx)
			if err != nil {
				errFunc(err)
			}

			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
			}
		}
	}()
	return stop
}

// randomChars returns a generated string in given number of random characters.
func randomChars(n int) (string, error) {
	const alphanum = "0123456789abcdefghijklmnopqrstuvwxyz"

	randomInt := func(max *big.Int) (int, error) {
		r, err := rand.Int(rand.Reader, max)
		if err != nil {
			return 0, err
		}

		return int(r.Int64()), nil
	}

	buffer := make([]byte, n)
	max := big.NewInt(int64(len(alphanum)))
	for i := 0; i < n; i++ {
		index, err := randomInt(max)
		if err != nil {
			return "", err
		}

		buffer[i] = alphanum[index]
	}

	return string(buffer), nil
}

// isValidSessionID returns true if given session ID looks like a valid ID. The
// `idLength` is the exact length the ID must have, or a non-positive value to
// only require the minimum length (for IDs produced by a custom IDFactory).
func isValidSessionID(sid string, idLength int) bool {
	if idLength > 0 {
		if len(sid) != idLength {
			return false
		}
	} else if len(sid) < minimumSIDLength {
		return false
	}

	for i := range sid {
		switch {
		case '0' <= sid[i] && sid[i] <= '9':
		case 'a' <= sid[i] && sid[i] <= 'z':
		default:
			return false
		}
	}
	return true
}

// load loads the session from the session store with the session ID provided
// in the named cookie. It returns `created=true` if the ID was absent or
// unusable and a new session ID was generated.
func (m *manager) load(r *http.Request, sid string, idLength int, idFactory IDFactory) (_ Session, created bool, err error) {
	if !isValidSessionID(sid, idLength) {
		sid, err = idFactory()
		if err != nil {
			return nil, false, errors.Wrap(err, "new ID")
		}
		created = true
	}

	sess, err := m.store.Read(r.Context(), sid)
	if err != nil {
		return nil, false, errors.Wrap(err, "read")
	}
	return sess, created, nil
}

// save persists the session to the session store, and branches to avoid
// needless round trips: a fresh session that stayed empty writes nothing, an
// existing session that was emptied out gets its record deleted, and a
// non-empty session that has not changed only has its expiry time renewed.
func (m *manager) save(ctx context.Context, sess Session) error {
	if sess.Empty() {
		if sess.Fresh() {
			return nil
		}
		return errors.Wrap(m.store.Destroy(ctx, sess.ID()), "destroy")
	}

	if !sess.Fresh() && !sess.HasChanged() {
		return errors.Wrap(m.store.Touch(ctx, sess.ID()), "touch")
	}
	return errors.Wrap(m.store.Save(ctx, sess), "save")
}
