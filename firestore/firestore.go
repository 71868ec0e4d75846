// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package firestore provides a Google Cloud Firestore implementation of the
// session store. Each session is stored as a single document in the configured
// collection, with the session ID as the document ID, the encoded payload in
// the "data" field and the absolute expiry time in the "expired_at" field.
//
// Reaping expired documents is primarily the job of a Firestore TTL policy on
// the "expired_at" field; GC exists for databases without one. Since TTL
// deletion is best-effort and delayed, expiry is also checked on every read
// and an expired document is treated as absent no matter when the TTL policy
// gets to it.
package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flamego/session/v2"
)

var _ session.Store = (*firestoreStore)(nil)

// firestoreStore is a Google Cloud Firestore implementation of the session
// store.
type firestoreStore struct {
	nowFunc    func() time.Time  // The function to return the current time
	lifetime   time.Duration     // The duration a session is valid before expiring
	client     *firestore.Client // The client connection
	collection string            // The collection for storing session documents
	encoder    session.Encoder   // The encoder to encode the session payload before saving
	decoder    session.Decoder   // The decoder to decode binary to session payload after reading
}

// newFirestoreStore returns a new Firestore session store based on given
// configuration.
func newFirestoreStore(cfg Config) *firestoreStore {
	return &firestoreStore{
		nowFunc:    cfg.nowFunc,
		lifetime:   cfg.Lifetime,
		client:     cfg.Client,
		collection: cfg.Collection,
		encoder:    cfg.Encoder,
		decoder:    cfg.Decoder,
	}
}

// record is the document layout of a stored session.
type record struct {
	Data      []byte    `firestore:"data"`
	ExpiredAt time.Time `firestore:"expired_at"`
}

// doc returns the document reference for given sid.
func (s *firestoreStore) doc(sid string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(sid)
}

func (s *firestoreStore) Exist(ctx context.Context, sid string) bool {
	snap, err := s.doc(sid).Get(ctx)
	return err == nil && snap.Exists()
}

func (s *firestoreStore) Read(ctx context.Context, sid string) (session.Session, error) {
	snap, err := s.doc(sid).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return session.NewBaseSession(sid, s.encoder), nil
		}
		return nil, errors.Wrap(err, "get")
	}

	var r record
	err = snap.DataTo(&r)
	if err != nil {
		// The document does not look like a session record, treat it as absent and
		// let the next save overwrite it
		return session.NewBaseSession(sid, s.encoder), nil
	}

	// A document past its expiry time is logically absent, delete it without
	// waiting for the TTL policy
	if !r.ExpiredAt.IsZero() && !s.nowFunc().Before(r.ExpiredAt) {
		_, err = s.doc(sid).Delete(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "delete expired")
		}
		return session.NewBaseSession(sid, s.encoder), nil
	}

	payload, err := s.decoder(r.Data)
	if err != nil {
		return session.NewBaseSession(sid, s.encoder), nil
	}
	return session.NewBaseSessionWithPayload(sid, s.encoder, payload), nil
}

func (s *firestoreStore) Destroy(ctx context.Context, sid string) error {
	_, err := s.doc(sid).Delete(ctx)
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

func (s *firestoreStore) Touch(ctx context.Context, sid string) error {
	_, err := s.doc(sid).Update(ctx,
		[]firestore.Update{
			{Path: "expired_at", Value: s.nowFunc().Add(s.lifetime).UTC()},
		},
	)
	if err != nil && status.Code(err) != codes.NotFound {
		return errors.Wrap(err, "update")
	}
	return nil
}

func (s *firestoreStore) Save(ctx context.Context, sess session.Session) error {
	binary, err := sess.Encode()
	if err != nil {
		return errors.Wrap(err, "encode")
	}

	_, err = s.doc(sess.ID()).Set(ctx,
		map[string]interface{}{
			"data":       binary,
			"expired_at": s.nowFunc().Add(s.lifetime).UTC(),
		},
	)
	if err != nil {
		return errors.Wrap(err, "set")
	}
	return nil
}

func (s *firestoreStore) GC(ctx context.Context) error {
	iter := s.client.Collection(s.collection).
		Where("expired_at", "<=", s.nowFunc().UTC()).
		Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return errors.Wrap(err, "iterate")
		}

		_, err = bw.Delete(snap.Ref)
		if err != nil {
			return errors.Wrap(err, "delete")
		}
	}
	bw.End()
	return nil
}

// KeyFactory returns a session.IDFactory that derives session IDs from
// Firestore auto-generated document IDs. The IDs are lowercased to be valid
// session IDs.
func KeyFactory(client *firestore.Client, collection string) session.IDFactory {
	return func() (string, error) {
		return strings.ToLower(client.Collection(collection).NewDoc().ID), nil
	}
}

// Config contains options for the Firestore session store.
type Config struct {
	// For tests only
	nowFunc func() time.Time

	// Client is the Firestore client connection. If not set, a new client is
	// created based on ProjectID and Options.
	Client *firestore.Client
	// ProjectID is the Google Cloud project the Firestore database belongs to.
	ProjectID string
	// Options are the client options to set up the Firestore client connection,
	// e.g. credentials or an emulator endpoint.
	Options []option.ClientOption
	// Collection is the collection name for storing session documents. Default
	// is "sessions".
	Collection string
	// Lifetime is the duration a session is valid before expiring. Default is
	// 3600 seconds.
	Lifetime time.Duration
	// Encoder is the encoder to encode session payload. Default is
	// session.JSONEncoder.
	Encoder session.Encoder
	// Decoder is the decoder to decode session payload. Default is
	// session.JSONDecoder.
	Decoder session.Decoder
}

// Initer returns the session.Initer for the Firestore session store.
func Initer() session.Initer {
	return func(ctx context.Context, args ...interface{}) (session.Store, error) {
		var cfg *Config
		for i := range args {
			switch v := args[i].(type) {
			case Config:
				cfg = &v
			}
		}

		if cfg == nil {
			return nil, fmt.Errorf("config object with the type '%T' not found", Config{})
		} else if cfg.Client == nil && cfg.ProjectID == "" {
			return nil, errors.New("empty project ID")
		}

		if cfg.Client == nil {
			client, err := firestore.NewClient(ctx, cfg.ProjectID, cfg.Options...)
			if err != nil {
				return nil, errors.Wrap(err, "create client")
			}
			cfg.Client = client
		}

		if cfg.nowFunc == nil {
			cfg.nowFunc = time.Now
		}
		if cfg.Lifetime.Seconds() < 1 {
			cfg.Lifetime = 3600 * time.Second
		}
		if cfg.Collection == "" {
			cfg.Collection = "sessions"
		}
		if cfg.Encoder == nil {
			cfg.Encoder = session.JSONEncoder
		}
		if cfg.Decoder == nil {
			cfg.Decoder = session.JSONDecoder
		}

		return newFirestoreStore(*cfg), nil
	}
}
