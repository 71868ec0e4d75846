// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mongo provides a MongoDB implementation of the session store. Each
// session is stored as a single document with the session ID in the "key"
// field, the encoded payload in the "data" field and the absolute expiry time
// in the "expired_at" field.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flamego/session/v2"
)

var _ session.Store = (*mongoStore)(nil)

// mongoStore is a MongoDB implementation of the session store.
type mongoStore struct {
	nowFunc    func() time.Time // The function to return the current time
	lifetime   time.Duration    // The duration a session is valid before expiring
	db         *mongo.Database  // The database connection
	collection string           // The database collection for storing session data
	encoder    session.Encoder  // The encoder to encode the session payload before saving
	decoder    session.Decoder  // The decoder to decode binary to session payload after reading
}

// newMongoStore returns a new MongoDB session store based on given
// configuration.
func newMongoStore(cfg Config) *mongoStore {
	return &mongoStore{
		nowFunc:    cfg.nowFunc,
		lifetime:   cfg.Lifetime,
		db:         cfg.db,
		collection: cfg.Collection,
		encoder:    cfg.Encoder,
		decoder:    cfg.Decoder,
	}
}

func (s *mongoStore) Exist(ctx context.Context, sid string) bool {
	err := s.db.Collection(s.collection).FindOne(ctx, bson.M{"key": sid}).Err()
	return err == nil
}

func (s *mongoStore) Read(ctx context.Context, sid string) (session.Session, error) {
	var result bson.M
	err := s.db.Collection(s.collection).FindOne(ctx, bson.M{"key": sid}).Decode(&result)
	if err == mongo.ErrNoDocuments {
		return session.NewBaseSession(sid, s.encoder), nil
	} else if err != nil {
		return nil, errors.Wrap(err, "select")
	}

	// A document past its expiry time is logically absent, delete it without
	// waiting for the TTL index
	if expiredAt, ok := result["expired_at"].(primitive.DateTime); ok && !s.nowFunc().Before(expiredAt.Time()) {
		err = s.Destroy(ctx, sid)
		if err != nil {
			return nil, errors.Wrap(err, "destroy expired")
		}
		return session.NewBaseSession(sid, s.encoder), nil
	}

	binary, ok := result["data"].(primitive.Binary)
	if !ok {
		// The document does not look like a session record, treat it as absent and
		// let the next save overwrite it
		return session.NewBaseSession(sid, s.encoder), nil
	}

	payload, err := s.decoder(binary.Data)
	if err != nil {
		return session.NewBaseSession(sid, s.encoder), nil
	}
	return session.NewBaseSessionWithPayload(sid, s.encoder, payload), nil
}

func (s *mongoStore) Destroy(ctx context.Context, sid string) error {
	_, err := s.db.Collection(s.collection).DeleteOne(ctx, bson.M{"key": sid})
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

func (s *mongoStore) Touch(ctx context.Context, sid string) error {
	_, err := s.db.Collection(s.collection).
		UpdateOne(ctx, bson.M{"key": sid}, bson.M{"$set": bson.M{
			"expired_at": s.nowFunc().Add(s.lifetime).UTC(),
		}})
	if err != nil {
		return errors.Wrap(err, "update")
	}
	return nil
}

func (s *mongoStore) Save(ctx context.Context, sess session.Session) error {
	binary, err := sess.Encode()
	if err != nil {
		return errors.Wrap(err, "encode")
	}

	upsert := true
	_, err = s.db.Collection(s.collection).
		UpdateOne(ctx, bson.M{"key": sess.ID()}, bson.M{"$set": bson.M{
			"key":        sess.ID(),
			"data":       binary,
			"expired_at": s.nowFunc().Add(s.lifetime).UTC(),
		}}, &options.UpdateOptions{
			Upsert: &upsert,
		})
	if err != nil {
		return errors.Wrap(err, "upsert")
	}
	return nil
}

func (s *mongoStore) GC(ctx context.Context) error {
	_, err := s.db.Collection(s.collection).DeleteMany(ctx, bson.M{"expired_at": bson.M{"$lte": s.nowFunc().UTC()}})
	if err != nil {
		return errors.Wrap(err, "GC")
	}
	return nil
}

// Options keeps the settings to set up MongoDB client connection.
type Options = options.ClientOptions

// Config contains options for the MongoDB session store.
type Config struct {
	// For tests only
	nowFunc func() time.Time
	db      *mongo.Database

	// Options is the settings to set up MongoDB client connection.
	Options *Options
	// DSN is the database source name to the MongoDB.
	DSN string
	// Collection is the collection name for storing session data. Default is
	// "sessions".
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

// Initer returns the session.Initer for the MongoDB session store.
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
		} else if cfg.DSN == "" && cfg.db == nil {
			return nil, errors.New("empty DSN")
		}

		if cfg.db == nil {
			client, err := mongo.Connect(ctx, cfg.Options)
			if err != nil {
				return nil, errors.Wrap(err, "open database")
			}
			cfg.db = client.Database(cfg.DSN)
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

		return newMongoStore(*cfg), nil
	}
}
