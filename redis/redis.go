// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package redis provides a Redis implementation of the session store. Expiry
// is delegated to Redis-native key TTLs, so GC is a no-op.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/flamego/session/v2"
)

var _ session.Store = (*redisStore)(nil)

// redisStore is a Redis implementation of the session store.
type redisStore struct {
	client    *redis.Client   // The client connection
	keyPrefix string          // The prefix to use for keys
	lifetime  time.Duration   // The duration a session is valid before expiring
	encoder   session.Encoder // The encoder to encode the session payload before saving
	decoder   session.Decoder // The decoder to decode binary to session payload after reading
}

// newRedisStore returns a new Redis session store based on given configuration.
func newRedisStore(cfg Config) *redisStore {
	return &redisStore{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		lifetime:  cfg.Lifetime,
		encoder:   cfg.Encoder,
		decoder:   cfg.Decoder,
	}
}

func (s *redisStore) Exist(ctx context.Context, sid string) bool {
	result, err := s.client.Exists(ctx, s.keyPrefix+sid).Result()
	return err == nil && result == 1
}

func (s *redisStore) Read(ctx context.Context, sid string) (session.Session, error) {
	binary, err := s.client.Get(ctx, s.keyPrefix+sid).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.NewBaseSession(sid, s.encoder), nil
		}
		return nil, errors.Wrap(err, "get")
	}

	payload, err := s.decoder([]byte(binary))
	if err != nil {
		// The value is unusable, treat it as absent and let the next save
		// overwrite it
		return session.NewBaseSession(sid, s.encoder), nil
	}
	return session.NewBaseSessionWithPayload(sid, s.encoder, payload), nil
}

func (s *redisStore) Destroy(ctx context.Context, sid string) error {
	return s.client.Del(ctx, s.keyPrefix+sid).Err()
}

func (s *redisStore) Touch(ctx context.Context, sid string) error {
	err := s.client.Expire(ctx, s.keyPrefix+sid, s.lifetime).Err()
	if err != nil {
		return errors.Wrap(err, "expire")
	}
	return nil
}

func (s *redisStore) Save(ctx context.Context, sess session.Session) error {
	binary, err := sess.Encode()
	if err != nil {
		return errors.Wrap(err, "encode")
	}

	err = s.client.SetEx(ctx, s.keyPrefix+sess.ID(), binary, s.lifetime).Err()
	if err != nil {
		return errors.Wrap(err, "set")
	}
	return nil
}

func (s *redisStore) GC(_ context.Context) error {
	return nil
}

// Options keeps the settings to set up Redis client connection.
type Options = redis.Options

// Config contains options for the Redis session store.
type Config struct {
	// Client is the Redis Client connection. If not set, a new client will be
	// created based on Options.
	Client *redis.Client
	// Options is the settings to set up Redis client connection.
	Options *Options
	// KeyPrefix is the prefix to use for keys in Redis. Default is "session:".
	KeyPrefix string
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

// Initer returns the session.Initer for the Redis session store.
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
		} else if cfg.Client == nil && cfg.Options == nil {
			return nil, errors.New("empty client and options")
		}

		if cfg.Client == nil {
			cfg.Client = redis.NewClient(cfg.Options)
		}

		if cfg.Lifetime.Seconds() < 1 {
			cfg.Lifetime = 3600 * time.Second
		}
		if cfg.KeyPrefix == "" {
			cfg.KeyPrefix = "session:"
		}
		if cfg.Encoder == nil {
			cfg.Encoder = session.JSONEncoder
		}
		if cfg.Decoder == nil {
			cfg.Decoder = session.JSONDecoder
		}

		return newRedisStore(*cfg), nil
	}
}
