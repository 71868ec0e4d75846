// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"sync"
	"time"
)

// Data is the data structure for storing session data. Values must round-trip
// through the configured encoder, e.g. with the default JSON codec, numbers
// always decode back as float64.
type Data map[string]interface{}

// Payload is the stored form of a session, which is the session data along
// with the creation time of the session as a single document.
type Payload struct {
	// Created is the Unix timestamp in seconds of when the session was created.
	Created int64 `json:"created"`
	// Data is the map of the session data.
	Data Data `json:"session"`
}

// Encoder is an encoder to encode session payload to binary.
type Encoder func(payload Payload) ([]byte, error)

// Decoder is a decoder to decode binary to session payload.
type Decoder func(binary []byte) (Payload, error)

var _ Session = (*BaseSession)(nil)

// BaseSession implements basic operations for the session data.
type BaseSession struct {
	sid       string       // The session ID
	createdAt time.Time    // The time of the session being created
	lock      sync.RWMutex // The mutex to guard accesses to the data
	data      Data         // The map of the session data
	changed   bool         // Whether the session data has changed
	fresh     bool         // Whether the session has no backing record in the store
	encoder   Encoder      // The encoder to encode the session payload to binary
}

// NewBaseSession returns a new fresh BaseSession with given session ID. A
// fresh session has no backing record in the session store, and never gets one
// for as long as it stays empty.
func NewBaseSession(sid string, encoder Encoder) *BaseSession {
	return &BaseSession{
		sid:       sid,
		createdAt: time.Now(),
		data:      make(Data),
		fresh:     true,
		encoder:   encoder,
	}
}

// NewBaseSessionWithPayload returns a new BaseSession with given session ID
// and the payload of its backing record.
func NewBaseSessionWithPayload(sid string, encoder Encoder, payload Payload) *BaseSession {
	data := payload.Data
	if data == nil {
		data = make(Data)
	}
	return &BaseSession{
		sid:       sid,
		createdAt: time.Unix(payload.Created, 0),
		data:      data,
		encoder:   encoder,
	}
}

func (s *BaseSession) ID() string {
	return s.sid
}

func (s *BaseSession) CreatedAt() time.Time {
	return s.createdAt
}

func (s *BaseSession) Get(key string) interface{} {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.data[key]
}

func (s *BaseSession) Set(key string, val interface{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.changed = true
	s.data[key] = val
}

func (s *BaseSession) SetFlash(val interface{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.changed = true
	s.data[flashKey] = val
}

func (s *BaseSession) Delete(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.changed = true
	delete(s.data, key)
}

func (s *BaseSession) Flush() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.changed = true
	s.data = make(Data)
}

func (s *BaseSession) Payload() Payload {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return Payload{
		Created: s.createdAt.Unix(),
		Data:    s.data,
	}
}

func (s *BaseSession) Encode() ([]byte, error) {
	return s.encoder(s.Payload())
}

func (s *BaseSession) Empty() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.data) == 0
}

func (s *BaseSession) HasChanged() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.changed
}

func (s *BaseSession) Fresh() bool {
	return s.fresh
}

// JSONEncoder is a session payload encoder using JSON.
func JSONEncoder(payload Payload) ([]byte, error) {
	return json.Marshal(payload)
}

// JSONDecoder is a session payload decoder using JSON.
func JSONDecoder(binary []byte) (Payload, error) {
	var payload Payload
	return payload, json.Unmarshal(binary, &payload)
}

// GobEncoder is a session payload encoder using Gob. Values of custom types
// need to be registered with gob.Register before being encoded.
func GobEncoder(payload Payload) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(payload)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecoder is a session payload decoder using Gob.
func GobDecoder(binary []byte) (Payload, error) {
	buf := bytes.NewBuffer(binary)
	var payload Payload
	return payload, gob.NewDecoder(buf).Decode(&payload)
}

// Flash is anything that gets retrieved and deleted as soon as the next request
// happens.
type Flash interface{}

const flashKey = "flamego::session::flash"
