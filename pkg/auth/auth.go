// Copyright 2024 The hpfeeds-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package auth provides identity lookup and channel access control for
// HPFeeds clients. Credentials live in pluggable stores (memory, users file,
// SQL database); the Engine verifies handshake digests against them and
// answers publish/subscribe authorization questions from a bounded-staleness
// cache.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	// ErrNotFound is returned by a Store that does not know an identity.
	ErrNotFound = errors.New("auth: identity not found")
	// ErrBackendUnavailable wraps failures of the underlying credential backend.
	ErrBackendUnavailable = errors.New("auth: credential backend unavailable")
	// ErrInvalidCredentials is returned for an unknown identity or a wrong digest.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Wildcard is the channel entry granting access to every channel.
const Wildcard = "*"

// ChannelSet is either an explicit set of channel names or a wildcard.
type ChannelSet struct {
	Wildcard bool
	Channels map[string]struct{}
}

// NewChannelSet builds a set from names; a "*" entry turns it into a wildcard.
func NewChannelSet(names ...string) ChannelSet {
	s := ChannelSet{}
	for _, n := range names {
		s.add(n)
	}
	return s
}

// AllChannels returns a wildcard set.
func AllChannels() ChannelSet {
	return ChannelSet{Wildcard: true}
}

func (s *ChannelSet) add(name string) {
	if name == Wildcard {
		s.Wildcard = true
		return
	}
	if s.Channels == nil {
		s.Channels = make(map[string]struct{})
	}
	s.Channels[name] = struct{}{}
}

// Allows reports whether channel is in the set.
func (s ChannelSet) Allows(channel string) bool {
	if s.Wildcard {
		return true
	}
	_, ok := s.Channels[channel]
	return ok
}

// List returns the set as sorted names, with "*" first for a wildcard.
func (s ChannelSet) List() []string {
	out := make([]string, 0, len(s.Channels)+1)
	if s.Wildcard {
		out = append(out, Wildcard)
	}
	names := make([]string, 0, len(s.Channels))
	for n := range s.Channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return append(out, names...)
}

func (s ChannelSet) clone() ChannelSet {
	c := ChannelSet{Wildcard: s.Wildcard}
	if len(s.Channels) > 0 {
		c.Channels = make(map[string]struct{}, len(s.Channels))
		for n := range s.Channels {
			c.Channels[n] = struct{}{}
		}
	}
	return c
}

// ACL holds the channels an identity may publish to and subscribe to.
// The zero ACL denies everything.
type ACL struct {
	Publish   ChannelSet
	Subscribe ChannelSet
}

// Identity is a credential record: the shared secret and its ACL.
// Identities returned by a Store must be treated as immutable.
type Identity struct {
	Ident  string
	Secret string
	ACL    ACL
}

func (id *Identity) CanPublish(channel string) bool {
	return id != nil && id.ACL.Publish.Allows(channel)
}

func (id *Identity) CanSubscribe(channel string) bool {
	return id != nil && id.ACL.Subscribe.Allows(channel)
}

func (id *Identity) clone() *Identity {
	return &Identity{
		Ident:  id.Ident,
		Secret: id.Secret,
		ACL: ACL{
			Publish:   id.ACL.Publish.clone(),
			Subscribe: id.ACL.Subscribe.clone(),
		},
	}
}

// UserRecord is the serialized form of an Identity used by configuration
// and the users file.
type UserRecord struct {
	Ident       string   `yaml:"ident" json:"ident" mapstructure:"ident"`
	Secret      string   `yaml:"secret" json:"secret" mapstructure:"secret"`
	PubChannels []string `yaml:"pub_channels" json:"pub_channels" mapstructure:"pub_channels"`
	SubChannels []string `yaml:"sub_channels" json:"sub_channels" mapstructure:"sub_channels"`
}

// Identity converts the record.
func (r UserRecord) Identity() *Identity {
	return &Identity{
		Ident:  r.Ident,
		Secret: r.Secret,
		ACL: ACL{
			Publish:   NewChannelSet(r.PubChannels...),
			Subscribe: NewChannelSet(r.SubChannels...),
		},
	}
}

// RecordOf converts an identity back into its serialized form.
func RecordOf(id *Identity) UserRecord {
	return UserRecord{
		Ident:       id.Ident,
		Secret:      id.Secret,
		PubChannels: id.ACL.Publish.List(),
		SubChannels: id.ACL.Subscribe.List(),
	}
}

// Store looks up credentials. FindIdentity returns ErrNotFound for an unknown
// identity and an error wrapping ErrBackendUnavailable when the backend could
// not answer.
type Store interface {
	FindIdentity(ctx context.Context, ident string) (*Identity, error)
	Name() string
}

// Admin is implemented by stores whose credentials can be edited.
type Admin interface {
	AddUser(ctx context.Context, ident, secret string) error
	AddPermission(ctx context.Context, ident, channel string, canPub, canSub bool) error
	RemoveUser(ctx context.Context, ident string) error
	ListUsers(ctx context.Context) ([]UserRecord, error)
}

// Chain queries several stores in order. The first store that knows the
// identity answers; a backend failure stops the walk so that an unreachable
// store never lets a later store grant access by mistake.
type Chain struct {
	stores []Store
}

// NewChain creates a new chain over stores.
func NewChain(stores ...Store) *Chain {
	return &Chain{stores: stores}
}

// Add appends a store to the chain.
func (c *Chain) Add(s Store) {
	c.stores = append(c.stores, s)
}

// Count returns the number of stores in the chain.
func (c *Chain) Count() int {
	return len(c.stores)
}

func (c *Chain) Name() string {
	return "chain"
}

func (c *Chain) FindIdentity(ctx context.Context, ident string) (*Identity, error) {
	for _, s := range c.stores {
		id, err := s.FindIdentity(ctx, ident)
		switch {
		case err == nil:
			return id, nil
		case errors.Is(err, ErrNotFound):
			slog.Debug("identity not in store", "store", s.Name(), "ident", ident)
			continue
		default:
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return nil, ErrNotFound
}
