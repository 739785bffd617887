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


package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSet(t *testing.T) {
	testCases := []struct {
		name    string
		set     ChannelSet
		channel string
		allowed bool
	}{
		{"explicit match", NewChannelSet("malware", "dionaea"), "malware", true},
		{"explicit miss", NewChannelSet("malware"), "other", false},
		{"wildcard", NewChannelSet("*"), "anything", true},
		{"wildcard mixed", NewChannelSet("a", "*"), "b", true},
		{"empty denies", NewChannelSet(), "malware", false},
		{"zero value denies", ChannelSet{}, "malware", false},
		{"all channels", AllChannels(), "x", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.set.Allows(tc.channel))
		})
	}
}

func TestChannelSetList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, NewChannelSet("b", "a").List())
	assert.Equal(t, []string{"*", "a"}, NewChannelSet("a", "*").List())
	assert.Empty(t, NewChannelSet().List())
}

func TestUserRecordConversion(t *testing.T) {
	rec := UserRecord{
		Ident:       "sensor",
		Secret:      "s3cret",
		PubChannels: []string{"dionaea.capture", "dionaea.connections"},
		SubChannels: []string{"*"},
	}
	id := rec.Identity()
	assert.Equal(t, "sensor", id.Ident)
	assert.True(t, id.CanPublish("dionaea.capture"))
	assert.False(t, id.CanPublish("other"))
	assert.True(t, id.CanSubscribe("anything"))

	assert.Equal(t, rec, RecordOf(id))

	var nilID *Identity
	assert.False(t, nilID.CanPublish("x"))
}

type failingStore struct{ err error }

func (f failingStore) Name() string { return "failing" }
func (f failingStore) FindIdentity(context.Context, string) (*Identity, error) {
	return nil, f.err
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	first := NewMemoryStore(UserRecord{Ident: "alice", Secret: "one"})
	second := NewMemoryStore(
		UserRecord{Ident: "alice", Secret: "two"},
		UserRecord{Ident: "bob", Secret: "three"},
	)

	chain := NewChain(first)
	chain.Add(second)
	assert.Equal(t, 2, chain.Count())

	id, err := chain.FindIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "one", id.Secret, "first store that knows the identity wins")

	id, err = chain.FindIdentity(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "three", id.Secret)

	_, err = chain.FindIdentity(ctx, "carol")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChainFailsClosed(t *testing.T) {
	backendErr := errors.New("connection refused")
	chain := NewChain(
		failingStore{err: backendErr},
		NewMemoryStore(UserRecord{Ident: "alice", Secret: "s"}),
	)

	_, err := chain.FindIdentity(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, backendErr)
	assert.NotErrorIs(t, err, ErrNotFound)
}
