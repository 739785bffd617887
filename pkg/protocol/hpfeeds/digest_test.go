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

package hpfeeds

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashSecret(t *testing.T) {
	nonce := []byte("randombytes")
	digest := HashSecret(nonce, "s3cret")
	assert.Len(t, digest, DigestSize)

	want := sha1.Sum(append(append([]byte{}, nonce...), "s3cret"...))
	assert.Equal(t, want[:], digest)
}

func TestVerifyDigest(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	digest := HashSecret(nonce, "s3cret")

	assert.True(t, VerifyDigest(nonce, "s3cret", digest))
	assert.False(t, VerifyDigest(nonce, "wrong", digest))
	assert.False(t, VerifyDigest(nonce, "s3cret", digest[:DigestSize-1]))
	assert.False(t, VerifyDigest(nonce, "s3cret", nil))

	// Flipping any single byte must fail.
	for i := range digest {
		bad := append([]byte{}, digest...)
		bad[i] ^= 0x01
		assert.False(t, VerifyDigest(nonce, "s3cret", bad), "byte %d", i)
	}
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)

	assert.Len(t, a, NonceSize)
	assert.NotEqual(t, a, b)
}
