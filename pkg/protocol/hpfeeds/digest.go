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
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
)

// HashSecret returns SHA-1(nonce || secret), the digest a client sends in its
// AuthFrame.
func HashSecret(nonce []byte, secret string) []byte {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(secret))
	return h.Sum(nil)
}

// VerifyDigest reports whether digest equals HashSecret(nonce, secret). The
// comparison runs in constant time with respect to the digest contents.
func VerifyDigest(nonce []byte, secret string, digest []byte) bool {
	return subtle.ConstantTimeCompare(HashSecret(nonce, secret), digest) == 1
}

// NewNonce returns NonceSize bytes from the system's secure random source.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
