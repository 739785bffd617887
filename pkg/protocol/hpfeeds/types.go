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

// Package hpfeeds implements the HPFeeds wire protocol: a 4-byte big-endian
// length prefix, a 1-byte opcode and an opcode-specific body.
package hpfeeds

import (
	"errors"
	"fmt"
)

// Opcode identifies the type of an HPFeeds frame. It is the byte that follows
// the 4-byte length prefix.
type Opcode byte

// Opcodes defined by the HPFeeds protocol.
const (
	OpError       Opcode = 0 // Error message from the peer
	OpInfo        Opcode = 1 // Broker name and authentication nonce
	OpAuth        Opcode = 2 // Client identity and secret digest
	OpPublish     Opcode = 3 // Payload published to a channel
	OpSubscribe   Opcode = 4 // Subscribe request
	OpUnsubscribe Opcode = 5 // Unsubscribe request
)

func (op Opcode) String() string {
	switch op {
	case OpError:
		return "error"
	case OpInfo:
		return "info"
	case OpAuth:
		return "auth"
	case OpPublish:
		return "publish"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	default:
		return fmt.Sprintf("opcode(%d)", byte(op))
	}
}

const (
	// HeaderSize is the length prefix plus the opcode byte.
	HeaderSize = 5
	// MaxFrameSize is the hard upper bound on total_length, prefix included.
	MaxFrameSize = 1 << 20
	// MaxAuthFrameSize bounds frames read before a connection has authenticated.
	MaxAuthFrameSize = 512
	// MaxStringLen is the longest identity, channel or broker name that fits a
	// 1-byte length prefix.
	MaxStringLen = 255
	// NonceSize is the length of the nonce sent in the Info frame.
	NonceSize = 16
	// DigestSize is the length of a SHA-1 authentication digest.
	DigestSize = 20
)

// Protocol errors. All of them are fatal for the connection that produced
// the offending bytes.
var (
	ErrFrameTooLarge   = errors.New("hpfeeds: frame too large")
	ErrMalformed       = errors.New("hpfeeds: malformed frame")
	ErrInvalidEncoding = errors.New("hpfeeds: invalid utf-8 string")
	ErrUnknownOpcode   = errors.New("hpfeeds: unknown opcode")
	ErrStringTooLong   = errors.New("hpfeeds: string longer than 255 bytes")
)

// IsProtocolError reports whether err was produced by frame validation, as
// opposed to an I/O failure on the underlying stream.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrInvalidEncoding) ||
		errors.Is(err, ErrUnknownOpcode)
}

// Frame is one decoded HPFeeds message. The concrete types are the *...Frame
// structs below. Byte slices held by a decoded frame alias the buffer it was
// decoded from and must be treated as read-only.
type Frame interface {
	Opcode() Opcode
}

// ErrorFrame carries a human readable error message.
type ErrorFrame struct {
	Message string
}

// InfoFrame is the first frame a broker sends. It names the broker and
// carries the nonce the client must hash together with its secret.
type InfoFrame struct {
	Name  string
	Nonce []byte
}

// AuthFrame answers an InfoFrame with the client identity and
// SHA-1(nonce || secret).
type AuthFrame struct {
	Ident  string
	Digest []byte
}

// PublishFrame delivers Payload to every subscriber of Channel.
type PublishFrame struct {
	Ident   string
	Channel string
	Payload []byte
}

// SubscribeFrame asks the broker to deliver publishes on Channel.
type SubscribeFrame struct {
	Ident   string
	Channel string
}

// UnsubscribeFrame cancels a previous SubscribeFrame.
type UnsubscribeFrame struct {
	Ident   string
	Channel string
}

func (*ErrorFrame) Opcode() Opcode       { return OpError }
func (*InfoFrame) Opcode() Opcode        { return OpInfo }
func (*AuthFrame) Opcode() Opcode        { return OpAuth }
func (*PublishFrame) Opcode() Opcode     { return OpPublish }
func (*SubscribeFrame) Opcode() Opcode   { return OpSubscribe }
func (*UnsubscribeFrame) Opcode() Opcode { return OpUnsubscribe }
