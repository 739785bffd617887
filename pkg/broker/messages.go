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


package broker

import (
	"errors"
	"fmt"

	"github.com/turtacn/hpfeeds-go/pkg/protocol/hpfeeds"
)

var (
	// ErrAuthFailed is returned when a client fails the handshake.
	ErrAuthFailed = errors.New("broker: authentication failed")
	// ErrUnexpectedFrame is returned when a client sends a frame that is not
	// valid in the connection's current state.
	ErrUnexpectedFrame = errors.New("broker: unexpected frame")
)

// Messages carried in Error frames sent to clients. They never say why
// authentication failed.
const (
	msgAuthFailed       = "authentication failed"
	msgProtocolError    = "protocol error"
	msgIdentityMismatch = "accessfail: identity mismatch"
)

func msgPublishDenied(channel string) string {
	return fmt.Sprintf("accessfail: publish %s", channel)
}

func msgSubscribeDenied(channel string) string {
	return fmt.Sprintf("accessfail: subscribe %s", channel)
}

// protocolReason labels a fatal read error for the protocol_errors metric.
// It returns "" for errors that are not protocol violations.
func protocolReason(err error) string {
	switch {
	case errors.Is(err, hpfeeds.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, hpfeeds.ErrMalformed):
		return "malformed"
	case errors.Is(err, hpfeeds.ErrInvalidEncoding):
		return "invalid_encoding"
	case errors.Is(err, hpfeeds.ErrUnknownOpcode):
		return "unknown_opcode"
	case errors.Is(err, ErrUnexpectedFrame):
		return "unexpected_frame"
	default:
		return ""
	}
}
