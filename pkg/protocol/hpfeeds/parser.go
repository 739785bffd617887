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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Decode decodes the first frame in buf.
//
// When buf holds a complete frame Decode returns it together with the number
// of bytes it occupies. When buf holds only part of a frame Decode returns
// (nil, 0, nil) and the caller should retry with more data. The length prefix
// is validated as soon as it is available, so an oversized frame is rejected
// before any of its body is inspected.
//
// The returned frame aliases buf.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	total := binary.BigEndian.Uint32(buf)
	if total > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}
	if total < HeaderSize {
		return nil, 0, fmt.Errorf("%w: length %d shorter than header", ErrMalformed, total)
	}
	if uint32(len(buf)) < total {
		return nil, 0, nil
	}
	f, err := decodeBody(Opcode(buf[4]), buf[HeaderSize:total])
	if err != nil {
		return nil, 0, err
	}
	return f, int(total), nil
}

func decodeBody(op Opcode, body []byte) (Frame, error) {
	switch op {
	case OpError:
		if !utf8.Valid(body) {
			return nil, fmt.Errorf("%w: error message", ErrInvalidEncoding)
		}
		return &ErrorFrame{Message: string(body)}, nil

	case OpInfo:
		name, rest, err := readString(body, "broker name")
		if err != nil {
			return nil, err
		}
		return &InfoFrame{Name: name, Nonce: rest}, nil

	case OpAuth:
		ident, rest, err := readString(body, "identity")
		if err != nil {
			return nil, err
		}
		return &AuthFrame{Ident: ident, Digest: rest}, nil

	case OpPublish:
		ident, rest, err := readString(body, "identity")
		if err != nil {
			return nil, err
		}
		channel, rest, err := readString(rest, "channel")
		if err != nil {
			return nil, err
		}
		return &PublishFrame{Ident: ident, Channel: channel, Payload: rest}, nil

	case OpSubscribe, OpUnsubscribe:
		ident, rest, err := readString(body, "identity")
		if err != nil {
			return nil, err
		}
		channel, err := readChannel(rest)
		if err != nil {
			return nil, err
		}
		if op == OpSubscribe {
			return &SubscribeFrame{Ident: ident, Channel: channel}, nil
		}
		return &UnsubscribeFrame{Ident: ident, Channel: channel}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, byte(op))
	}
}

// readString reads a 1-byte-length-prefixed UTF-8 string from the front of b.
func readString(b []byte, field string) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("%w: missing %s length", ErrMalformed, field)
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("%w: %s declares %d bytes, %d available", ErrMalformed, field, n, len(b)-1)
	}
	s := b[1 : 1+n]
	if !utf8.Valid(s) {
		return "", nil, fmt.Errorf("%w: %s", ErrInvalidEncoding, field)
	}
	return string(s), b[1+n:], nil
}

// readChannel reads the channel of a subscribe or unsubscribe body. The
// channel is length-prefixed; older clients send it as the bare remainder of
// the frame, which is accepted when the prefix does not describe exactly the
// remaining bytes.
func readChannel(b []byte) (string, error) {
	if len(b) > 0 && int(b[0]) == len(b)-1 {
		s, _, err := readString(b, "channel")
		return s, err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: channel", ErrInvalidEncoding)
	}
	if len(b) > MaxStringLen {
		return "", fmt.Errorf("%w: channel is %d bytes", ErrMalformed, len(b))
	}
	return string(b), nil
}

// Encode returns the wire encoding of f.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the wire encoding of f to dst and returns the extended
// slice. dst is returned unchanged on error.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	var (
		strs []string
		tail []byte
	)
	switch v := f.(type) {
	case *ErrorFrame:
		if !utf8.ValidString(v.Message) {
			return dst, fmt.Errorf("%w: error message", ErrInvalidEncoding)
		}
		tail = []byte(v.Message)
	case *InfoFrame:
		strs, tail = []string{v.Name}, v.Nonce
	case *AuthFrame:
		strs, tail = []string{v.Ident}, v.Digest
	case *PublishFrame:
		strs, tail = []string{v.Ident, v.Channel}, v.Payload
	case *SubscribeFrame:
		strs = []string{v.Ident, v.Channel}
	case *UnsubscribeFrame:
		strs = []string{v.Ident, v.Channel}
	default:
		return dst, fmt.Errorf("hpfeeds: cannot encode %T", f)
	}

	total := HeaderSize + len(tail)
	for _, s := range strs {
		if len(s) > MaxStringLen {
			return dst, fmt.Errorf("%w: %q...", ErrStringTooLong, s[:16])
		}
		if !utf8.ValidString(s) {
			return dst, ErrInvalidEncoding
		}
		total += 1 + len(s)
	}
	if total > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(total))
	dst = append(dst, byte(f.Opcode()))
	for _, s := range strs {
		dst = append(dst, byte(len(s)))
		dst = append(dst, s...)
	}
	return append(dst, tail...), nil
}

// WriteFrame encodes f and writes it to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Reader reads whole frames from a byte stream.
type Reader struct {
	r     *bufio.Reader
	limit uint32
	hdr   [4]byte
}

// NewReader returns a Reader enforcing MaxFrameSize.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:     bufio.NewReaderSize(r, 64<<10),
		limit: MaxFrameSize,
	}
}

// SetLimit changes the largest total_length the Reader accepts. Values above
// MaxFrameSize are clamped.
func (r *Reader) SetLimit(n int) {
	if n <= 0 || n > MaxFrameSize {
		n = MaxFrameSize
	}
	r.limit = uint32(n)
}

// ReadRaw reads exactly one frame and returns its undecoded bytes, length
// prefix included. The length is checked before any body byte is read. Each
// call returns a freshly allocated slice that is never reused by the Reader.
func (r *Reader) ReadRaw() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(r.hdr[:])
	if total > r.limit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, total, r.limit)
	}
	if total < HeaderSize {
		return nil, fmt.Errorf("%w: length %d shorter than header", ErrMalformed, total)
	}
	buf := make([]byte, total)
	copy(buf, r.hdr[:])
	if _, err := io.ReadFull(r.r, buf[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// ReadFrame reads and decodes one frame.
func (r *Reader) ReadFrame() (Frame, error) {
	raw, err := r.ReadRaw()
	if err != nil {
		return nil, err
	}
	f, _, err := Decode(raw)
	return f, err
}
