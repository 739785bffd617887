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
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		frame Frame
	}{
		{"error", &ErrorFrame{Message: "authentication failed"}},
		{"info", &InfoFrame{Name: "hpfeeds", Nonce: []byte{1, 2, 3, 4}}},
		{"auth", &AuthFrame{Ident: "sensor-1", Digest: HashSecret([]byte{1, 2, 3, 4}, "s3cret")}},
		{"publish", &PublishFrame{Ident: "sensor-1", Channel: "dionaea.capture", Payload: []byte(`{"src":"10.0.0.1"}`)}},
		{"publish binary payload", &PublishFrame{Ident: "a", Channel: "b", Payload: []byte{0x00, 0xff, 0xfe}}},
		{"subscribe", &SubscribeFrame{Ident: "collector", Channel: "malware"}},
		{"unsubscribe", &UnsubscribeFrame{Ident: "collector", Channel: "malware"}},
		{"unicode channel", &SubscribeFrame{Ident: "ídent", Channel: "каналы"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := Encode(tc.frame)
			require.NoError(t, err)
			assert.Equal(t, uint32(len(buf)), binary.BigEndian.Uint32(buf))
			assert.Equal(t, byte(tc.frame.Opcode()), buf[4])

			decoded, n, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, len(buf), n)
			assert.Equal(t, tc.frame, decoded)
		})
	}
}

func TestDecode_NeedMoreData(t *testing.T) {
	buf, err := Encode(&PublishFrame{Ident: "i", Channel: "c", Payload: []byte("0123456789")})
	require.NoError(t, err)

	for i := 0; i < len(buf); i++ {
		f, n, err := Decode(buf[:i])
		require.NoError(t, err, "prefix of %d bytes", i)
		assert.Nil(t, f)
		assert.Zero(t, n)
	}
}

func TestDecode_ConsumesExactlyOneFrame(t *testing.T) {
	first, err := Encode(&SubscribeFrame{Ident: "i", Channel: "one"})
	require.NoError(t, err)
	second, err := Encode(&SubscribeFrame{Ident: "i", Channel: "two"})
	require.NoError(t, err)
	stream := append(append([]byte{}, first...), second...)

	f, n, err := Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, len(first), n)
	assert.Equal(t, "one", f.(*SubscribeFrame).Channel)

	f, n, err = Decode(stream[n:])
	require.NoError(t, err)
	assert.Equal(t, len(second), n)
	assert.Equal(t, "two", f.(*SubscribeFrame).Channel)
}

func TestDecode_FrameTooLarge(t *testing.T) {
	// Only the prefix is present: the size check must not wait for the body.
	hdr := binary.BigEndian.AppendUint32(nil, 2_000_000)
	_, _, err := Decode(hdr)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.True(t, IsProtocolError(err))

	hdr = binary.BigEndian.AppendUint32(nil, MaxFrameSize+1)
	_, _, err = Decode(hdr)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecode_MaxFrameSizeAccepted(t *testing.T) {
	payload := make([]byte, MaxFrameSize-HeaderSize-2-2)
	buf, err := Encode(&PublishFrame{Ident: "i", Channel: "c", Payload: payload})
	require.NoError(t, err)
	assert.Len(t, buf, MaxFrameSize)

	f, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, MaxFrameSize, n)
	assert.Len(t, f.(*PublishFrame).Payload, len(payload))
}

func TestDecode_Malformed(t *testing.T) {
	testCases := []struct {
		name string
		raw  []byte
	}{
		{"length shorter than header", []byte{0, 0, 0, 4, 2}},
		{"auth ident overruns body", []byte{0, 0, 0, 7, byte(OpAuth), 200, 'A'}},
		{"auth missing ident length", []byte{0, 0, 0, 5, byte(OpAuth)}},
		{"publish channel overruns body", []byte{0, 0, 0, 10, byte(OpPublish), 1, 'i', 5, 'c', 'h'}},
		{"info missing name", []byte{0, 0, 0, 5, byte(OpInfo)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Decode(tc.raw)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.True(t, IsProtocolError(err))
		})
	}
}

func TestDecode_InvalidEncoding(t *testing.T) {
	bad := []byte{0xff, 0xfe}
	testCases := []struct {
		name string
		raw  []byte
	}{
		{"auth ident", frameBytes(OpAuth, []byte{2}, bad, []byte("digest"))},
		{"publish ident", frameBytes(OpPublish, []byte{2}, bad, []byte{1, 'c'}, []byte("x"))},
		{"publish channel", frameBytes(OpPublish, []byte{1, 'i', 2}, bad, []byte("x"))},
		{"subscribe channel", frameBytes(OpSubscribe, []byte{1, 'i', 2}, bad)},
		{"legacy subscribe channel", frameBytes(OpSubscribe, []byte{1, 'i'}, bad, bad)},
		{"error message", frameBytes(OpError, bad)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Decode(tc.raw)
			assert.ErrorIs(t, err, ErrInvalidEncoding)
		})
	}
}

func TestDecode_UnknownOpcode(t *testing.T) {
	_, _, err := Decode([]byte{0, 0, 0, 5, 255})
	assert.ErrorIs(t, err, ErrUnknownOpcode)
	assert.True(t, IsProtocolError(err))
}

func TestDecode_LegacySubscribeLayout(t *testing.T) {
	raw := frameBytes(OpSubscribe, []byte{3}, []byte("bob"), []byte("dionaea.capture"))
	f, n, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, &SubscribeFrame{Ident: "bob", Channel: "dionaea.capture"}, f)

	raw = frameBytes(OpUnsubscribe, []byte{3}, []byte("bob"), []byte("x"))
	f, _, err = Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, &UnsubscribeFrame{Ident: "bob", Channel: "x"}, f)
}

func TestDecode_AliasesInput(t *testing.T) {
	buf, err := Encode(&PublishFrame{Ident: "i", Channel: "c", Payload: []byte("payload")})
	require.NoError(t, err)

	f, _, err := Decode(buf)
	require.NoError(t, err)
	payload := f.(*PublishFrame).Payload
	assert.Same(t, &buf[len(buf)-len(payload)], &payload[0])
}

func TestEncode_Errors(t *testing.T) {
	long := strings.Repeat("a", MaxStringLen+1)

	_, err := Encode(&SubscribeFrame{Ident: long, Channel: "c"})
	assert.ErrorIs(t, err, ErrStringTooLong)

	_, err = Encode(&PublishFrame{Ident: "i", Channel: long})
	assert.ErrorIs(t, err, ErrStringTooLong)

	_, err = Encode(&PublishFrame{Ident: "i", Channel: "c", Payload: make([]byte, MaxFrameSize)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = Encode(&AuthFrame{Ident: string([]byte{0xff}), Digest: nil})
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	_, err = Encode(nil)
	assert.Error(t, err)
}

func TestAppendFrame_KeepsPrefix(t *testing.T) {
	dst := []byte("prefix")
	out, err := AppendFrame(dst, &SubscribeFrame{Ident: "i", Channel: "c"})
	require.NoError(t, err)
	assert.Equal(t, "prefix", string(out[:6]))

	f, _, err := Decode(out[6:])
	require.NoError(t, err)
	assert.Equal(t, &SubscribeFrame{Ident: "i", Channel: "c"}, f)
}

func TestReader_ReadsSequentialFrames(t *testing.T) {
	var stream bytes.Buffer
	frames := []Frame{
		&InfoFrame{Name: "broker", Nonce: []byte("nonce")},
		&PublishFrame{Ident: "i", Channel: "c", Payload: []byte("data")},
		&UnsubscribeFrame{Ident: "i", Channel: "c"},
	}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&stream, f))
	}

	r := NewReader(&stream)
	for _, want := range frames {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_RejectsOversizedBeforeBody(t *testing.T) {
	// The reader must fail after the 4-byte prefix; the body is never supplied.
	src := &countingReader{r: bytes.NewReader(binary.BigEndian.AppendUint32(nil, 2_000_000))}
	r := NewReader(src)
	_, err := r.ReadRaw()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, 4, src.n)
}

func TestReader_SetLimit(t *testing.T) {
	buf, err := Encode(&PublishFrame{Ident: "i", Channel: "c", Payload: make([]byte, 1024)})
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(buf))
	r.SetLimit(MaxAuthFrameSize)
	_, err = r.ReadRaw()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	r = NewReader(bytes.NewReader(buf))
	r.SetLimit(MaxAuthFrameSize)
	r.SetLimit(0)
	raw, err := r.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, buf, raw)
}

func TestReader_TruncatedBody(t *testing.T) {
	buf, err := Encode(&PublishFrame{Ident: "i", Channel: "c", Payload: []byte("data")})
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(buf[:len(buf)-2]))
	_, err = r.ReadRaw()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.False(t, IsProtocolError(err))
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "publish", OpPublish.String())
	assert.Equal(t, "opcode(9)", Opcode(9).String())
}

func frameBytes(op Opcode, parts ...[]byte) []byte {
	var body []byte
	for _, p := range parts {
		body = append(body, p...)
	}
	out := binary.BigEndian.AppendUint32(nil, uint32(HeaderSize+len(body)))
	out = append(out, byte(op))
	return append(out, body...)
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
