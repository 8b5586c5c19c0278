// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"bytes"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"
)

var (
	testRelayer = common.HexToAddress("0x27aE10273D17Cd7e80de8580A51f476960626e5f")
	testSender  = common.HexToAddress("0x8db97C7cEcE249c2b98bDC0226Cc4C2A57BF52FC")
)

func newTestV1(nonce uint32, body []byte) *MessageV1 {
	return NewMessageV1(nonce, 28516, 1700000000, 1700003600, testRelayer, testSender, uint256.NewInt(1e18), body)
}

func newTestV2(nonce uint32, additional, body []byte) *MessageV2 {
	return NewMessageV2(nonce, 1, 28516, 1700000000, 1700003600, testRelayer, testSender, uint256.NewInt(1e18), additional, body)
}

func TestMessageV1Layout(t *testing.T) {
	require := require.New(t)

	msg := newTestV1(7, []byte{0xde, 0xad})
	b := msg.Bytes()
	require.Len(b, 4+8+8+20+20+32+8+2)

	require.Equal([]byte{0, 0, 0, 7}, b[:4])
	require.Equal(testRelayer.Bytes(), b[20:40])
	require.Equal(testSender.Bytes(), b[40:60])
	value := uint256.NewInt(1e18).Bytes32()
	require.Equal(value[:], b[60:92])
	require.Equal([]byte{0, 0, 0, 0, 0, 0, 0x6f, 0x64}, b[92:100])
	require.Equal([]byte{0xde, 0xad}, b[100:])

	// The identity payload of v1 is the whole encoding.
	require.Equal(common.Hash(crypto.Keccak256Hash(b)), msg.ID())
}

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "v1 empty body", msg: newTestV1(0, nil)},
		{name: "v1 with body", msg: newTestV1(1, []byte("hello"))},
		{name: "v1 max value", msg: NewMessageV1(^uint32(0), ^uint64(0), ^uint64(0), ^uint64(0), testRelayer, testSender, new(uint256.Int).SetAllOne(), bytes.Repeat([]byte{1}, 1024))},
		{name: "v2 empty tails", msg: newTestV2(0, nil, nil)},
		{name: "v2 additional only", msg: newTestV2(3, []byte{1, 2, 3}, nil)},
		{name: "v2 body only", msg: newTestV2(4, nil, []byte("payload"))},
		{name: "v2 both tails", msg: newTestV2(5, []byte{9, 9}, []byte("payload"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			parsed, err := ParseMessage(tt.msg.Version(), tt.msg.Bytes())
			require.NoError(err)
			require.Equal(tt.msg, parsed)
			require.True(Equal(tt.msg, parsed))
			require.Equal(tt.msg.ID(), parsed.ID())
		})
	}
}

func TestMessageIDStability(t *testing.T) {
	require := require.New(t)

	a := newTestV1(11, []byte("body"))
	b := newTestV1(11, []byte("body"))
	require.Equal(a.ID(), a.ID())
	require.Equal(a.ID(), b.ID())
	require.NotEqual(a.ID(), newTestV1(12, []byte("body")).ID())

	// v2 ignores delivery hints when deriving the id.
	v2 := newTestV2(11, []byte{1}, []byte("body"))
	hinted := NewMessageV2(11, 1, 28516, 0, 0, common.Address{}, testSender, uint256.NewInt(1e18), []byte{2, 3}, []byte("body"))
	require.Equal(v2.ID(), hinted.ID())
	require.NotEqual(v2.ID(), newTestV2(11, []byte{1}, []byte("other")).ID())
}

func TestParseTruncated(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		input   []byte
		field   string
	}{
		{name: "v1 short nonce", version: VersionV1, input: []byte{0, 0, 1}, field: "nonce"},
		{name: "v1 short destination", version: VersionV1, input: newTestV1(1, nil).Bytes()[:95], field: "destination"},
		{name: "v2 short origin", version: VersionV2, input: []byte{0, 0, 0, 1, 0, 0}, field: "origin"},
		{name: "v2 short additional", version: VersionV2, input: append(newTestV2(1, nil, nil).Bytes()[:108], 0, 0, 0, 9, 1), field: "additionalParams"},
		{name: "empty", version: VersionV1, input: nil, field: "nonce"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			_, err := ParseMessage(tt.version, tt.input)
			require.ErrorIs(err, ErrTruncatedInput)
			var fieldErr *FieldError
			require.ErrorAs(err, &fieldErr)
			require.Equal(tt.field, fieldErr.Field)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	require := require.New(t)

	_, err := ParseMessage(Version(9), newTestV1(1, nil).Bytes())
	require.ErrorIs(err, ErrUnknownVersion)

	_, err = ParseMessage(VersionV1, make([]byte, MaxMessageSize+1))
	require.ErrorIs(err, ErrInvalidMessage)
}

func TestValidateLayout(t *testing.T) {
	require := require.New(t)

	var a, b []byte
	var n uint32
	require.NoError(ValidateLayout([]Field{Uint32("n", &n), LengthPrefixed("a", &a), TailBytes("b", &b)}))

	err := ValidateLayout([]Field{TailBytes("a", &a), TailBytes("b", &b)})
	require.ErrorIs(err, ErrAmbiguousLayout)

	_, err = EncodeFields([]Field{TailBytes("a", &a), Uint32("n", &n)})
	require.ErrorIs(err, ErrAmbiguousLayout)
}

func TestParseVersion(t *testing.T) {
	require := require.New(t)

	v, err := ParseVersion("v2")
	require.NoError(err)
	require.Equal(VersionV2, v)
	require.Equal("v2", v.String())

	_, err = ParseVersion("v3")
	require.ErrorIs(err, ErrUnknownVersion)
}

func TestOriginOf(t *testing.T) {
	require := require.New(t)

	require.Equal(uint64(42), OriginOf(newTestV1(1, nil), 42))
	require.Equal(uint64(1), OriginOf(newTestV2(1, nil, nil), 42))
}

func TestLoggedMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	lm := LoggedMessage{
		Message: newTestV2(9, []byte{1}, []byte("body")),
		Meta: LogMeta{
			BlockNumber: 1234,
			BlockHash:   common.Hash{0xaa},
			TxHash:      common.Hash{0xbb},
			TxIndex:     3,
			LogIndex:    17,
		},
	}
	parsed, err := ParseLoggedMessage(VersionV2, lm.Bytes())
	require.NoError(err)
	require.Equal(lm.Meta, parsed.Meta)
	require.True(Equal(lm.Message, parsed.Message))

	_, err = ParseLoggedMessage(VersionV2, lm.Bytes()[:40])
	require.ErrorIs(err, ErrTruncatedInput)
}

func TestLogMetaCompare(t *testing.T) {
	require := require.New(t)

	a := LogMeta{BlockNumber: 5, LogIndex: 9}
	b := LogMeta{BlockNumber: 6, LogIndex: 0}
	c := LogMeta{BlockNumber: 6, LogIndex: 1}
	require.Negative(a.Compare(b))
	require.Negative(b.Compare(c))
	require.Positive(c.Compare(a))
	require.Zero(c.Compare(c))
}
