// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// VariableWidth is reported by fields whose encoded size depends on their value.
const VariableWidth = -1

// Field is one component of a wire record. Integers are big-endian, addresses
// and words are raw fixed-width bytes. Records are composed by listing their
// fields in wire order.
type Field interface {
	// Name is used to annotate decode errors.
	Name() string

	// Width is the encoded size in bytes, or VariableWidth.
	Width() int

	// Tail reports whether the field consumes all remaining input.
	Tail() bool

	encode(buf *bytes.Buffer)
	decode(r *reader) error
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) next(name string, n int) ([]byte, error) {
	if len(r.b)-r.off < n {
		return nil, &FieldError{
			Field: name,
			Err: fmt.Errorf("%w: need %d bytes, have %d",
				ErrTruncatedInput, n, len(r.b)-r.off),
		}
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) rest() []byte {
	out := r.b[r.off:]
	r.off = len(r.b)
	return out
}

// EncodeFields writes [fields] in order. The layout must contain at most one
// tail field, placed last.
func EncodeFields(fields []Field) ([]byte, error) {
	if err := ValidateLayout(fields); err != nil {
		return nil, err
	}
	size := 0
	for _, f := range fields {
		if w := f.Width(); w > 0 {
			size += w
		}
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	for _, f := range fields {
		f.encode(buf)
	}
	return buf.Bytes(), nil
}

// DecodeFields reads [fields] in order from b. Fixed-width and length
// prefixed fields fail with ErrTruncatedInput on underflow. Any bytes left
// after the last field are an error unless that field is a tail.
func DecodeFields(b []byte, fields []Field) error {
	if err := ValidateLayout(fields); err != nil {
		return err
	}
	r := &reader{b: b}
	for _, f := range fields {
		if err := f.decode(r); err != nil {
			return err
		}
	}
	if r.off != len(b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidMessage, len(b)-r.off)
	}
	return nil
}

// ValidateLayout rejects layouts whose variable-length boundaries cannot be
// recovered from the encoding alone.
func ValidateLayout(fields []Field) error {
	for i, f := range fields {
		if f.Tail() && i != len(fields)-1 {
			return fmt.Errorf("%w: tail field %q is not last", ErrAmbiguousLayout, f.Name())
		}
	}
	return nil
}

type uint32Field struct {
	name string
	v    *uint32
}

// Uint32 is a 4 byte big-endian field.
func Uint32(name string, v *uint32) Field { return &uint32Field{name: name, v: v} }

func (f *uint32Field) Name() string { return f.name }
func (*uint32Field) Width() int     { return 4 }
func (*uint32Field) Tail() bool     { return false }

func (f *uint32Field) encode(buf *bytes.Buffer) {
	buf.Write(binary.BigEndian.AppendUint32(nil, *f.v))
}

func (f *uint32Field) decode(r *reader) error {
	b, err := r.next(f.name, 4)
	if err != nil {
		return err
	}
	*f.v = binary.BigEndian.Uint32(b)
	return nil
}

type uint64Field struct {
	name string
	v    *uint64
}

// Uint64 is an 8 byte big-endian field.
func Uint64(name string, v *uint64) Field { return &uint64Field{name: name, v: v} }

func (f *uint64Field) Name() string { return f.name }
func (*uint64Field) Width() int     { return 8 }
func (*uint64Field) Tail() bool     { return false }

func (f *uint64Field) encode(buf *bytes.Buffer) {
	buf.Write(binary.BigEndian.AppendUint64(nil, *f.v))
}

func (f *uint64Field) decode(r *reader) error {
	b, err := r.next(f.name, 8)
	if err != nil {
		return err
	}
	*f.v = binary.BigEndian.Uint64(b)
	return nil
}

type addressField struct {
	name string
	v    *common.Address
}

// Address is a raw 20 byte field.
func Address(name string, v *common.Address) Field { return &addressField{name: name, v: v} }

func (f *addressField) Name() string { return f.name }
func (*addressField) Width() int     { return common.AddressLength }
func (*addressField) Tail() bool     { return false }

func (f *addressField) encode(buf *bytes.Buffer) { buf.Write(f.v[:]) }

func (f *addressField) decode(r *reader) error {
	b, err := r.next(f.name, common.AddressLength)
	if err != nil {
		return err
	}
	copy(f.v[:], b)
	return nil
}

type uint256Field struct {
	name string
	v    *uint256.Int
}

// Uint256 is a 32 byte big-endian word. v must not be nil.
func Uint256(name string, v *uint256.Int) Field { return &uint256Field{name: name, v: v} }

func (f *uint256Field) Name() string { return f.name }
func (*uint256Field) Width() int     { return 32 }
func (*uint256Field) Tail() bool     { return false }

func (f *uint256Field) encode(buf *bytes.Buffer) {
	word := f.v.Bytes32()
	buf.Write(word[:])
}

func (f *uint256Field) decode(r *reader) error {
	b, err := r.next(f.name, 32)
	if err != nil {
		return err
	}
	f.v.SetBytes32(b)
	return nil
}

type hashField struct {
	name string
	v    *common.Hash
}

// Hash is a raw 32 byte field.
func Hash(name string, v *common.Hash) Field { return &hashField{name: name, v: v} }

func (f *hashField) Name() string { return f.name }
func (*hashField) Width() int     { return common.HashLength }
func (*hashField) Tail() bool     { return false }

func (f *hashField) encode(buf *bytes.Buffer) { buf.Write(f.v[:]) }

func (f *hashField) decode(r *reader) error {
	b, err := r.next(f.name, common.HashLength)
	if err != nil {
		return err
	}
	copy(f.v[:], b)
	return nil
}

type lengthPrefixedField struct {
	name string
	v    *[]byte
}

// LengthPrefixed is a 4 byte big-endian length followed by that many bytes.
func LengthPrefixed(name string, v *[]byte) Field { return &lengthPrefixedField{name: name, v: v} }

func (f *lengthPrefixedField) Name() string { return f.name }
func (*lengthPrefixedField) Width() int     { return VariableWidth }
func (*lengthPrefixedField) Tail() bool     { return false }

func (f *lengthPrefixedField) encode(buf *bytes.Buffer) {
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(*f.v))))
	buf.Write(*f.v)
}

func (f *lengthPrefixedField) decode(r *reader) error {
	lb, err := r.next(f.name+".length", 4)
	if err != nil {
		return err
	}
	b, err := r.next(f.name, int(binary.BigEndian.Uint32(lb)))
	if err != nil {
		return err
	}
	*f.v = cloneBytes(b)
	return nil
}

type tailField struct {
	name string
	v    *[]byte
}

// TailBytes takes every remaining byte. It carries no length, so a record may
// hold at most one and it must be the last field.
func TailBytes(name string, v *[]byte) Field { return &tailField{name: name, v: v} }

func (f *tailField) Name() string { return f.name }
func (*tailField) Width() int     { return VariableWidth }
func (*tailField) Tail() bool     { return true }

func (f *tailField) encode(buf *bytes.Buffer) { buf.Write(*f.v) }

func (f *tailField) decode(r *reader) error {
	*f.v = cloneBytes(r.rest())
	return nil
}

// cloneBytes copies b, normalising empty input to nil.
func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return bytes.Clone(b)
}
