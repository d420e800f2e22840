// Package codec defines the binary encoding shared by every CRDT document:
// variable-length integers, operation records, state vectors, and the
// order-independent merge used for snapshots and historical reconstruction.
//
// An encoded update and an encoded full state have the same shape — a list
// of operations — so merging is a union keyed by operation identity. That
// property is what lets the storage layer reconstruct state at any update
// id without understanding document semantics.
package codec

import (
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a decode runs off the end of its input.
var ErrShortBuffer = errors.New("codec: short buffer")

// maxVarintBytes bounds a 64-bit LEB128 varint.
const maxVarintBytes = 10

// AppendVarUint appends n in unsigned LEB128, the same encoding the
// y-protocols wire format uses.
func AppendVarUint(buf []byte, n uint64) []byte {
	for n >= 0x80 {
		buf = append(buf, byte(n)|0x80)
		n >>= 7
	}
	return append(buf, byte(n))
}

// ReadVarUint decodes one LEB128 varint from buf, returning the value and
// the number of bytes consumed.
func ReadVarUint(buf []byte) (uint64, int, error) {
	var n uint64
	var shift uint
	for i := 0; i < len(buf) && i < maxVarintBytes; i++ {
		b := buf[i]
		n |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return n, i + 1, nil
		}
		shift += 7
	}
	if len(buf) == 0 || len(buf) < maxVarintBytes {
		return 0, 0, ErrShortBuffer
	}
	return 0, 0, fmt.Errorf("codec: varint overflow")
}

// AppendBytes appends a length-prefixed byte slice.
func AppendBytes(buf, b []byte) []byte {
	buf = AppendVarUint(buf, uint64(len(b)))
	return append(buf, b...)
}

// ReadBytes decodes a length-prefixed byte slice, returning the payload
// and total bytes consumed.
func ReadBytes(buf []byte) ([]byte, int, error) {
	n, used, err := ReadVarUint(buf)
	if err != nil {
		return nil, 0, err
	}
	end := used + int(n)
	if end > len(buf) || end < used {
		return nil, 0, ErrShortBuffer
	}
	return buf[used:end], end, nil
}

// AppendString appends a length-prefixed UTF-8 string.
func AppendString(buf []byte, s string) []byte {
	buf = AppendVarUint(buf, uint64(len(s)))
	return append(buf, s...)
}

// ReadString decodes a length-prefixed string.
func ReadString(buf []byte) (string, int, error) {
	b, used, err := ReadBytes(buf)
	if err != nil {
		return "", 0, err
	}
	return string(b), used, nil
}
