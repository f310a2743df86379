// Package borsh implements the subset of the Borsh binary serialization
// format needed to produce byte-identical encodings of NEAR Transaction and
// Action values, and of NEP-413 off-chain message payloads. It is hand
// written because no example repository in this codebase's ecosystem carries
// a Borsh or NEAR SDK dependency; see DESIGN.md for the stdlib justification.
package borsh

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Writer accumulates a Borsh-encoded byte stream.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 256)}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte { return w.buf }

// WriteU8 writes a single byte.
func (w *Writer) WriteU8(v uint8) { w.buf = append(w.buf, v) }

// WriteU32 writes a little-endian u32.
func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteU64 writes a little-endian u64.
func (w *Writer) WriteU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteU128 writes a little-endian u128 parsed from a decimal string, per
// the wire convention of TxSigningRequest numeric fields.
func (w *Writer) WriteU128(decimal string) error {
	n, ok := new(big.Int).SetString(decimal, 10)
	if !ok {
		return fmt.Errorf("invalid u128 decimal string: %q", decimal)
	}
	if n.Sign() < 0 {
		return fmt.Errorf("u128 value must not be negative: %q", decimal)
	}
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	if n.Cmp(max) >= 0 {
		return fmt.Errorf("u128 value out of range: %q", decimal)
	}
	le := n.Bytes() // big-endian
	out := make([]byte, 16)
	for i, b := range le {
		out[len(le)-1-i] = b
	}
	w.buf = append(w.buf, out...)
	return nil
}

// WriteBytes writes a raw fixed-length byte slice with no length prefix.
func (w *Writer) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }

// WriteByteVec writes a length-prefixed (u32) byte vector.
func (w *Writer) WriteByteVec(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteString writes a length-prefixed (u32) UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteByteVec([]byte(s))
}

// WriteOptionString writes Borsh's Option<T> tag (0 absent, 1 present)
// followed by the length-prefixed string if present.
func (w *Writer) WriteOptionString(s *string) {
	if s == nil {
		w.WriteU8(0)
		return
	}
	w.WriteU8(1)
	w.WriteString(*s)
}

// WriteVecLen writes the u32 length prefix for a Vec<T>; callers then
// encode each element themselves.
func (w *Writer) WriteVecLen(n int) { w.WriteU32(uint32(n)) }
