// Package wire implements the big-endian, length-prefixed encoding used for
// every structure that crosses the TPM 1.2 wire or lands in persistent NV:
// fixed-width integers, sized byte buffers, fixed-size nonces/digests, and
// bitmaps, as named primitive operations rather than ad hoc per-field
// marshalling.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrUnderflow is returned when a Reader is asked to consume more bytes than
// remain in its buffer.
var ErrUnderflow = errors.New("wire: buffer underflow")

// ErrBadBool is returned when load_bool encounters a byte other than 0x00 or
// 0x01.
var ErrBadBool = errors.New("wire: invalid boolean encoding")

// ErrTagMismatch is returned by load_tag on a structure-tag mismatch.
var ErrTagMismatch = errors.New("wire: structure tag mismatch")

// Reader is a cursor over a byte buffer that shrinks in lockstep with every
// load, per §4.1.
type Reader struct {
	buf []byte
}

// NewReader wraps b for sequential decoding. b is not copied; callers must
// not mutate it while decoding is in progress.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len reports the number of unconsumed bytes.
func (r *Reader) Len() int { return len(r.buf) }

// Remaining returns the unconsumed tail without advancing the cursor.
func (r *Reader) Remaining() []byte { return r.buf }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || n > len(r.buf) {
		return nil, errors.Wrapf(ErrUnderflow, "need %d bytes, have %d", n, len(r.buf))
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

// LoadU8 reads one byte.
func (r *Reader) LoadU8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// LoadU16 reads a big-endian u16.
func (r *Reader) LoadU16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// LoadU32 reads a big-endian u32.
func (r *Reader) LoadU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// LoadU64 reads a big-endian u64 (used for the SHA-1 total-bit counter in
// §4.9 context persistence).
func (r *Reader) LoadU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// LoadBool reads a single-byte boolean; only 0x00/0x01 are valid.
func (r *Reader) LoadBool() (bool, error) {
	b, err := r.LoadU8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, errors.Wrapf(ErrBadBool, "got 0x%02x", b)
	}
}

// LoadBytes reads exactly n raw bytes.
func (r *Reader) LoadBytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// LoadFixed reads exactly len(dst) bytes into dst.
func (r *Reader) LoadFixed(dst []byte) error {
	b, err := r.take(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// LoadSized reads a u32 length prefix followed by that many bytes.
func (r *Reader) LoadSized() ([]byte, error) {
	n, err := r.LoadU32()
	if err != nil {
		return nil, err
	}
	return r.LoadBytes(int(n))
}

// LoadTag reads a u16 tag and fails unless it equals want.
func (r *Reader) LoadTag(want uint16) error {
	got, err := r.LoadU16()
	if err != nil {
		return err
	}
	if got != want {
		return errors.Wrapf(ErrTagMismatch, "want 0x%04x, got 0x%04x", want, got)
	}
	return nil
}

// BitPosition names one bit of a u32 bitmap decoded by LoadBitmap/StoreBitmap.
type BitPosition struct {
	Name string
	Pos  uint
}

// LoadBitmap decodes a u32 bitmap into a map keyed by each position's Name.
// A position >= 32 is a programming error (fatal, per §4.1), not a wire
// error: it indicates a bad positional table, not bad input.
func (r *Reader) LoadBitmap(positions []BitPosition) (map[string]bool, error) {
	v, err := r.LoadU32()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Pos >= 32 {
			panic("wire: bitmap position >= 32: " + p.Name)
		}
		out[p.Name] = v&(1<<p.Pos) != 0
	}
	return out, nil
}

// Writer accumulates encoded output. It is the store_* counterpart of
// Reader.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated output.
func (w *Writer) Bytes() []byte { return w.buf }

// Len reports the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// StoreU8 appends one byte.
func (w *Writer) StoreU8(v uint8) { w.buf = append(w.buf, v) }

// StoreU16 appends a big-endian u16.
func (w *Writer) StoreU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// StoreU32 appends a big-endian u32.
func (w *Writer) StoreU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// StoreU64 appends a big-endian u64.
func (w *Writer) StoreU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// StoreBool appends a single 0x00/0x01 byte.
func (w *Writer) StoreBool(v bool) {
	if v {
		w.StoreU8(0x01)
	} else {
		w.StoreU8(0x00)
	}
}

// StoreBytes appends raw bytes with no length prefix.
func (w *Writer) StoreBytes(b []byte) { w.buf = append(w.buf, b...) }

// StoreSized appends a u32 length prefix followed by b.
func (w *Writer) StoreSized(b []byte) {
	w.StoreU32(uint32(len(b)))
	w.StoreBytes(b)
}

// StoreTag appends a u16 structure tag.
func (w *Writer) StoreTag(tag uint16) { w.StoreU16(tag) }

// StoreBitmap encodes positions (true entries only) into a u32 bitmap.
func (w *Writer) StoreBitmap(set map[string]bool, positions []BitPosition) {
	var v uint32
	for _, p := range positions {
		if p.Pos >= 32 {
			panic("wire: bitmap position >= 32: " + p.Name)
		}
		if set[p.Name] {
			v |= 1 << p.Pos
		}
	}
	w.StoreU32(v)
}
