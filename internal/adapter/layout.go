package adapter

import (
	"encoding/binary"
	"fmt"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// reader walks a little-endian account layout. The first failed read sticks
// in err and every later read returns zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }
func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) pubkey() domain.PublicKey {
	var pk domain.PublicKey
	if b := r.take(domain.PublicKeyLen); b != nil {
		copy(pk[:], b)
	}
	return pk
}

// optionI64 reads a one-byte tag followed by an i64 that is always present
// on disk, so the layout stays fixed-size.
func (r *reader) optionI64() *int64 {
	tag := r.u8()
	v := r.i64()
	if r.err != nil {
		return nil
	}
	switch tag {
	case 0:
		return nil
	case 1:
		return &v
	default:
		r.err = fmt.Errorf("invalid option tag %d at offset %d", tag, r.off-9)
		return nil
	}
}

func (r *reader) discriminator(want [8]byte) {
	b := r.take(8)
	if b == nil {
		return
	}
	if [8]byte(b) != want {
		r.err = fmt.Errorf("discriminator %x, want %x", b, want)
	}
}

// writer is the inverse of reader.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)     { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)   { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)   { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)   { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i32(v int32)    { w.u32(uint32(v)) }
func (w *writer) i64(v int64)    { w.u64(uint64(v)) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) optionI64(v *int64) {
	if v == nil {
		w.u8(0)
		w.i64(0)
		return
	}
	w.u8(1)
	w.i64(*v)
}

func decodeErr(p domain.Protocol, err error) error {
	return fmt.Errorf("adapter: %s: %w: %v", p, domain.ErrDecode, err)
}
