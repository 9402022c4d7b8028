package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// xdrWriter writes XDR primitives (big-endian, 4-byte aligned) and keeps the
// first error so encoders can be written straight-line.
type xdrWriter struct {
	buf *bytes.Buffer
	enc *bin.Encoder
	err error
}

func newXDRWriter() *xdrWriter {
	buf := new(bytes.Buffer)
	return &xdrWriter{buf: buf, enc: bin.NewBinEncoder(buf)}
}

func (w *xdrWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *xdrWriter) u32(v uint32) {
	if w.err == nil {
		w.err = w.enc.WriteUint32(v, binary.BigEndian)
	}
}

func (w *xdrWriter) i32(v int32) {
	if w.err == nil {
		w.err = w.enc.WriteInt32(v, binary.BigEndian)
	}
}

func (w *xdrWriter) u64(v uint64) {
	if w.err == nil {
		w.err = w.enc.WriteUint64(v, binary.BigEndian)
	}
}

func (w *xdrWriter) i64(v int64) {
	if w.err == nil {
		w.err = w.enc.WriteInt64(v, binary.BigEndian)
	}
}

func (w *xdrWriter) boolean(v bool) {
	if v {
		w.u32(1)
	} else {
		w.u32(0)
	}
}

// fixed writes fixed-length opaque data.
func (w *xdrWriter) fixed(b []byte) {
	if w.err == nil {
		w.err = w.enc.WriteBytes(b, false)
	}
	w.pad(len(b))
}

// opaque writes variable-length opaque data with a maximum size.
func (w *xdrWriter) opaque(b []byte, max int) {
	if len(b) > max {
		w.fail(fmt.Errorf("xdr: opaque length %d exceeds %d", len(b), max))
		return
	}
	w.u32(uint32(len(b)))
	w.fixed(b)
}

func (w *xdrWriter) pad(n int) {
	if rem := n % 4; rem != 0 && w.err == nil {
		w.err = w.enc.WriteBytes(make([]byte, 4-rem), false)
	}
}

func (w *xdrWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

type xdrReader struct {
	dec *bin.Decoder
	err error
}

func newXDRReader(data []byte) *xdrReader {
	return &xdrReader{dec: bin.NewBinDecoder(data)}
}

func (r *xdrReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *xdrReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint32(binary.BigEndian)
	r.fail(err)
	return v
}

func (r *xdrReader) i32() int32 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadInt32(binary.BigEndian)
	r.fail(err)
	return v
}

func (r *xdrReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadUint64(binary.BigEndian)
	r.fail(err)
	return v
}

func (r *xdrReader) i64() int64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.ReadInt64(binary.BigEndian)
	r.fail(err)
	return v
}

func (r *xdrReader) boolean() bool {
	switch v := r.u32(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(fmt.Errorf("xdr: invalid bool %d", v))
		return false
	}
}

func (r *xdrReader) fixed(n int) []byte {
	if r.err != nil {
		return nil
	}
	b, err := r.dec.ReadNBytes(n)
	if err != nil {
		r.fail(err)
		return nil
	}
	if rem := n % 4; rem != 0 {
		padding, err := r.dec.ReadNBytes(4 - rem)
		if err != nil {
			r.fail(err)
			return nil
		}
		for _, p := range padding {
			if p != 0 {
				r.fail(fmt.Errorf("xdr: non-zero padding"))
				return nil
			}
		}
	}
	return bytes.Clone(b)
}

func (r *xdrReader) opaque(max int) []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if int(n) > max || int(n) > r.dec.Remaining() {
		r.fail(fmt.Errorf("xdr: opaque length %d exceeds limit", n))
		return nil
	}
	return r.fixed(int(n))
}

func (r *xdrReader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.dec.Remaining() != 0 {
		return fmt.Errorf("xdr: %d trailing bytes", r.dec.Remaining())
	}
	return nil
}
