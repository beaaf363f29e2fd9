package core

// Module A: serialize primitives.
//
// Every payload in §4.B is a fixed schedule of these helpers concatenated
// in field-declaration order. unserialize_generic enforces that a
// schedule consumes the buffer exactly; unserialize_list reads a varint
// count then that many items.

import "encoding/binary"

// cursor walks a byte buffer left to right, failing closed on any
// out-of-bounds read with Truncated.
type cursor struct {
	data []byte
	pos  int
}

func newCursor(data []byte) *cursor {
	return &cursor{data: data}
}

func (c *cursor) remaining() int { return len(c.data) - c.pos }

// readVarint reads a Go-style protobuf/LEB128 unsigned varint.
func (c *cursor) readVarint() (uint64, error) {
	v, n := binary.Uvarint(c.data[c.pos:])
	if n <= 0 {
		return 0, &Truncated{Want: 1, Have: c.remaining()}
	}
	c.pos += n
	return v, nil
}

// readFixed reads exactly n bytes at the cursor.
func (c *cursor) readFixed(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, &Truncated{Want: n, Have: c.remaining()}
	}
	out := make([]byte, n)
	copy(out, c.data[c.pos:c.pos+n])
	c.pos += n
	return out, nil
}

// readLengthPrefixed reads a varint length followed by that many bytes.
func (c *cursor) readLengthPrefixed() ([]byte, error) {
	n, err := c.readVarint()
	if err != nil {
		return nil, err
	}
	return c.readFixed(int(n))
}

// writeVarint appends v as a varint.
func writeVarint(buf []byte, v uint64) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	return append(buf, tmp[:n]...)
}

// writeFixed appends b verbatim; callers are responsible for padding/
// truncating to the field's declared fixed width.
func writeFixed(buf []byte, b []byte) []byte {
	return append(buf, b...)
}

// writeLengthPrefixed appends a varint length then b.
func writeLengthPrefixed(buf []byte, b []byte) []byte {
	buf = writeVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// fieldReader is one step of a fixed schedule run by unserializeGeneric.
type fieldReader func(c *cursor) error

// unserializeGeneric runs a fixed schedule of readers over data and
// requires the cursor to land exactly on len(data); otherwise it fails
// with TrailingGarbage.
func unserializeGeneric(data []byte, readers []fieldReader) error {
	c := newCursor(data)
	for _, r := range readers {
		if err := r(c); err != nil {
			return err
		}
	}
	if c.pos != len(data) {
		return &TrailingGarbage{Consumed: c.pos, Total: len(data)}
	}
	return nil
}

// unserializeList reads a varint length n, then invokes readOne n times,
// collecting results via the closure passed by the caller.
func unserializeList(c *cursor, readOne func(c *cursor) error) error {
	n, err := c.readVarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		if err := readOne(c); err != nil {
			return err
		}
	}
	return nil
}

// writeList appends a varint count then the concatenation of
// writeItem(i) for i in 0..len(items).
func writeList[T any](buf []byte, items []T, writeItem func(buf []byte, item T) []byte) []byte {
	buf = writeVarint(buf, uint64(len(items)))
	for _, item := range items {
		buf = writeItem(buf, item)
	}
	return buf
}
