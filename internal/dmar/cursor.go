package dmar

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
)

// cursor walks a chain of {type, length, payload} records. It never trusts a
// length field beyond the bytes that remain in buf.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

// next returns the record at the cursor and advances past it. The returned
// slice includes the 4-byte record header.
func (c *cursor) next() (RecordType, []byte, error) {
	left := c.remaining()
	if left < recordHdrSize {
		return 0, nil, fmt.Errorf("dmar: %d trailing bytes at offset %d: %w",
			left, c.off+tableFixedSize, fwerr.ErrInvalidConfiguration)
	}
	typ := RecordType(binary.LittleEndian.Uint16(c.buf[c.off:]))
	n := int(binary.LittleEndian.Uint16(c.buf[c.off+2:]))
	if n < recordHdrSize || n > left {
		return 0, nil, fmt.Errorf("dmar: %s at offset %d has length %d, %d bytes remain: %w",
			typ, c.off+tableFixedSize, n, left, fwerr.ErrInvalidConfiguration)
	}
	rec := c.buf[c.off : c.off+n]
	c.off += n
	return typ, rec, nil
}
