package chain

import (
	"errors"
	"fmt"
)

// encodeShortVecLength writes the compact-u16 length prefix used by the wire format.
func encodeShortVecLength(n int) ([]byte, error) {
	if n < 0 || n > 0xffff {
		return nil, fmt.Errorf("shortvec length %d out of range", n)
	}
	var out []byte
	rem := uint16(n)
	for {
		elem := byte(rem & 0x7f)
		rem >>= 7
		if rem == 0 {
			out = append(out, elem)
			return out, nil
		}
		out = append(out, elem|0x80)
	}
}

var errShortVecTruncated = errors.New("shortvec: truncated input")

// decodeShortVecLength reads a compact-u16 length and returns it with the
// number of bytes consumed.
func decodeShortVecLength(b []byte) (int, int, error) {
	var n, size int
	for {
		if size >= len(b) {
			return 0, 0, errShortVecTruncated
		}
		if size >= 3 {
			return 0, 0, errors.New("shortvec: length too long")
		}
		elem := int(b[size])
		n |= (elem & 0x7f) << (size * 7)
		size++
		if elem&0x80 == 0 {
			return n, size, nil
		}
	}
}
