package wire

import (
	"encoding/binary"
	"errors"
)

// FragHeaderLen is the size of the total-message-length prefix that begins
// the first fragment's data.
const FragHeaderLen = 2

var errShortFragHeader = errors.New("wire: short buffer for fragment header")

// EncodeFragHeader appends the little-endian total message length to buf.
func EncodeFragHeader(buf []byte, totalLen uint16) []byte {
	return append(buf, byte(totalLen), byte(totalLen>>8))
}

// DecodeFragHeader reads the total message length from the start of buf.
func DecodeFragHeader(buf []byte) (uint16, error) {
	if len(buf) < FragHeaderLen {
		return 0, errShortFragHeader
	}
	return binary.LittleEndian.Uint16(buf[:FragHeaderLen]), nil
}
