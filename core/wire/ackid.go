package wire

import "fmt"

// MaxAckID is the largest value representable by the 20-bit ACK-ID space.
const MaxAckID = 1<<20 - 1

// AckID is a decoded ACK-ID field: the 2-bit stream number plus the 20-bit
// incremental identifier.
type AckID struct {
	Stream uint8
	ID     uint32
}

// EncodeAckIDShort appends the shortest encoding (1, 2, or 3 bytes) of the
// given stream/ID pair that round-trips through DecodeAckID.
func EncodeAckIDShort(buf []byte, stream uint8, id uint32) ([]byte, error) {
	return encodeAckID(buf, stream, id, false)
}

// EncodeAckIDFull always emits the full 3-byte encoding, as required when
// retransmitting a previously-sent block.
func EncodeAckIDFull(buf []byte, stream uint8, id uint32) ([]byte, error) {
	return encodeAckID(buf, stream, id, true)
}

func encodeAckID(buf []byte, stream uint8, id uint32, forceFull bool) ([]byte, error) {
	if stream > 0x3 {
		return nil, fmt.Errorf("wire: stream %d out of range", stream)
	}
	if id > MaxAckID {
		return nil, fmt.Errorf("wire: ack-id %d exceeds 20-bit range", id)
	}
	ida := byte(id & 0x1F)
	idb := byte((id >> 5) & 0x7F)
	idc := byte((id >> 12) & 0xFF)

	needsTwo := forceFull || id >= 32
	needsThree := forceFull || id >= 1<<12

	b0 := (stream&0x3)<<6 | ida<<1
	if needsTwo {
		b0 |= 1
		buf = append(buf, b0)
		b1 := idb << 1
		if needsThree {
			b1 |= 1
			buf = append(buf, b1, idc)
		} else {
			buf = append(buf, b1)
		}
		return buf, nil
	}
	buf = append(buf, b0)
	return buf, nil
}

// DecodeAckID parses an explicit ACK-ID field at the start of buf, returning
// the decoded value and the number of bytes consumed.
func DecodeAckID(buf []byte) (AckID, int, error) {
	if len(buf) < 1 {
		return AckID{}, 0, fmt.Errorf("wire: short buffer for ack-id")
	}
	b0 := buf[0]
	stream := (b0 >> 6) & 0x3
	ida := uint32((b0 >> 1) & 0x1F)
	c0 := b0 & 0x1

	if c0 == 0 {
		return AckID{Stream: stream, ID: ida}, 1, nil
	}
	if len(buf) < 2 {
		return AckID{}, 0, fmt.Errorf("wire: short buffer for 2-byte ack-id")
	}
	b1 := buf[1]
	idb := uint32((b1 >> 1) & 0x7F)
	c1 := b1 & 0x1
	if c1 == 0 {
		return AckID{Stream: stream, ID: ida | idb<<5}, 2, nil
	}
	if len(buf) < 3 {
		return AckID{}, 0, fmt.Errorf("wire: short buffer for 3-byte ack-id")
	}
	idc := uint32(buf[2])
	return AckID{Stream: stream, ID: ida | idb<<5 | idc<<12}, 3, nil
}
