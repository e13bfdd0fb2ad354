package wire

import "fmt"

// AckRange acknowledges the inclusive ID interval [Start, End]. A single-ID
// range has Start == End.
type AckRange struct {
	Start uint32
	End   uint32
}

// StreamAck is one (ROLLUP, RANGE*) group within an ACK body.
type StreamAck struct {
	Stream uint8
	Rollup uint32 // cumulative ACK: every ID < Rollup has been delivered
	Ranges []AckRange
}

// rollupTag marks the first byte of a ROLLUP triple (top bit set).
const rollupTag = 0x80

// EncodeAckBody appends the wire encoding of one or more StreamAck groups.
func EncodeAckBody(buf []byte, acks []StreamAck) ([]byte, error) {
	for _, a := range acks {
		var err error
		buf, err = encodeRollup(buf, a.Stream, a.Rollup)
		if err != nil {
			return nil, err
		}
		for _, r := range a.Ranges {
			buf, err = encodeRange(buf, r)
			if err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func encodeRollup(buf []byte, stream uint8, ack uint32) ([]byte, error) {
	if stream > 0x3 {
		return nil, fmt.Errorf("wire: stream %d out of range", stream)
	}
	if ack > 1<<21-1 {
		return nil, fmt.Errorf("wire: rollup %d exceeds 21-bit range", ack)
	}
	b0 := byte(rollupTag) | (stream&0x3)<<5 | byte((ack>>16)&0x1F)
	b1 := byte((ack >> 8) & 0xFF)
	b2 := byte(ack & 0xFF)
	return append(buf, b0, b1, b2), nil
}

// encodeRange writes a RANGE start (E, IDA(5), C [,IDB(7),C [,IDC(8)]]),
// followed, when E=1, by the END delta encoded as (IDA(7),C [,IDB(7),C
// [,IDC(8)]]) relative to Start.
func encodeRange(buf []byte, r AckRange) ([]byte, error) {
	if r.Start > MaxAckID || r.End > MaxAckID || r.End < r.Start {
		return nil, fmt.Errorf("wire: invalid range [%d,%d]", r.Start, r.End)
	}
	e := r.End != r.Start

	ida := byte(r.Start & 0x1F)
	idb := byte((r.Start >> 5) & 0x7F)
	idc := byte((r.Start >> 12) & 0xFF)
	needsTwo := r.Start >= 32
	needsThree := r.Start >= 1<<12

	var eb byte
	if e {
		eb = 1 << 6
	}
	b0 := eb | ida<<1
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
	} else {
		buf = append(buf, b0)
	}

	if !e {
		return buf, nil
	}

	delta := r.End - r.Start
	da := byte(delta & 0x7F)
	db := byte((delta >> 7) & 0x7F)
	dc := byte((delta >> 14) & 0xFF)
	dNeedsTwo := delta >= 1<<7
	dNeedsThree := delta >= 1<<14

	d0 := da << 1
	if dNeedsTwo {
		d0 |= 1
		buf = append(buf, d0)
		d1 := db << 1
		if dNeedsThree {
			d1 |= 1
			buf = append(buf, d1, dc)
		} else {
			buf = append(buf, d1)
		}
	} else {
		buf = append(buf, d0)
	}
	return buf, nil
}

// DecodeAckBody parses every StreamAck group from buf until it is
// exhausted.
func DecodeAckBody(buf []byte) ([]StreamAck, error) {
	var out []StreamAck
	for len(buf) > 0 {
		if buf[0]&rollupTag == 0 {
			return nil, fmt.Errorf("wire: expected ROLLUP tag, got %#x", buf[0])
		}
		if len(buf) < 3 {
			return nil, fmt.Errorf("wire: short buffer for rollup")
		}
		stream := (buf[0] >> 5) & 0x3
		rollup := uint32(buf[0]&0x1F)<<16 | uint32(buf[1])<<8 | uint32(buf[2])
		buf = buf[3:]

		a := StreamAck{Stream: stream, Rollup: rollup}
		for len(buf) > 0 && buf[0]&rollupTag == 0 {
			r, n, err := decodeRange(buf)
			if err != nil {
				return nil, err
			}
			a.Ranges = append(a.Ranges, r)
			buf = buf[n:]
		}
		out = append(out, a)
	}
	return out, nil
}

func decodeRange(buf []byte) (AckRange, int, error) {
	if len(buf) < 1 {
		return AckRange{}, 0, fmt.Errorf("wire: short buffer for range")
	}
	b0 := buf[0]
	e := (b0>>6)&0x1 == 1
	ida := uint32((b0 >> 1) & 0x1F)
	c0 := b0 & 0x1
	n := 1
	var start uint32 = ida
	if c0 == 1 {
		if len(buf) < 2 {
			return AckRange{}, 0, fmt.Errorf("wire: short buffer for range start")
		}
		b1 := buf[1]
		idb := uint32((b1 >> 1) & 0x7F)
		c1 := b1 & 0x1
		n = 2
		start = ida | idb<<5
		if c1 == 1 {
			if len(buf) < 3 {
				return AckRange{}, 0, fmt.Errorf("wire: short buffer for range start")
			}
			idc := uint32(buf[2])
			start = ida | idb<<5 | idc<<12
			n = 3
		}
	}

	if !e {
		return AckRange{Start: start, End: start}, n, nil
	}

	rest := buf[n:]
	if len(rest) < 1 {
		return AckRange{}, 0, fmt.Errorf("wire: short buffer for range end")
	}
	d0 := rest[0]
	da := uint32((d0 >> 1) & 0x7F)
	dc0 := d0 & 0x1
	m := 1
	var delta uint32 = da
	if dc0 == 1 {
		if len(rest) < 2 {
			return AckRange{}, 0, fmt.Errorf("wire: short buffer for range end")
		}
		d1 := rest[1]
		db := uint32((d1 >> 1) & 0x7F)
		dc1 := d1 & 0x1
		m = 2
		delta = da | db<<7
		if dc1 == 1 {
			if len(rest) < 3 {
				return AckRange{}, 0, fmt.Errorf("wire: short buffer for range end")
			}
			dd := uint32(rest[2])
			delta = da | db<<7 | dd<<14
			m = 3
		}
	}
	return AckRange{Start: start, End: start + delta}, n + m, nil
}
