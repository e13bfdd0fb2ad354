package handshake

import (
	"encoding/binary"
	"fmt"
)

// Magic is the protocol identifier carried in HELLO and CHALLENGE.
const Magic uint32 = 0xC47D0001

// Opcode is the 1-byte handshake message tag.
type Opcode uint8

const (
	OpHello Opcode = iota
	OpCookie
	OpChallenge
	OpAnswer
	OpError
)

// ErrorReason is the 1-byte payload of an ERROR message.
type ErrorReason uint8

const (
	ReasonWrongKey       ErrorReason = 0x7f
	ReasonServerFull     ErrorReason = 0xa6
	ReasonFloodDetected  ErrorReason = 0x40
	ReasonTampering      ErrorReason = 0xcc
	ReasonServerError    ErrorReason = 0x1f
	ReasonShuttingDown   ErrorReason = 0x10
)

// Field widths for HELLO/CHALLENGE/ANSWER are pinned to fixed byte counts
// rather than derived from key sizes, so the wire layout below spells them
// out as named constants instead of computing them from the crypto
// primitives in use.
const (
	helloKeyLen     = 64
	challengeLen    = 64
	answerLen       = 128
	cookieLen       = 4
	dataPortLen     = 2
)

// Hello is the client's opening message: HELLO = magic(4) ‖
// expected_server_pubkey(64).
type Hello struct {
	ExpectedServerPubkey [helloKeyLen]byte
}

func (h Hello) Marshal() []byte {
	buf := make([]byte, 1+4+helloKeyLen)
	buf[0] = byte(OpHello)
	binary.LittleEndian.PutUint32(buf[1:5], Magic)
	copy(buf[5:], h.ExpectedServerPubkey[:])
	return buf
}

func UnmarshalHello(buf []byte) (Hello, error) {
	if len(buf) != 1+4+helloKeyLen || Opcode(buf[0]) != OpHello {
		return Hello{}, fmt.Errorf("handshake: malformed HELLO")
	}
	if binary.LittleEndian.Uint32(buf[1:5]) != Magic {
		return Hello{}, errBadMagic
	}
	var h Hello
	copy(h.ExpectedServerPubkey[:], buf[5:])
	return h, nil
}

// Cookie is the server's reply to HELLO: COOKIE = cookie(4).
type Cookie struct {
	Value uint32
}

func (c Cookie) Marshal() []byte {
	buf := make([]byte, 1+cookieLen)
	buf[0] = byte(OpCookie)
	binary.LittleEndian.PutUint32(buf[1:], c.Value)
	return buf
}

func UnmarshalCookie(buf []byte) (Cookie, error) {
	if len(buf) != 1+cookieLen || Opcode(buf[0]) != OpCookie {
		return Cookie{}, fmt.Errorf("handshake: malformed COOKIE")
	}
	return Cookie{Value: binary.LittleEndian.Uint32(buf[1:])}, nil
}

// Challenge is the client's proof-of-reachability reply: CHALLENGE =
// magic(4) ‖ cookie(4) ‖ challenge(64).
type Challenge struct {
	Cookie    uint32
	Challenge [challengeLen]byte
}

func (c Challenge) Marshal() []byte {
	buf := make([]byte, 1+4+cookieLen+challengeLen)
	buf[0] = byte(OpChallenge)
	binary.LittleEndian.PutUint32(buf[1:5], Magic)
	binary.LittleEndian.PutUint32(buf[5:9], c.Cookie)
	copy(buf[9:], c.Challenge[:])
	return buf
}

func UnmarshalChallenge(buf []byte) (Challenge, error) {
	if len(buf) != 1+4+cookieLen+challengeLen || Opcode(buf[0]) != OpChallenge {
		return Challenge{}, fmt.Errorf("handshake: malformed CHALLENGE")
	}
	if binary.LittleEndian.Uint32(buf[1:5]) != Magic {
		return Challenge{}, errBadMagic
	}
	var c Challenge
	c.Cookie = binary.LittleEndian.Uint32(buf[5:9])
	copy(c.Challenge[:], buf[9:])
	return c, nil
}

// Answer is the server's admission reply: ANSWER = data_port(2) ‖
// answer(128).
type Answer struct {
	DataPort uint16
	Answer   [answerLen]byte
}

func (a Answer) Marshal() []byte {
	buf := make([]byte, 1+dataPortLen+answerLen)
	buf[0] = byte(OpAnswer)
	binary.LittleEndian.PutUint16(buf[1:3], a.DataPort)
	copy(buf[3:], a.Answer[:])
	return buf
}

func UnmarshalAnswer(buf []byte) (Answer, error) {
	if len(buf) != 1+dataPortLen+answerLen || Opcode(buf[0]) != OpAnswer {
		return Answer{}, fmt.Errorf("handshake: malformed ANSWER")
	}
	var a Answer
	a.DataPort = binary.LittleEndian.Uint16(buf[1:3])
	copy(a.Answer[:], buf[3:])
	return a, nil
}

// ErrorMsg is the server's refusal reply: ERROR = reason(1).
type ErrorMsg struct {
	Reason ErrorReason
}

func (e ErrorMsg) Marshal() []byte {
	return []byte{byte(OpError), byte(e.Reason)}
}

func UnmarshalError(buf []byte) (ErrorMsg, error) {
	if len(buf) != 2 || Opcode(buf[0]) != OpError {
		return ErrorMsg{}, fmt.Errorf("handshake: malformed ERROR")
	}
	return ErrorMsg{Reason: ErrorReason(buf[1])}, nil
}

var errBadMagic = fmt.Errorf("handshake: bad magic")
