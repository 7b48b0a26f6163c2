// Package wire implements the TFTP (RFC 1350) datagram codec: parsing
// received bytes into structured messages and building messages into a
// caller-provided buffer. Parsed string fields are copies; a DATA message's
// payload is a sub-slice of the receive buffer it was parsed from.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies one of the five TFTP message kinds.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("opcode(%d)", uint16(op))
	}
}

// Mode is the TFTP transfer mode named in an RRQ/WRQ.
type Mode int

const (
	ModeOctet Mode = iota
	ModeNetASCII
)

// ErrorCode is one of the canonical TFTP error codes.
type ErrorCode uint16

const (
	ErrUndefined      ErrorCode = 0
	ErrFileNotFound   ErrorCode = 1
	ErrAccessViolation ErrorCode = 2
	ErrDiskFull       ErrorCode = 3
	ErrIllegalOp      ErrorCode = 4
	ErrUnknownTID     ErrorCode = 5
	ErrFileExists     ErrorCode = 6
	ErrNoSuchUser     ErrorCode = 7
)

// canonicalErrorText is the fixed message table of spec §4.1. Code 0 has no
// canonical text: the caller supplies the message.
var canonicalErrorText = map[ErrorCode]string{
	ErrFileNotFound:    "file not found",
	ErrAccessViolation: "access violation",
	ErrDiskFull:        "disk full or allocation exceeded",
	ErrIllegalOp:       "illegal tftp operation",
	ErrUnknownTID:      "unknown transfer id",
	ErrFileExists:      "file already exists",
	ErrNoSuchUser:      "no such user",
}

// CanonicalText returns the fixed message for code, or ok=false for code 0
// (the caller must supply its own text in that case).
func CanonicalText(code ErrorCode) (string, bool) {
	text, ok := canonicalErrorText[code]
	return text, ok
}

const (
	maxFilenameLen = 256
	maxModeLen     = 9
	maxDataLen     = 512
	maxErrMsgLen   = 256
	// MaxMessageSize bounds every built datagram (2 op + 2 block/code + 512 data).
	MaxMessageSize = 2 + 2 + maxDataLen
)

// Message is the parsed, value-returning form of a TFTP datagram. Only the
// fields relevant to Op are meaningful.
type Message struct {
	Op       Opcode
	Filename string
	Mode     Mode
	Block    uint16
	Data     []byte
	ErrCode  ErrorCode
	ErrMsg   string
}

// Parse decodes a received datagram. It never retains a reference into buf
// for RRQ/WRQ/ERROR fields (filename/mode/message are copied as strings);
// DATA's Data slice is a sub-slice of buf and must be copied by the caller
// before buf is reused.
func Parse(buf []byte) (Message, error) {
	if len(buf) < 2 {
		return Message{}, fmt.Errorf("wire: message too short (%d bytes)", len(buf))
	}
	op := Opcode(binary.BigEndian.Uint16(buf[0:2]))
	switch op {
	case OpRRQ, OpWRQ:
		return parseRequest(op, buf)
	case OpDATA:
		return parseData(buf)
	case OpACK:
		return parseAck(buf)
	case OpERROR:
		return parseError(buf)
	default:
		return Message{}, fmt.Errorf("wire: unknown opcode %d", uint16(op))
	}
}

func parseRequest(op Opcode, buf []byte) (Message, error) {
	const minLen = 2 + 2 + len("octet") + 1
	if len(buf) < minLen {
		return Message{}, fmt.Errorf("wire: %s message too short (%d bytes)", op, len(buf))
	}
	filename, rest, err := readCString(buf[2:], maxFilenameLen)
	if err != nil {
		return Message{}, fmt.Errorf("wire: %s filename: %w", op, err)
	}
	modeStr, _, err := readCString(rest, maxModeLen)
	if err != nil {
		return Message{}, fmt.Errorf("wire: %s mode: %w", op, err)
	}
	mode, err := parseMode(modeStr)
	if err != nil {
		return Message{}, err
	}
	return Message{Op: op, Filename: filename, Mode: mode}, nil
}

func parseMode(s string) (Mode, error) {
	switch s {
	case "octet":
		return ModeOctet, nil
	case "netascii":
		return ModeNetASCII, nil
	default:
		return 0, fmt.Errorf("wire: unsupported mode %q", s)
	}
}

func parseData(buf []byte) (Message, error) {
	if len(buf) < 4 || len(buf) > 516 {
		return Message{}, fmt.Errorf("wire: DATA length %d out of range [4,516]", len(buf))
	}
	block := binary.BigEndian.Uint16(buf[2:4])
	return Message{Op: OpDATA, Block: block, Data: buf[4:]}, nil
}

func parseAck(buf []byte) (Message, error) {
	if len(buf) != 4 {
		return Message{}, fmt.Errorf("wire: ACK length %d != 4", len(buf))
	}
	block := binary.BigEndian.Uint16(buf[2:4])
	return Message{Op: OpACK, Block: block}, nil
}

func parseError(buf []byte) (Message, error) {
	if len(buf) < 5 {
		return Message{}, fmt.Errorf("wire: ERROR length %d < 5", len(buf))
	}
	code := ErrorCode(binary.BigEndian.Uint16(buf[2:4]))
	msg, _, err := readCString(buf[4:], maxErrMsgLen)
	if err != nil {
		return Message{}, fmt.Errorf("wire: ERROR message: %w", err)
	}
	return Message{Op: OpERROR, ErrCode: code, ErrMsg: msg}, nil
}

// readCString reads a NUL-terminated string from buf, requiring the
// terminator to appear within maxLen bytes (terminator included). It returns
// the string (excluding the NUL) and the remainder of buf after the NUL.
func readCString(buf []byte, maxLen int) (string, []byte, error) {
	limit := len(buf)
	if maxLen < limit {
		limit = maxLen
	}
	for i := 0; i < limit; i++ {
		if buf[i] == 0 {
			return string(buf[:i]), buf[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("no NUL terminator within %d bytes", maxLen)
}

// Build serialises msg into buf (which must be at least MaxMessageSize
// bytes) and returns the number of bytes written. For ERROR with a non-zero
// code the canonical text is used regardless of msg.ErrMsg.
func Build(msg Message, buf []byte) (int, error) {
	if len(buf) < MaxMessageSize {
		return 0, fmt.Errorf("wire: build buffer too small (%d < %d)", len(buf), MaxMessageSize)
	}
	switch msg.Op {
	case OpRRQ, OpWRQ:
		return buildRequest(msg, buf)
	case OpDATA:
		return buildData(msg, buf)
	case OpACK:
		return buildAck(msg, buf)
	case OpERROR:
		return buildError(msg, buf)
	default:
		return 0, fmt.Errorf("wire: cannot build unknown opcode %d", uint16(msg.Op))
	}
}

func buildRequest(msg Message, buf []byte) (int, error) {
	modeStr := "octet"
	if msg.Mode == ModeNetASCII {
		modeStr = "netascii"
	}
	if len(msg.Filename) >= maxFilenameLen {
		return 0, fmt.Errorf("wire: filename too long (%d bytes)", len(msg.Filename))
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(msg.Op))
	n := 2
	n += copy(buf[n:], msg.Filename)
	buf[n] = 0
	n++
	n += copy(buf[n:], modeStr)
	buf[n] = 0
	n++
	return n, nil
}

func buildData(msg Message, buf []byte) (int, error) {
	if len(msg.Data) > maxDataLen {
		return 0, fmt.Errorf("wire: DATA payload too long (%d bytes)", len(msg.Data))
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(buf[2:4], msg.Block)
	n := 4 + copy(buf[4:], msg.Data)
	return n, nil
}

func buildAck(msg Message, buf []byte) (int, error) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(buf[2:4], msg.Block)
	return 4, nil
}

func buildError(msg Message, buf []byte) (int, error) {
	text := msg.ErrMsg
	if canonical, ok := canonicalErrorText[msg.ErrCode]; ok {
		text = canonical
	}
	if len(text) >= maxErrMsgLen {
		return 0, fmt.Errorf("wire: error message too long (%d bytes)", len(text))
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpERROR))
	binary.BigEndian.PutUint16(buf[2:4], uint16(msg.ErrCode))
	n := 4 + copy(buf[4:], text)
	buf[n] = 0
	n++
	return n, nil
}
