// Package session implements the TFTP session state machine of spec §4.3:
// a pure function of (current session, incoming message, wall clock)
// producing (new session state, send plan, optional error datagram). It
// never touches a socket; the reactor owns that.
package session

import (
	"time"

	"github.com/onefoot/iwtftpd/internal/wire"
)

// Direction is the transfer direction of a session.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Tuning constants from spec §4.3/§4.4.
const (
	ResendInterval  = 10 * time.Second
	ResendCountMax  = 3
	SessionCloseWait = 15 * time.Second
)

// Session is the hot per-client entity of spec §3. LastMsg is a per-session
// owned fixed buffer (REDESIGN FLAG: no aliasing with other sessions' last
// message).
type Session struct {
	PeerIP   string
	PeerPort int

	// SessionID is a stable integer allocated once per session and used as
	// the datastore lookup key. It is logically opaque (REDESIGN FLAG:
	// never aliased to a file descriptor); the reactor assigns it from a
	// counter that increases by one per accepted request.
	SessionID int

	Filename  string
	Direction Direction
	Mode      wire.Mode

	Block uint16
	Fin   bool

	LastMsg    [wire.MaxMessageSize]byte
	LastMsgLen int
	LastSentAt time.Time
	Retries    int

	Disabled   bool
	Registered bool
}

// SendPlan describes what the reactor must transmit, or nothing at all
// (Send == false, e.g. "unknown opcode, log and ignore").
type SendPlan struct {
	Send    bool
	Payload []byte
}

func noSend() SendPlan { return SendPlan{} }

func (s *Session) rememberPrimary(buf []byte, now time.Time) SendPlan {
	s.LastMsgLen = copy(s.LastMsg[:], buf)
	s.LastSentAt = now
	s.Retries = 0
	return SendPlan{Send: true, Payload: s.LastMsg[:s.LastMsgLen]}
}

func (s *Session) retransmit(now time.Time) SendPlan {
	s.Retries++
	s.LastSentAt = now
	return SendPlan{Send: true, Payload: s.LastMsg[:s.LastMsgLen]}
}

// send encodes msg into a local scratch buffer and records it as the primary
// message for retransmission.
func (s *Session) send(msg wire.Message, now time.Time) (SendPlan, error) {
	var scratch [wire.MaxMessageSize]byte
	n, err := wire.Build(msg, scratch[:])
	if err != nil {
		return noSend(), err
	}
	return s.rememberPrimary(scratch[:n], now), nil
}

// errorMessage supplies "server error" as the text; wire.Build replaces it
// with the canonical text for every code except 0.
func errorMessage(code wire.ErrorCode) wire.Message {
	return wire.Message{Op: wire.OpERROR, ErrCode: code, ErrMsg: "server error"}
}

// buildError encodes an ERROR datagram directly into dst without touching
// session state (ERROR replies are never retransmitted — spec §4.3 "ERROR:
// ... Never reply" for received errors, and sent errors are one-shot).
func buildError(code wire.ErrorCode, dst []byte) (int, error) {
	return wire.Build(errorMessage(code), dst)
}
