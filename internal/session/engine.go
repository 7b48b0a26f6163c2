package session

import (
	"time"

	"github.com/onefoot/iwtftpd/internal/datastore"
	"github.com/onefoot/iwtftpd/internal/tftperr"
	"github.com/onefoot/iwtftpd/internal/wire"
)

// Engine drives the session state machine against a datastore. It holds no
// per-peer state of its own; every Session it touches is supplied by the
// caller (the reactor), which is the sole owner of the session set.
type Engine struct {
	Store *datastore.Store
}

// NewEngine returns an Engine backed by store.
func NewEngine(store *datastore.Store) *Engine {
	return &Engine{Store: store}
}

const dataChunkSize = 512

// Accept handles an RRQ or WRQ from a peer with no existing session. It
// returns the newly created session (nil on rejection) and the datagram to
// send — either the first DATA/ACK of a new transfer or an ERROR.
func (e *Engine) Accept(peerIP string, peerPort, sessionID int, msg wire.Message, now time.Time) (*Session, SendPlan, error) {
	switch msg.Op {
	case wire.OpRRQ:
		return e.acceptRRQ(peerIP, peerPort, sessionID, msg, now)
	case wire.OpWRQ:
		return e.acceptWRQ(peerIP, peerPort, sessionID, msg, now)
	default:
		plan, err := e.sendStandaloneError(wire.ErrIllegalOp)
		return nil, plan, err
	}
}

func (e *Engine) acceptRRQ(peerIP string, peerPort, sessionID int, msg wire.Message, now time.Time) (*Session, SendPlan, error) {
	if e.Store.IsFile(msg.Filename) != datastore.Present {
		plan, err := e.sendStandaloneError(wire.ErrFileNotFound)
		return nil, plan, err
	}
	s := &Session{
		PeerIP:    peerIP,
		PeerPort:  peerPort,
		SessionID: sessionID,
		Filename:  msg.Filename,
		Direction: DirRead,
		Mode:      msg.Mode,
	}
	plan, err := e.sendNextDataBlock(s, now)
	if err != nil {
		return nil, noSend(), err
	}
	return s, plan, nil
}

func (e *Engine) acceptWRQ(peerIP string, peerPort, sessionID int, msg wire.Message, now time.Time) (*Session, SendPlan, error) {
	if e.Store.IsFile(msg.Filename) == datastore.Present {
		plan, err := e.sendStandaloneError(wire.ErrFileExists)
		return nil, plan, err
	}
	s := &Session{
		PeerIP:    peerIP,
		PeerPort:  peerPort,
		SessionID: sessionID,
		Filename:  msg.Filename,
		Direction: DirWrite,
		Mode:      msg.Mode,
		Block:     0,
	}
	plan, err := s.send(wire.Message{Op: wire.OpACK, Block: 0}, now)
	if err != nil {
		return nil, noSend(), err
	}
	return s, plan, nil
}

// sendStandaloneError builds a one-shot ERROR datagram that is not attached
// to any session (no session yet exists to own it).
func (e *Engine) sendStandaloneError(code wire.ErrorCode) (SendPlan, error) {
	var buf [wire.MaxMessageSize]byte
	n, err := buildError(code, buf[:])
	if err != nil {
		return noSend(), err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return SendPlan{Send: true, Payload: out}, nil
}

// Dispatch handles a message for a peer with an existing session. s is
// mutated in place to reflect the new state.
func (e *Engine) Dispatch(s *Session, msg wire.Message, now time.Time) (SendPlan, error) {
	if s.Disabled {
		return noSend(), nil
	}
	switch msg.Op {
	case wire.OpRRQ, wire.OpWRQ:
		// Duplicate request for a peer we already have a session for:
		// retransmit the last primary message. The state machine
		// guarantees last_msg is populated before a duplicate can arrive
		// (spec §9, open question on resend for RRQ/WRQ duplicates).
		return e.retransmitOrDisable(s, now), nil
	case wire.OpDATA:
		return e.dispatchData(s, msg, now)
	case wire.OpACK:
		return e.dispatchAck(s, msg, now)
	case wire.OpERROR:
		e.Store.CloseSession(s.SessionID)
		s.Disabled = true
		return noSend(), nil
	default:
		return noSend(), nil
	}
}

func (e *Engine) dispatchData(s *Session, msg wire.Message, now time.Time) (SendPlan, error) {
	if s.Direction != DirWrite {
		return e.sendError(s, wire.ErrIllegalOp, now)
	}
	switch msg.Block {
	case s.Block:
		// Duplicate of the block we already acked; retransmit the ack.
		return e.retransmitOrDisable(s, now), nil
	case nextBlock(s.Block):
		if len(msg.Data) > dataChunkSize {
			return e.sendError(s, wire.ErrIllegalOp, now)
		}
		_, err := e.Store.Write(s.SessionID, s.Filename, msg.Data)
		if err != nil {
			e.Store.CloseSession(s.SessionID)
			s.Disabled = true
			return e.sendError(s, tftperr.Code(err), now)
		}
		s.Block = msg.Block
		if len(msg.Data) < dataChunkSize {
			s.Fin = true
			e.Store.Close(s.SessionID, s.Filename)
		}
		plan, err := s.send(wire.Message{Op: wire.OpACK, Block: s.Block}, now)
		return plan, err
	default:
		return e.sendError(s, wire.ErrIllegalOp, now)
	}
}

func (e *Engine) dispatchAck(s *Session, msg wire.Message, now time.Time) (SendPlan, error) {
	if s.Direction != DirRead {
		return e.sendError(s, wire.ErrIllegalOp, now)
	}
	switch {
	case msg.Block == prevBlock(s.Block):
		return e.retransmitOrDisable(s, now), nil
	case msg.Block == s.Block && s.Fin:
		s.Disabled = true
		e.Store.Close(s.SessionID, s.Filename)
		return noSend(), nil
	case msg.Block == s.Block && !s.Fin:
		return e.sendNextDataBlock(s, now)
	default:
		// Out-of-sequence ACK: log-worthy, no reply (spec §4.3 "Otherwise
		// -> no-op with info log").
		return noSend(), nil
	}
}

// sendNextDataBlock reads up to one 512-byte chunk and sends it as the next
// DATA block, advancing s.Block and setting Fin on a short read.
func (e *Engine) sendNextDataBlock(s *Session, now time.Time) (SendPlan, error) {
	buf := make([]byte, dataChunkSize)
	n, err := e.Store.Read(s.SessionID, s.Filename, buf)
	if err != nil {
		e.Store.CloseSession(s.SessionID)
		s.Disabled = true
		return e.sendError(s, tftperr.Code(err), now)
	}
	s.Block = nextBlock(s.Block)
	if n < dataChunkSize {
		s.Fin = true
		e.Store.Close(s.SessionID, s.Filename)
	}
	return s.send(wire.Message{Op: wire.OpDATA, Block: s.Block, Data: buf[:n]}, now)
}

// sendError builds an ERROR datagram. Unlike DATA/ACK, ERROR datagrams are
// not remembered for retransmission. sendError does not change the session:
// callers that end the transfer on a datastore failure disable it
// themselves, while a wrong-direction or out-of-sequence message leaves it
// live.
func (e *Engine) sendError(s *Session, code wire.ErrorCode, now time.Time) (SendPlan, error) {
	var buf [wire.MaxMessageSize]byte
	n, err := buildError(code, buf[:])
	if err != nil {
		return noSend(), err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return SendPlan{Send: true, Payload: out}, nil
}

// retransmitOrDisable resends last_msg, bumping retries; once the retry cap
// is exceeded the session is disabled and nothing further is sent.
func (e *Engine) retransmitOrDisable(s *Session, now time.Time) SendPlan {
	if s.Retries >= ResendCountMax {
		s.Disabled = true
		e.Store.CloseSession(s.SessionID)
		return noSend()
	}
	return s.retransmit(now)
}

// Retransmit is called by the reactor's periodic sweep for a session whose
// last send is older than ResendInterval. It returns the plan to send (if
// any) and whether the session became disabled as a result.
func (e *Engine) Retransmit(s *Session, now time.Time) (SendPlan, bool) {
	if s.Disabled || s.Fin {
		return noSend(), false
	}
	if now.Sub(s.LastSentAt) <= ResendInterval {
		return noSend(), false
	}
	plan := e.retransmitOrDisable(s, now)
	return plan, s.Disabled
}

// ShouldCleanup reports whether s should be removed by the cleanup sweep:
// immediately if disabled, or after SessionCloseWait once Fin to absorb a
// straggling final ACK/DATA.
func ShouldCleanup(s *Session, now time.Time) bool {
	if s.Disabled {
		return true
	}
	if s.Fin && now.Sub(s.LastSentAt) > SessionCloseWait {
		return true
	}
	return false
}

func nextBlock(b uint16) uint16 { return b + 1 }
func prevBlock(b uint16) uint16 { return b - 1 }
