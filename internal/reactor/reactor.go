// Package reactor implements the single-threaded readiness-driven event
// loop of spec §4.4: it owns the listening sockets and per-session client
// sockets, dispatches received datagrams to the session engine, and runs
// the periodic retransmit and cleanup sweeps.
package reactor

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onefoot/iwtftpd/internal/clock"
	"github.com/onefoot/iwtftpd/internal/netutil"
	"github.com/onefoot/iwtftpd/internal/session"
	"github.com/onefoot/iwtftpd/internal/wire"
)

const (
	// PollTimeout is the reactor's readiness-wait timeout; it doubles as
	// the heartbeat for the retransmit and cleanup sweeps.
	PollTimeout = 1000 * time.Millisecond
	// MaxServerSockets bounds listening sockets (one per IP family).
	MaxServerSockets = 2
	// MaxClientSessions bounds concurrently live sessions.
	MaxClientSessions = 32
	readBufferSize    = 1024
)

// Engine is the subset of *session.Engine the reactor depends on.
type Engine interface {
	Accept(peerIP string, peerPort, sessionID int, msg wire.Message, now time.Time) (*session.Session, session.SendPlan, error)
	Dispatch(s *session.Session, msg wire.Message, now time.Time) (session.SendPlan, error)
	Retransmit(s *session.Session, now time.Time) (session.SendPlan, bool)
}

// Reactor multiplexes the server's listening sockets and one ephemeral
// socket per live session.
type Reactor struct {
	engine Engine
	clock  clock.Clock
	poller Poller
	log    *logrus.Logger

	serverConns []*net.UDPConn
	serverFDs   map[int]*net.UDPConn

	sessions    map[string]*session.Session // peer key -> session
	sessionConn map[int]*net.UDPConn        // session id -> client socket
	fdToSession map[int]*session.Session    // registered client fd -> session

	nextSessionID int32
	stopping      int32
}

// New builds a Reactor over serverConns (already bound by netutil), ready
// to Run.
func New(engine Engine, serverConns []*net.UDPConn, clk clock.Clock, log *logrus.Logger) *Reactor {
	r := &Reactor{
		engine:      engine,
		clock:       clk,
		poller:      UnixPoller{},
		log:         log,
		serverConns: serverConns,
		serverFDs:   make(map[int]*net.UDPConn),
		sessions:    make(map[string]*session.Session),
		sessionConn: make(map[int]*net.UDPConn),
		fdToSession: make(map[int]*session.Session),
	}
	for _, c := range serverConns {
		if fd, err := fileDescriptor(c); err == nil {
			r.serverFDs[fd] = c
		}
	}
	return r
}

// Stop requests the loop exit at the next iteration boundary, per the
// global shutdown flag semantics of spec §4.4/§9.
func (r *Reactor) Stop() {
	atomic.StoreInt32(&r.stopping, 1)
}

func (r *Reactor) stopped() bool {
	return atomic.LoadInt32(&r.stopping) != 0
}

// Run blocks until Stop is called, driving the main loop of spec §4.4.
func (r *Reactor) Run() error {
	for !r.stopped() {
		fds := r.watchedFDs()
		ready, err := r.poller.Wait(fds, PollTimeout)
		if err != nil {
			r.log.WithError(err).Error("reactor: poll failed")
			continue
		}
		for _, fd := range ready {
			r.handleReady(fd)
		}
		r.syncRegistrations()
		now := r.clock.Now()
		r.retransmitSweep(now)
		r.cleanupSweep(now)
	}
	r.teardownAll()
	return nil
}

func (r *Reactor) watchedFDs() []int {
	fds := make([]int, 0, len(r.serverFDs)+len(r.fdToSession))
	for fd := range r.serverFDs {
		fds = append(fds, fd)
	}
	for fd := range r.fdToSession {
		fds = append(fds, fd)
	}
	return fds
}

func (r *Reactor) handleReady(fd int) {
	conn, sess := r.connForFD(fd)
	if conn == nil {
		return
	}
	buf := make([]byte, readBufferSize)
	n, addr, err := conn.ReadFrom(buf)
	if err != nil {
		r.log.WithError(err).Warn("reactor: read failed")
		return
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}
	peerIP := udpAddr.IP.String()
	peerPort := udpAddr.Port

	msg, err := wire.Parse(buf[:n])
	if err != nil {
		r.log.WithFields(logrus.Fields{"peer": addr.String()}).Infof("reactor: dropping malformed datagram: %v", err)
		return
	}

	key := sessionKey(peerIP, peerPort)
	existing, hasSession := r.sessions[key]

	if sess != nil && existing != nil && sess != existing {
		// A datagram arrived on a client socket whose peer doesn't match
		// the owning session: not this session's TID.
		return
	}

	now := r.clock.Now()
	var plan session.SendPlan
	replyConn := conn

	if !hasSession {
		switch msg.Op {
		case wire.OpRRQ, wire.OpWRQ:
			newSess, p, err := r.acceptNew(peerIP, peerPort, conn, msg, now)
			if err != nil {
				r.log.WithError(err).Error("reactor: accept failed")
				return
			}
			plan = p
			if newSess != nil {
				replyConn = r.sessionConn[newSess.SessionID]
			}
		case wire.OpERROR:
			r.log.WithFields(logrus.Fields{"peer": addr.String()}).Info("reactor: error datagram for unknown session")
			return
		default:
			plan = unknownTIDPlan()
		}
	} else {
		plan, err = r.engine.Dispatch(existing, msg, now)
		if err != nil {
			r.log.WithError(err).Error("reactor: dispatch failed")
			return
		}
		if clientConn, ok := r.sessionConn[existing.SessionID]; ok {
			replyConn = clientConn
		}
	}

	if plan.Send {
		if _, err := replyConn.WriteTo(plan.Payload, udpAddr); err != nil {
			r.log.WithError(err).Warn("reactor: send failed")
		}
	}
}

func (r *Reactor) acceptNew(peerIP string, peerPort int, serverConn *net.UDPConn, msg wire.Message, now time.Time) (*session.Session, session.SendPlan, error) {
	if len(r.sessions) >= MaxClientSessions {
		return nil, unknownTIDPlan(), nil
	}
	clientConn, err := netutil.NewEphemeralSocket(serverConn)
	if err != nil {
		return nil, session.SendPlan{}, err
	}
	id := int(atomic.AddInt32(&r.nextSessionID, 1))
	newSess, plan, err := r.engine.Accept(peerIP, peerPort, id, msg, now)
	if err != nil {
		clientConn.Close()
		return nil, session.SendPlan{}, err
	}
	if newSess == nil {
		clientConn.Close()
		return nil, plan, nil
	}
	r.sessions[sessionKey(peerIP, peerPort)] = newSess
	r.sessionConn[id] = clientConn
	return newSess, plan, nil
}

// syncRegistrations adds watch entries for sessions created this tick and
// removes entries for sessions the dispatch loop just disabled.
func (r *Reactor) syncRegistrations() {
	for _, sess := range r.sessions {
		conn, ok := r.sessionConn[sess.SessionID]
		if !ok {
			continue
		}
		if !sess.Registered && !sess.Disabled {
			if fd, err := fileDescriptor(conn); err == nil {
				r.fdToSession[fd] = sess
				sess.Registered = true
			}
		}
		if sess.Registered && sess.Disabled {
			r.unregister(sess)
		}
	}
}

func (r *Reactor) unregister(sess *session.Session) {
	for fd, s := range r.fdToSession {
		if s == sess {
			delete(r.fdToSession, fd)
		}
	}
	sess.Registered = false
}

func (r *Reactor) retransmitSweep(now time.Time) {
	for _, sess := range r.sessions {
		conn, ok := r.sessionConn[sess.SessionID]
		if !ok {
			continue
		}
		plan, _ := r.engine.Retransmit(sess, now)
		if plan.Send {
			addr := &net.UDPAddr{IP: net.ParseIP(sess.PeerIP), Port: sess.PeerPort}
			if _, err := conn.WriteTo(plan.Payload, addr); err != nil {
				r.log.WithError(err).Warn("reactor: retransmit failed")
			}
		}
	}
}

func (r *Reactor) cleanupSweep(now time.Time) {
	for key, sess := range r.sessions {
		if !session.ShouldCleanup(sess, now) {
			continue
		}
		if sess.Registered {
			r.unregister(sess)
		}
		if conn, ok := r.sessionConn[sess.SessionID]; ok {
			conn.Close()
			delete(r.sessionConn, sess.SessionID)
		}
		delete(r.sessions, key)
	}
}

func (r *Reactor) teardownAll() {
	for key, sess := range r.sessions {
		if conn, ok := r.sessionConn[sess.SessionID]; ok {
			conn.Close()
			delete(r.sessionConn, sess.SessionID)
		}
		delete(r.sessions, key)
	}
	for _, c := range r.serverConns {
		c.Close()
	}
}

func (r *Reactor) connForFD(fd int) (*net.UDPConn, *session.Session) {
	if conn, ok := r.serverFDs[fd]; ok {
		return conn, nil
	}
	if sess, ok := r.fdToSession[fd]; ok {
		return r.sessionConn[sess.SessionID], sess
	}
	return nil, nil
}

func sessionKey(ip string, port int) string {
	return ip + "|" + strconv.Itoa(port)
}

func unknownTIDPlan() session.SendPlan {
	var buf [wire.MaxMessageSize]byte
	n, err := wire.Build(wire.Message{Op: wire.OpERROR, ErrCode: wire.ErrUnknownTID}, buf[:])
	if err != nil {
		return session.SendPlan{}
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return session.SendPlan{Send: true, Payload: out}
}
