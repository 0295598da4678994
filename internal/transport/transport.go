// Package transport provides the narrow RPC surface the dispatcher core is
// written against: a process-wide listener identity (Nexus), a per-goroutine
// endpoint driven by an explicit event loop, tag-correlated request/response
// exchange and pooled message buffers. Framing runs over TCP, so per-session
// FIFO is inherited from the stream.
//
// Connections are read by transport-owned goroutines into an inbox, but every
// handler and callback fires on the goroutine calling RunEventLoopOnce, and
// all sends are issued from it. The endpoint therefore behaves as a
// single-threaded object and panics when it detects concurrent use.
package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	frameHeaderSize = 14 // u32 len + u8 kind + u8 type + u64 correlation id
	maxFrameSize    = 1 << 20

	frameKindRequest  = 0
	frameKindResponse = 1
)

// ReqFunc handles an incoming request of a registered type. It runs on the
// event-loop goroutine.
type ReqFunc func(h *ReqHandle)

// ResponseFunc fires when a response to an enqueued request arrives, on the
// event-loop goroutine. The tag is the opaque value passed to EnqueueRequest.
type ResponseFunc func(tag uint64)

// SMEvent notifies session lifecycle changes.
type SMEvent int

const (
	SessionConnected SMEvent = iota
	SessionClosed
)

// SMHandler observes session events on the event-loop goroutine.
type SMHandler func(session int, event SMEvent)

// Nexus is the process-wide listener identity. Request handlers are
// registered on it before any endpoint is created.
type Nexus struct {
	addr     string
	listener net.Listener
	handlers [256]ReqFunc
}

// NewNexus binds the local address. A bind failure here is a transport
// initialisation failure (exit code 2 at the binary level).
func NewNexus(localAddr string) (*Nexus, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", localAddr)
	}
	return &Nexus{addr: localAddr, listener: ln}, nil
}

// RegisterReqFunc installs the handler dispatched on the request type byte.
func (n *Nexus) RegisterReqFunc(reqType uint8, fn ReqFunc) {
	n.handlers[reqType] = fn
}

// Addr returns the bound listen address.
func (n *Nexus) Addr() string {
	if n.listener != nil {
		return n.listener.Addr().String()
	}
	return n.addr
}

func (n *Nexus) Close() {
	if n.listener != nil {
		_ = n.listener.Close()
	}
}

// MsgBuffer is a pooled, resizable message buffer.
type MsgBuffer struct {
	B []byte
}

// Resize sets the logical length, growing capacity when needed.
func (b *MsgBuffer) Resize(n int) {
	if cap(b.B) < n {
		grown := make([]byte, n)
		copy(grown, b.B)
		b.B = grown
		return
	}
	b.B = b.B[:n]
}

type inboxEvent struct {
	kind    uint8
	reqType uint8
	corrID  uint64
	session int
	payload []byte
	accept  net.Conn
	closed  bool
	err     error
}

type session struct {
	id     int
	conn   net.Conn
	outbox [][]byte
	open   bool
}

type pendingCall struct {
	respBuf *MsgBuffer
	cb      ResponseFunc
	tag     uint64
	session int
}

// Endpoint is the per-goroutine RPC object. It must be created and used from
// the same goroutine; RunEventLoopOnce drives all progress.
type Endpoint struct {
	nexus     *Nexus
	rpcID     uint8
	smHandler SMHandler

	inbox    chan inboxEvent
	sessions map[int]*session
	nextSess int
	pending  map[uint64]pendingCall
	nextCorr uint64

	bufPool sync.Pool

	busy   atomic.Bool
	inLoop atomic.Bool
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewEndpoint creates the endpoint and begins accepting sessions on the
// nexus listener.
func NewEndpoint(nexus *Nexus, rpcID uint8, smHandler SMHandler) *Endpoint {
	ep := &Endpoint{
		nexus:     nexus,
		rpcID:     rpcID,
		smHandler: smHandler,
		inbox:     make(chan inboxEvent, 8192),
		sessions:  make(map[int]*session),
		pending:   make(map[uint64]pendingCall),
	}
	ep.bufPool.New = func() interface{} { return &MsgBuffer{B: make([]byte, 0, 512)} }

	if nexus.listener != nil {
		ep.wg.Add(1)
		go ep.acceptLoop()
	}
	return ep
}

func (ep *Endpoint) acceptLoop() {
	defer ep.wg.Done()
	for {
		conn, err := ep.nexus.listener.Accept()
		if err != nil {
			return
		}
		// Session registration happens on the event-loop goroutine so the
		// sessions map stays single-threaded.
		ep.inbox <- inboxEvent{session: -1, accept: conn}
	}
}

// enter/leave enforce the single-goroutine contract. Handlers and callbacks
// run inside RunEventLoopOnce and may legally re-enter the endpoint; the
// inLoop flag lets those nested calls through.
func (ep *Endpoint) enter() bool {
	if ep.inLoop.Load() {
		return false
	}
	if !ep.busy.CompareAndSwap(false, true) {
		panic("transport: endpoint used from multiple goroutines concurrently")
	}
	return true
}

func (ep *Endpoint) leave(entered bool) {
	if entered {
		ep.busy.Store(false)
	}
}

// AllocMsgBuffer returns a pooled buffer resized to n bytes.
func (ep *Endpoint) AllocMsgBuffer(n int) *MsgBuffer {
	buf := ep.bufPool.Get().(*MsgBuffer)
	buf.Resize(n)
	return buf
}

// FreeMsgBuffer returns a buffer to the pool.
func (ep *Endpoint) FreeMsgBuffer(b *MsgBuffer) {
	if b == nil {
		return
	}
	b.B = b.B[:0]
	ep.bufPool.Put(b)
}

// CreateSession dials the remote nexus and blocks until connected, retrying
// transient failures.
func (ep *Endpoint) CreateSession(remoteAddr string) (int, error) {
	entered := ep.enter()
	defer ep.leave(entered)

	var conn net.Conn
	err := retry.Do(
		func() error {
			var dialErr error
			conn, dialErr = net.DialTimeout("tcp", remoteAddr, 2*time.Second)
			return dialErr
		},
		retry.Attempts(10),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return -1, errors.Wrapf(err, "connecting to %s", remoteAddr)
	}
	return ep.addSession(conn), nil
}

func (ep *Endpoint) addSession(conn net.Conn) int {
	id := ep.nextSess
	ep.nextSess++
	s := &session{id: id, conn: conn, open: true}
	ep.sessions[id] = s

	ep.wg.Add(1)
	go ep.readLoop(s)

	if ep.smHandler != nil {
		ep.smHandler(id, SessionConnected)
	}
	return id
}

func (ep *Endpoint) readLoop(s *session) {
	defer ep.wg.Done()
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			ep.inbox <- inboxEvent{session: s.id, closed: true, err: err}
			return
		}
		length := binary.LittleEndian.Uint32(header[0:])
		if length < frameHeaderSize || length > maxFrameSize {
			ep.inbox <- inboxEvent{session: s.id, closed: true,
				err: errors.Errorf("bad frame length %d", length)}
			return
		}
		payload := make([]byte, int(length)-frameHeaderSize)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			ep.inbox <- inboxEvent{session: s.id, closed: true, err: err}
			return
		}
		ep.inbox <- inboxEvent{
			kind:    header[4],
			reqType: header[5],
			corrID:  binary.LittleEndian.Uint64(header[6:]),
			session: s.id,
			payload: payload,
		}
	}
}

// EnqueueRequest stages a request on the session. The response payload is
// copied into respBuf before cb fires with the given tag. Non-blocking.
func (ep *Endpoint) EnqueueRequest(sessionID int, reqType uint8, reqBuf, respBuf *MsgBuffer, cb ResponseFunc, tag uint64) error {
	entered := ep.enter()
	defer ep.leave(entered)

	s, ok := ep.sessions[sessionID]
	if !ok || !s.open {
		return errors.Errorf("session %d not open", sessionID)
	}
	corrID := ep.nextCorr
	ep.nextCorr++
	ep.pending[corrID] = pendingCall{respBuf: respBuf, cb: cb, tag: tag, session: sessionID}
	s.outbox = append(s.outbox, encodeFrame(frameKindRequest, reqType, corrID, reqBuf.B))
	return nil
}

// EnqueueResponse stages the response for a received request. Must be called
// from the event-loop goroutine, exactly once per handle.
func (ep *Endpoint) EnqueueResponse(h *ReqHandle, respBuf *MsgBuffer) {
	entered := ep.enter()
	defer ep.leave(entered)

	s, ok := ep.sessions[h.sessionID]
	if !ok || !s.open {
		log.WithField("session", h.sessionID).Warn("dropping response for closed session")
		return
	}
	s.outbox = append(s.outbox, encodeFrame(frameKindResponse, h.reqType, h.corrID, respBuf.B))
}

func encodeFrame(kind, reqType uint8, corrID uint64, payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(frame)))
	frame[4] = kind
	frame[5] = reqType
	binary.LittleEndian.PutUint64(frame[6:], corrID)
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// RunEventLoopOnce flushes staged sends and dispatches a bounded batch of
// received frames to handlers and callbacks.
func (ep *Endpoint) RunEventLoopOnce() {
	entered := ep.enter()
	ep.inLoop.Store(true)
	defer func() {
		ep.inLoop.Store(false)
		ep.leave(entered)
	}()

	ep.flushOutboxes()

	for i := 0; i < 256; i++ {
		select {
		case ev := <-ep.inbox:
			ep.dispatch(ev)
		default:
			return
		}
	}
}

func (ep *Endpoint) flushOutboxes() {
	for _, s := range ep.sessions {
		if !s.open || len(s.outbox) == 0 {
			continue
		}
		for _, frame := range s.outbox {
			if _, err := s.conn.Write(frame); err != nil {
				ep.closeSession(s, err)
				break
			}
		}
		s.outbox = s.outbox[:0]
	}
}

func (ep *Endpoint) dispatch(ev inboxEvent) {
	if ev.accept != nil {
		ep.addSession(ev.accept)
		return
	}
	if ev.closed {
		if s, ok := ep.sessions[ev.session]; ok && s.open {
			ep.closeSession(s, ev.err)
		}
		return
	}

	switch ev.kind {
	case frameKindRequest:
		handler := ep.nexus.handlers[ev.reqType]
		if handler == nil {
			log.WithField("type", ev.reqType).Warn("request with no registered handler")
			return
		}
		req := ep.AllocMsgBuffer(len(ev.payload))
		copy(req.B, ev.payload)
		handler(&ReqHandle{
			ep:        ep,
			sessionID: ev.session,
			reqType:   ev.reqType,
			corrID:    ev.corrID,
			Req:       req,
			PreResp:   ep.AllocMsgBuffer(0),
		})
	case frameKindResponse:
		call, ok := ep.pending[ev.corrID]
		if !ok {
			log.WithField("corr", ev.corrID).Debug("response for unknown call")
			return
		}
		delete(ep.pending, ev.corrID)
		if call.respBuf != nil {
			call.respBuf.Resize(len(ev.payload))
			copy(call.respBuf.B, ev.payload)
		}
		if call.cb != nil {
			call.cb(call.tag)
		}
	}
}

func (ep *Endpoint) closeSession(s *session, err error) {
	if !s.open {
		return
	}
	s.open = false
	_ = s.conn.Close()
	if err != nil && !ep.closed.Load() {
		log.WithField("session", s.id).WithError(err).Debug("session closed")
	}
	for corrID, call := range ep.pending {
		if call.session == s.id {
			delete(ep.pending, corrID)
		}
	}
	if ep.smHandler != nil {
		ep.smHandler(s.id, SessionClosed)
	}
}

// Close tears the endpoint down. Reader goroutines exit as their
// connections close.
func (ep *Endpoint) Close() {
	ep.closed.Store(true)
	entered := ep.enter()
	for _, s := range ep.sessions {
		if s.open {
			s.open = false
			_ = s.conn.Close()
		}
	}
	ep.leave(entered)
}

// ReqHandle names one received request. It stays valid until
// EnqueueResponse; compute tasks may carry it but must never invoke network
// operations through it.
type ReqHandle struct {
	ep        *Endpoint
	sessionID int
	reqType   uint8
	corrID    uint64

	// Req holds the request payload; PreResp is the pre-allocated response
	// buffer the I/O goroutine resizes and fills.
	Req     *MsgBuffer
	PreResp *MsgBuffer
}

// Session returns the session the request arrived on.
func (h *ReqHandle) Session() int { return h.sessionID }
