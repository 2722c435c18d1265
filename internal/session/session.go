// Package session owns one WebSocket connection end to end: it parses
// inbound frames, drives the registry, and forwards the registry's and
// broadcaster's events back to the socket. The read/write pump split and
// the ping/pong keepalive follow the standard gorilla/websocket chat-server
// idiom also attested in the pack's dj1vs-Megachat_backend Hub/Client
// shape (Conn *websocket.Conn, Send chan []byte).
package session

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Microtome/websocket-serial-server/internal/broadcast"
	"github.com/Microtome/websocket-serial-server/internal/registry"
	"github.com/Microtome/websocket-serial-server/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB; this protocol carries no large binary framing
	outboundBuffer = 256
)

// Conn is the subset of *websocket.Conn a Session depends on. Declaring it
// locally lets tests drive a Session without a real network socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session terminates one WebSocket connection, matching spec section 4.3's
// Client Session: it never touches another session's state, and the only
// way it reaches other connections is indirectly, through the Registry and
// Broadcaster.
type Session struct {
	id   registry.SubscriberID
	conn Conn
	reg  *registry.Registry
	log  *zap.Logger

	outbound chan []byte

	subsMu sync.Mutex
	subs   map[string]*broadcast.Subscription // port -> this session's fan-out handle
	fwdWG  sync.WaitGroup                      // outstanding forward() goroutines
}

// New mints a fresh SubscriberID and builds a Session bound to conn. Run
// must be called to actually pump the connection.
func New(conn Conn, reg *registry.Registry, log *zap.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:       id,
		conn:     conn,
		reg:      reg,
		log:      log.With(zap.String("subscriber", id)),
		outbound: make(chan []byte, outboundBuffer),
		subs:     make(map[string]*broadcast.Subscription),
	}
}

// Run drives the connection until it closes, then tears down every
// subscription this session held. It blocks until the connection is done;
// callers launch it per-accept, typically with `go session.Run()`.
func (s *Session) Run() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	s.readPump()

	s.teardown()
	close(s.outbound)
	<-writerDone
}

// readPump parses and dispatches every inbound frame, synchronously, in
// submission order, matching spec section 5's "a subscriber's own requests
// are processed in submission order" guarantee. It returns when the socket
// errors or closes. A panic while handling a frame is recovered and logged,
// and ends the pump the same way, so Run still tears the session down.
func (s *Session) readPump() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panicked; tearing it down", zap.Any("panic", r))
		}
	}()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				s.log.Debug("read pump exiting", zap.Error(err))
			}
			return
		}
		s.handleFrame(raw)
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

func (s *Session) handleFrame(raw []byte) {
	req, err := wire.DecodeRequest(raw)
	if err != nil {
		s.sendResponse(wire.ErrorResponse{Code: "BadJson", Detail: err.Error()})
		return
	}

	resp := s.dispatch(req)
	if resp != nil {
		s.sendResponse(resp)
	}
}

// dispatch runs one already-decoded request against the registry and
// returns the direct reply. Any broadcaster-delivered events (Read,
// error-triggered Closed) arrive separately through the per-port forwarder
// goroutines started by openPort.
func (s *Session) dispatch(req *wire.Request) wire.Response {
	switch req.Tag {
	case "Open":
		return s.handleOpen(req.Open.Port)
	case "Close":
		return s.handleClose(req.Close.Port)
	case "List":
		return s.handleList()
	case "WriteLock":
		return s.handleLock(req.WriteLock.Port)
	case "ReleaseWriteLock":
		return s.handleUnlock(req.ReleaseLock.Port)
	case "Write":
		return s.handleWrite(req.Write)
	default:
		return wire.ErrorResponse{Code: "UnknownRequest", Detail: req.Tag}
	}
}

func (s *Session) handleOpen(port string) wire.Response {
	_, err := s.reg.Open(s.id, port)
	if err != nil {
		return errorResponse("Open", err)
	}
	s.openPort(port)
	return wire.OpenedResponse{Port: port}
}

// handleClose acks a single-port Close with one Closed response. A
// close-all (empty port) request acks with one Closed response per port
// actually closed, sent directly rather than returned, since dispatch only
// carries a single reply per request.
func (s *Session) handleClose(port string) wire.Response {
	if port == "" {
		for _, closed := range s.reg.CloseAll(s.id) {
			s.closePort(closed.Port)
			s.sendResponse(wire.ClosedResponse{Port: closed.Port})
		}
		return nil
	}
	if err := s.reg.Close(s.id, port); err != nil {
		return errorResponse("Close", err)
	}
	s.closePort(port)
	return wire.ClosedResponse{Port: port}
}

func (s *Session) handleList() wire.Response {
	ports, err := s.reg.List()
	if err != nil {
		return errorResponse("List", err)
	}
	return wire.ListResponse{Ports: ports}
}

func (s *Session) handleLock(port string) wire.Response {
	if _, err := s.reg.Lock(s.id, port); err != nil {
		return errorResponse("WriteLock", err)
	}
	return wire.LockedResponse{Port: port}
}

func (s *Session) handleUnlock(port string) wire.Response {
	if err := s.reg.Unlock(s.id, port); err != nil {
		return errorResponse("ReleaseWriteLock", err)
	}
	return wire.UnlockedResponse{Port: port}
}

func (s *Session) handleWrite(req *wire.WriteRequest) wire.Response {
	data := []byte(req.Data)
	if req.IsBase64() {
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return wire.ErrorResponse{Request: "Write", Code: "BadJson", Detail: "invalid base64 payload"}
		}
		data = decoded
	}

	size, err := s.reg.Write(s.id, req.Port, data)
	if err != nil {
		return errorResponse("Write", err)
	}
	return wire.WroteResponse{Port: req.Port, Size: size}
}

// openPort starts this session's forwarder for port the first time it's
// opened; a repeat Open from this same session (idempotent per spec
// section 4.2) must not create a second subscription.
func (s *Session) openPort(port string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, already := s.subs[port]; already {
		return
	}
	sub := s.reg.Subscribe(port)
	s.subs[port] = sub
	s.fwdWG.Add(1)
	go s.forward(port, sub)
}

func (s *Session) closePort(port string) {
	s.subsMu.Lock()
	sub, ok := s.subs[port]
	if ok {
		delete(s.subs, port)
	}
	s.subsMu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// forward drains one port's fan-out subscription onto this session's
// outbound channel, converting each Chunk into its wire shape, until the
// subscription ends (unsubscribed, or a terminal Closed chunk delivered).
func (s *Session) forward(port string, sub *broadcast.Subscription) {
	defer s.fwdWG.Done()
	for chunk := range sub.C {
		if chunk.Closed {
			s.sendResponse(wire.ClosedResponse{Port: chunk.Port, Reason: chunk.Reason})
			s.subsMu.Lock()
			delete(s.subs, port)
			s.subsMu.Unlock()
			sub.Unsubscribe()
			return
		}
		s.sendResponse(wire.NewReadResponse(chunk.Port, chunk.Data))
	}
}

func (s *Session) sendResponse(resp wire.Response) {
	encoded, err := wire.EncodeResponse(resp)
	if err != nil {
		s.log.Error("failed to encode outbound response", zap.Error(err))
		return
	}
	select {
	case s.outbound <- encoded:
	default:
		s.log.Warn("dropped outbound frame: session queue full")
	}
}

func errorResponse(request string, err error) wire.Response {
	var regErr *registry.Error
	if errors.As(err, &regErr) {
		return wire.ErrorResponse{Request: request, Code: regErr.Code(), Detail: regErr.Error()}
	}
	return wire.ErrorResponse{Request: request, Code: "Unknown", Detail: err.Error()}
}

// writePump owns every write to the socket: outbound frames and the
// keepalive ping ticker both flow through it, since gorilla/websocket
// connections do not support concurrent writers.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.outbound:
			if !ok {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown unsubscribes this session from every port it held and discards
// anything left in the outbound queue, matching spec section 4.3.
func (s *Session) teardown() {
	s.reg.CloseAll(s.id)

	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[string]*broadcast.Subscription)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.fwdWG.Wait() // every forward() goroutine must exit before outbound is closed

	s.conn.Close()

drain:
	for {
		select {
		case <-s.outbound:
		default:
			break drain
		}
	}
}
