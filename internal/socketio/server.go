// Package socketio serves the realtime transport: engine.io v4 framing with
// socket.io v5 packets over a websocket. It authenticates the CONNECT
// packet, hands events to a Handler one at a time per connection, and
// writes acks and server events.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"peerconnect-server/internal/auth"
	"peerconnect-server/internal/model"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
	pingInterval time.Duration = 25 * time.Second
	pingTimeout  time.Duration = 20 * time.Second
)

var ErrClosed = errors.New("connection closed")

// Handler receives the lifecycle and events of authenticated connections.
// Calls for one connection never overlap. Disconnected runs before the
// transport considers the connection gone.
type Handler interface {
	Connected(ctx context.Context, c *Conn) error
	HandleEvent(ctx context.Context, c *Conn, event string, args []json.RawMessage) (any, error)
	Disconnected(ctx context.Context, c *Conn)
}

type Deps struct {
	Verifier       auth.Verifier
	Handler        Handler
	AllowedOrigins []string
	Log            zerolog.Logger
}

type Server struct {
	verifier auth.Verifier
	handler  Handler
	log      zerolog.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

func NewServer(deps Deps) *Server {
	s := &Server{
		verifier: deps.Verifier,
		handler:  deps.Handler,
		log:      deps.Log.With().Str("component", "socketio").Logger(),
		conns:    make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(deps.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimSuffix(origin, "/")]
		return ok
	}
}

// Len reports the number of open transport connections.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	ws.SetReadLimit(maxPayload)
	s.wg.Add(1)
	defer s.wg.Done()

	// Teardown must run to completion even though the request is over.
	ctx := context.WithoutCancel(r.Context())

	c := newConn(ws)
	s.registerConn(c)
	defer s.teardown(ctx, c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(ctx, c, msg)
	})
}

// Shutdown closes every connection and waits until their disconnect paths
// have run or ctx is done. http.Server.Shutdown does not reach hijacked
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) registerConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.sid] = c
}

func (s *Server) teardown(ctx context.Context, c *Conn) {
	c.close()
	if c.connected.Load() {
		s.handler.Disconnected(ctx, c)
		s.log.Info().Str("identity", c.identity.ID).Str("connection", c.sid).Msg("disconnected")
	}

	s.mu.Lock()
	delete(s.conns, c.sid)
	s.mu.Unlock()
}

func (s *Server) handleMessage(ctx context.Context, c *Conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(ctx, c, msg[1:])
	case engineClose:
		c.close()
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

func (s *Server) handleSocketPayload(ctx context.Context, c *Conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(ctx, c, payload)
	case socketEvent:
		s.handleEvent(ctx, c, payload)
	case socketDisconnect:
		c.close()
	}
}

func (s *Server) handleConnect(ctx context.Context, c *Conn, payload string) {
	if c.connected.Load() {
		return
	}

	_, rest := parseOptionalNamespace(payload[1:])
	if rest == "" {
		s.refuse(c, "Missing auth")
		return
	}

	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		s.refuse(c, "Invalid auth")
		return
	}
	if authObj.Token == "" {
		s.refuse(c, "Missing token")
		return
	}
	identity, err := s.verifier.Verify(ctx, authObj.Token)
	if err != nil {
		s.log.Debug().Err(err).Str("connection", c.sid).Msg("connect refused")
		s.refuse(c, "Invalid authentication token")
		return
	}

	c.identity = identity
	c.connected.Store(true)

	packet, err := buildSocketConnectPacket("/", c.sid)
	if err != nil {
		c.close()
		return
	}
	if err := c.writeText(string(engineMessage) + packet); err != nil {
		c.close()
		return
	}

	if err := s.handler.Connected(ctx, c); err != nil {
		s.log.Error().Err(err).Str("identity", identity.ID).Msg("connect setup failed")
		_ = c.writeError("Internal error")
		c.close()
		return
	}
	s.log.Info().Str("identity", identity.ID).Str("connection", c.sid).Msg("connected")
}

func (s *Server) refuse(c *Conn, msg string) {
	packet, err := buildSocketConnectErrorPacket("/", msg)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
	c.close()
}

func (s *Server) handleEvent(ctx context.Context, c *Conn, payload string) {
	if !c.connected.Load() {
		return
	}
	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		s.log.Debug().Err(err).Str("connection", c.sid).Msg("malformed event")
		return
	}

	if pkt.Event == model.EventClientPing {
		if pkt.ID != nil {
			c.writeAck(pkt.Namespace, *pkt.ID)
		}
		return
	}

	data, err := s.handler.HandleEvent(ctx, c, pkt.Event, pkt.Args)
	if pkt.ID == nil {
		return
	}
	resp := gin.H{"ok": err == nil}
	if err != nil {
		resp["error"] = model.Code(err)
	} else if data != nil {
		resp["data"] = data
	}
	c.writeAck(pkt.Namespace, *pkt.ID, resp)
}

// Conn is one authenticated client connection. It is safe for concurrent
// use by event deliveries from other connections.
type Conn struct {
	ws *websocket.Conn

	sid      string
	identity model.Identity

	connected atomic.Bool

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:         ws,
		sid:        uuid.NewString(),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

func (c *Conn) ID() string { return c.sid }

func (c *Conn) Identity() model.Identity { return c.identity }

// Emit writes a server event carrying body unchanged.
func (c *Conn) Emit(event string, body json.RawMessage) error {
	if c.closed.Load() {
		return ErrClosed
	}
	packet, err := buildSocketEventPacket("/", event, body)
	if err != nil {
		return err
	}
	return c.writeText(string(engineMessage) + packet)
}

// Close ends the connection. The read loop then runs the disconnect path.
func (c *Conn) Close() error {
	c.close()
	return nil
}

func (c *Conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *Conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Conn) writeAck(namespace string, id int, args ...any) {
	packet, err := buildSocketAckPacket(namespace, id, args...)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
}

func (c *Conn) writeError(msg string) error {
	body, err := json.Marshal(gin.H{"message": msg})
	if err != nil {
		return err
	}
	return c.Emit(model.EventError, body)
}

func (c *Conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *Conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
