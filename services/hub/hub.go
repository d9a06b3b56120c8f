// Package hub terminates agent websockets: it runs the hello handshake,
// keeps one Session per agent and reports channel loss to the registry.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fleetd/pkg/fleet"
	"fleetd/pkg/wire"
	"fleetd/services/registry"
)

const (
	writeWait  = 10 * time.Second
	helloWait  = 10 * time.Second
	sendBuffer = 32

	DefaultSilenceTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

// Registry is the part of the agent registry the hub drives.
type Registry interface {
	Get(id uuid.UUID) (registry.Agent, error)
	Register(ctx context.Context, reg registry.Registration) (registry.Agent, error)
	MarkOffline(ctx context.Context, id uuid.UUID) error
	Touch(id uuid.UUID)
}

type Config struct {
	// SilenceTimeout closes a session after this long without any message
	// from the agent.
	SilenceTimeout time.Duration
	// HeartbeatInterval is how often each agent is pinged.
	HeartbeatInterval time.Duration
	ServerName        string
}

// Hub is an http.Handler for the agent channel endpoint.
type Hub struct {
	cfg      Config
	reg      Registry
	log      zerolog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	wg       sync.WaitGroup

	// Registration and release of one agent's sessions run one at a time.
	locks keyedMutex
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id uuid.UUID) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uuid.UUID]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func New(reg Registry, cfg Config, log zerolog.Logger) (*Hub, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "fleetd"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg: cfg,
		reg: reg,
		log: log.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			// Agents are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uuid.UUID]*Session),
	}, nil
}

// Channel returns the live session of an agent, or an AgentUnreachable error.
func (h *Hub) Channel(id uuid.UUID) (Channel, error) {
	s, err := h.Session(id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (h *Hub) Session(id uuid.UUID) (*Session, error) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok || s.Err() != nil {
		return nil, fleet.Errorf("channel", fleet.ReasonAgentUnreachable, "agent %s has no live channel", id)
	}
	return s, nil
}

// Connected returns the number of live sessions.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close ends every session and waits for their goroutines.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close(errClosed)
	}
	h.wg.Wait()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade")
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	h.serve(conn, r.RemoteAddr)
}

func (h *Hub) serve(conn *websocket.Conn, remote string) {
	conn.SetReadLimit(wire.MaxMessageSize)

	hello, helloID, err := readHello(conn)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", remote).Msg("handshake")
		writeError(conn, helloID, fleet.ReasonInternal, err.Error())
		_ = conn.Close()
		return
	}

	log := h.log.With().Str("agent_id", hello.AgentID.String()).Logger()

	unlock := h.locks.lock(hello.AgentID)
	_, err = h.reg.Get(hello.AgentID)
	recognized := err == nil
	agent, err := h.reg.Register(h.ctx, registry.Registration{
		ID:       hello.AgentID,
		Hostname: hello.Hostname,
		Version:  hello.Version,
		Active:   hello.Active,
	})
	if err != nil {
		unlock()
		log.Error().Err(err).Msg("register agent")
		writeError(conn, helloID, fleet.ReasonInternal, "registration failed")
		_ = conn.Close()
		return
	}

	s := newSession(agent.ID, conn, h.cfg.SilenceTimeout, log)
	h.mu.Lock()
	previous := h.sessions[agent.ID]
	h.sessions[agent.ID] = s
	h.mu.Unlock()
	unlock()
	if previous != nil {
		log.Info().Msg("replacing previous channel")
		previous.close(errReplaced)
	}

	// Requests issued from here on queue behind the welcome.
	welcome, err := wire.Encode(helloID, wire.TypeWelcome, &wire.Welcome{
		Server:           h.cfg.ServerName,
		HeartbeatSeconds: int(h.cfg.HeartbeatInterval / time.Second),
		Recognized:       recognized,
		Active:           agent.ActiveArtifact,
		Activation:       agent.Activation,
	})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.BinaryMessage, welcome)
	}
	if err != nil {
		log.Warn().Err(err).Msg("send welcome")
		s.close(err)
		_ = conn.Close()
		h.release(s)
		return
	}

	go s.writePump()
	go h.heartbeat(s)

	readErr := s.readPump(func() { h.reg.Touch(agent.ID) })
	s.close(readErr)
	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		log.Warn().Err(readErr).Msg("channel lost")
	}
	h.release(s)
}

// release drops s from the session table and marks the agent Offline unless
// a newer session already took its place.
func (h *Hub) release(s *Session) {
	unlock := h.locks.lock(s.agentID)
	defer unlock()

	h.mu.Lock()
	current := h.sessions[s.agentID] == s
	if current {
		delete(h.sessions, s.agentID)
	}
	h.mu.Unlock()

	if !current {
		return
	}
	// Registry work must survive hub shutdown so the record ends up Offline.
	if err := h.reg.MarkOffline(context.WithoutCancel(h.ctx), s.agentID); err != nil {
		s.log.Warn().Err(err).Msg("mark offline")
	}
}

func (h *Hub) heartbeat(s *Session) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SilenceTimeout)
			if _, err := s.Ping(ctx); err != nil {
				s.log.Debug().Err(err).Msg("heartbeat")
			}
			cancel()
		}
	}
}

func readHello(conn *websocket.Conn) (wire.Hello, uint64, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	defer conn.SetReadDeadline(time.Time{})

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Hello{}, 0, err
	}
	if msgType != websocket.BinaryMessage {
		return wire.Hello{}, 0, errors.New("hello must be a binary message")
	}
	env, err := wire.Decode(data)
	if err != nil {
		return wire.Hello{}, 0, err
	}
	if env.Type != wire.TypeHello {
		return wire.Hello{}, env.ID, errors.New("first message must be hello, got " + string(env.Type))
	}
	var hello wire.Hello
	if err := env.Into(&hello); err != nil {
		return wire.Hello{}, env.ID, err
	}
	if hello.AgentID == uuid.Nil {
		return wire.Hello{}, env.ID, errors.New("hello without agent id")
	}
	if hello.Protocol != wire.ProtocolVersion {
		return wire.Hello{}, env.ID, errors.New("unsupported protocol version")
	}
	return hello, env.ID, nil
}

func writeError(conn *websocket.Conn, id uint64, reason fleet.Reason, detail string) {
	data, err := wire.Encode(id, wire.TypeError, &wire.Error{Reason: reason, Detail: detail})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.BinaryMessage, data)
}
