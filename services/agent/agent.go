// Package agent is the runtime that runs on every managed machine: it holds
// the agent identity, receives artifacts into a local content store and
// switches the system profile on command from fleetd.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"fleetd/pkg/fleet"
	"fleetd/pkg/wire"
)

const (
	minBackoff       = 500 * time.Millisecond
	maxBackoff       = 4 * time.Second
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	helloID          = 1

	// Missing this many server heartbeats in a row drops the channel.
	silenceHeartbeats      = 6
	defaultSilenceDuration = 30 * time.Second
)

// Agent is the long-running process that keeps a channel to fleetd open.
type Agent struct {
	cfg       Config
	identity  Identity
	version   string
	store     *LocalStore
	profile   *Profile
	activator *Activator
	dialer    *websocket.Dialer
	log       zerolog.Logger

	// activations outlive the channel they arrived on.
	activations sync.WaitGroup
}

// New loads the identity and opens the local store and profile.
func New(cfg Config, version string, log zerolog.Logger) (*Agent, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	identity, err := LoadIdentity(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	store, err := OpenLocalStore(cfg.StoreDir, cfg.Capacity)
	if err != nil {
		return nil, err
	}
	profile, err := OpenProfile(cfg.ProfileDir)
	if err != nil {
		return nil, err
	}

	log = log.With().Str("agent_id", identity.ID.String()).Logger()
	return &Agent{
		cfg:       cfg,
		identity:  identity,
		version:   version,
		store:     store,
		profile:   profile,
		activator: NewActivator(store, profile, Hook{Argv: cfg.Hook, Timeout: cfg.HookTimeout}, log),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			WriteBufferSize:  64 * 1024,
		},
		log: log,
	}, nil
}

func (a *Agent) ID() uuid.UUID { return a.identity.ID }

// Run connects to fleetd and serves requests until ctx ends, reconnecting
// with capped exponential backoff whenever the channel drops.
func (a *Agent) Run(ctx context.Context) error {
	defer a.activations.Wait()
	for {
		conn, welcome, err := a.connect(ctx)
		if err != nil {
			return err
		}
		a.log.Info().
			Str("server", welcome.Server).
			Bool("recognized", welcome.Recognized).
			Str("activation", welcome.Activation.String()).
			Msg("connected")

		err = a.serve(ctx, conn, welcome)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Warn().Err(err).Msg("channel lost, reconnecting")
	}
}

func (a *Agent) connect(ctx context.Context) (*websocket.Conn, wire.Welcome, error) {
	var (
		conn    *websocket.Conn
		welcome wire.Welcome
	)
	backoff := retry.WithCappedDuration(maxBackoff, retry.NewExponential(minBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, w, err := a.dial(ctx)
		if err != nil {
			a.log.Debug().Err(err).Msg("connect")
			return retry.RetryableError(err)
		}
		conn, welcome = c, w
		return nil
	})
	return conn, welcome, err
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, wire.Welcome, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := a.dialer.DialContext(ctx, a.cfg.Server, nil)
	if err != nil {
		return nil, wire.Welcome{}, fmt.Errorf("dial %s: %w", a.cfg.Server, err)
	}
	conn.SetReadLimit(wire.MaxMessageSize)

	welcome, err := a.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, wire.Welcome{}, err
	}
	return conn, welcome, nil
}

// handshake announces identity and the currently active artifact.
func (a *Agent) handshake(conn *websocket.Conn) (wire.Welcome, error) {
	data, err := wire.Encode(helloID, wire.TypeHello, &wire.Hello{
		AgentID:  a.identity.ID,
		Protocol: wire.ProtocolVersion,
		Version:  a.version,
		Hostname: a.cfg.Hostname,
		Active:   a.activator.Active(),
	})
	if err != nil {
		return wire.Welcome{}, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return wire.Welcome{}, fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	_, data, err = conn.ReadMessage()
	if err != nil {
		return wire.Welcome{}, fmt.Errorf("read welcome: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		return wire.Welcome{}, err
	}
	switch env.Type {
	case wire.TypeWelcome:
		var w wire.Welcome
		if err := env.Into(&w); err != nil {
			return wire.Welcome{}, err
		}
		return w, nil
	case wire.TypeError:
		var body wire.Error
		if err := env.Into(&body); err != nil {
			return wire.Welcome{}, err
		}
		return wire.Welcome{}, body.Err("handshake")
	default:
		return wire.Welcome{}, fmt.Errorf("handshake: unexpected %s", env.Type)
	}
}

// channel is the agent end of one connection. Ingest state is touched only
// by the read loop; writes are serialised by wmu.
type channel struct {
	conn *websocket.Conn
	log  zerolog.Logger

	wmu sync.Mutex

	ingests  map[uint64]*Ingest
	rejected map[uint64]bool
	// partial holds Activate closures still arriving in pages.
	partial map[uint64]wire.Activate
}

func (c *channel) send(id uint64, typ wire.Type, body any) {
	data, err := wire.Encode(id, typ, body)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(typ)).Msg("encode reply")
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.log.Debug().Err(err).Str("type", string(typ)).Msg("send reply")
	}
}

func (c *channel) sendError(id uint64, reason fleet.Reason, detail string) {
	c.send(id, wire.TypeError, &wire.Error{Reason: reason, Detail: detail})
}

func (c *channel) abortAll() {
	for id, in := range c.ingests {
		in.Abort()
		delete(c.ingests, id)
	}
}

func (a *Agent) serve(ctx context.Context, conn *websocket.Conn, welcome wire.Welcome) error {
	silence := time.Duration(welcome.HeartbeatSeconds) * time.Second * silenceHeartbeats
	if silence <= 0 {
		silence = defaultSilenceDuration
	}

	ch := &channel{
		conn:     conn,
		log:      a.log,
		ingests:  make(map[uint64]*Ingest),
		rejected: make(map[uint64]bool),
		partial:  make(map[uint64]wire.Activate),
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent stopping"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	})
	defer func() {
		stop()
		ch.abortAll()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(silence))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		env, err := wire.Decode(data)
		if err != nil {
			a.log.Warn().Err(err).Msg("drop malformed message")
			continue
		}
		a.dispatch(ctx, ch, env)
	}
}

func (a *Agent) dispatch(ctx context.Context, ch *channel, env wire.Envelope) {
	switch env.Type {
	case wire.TypePing:
		ch.send(env.ID, wire.TypePong, &wire.Pong{Active: a.activator.Active()})

	case wire.TypeQuery:
		var q wire.Query
		if err := env.Into(&q); err != nil {
			ch.sendError(env.ID, fleet.ReasonInternal, err.Error())
			return
		}
		ch.send(env.ID, wire.TypeQueryResult, &wire.QueryResult{Held: a.store.Held(q.Digests)})

	case wire.TypeChunk:
		a.handleChunk(ch, env)

	case wire.TypeAbort:
		if in, ok := ch.ingests[env.ID]; ok {
			in.Abort()
			delete(ch.ingests, env.ID)
			a.log.Info().Str("digest", in.Digest().Short()).Msg("ingest aborted by server")
		}
		delete(ch.rejected, env.ID)
		delete(ch.partial, env.ID)

	case wire.TypeActivate:
		var req wire.Activate
		if err := env.Into(&req); err != nil {
			delete(ch.partial, env.ID)
			ch.sendError(env.ID, fleet.ReasonInternal, err.Error())
			return
		}
		if prev, ok := ch.partial[env.ID]; ok {
			req.Closure = append(prev.Closure, req.Closure...)
		}
		if req.More {
			ch.partial[env.ID] = req
			return
		}
		delete(ch.partial, env.ID)
		// Activation may run long; the read loop keeps answering pings.
		a.activations.Add(1)
		go func() {
			defer a.activations.Done()
			out := a.activator.Activate(ctx, req.Target, req.Closure)
			ch.send(env.ID, wire.TypeOutcome, &out)
		}()

	case wire.TypeError:
		var body wire.Error
		if err := env.Into(&body); err == nil {
			a.log.Warn().Str("reason", string(body.Reason)).Str("detail", body.Detail).Msg("server reported error")
		}

	default:
		ch.sendError(env.ID, fleet.ReasonInternal, "unsupported message "+string(env.Type))
	}
}

// handleChunk feeds one chunk into the ingest of its stream. The first chunk
// opens the ingest and the final one commits it; any failure is acked at
// once and the rest of the stream is ignored.
func (a *Agent) handleChunk(ch *channel, env wire.Envelope) {
	var c wire.Chunk
	if err := env.Into(&c); err != nil {
		ch.sendError(env.ID, fleet.ReasonInternal, err.Error())
		return
	}
	if ch.rejected[env.ID] {
		if c.Final {
			delete(ch.rejected, env.ID)
		}
		return
	}

	in, ok := ch.ingests[env.ID]
	if !ok {
		if c.Offset != 0 {
			a.rejectChunk(ch, env.ID, c, fleet.Errorf("ingest", fleet.ReasonHashMismatch, "%s: stream starts at offset %d", c.Digest.Short(), c.Offset))
			return
		}
		var err error
		if in, err = a.store.Begin(c.Digest, c.Size); err != nil {
			a.rejectChunk(ch, env.ID, c, err)
			return
		}
		ch.ingests[env.ID] = in
	}
	if in.Digest() != c.Digest {
		a.rejectChunk(ch, env.ID, c, fleet.Errorf("ingest", fleet.ReasonHashMismatch, "stream switched from %s to %s", in.Digest().Short(), c.Digest.Short()))
		return
	}

	raw, err := wire.Unpack(c)
	if err != nil {
		a.rejectChunk(ch, env.ID, c, fleet.Wrap("ingest", fleet.ReasonHashMismatch, err))
		return
	}
	if err := in.Write(c.Offset, raw); err != nil {
		a.rejectChunk(ch, env.ID, c, err)
		return
	}
	if !c.Final {
		return
	}

	delete(ch.ingests, env.ID)
	if err := in.Commit(); err != nil {
		a.log.Warn().Err(err).Str("digest", c.Digest.Short()).Msg("ingest rejected")
		ch.send(env.ID, wire.TypeAck, &wire.Ack{Digest: c.Digest, Reason: fleet.ReasonOf(err), Detail: err.Error()})
		return
	}
	a.log.Debug().Str("digest", c.Digest.Short()).Int64("size", c.Size).Msg("artifact committed")
	ch.send(env.ID, wire.TypeAck, &wire.Ack{Digest: c.Digest, OK: true})
}

func (a *Agent) rejectChunk(ch *channel, id uint64, c wire.Chunk, err error) {
	if in, ok := ch.ingests[id]; ok {
		in.Abort()
		delete(ch.ingests, id)
	}
	if !c.Final {
		ch.rejected[id] = true
	}
	a.log.Warn().Err(err).Str("digest", c.Digest.Short()).Msg("ingest rejected")
	ch.send(id, wire.TypeAck, &wire.Ack{Digest: c.Digest, Reason: fleet.ReasonOf(err), Detail: err.Error()})
}
