package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/pkg/wire"
)

// Channel is the request surface of one connected agent.
type Channel interface {
	Ping(ctx context.Context) (wire.Pong, error)
	Query(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error)
	Deliver(ctx context.Context, d digest.Digest, size int64, r io.Reader) (wire.Ack, error)
	Activate(ctx context.Context, target digest.Digest, closure []digest.Digest) (wire.Outcome, error)
}

var (
	errReplaced = errors.New("superseded by a newer connection")
	errClosed   = errors.New("hub closed")
)

// Session is the server end of one agent websocket. Requests may be issued
// concurrently; replies are matched to requests by envelope ID.
type Session struct {
	agentID uuid.UUID
	conn    *websocket.Conn
	send    chan []byte
	silence time.Duration
	log     zerolog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan wire.Envelope

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(agentID uuid.UUID, conn *websocket.Conn, silence time.Duration, log zerolog.Logger) *Session {
	return &Session{
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		silence: silence,
		log:     log,
		pending: make(map[uint64]chan wire.Envelope),
		done:    make(chan struct{}),
	}
}

// AgentID is the identity presented in the handshake.
func (s *Session) AgentID() uuid.UUID { return s.agentID }

// Done is closed once the session is unusable.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		s.closeErr = err
		close(s.done)
	})
}

func (s *Session) unreachable(op string) error {
	return fleet.Wrap(op, fleet.ReasonAgentUnreachable, s.Err())
}

// classify turns a context error into a fleet error.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fleet.Wrap(op, fleet.ReasonCanceled, err)
	}
	return fleet.Wrap(op, fleet.ReasonAgentUnreachable, err)
}

func (s *Session) enqueue(ctx context.Context, op string, data []byte) error {
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return s.unreachable(op)
	case <-ctx.Done():
		return classify(op, ctx.Err())
	}
}

func (s *Session) register() (uint64, chan wire.Envelope) {
	id := s.nextID.Add(1)
	ch := make(chan wire.Envelope, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return id, ch
}

func (s *Session) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// resolve hands a reply to the waiting request. Replies nobody waits for are
// dropped.
func (s *Session) resolve(env wire.Envelope) bool {
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (s *Session) await(ctx context.Context, op string, ch <-chan wire.Envelope) (wire.Envelope, error) {
	select {
	case env := <-ch:
		if env.Type == wire.TypeError {
			var body wire.Error
			if err := env.Into(&body); err != nil {
				return wire.Envelope{}, fmt.Errorf("%s: %w", op, err)
			}
			return wire.Envelope{}, body.Err(op)
		}
		return env, nil
	case <-s.done:
		return wire.Envelope{}, s.unreachable(op)
	case <-ctx.Done():
		return wire.Envelope{}, classify(op, ctx.Err())
	}
}

func (s *Session) request(ctx context.Context, op string, typ wire.Type, body any, want wire.Type) (wire.Envelope, error) {
	id, ch := s.register()
	defer s.forget(id)

	data, err := wire.Encode(id, typ, body)
	if err != nil {
		return wire.Envelope{}, err
	}
	if err := s.enqueue(ctx, op, data); err != nil {
		return wire.Envelope{}, err
	}
	env, err := s.await(ctx, op, ch)
	if err != nil {
		return wire.Envelope{}, err
	}
	if env.Type != want {
		return wire.Envelope{}, fmt.Errorf("%s: unexpected reply %s", op, env.Type)
	}
	return env, nil
}

func (s *Session) Ping(ctx context.Context) (wire.Pong, error) {
	env, err := s.request(ctx, "ping", wire.TypePing, nil, wire.TypePong)
	if err != nil {
		return wire.Pong{}, err
	}
	var pong wire.Pong
	if len(env.Body) > 0 {
		if err := env.Into(&pong); err != nil {
			return wire.Pong{}, err
		}
	}
	return pong, nil
}

// Query returns the subset of digests the agent reports holding. Long lists
// are asked one page at a time.
func (s *Session) Query(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var held []digest.Digest
	for _, page := range wire.Pages(digests) {
		if len(page) == 0 {
			continue
		}
		env, err := s.request(ctx, "query", wire.TypeQuery, &wire.Query{Digests: page}, wire.TypeQueryResult)
		if err != nil {
			return nil, err
		}
		var res wire.QueryResult
		if err := env.Into(&res); err != nil {
			return nil, err
		}
		held = append(held, res.Held...)
	}
	return held, nil
}

// Deliver streams one artifact payload in chunks and waits for the agent's
// verdict. A failed Ack is returned without error; transport failures are
// errors. If ctx ends mid-stream the agent is told to discard the partial
// payload.
func (s *Session) Deliver(ctx context.Context, d digest.Digest, size int64, r io.Reader) (wire.Ack, error) {
	const op = "deliver"
	id, ch := s.register()
	defer s.forget(id)

	abort := func() {
		data, err := wire.Encode(id, wire.TypeAbort, &wire.Abort{Digest: d})
		if err != nil {
			return
		}
		select {
		case s.send <- data:
		case <-s.done:
		case <-time.After(writeWait):
		}
	}

	buf := make([]byte, wire.ChunkSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(r, buf)
		switch {
		case readErr == nil, errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
		default:
			abort()
			return wire.Ack{}, fmt.Errorf("%s %s: read payload: %w", op, d.Short(), readErr)
		}
		final := readErr != nil || offset+int64(n) >= size

		payload, encoding, err := wire.Pack(buf[:n])
		if err != nil {
			abort()
			return wire.Ack{}, err
		}
		data, err := wire.Encode(id, wire.TypeChunk, &wire.Chunk{
			Digest:   d,
			Size:     size,
			Offset:   offset,
			Data:     payload,
			Encoding: encoding,
			Final:    final,
		})
		if err != nil {
			abort()
			return wire.Ack{}, err
		}
		if err := s.enqueue(ctx, op, data); err != nil {
			if ctx.Err() != nil {
				abort()
			}
			return wire.Ack{}, err
		}
		offset += int64(n)
		if final {
			break
		}

		// The agent may reject the artifact before the last chunk.
		select {
		case env := <-ch:
			return decodeAck(op, env)
		default:
		}
	}

	env, err := s.await(ctx, op, ch)
	if err != nil {
		if ctx.Err() != nil {
			abort()
		}
		return wire.Ack{}, err
	}
	return decodeAck(op, env)
}

func decodeAck(op string, env wire.Envelope) (wire.Ack, error) {
	switch env.Type {
	case wire.TypeAck:
		var ack wire.Ack
		if err := env.Into(&ack); err != nil {
			return wire.Ack{}, err
		}
		return ack, nil
	case wire.TypeError:
		var body wire.Error
		if err := env.Into(&body); err != nil {
			return wire.Ack{}, err
		}
		return wire.Ack{}, body.Err(op)
	default:
		return wire.Ack{}, fmt.Errorf("%s: unexpected reply %s", op, env.Type)
	}
}

// Activate asks the agent to switch to target and waits for its outcome. The
// closure travels in pages under one envelope ID.
func (s *Session) Activate(ctx context.Context, target digest.Digest, closure []digest.Digest) (wire.Outcome, error) {
	const op = "activate"
	id, ch := s.register()
	defer s.forget(id)

	pages := wire.Pages(closure)
	for i, page := range pages {
		data, err := wire.Encode(id, wire.TypeActivate, &wire.Activate{
			Target:  target,
			Closure: page,
			More:    i < len(pages)-1,
		})
		if err != nil {
			return wire.Outcome{}, err
		}
		if err := s.enqueue(ctx, op, data); err != nil {
			return wire.Outcome{}, err
		}
	}

	env, err := s.await(ctx, op, ch)
	if err != nil {
		return wire.Outcome{}, err
	}
	if env.Type != wire.TypeOutcome {
		return wire.Outcome{}, fmt.Errorf("%s: unexpected reply %s", op, env.Type)
	}
	var out wire.Outcome
	if err := env.Into(&out); err != nil {
		return wire.Outcome{}, err
	}
	return out, nil
}

func (s *Session) readPump(onMessage func()) error {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.silence))
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		env, err := wire.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("drop malformed message")
			continue
		}
		if onMessage != nil {
			onMessage()
		}

		switch env.Type {
		case wire.TypePong, wire.TypeQueryResult, wire.TypeAck, wire.TypeOutcome, wire.TypeError:
			if !s.resolve(env) {
				s.log.Debug().Uint64("id", env.ID).Str("type", string(env.Type)).Msg("reply without request")
			}
		default:
			s.log.Warn().Str("type", string(env.Type)).Msg("unexpected message from agent")
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.close(err)
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = s.conn.Close()
			return
		}
	}
}
