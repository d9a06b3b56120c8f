// Package wire defines the messages exchanged between fleetd and its agents.
//
// Every websocket binary message carries one CBOR-encoded Envelope. A request
// and its reply share the envelope ID; the side that initiates a request
// picks the ID. Chunk streams reuse one ID for every chunk of an artifact and
// are answered by a single Ack.
package wire

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
)

// ProtocolVersion is bumped on incompatible envelope or body changes.
const ProtocolVersion = 1

// ChunkSize bounds the uncompressed payload carried by a single Chunk.
const ChunkSize = 256 * 1024

// MaxMessageSize is the largest envelope either side accepts.
const MaxMessageSize = ChunkSize + 64*1024

// MaxDigestsPerMessage bounds the digest lists carried by Query, QueryResult
// and Activate so that any page stays well under MaxMessageSize.
const MaxDigestsPerMessage = 2048

// Type discriminates envelope bodies.
type Type string

const (
	TypeHello       Type = "hello"
	TypeWelcome     Type = "welcome"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeQuery       Type = "query"
	TypeQueryResult Type = "query_result"
	TypeChunk       Type = "chunk"
	TypeAck         Type = "ack"
	TypeAbort       Type = "abort"
	TypeActivate    Type = "activate"
	TypeOutcome     Type = "outcome"
	TypeError       Type = "error"
)

// Envelope frames every message.
type Envelope struct {
	ID   uint64          `cbor:"id"             json:"id"`
	Type Type            `cbor:"type"           json:"type"`
	Body cbor.RawMessage `cbor:"body,omitempty" json:"body,omitempty"`
}

// Hello is the first message an agent sends after connecting.
type Hello struct {
	AgentID  uuid.UUID     `cbor:"agent_id"         json:"agent_id"`
	Protocol int           `cbor:"protocol"         json:"protocol"`
	Version  string        `cbor:"version"          json:"version"`
	Hostname string        `cbor:"hostname"         json:"hostname"`
	Active   digest.Digest `cbor:"active,omitempty" json:"active,omitempty"`
}

// Welcome acknowledges a Hello and echoes what the server has on record for
// the agent. Recognized is false on an agent's first ever connection.
type Welcome struct {
	Server           string                `cbor:"server"            json:"server"`
	HeartbeatSeconds int                   `cbor:"heartbeat_seconds" json:"heartbeat_seconds"`
	Recognized       bool                  `cbor:"recognized"        json:"recognized"`
	Active           digest.Digest         `cbor:"active,omitempty"  json:"active,omitempty"`
	Activation       fleet.ActivationState `cbor:"activation"        json:"activation"`
}

type Ping struct{}

// Pong answers a Ping and reports the agent's current active artifact.
type Pong struct {
	Active digest.Digest `cbor:"active,omitempty" json:"active,omitempty"`
}

// Query asks which of Digests the agent already holds. Long lists are split
// into several queries.
type Query struct {
	Digests []digest.Digest `cbor:"digests" json:"digests"`
}

type QueryResult struct {
	Held []digest.Digest `cbor:"held" json:"held"`
}

// Chunk carries part of one artifact payload. Offset counts uncompressed
// bytes.
type Chunk struct {
	Digest   digest.Digest `cbor:"digest"             json:"digest"`
	Size     int64         `cbor:"size"               json:"size"`
	Offset   int64         `cbor:"offset"             json:"offset"`
	Data     []byte        `cbor:"data,omitempty"     json:"data,omitempty"`
	Encoding string        `cbor:"encoding,omitempty" json:"encoding,omitempty"`
	Final    bool          `cbor:"final,omitempty"    json:"final,omitempty"`
}

// Ack reports whether the agent committed a verified artifact.
type Ack struct {
	Digest digest.Digest `cbor:"digest"           json:"digest"`
	OK     bool          `cbor:"ok"               json:"ok"`
	Reason fleet.Reason  `cbor:"reason,omitempty" json:"reason,omitempty"`
	Detail string        `cbor:"detail,omitempty" json:"detail,omitempty"`
}

// Abort discards a partially received artifact.
type Abort struct {
	Digest digest.Digest `cbor:"digest" json:"digest"`
}

// Activate commands a profile switch. Closure lets the agent re-check
// completeness locally. A long closure is sent as several Activate messages
// under one envelope ID; all but the last set More.
type Activate struct {
	Target  digest.Digest   `cbor:"target"         json:"target"`
	Closure []digest.Digest `cbor:"closure"        json:"closure"`
	More    bool            `cbor:"more,omitempty" json:"more,omitempty"`
}

// Outcome is the agent's confirmation of an Activate.
type Outcome struct {
	Success  bool          `cbor:"success"            json:"success"`
	Active   digest.Digest `cbor:"active,omitempty"   json:"active,omitempty"`
	Restored digest.Digest `cbor:"restored,omitempty" json:"restored,omitempty"`
	Reason   fleet.Reason  `cbor:"reason,omitempty"   json:"reason,omitempty"`
	Detail   string        `cbor:"detail,omitempty"   json:"detail,omitempty"`
}

// Error answers a request the receiver could not handle.
type Error struct {
	Reason fleet.Reason `cbor:"reason" json:"reason"`
	Detail string       `cbor:"detail" json:"detail"`
}

func (e Error) Err(op string) error {
	reason := e.Reason
	if reason == fleet.ReasonNone {
		reason = fleet.ReasonInternal
	}
	return fleet.Errorf(op, reason, "%s", e.Detail)
}

// Pages splits digests into runs of at most MaxDigestsPerMessage. It always
// returns at least one, possibly empty, page.
func Pages(digests []digest.Digest) [][]digest.Digest {
	if len(digests) <= MaxDigestsPerMessage {
		return [][]digest.Digest{digests}
	}
	out := make([][]digest.Digest, 0, (len(digests)+MaxDigestsPerMessage-1)/MaxDigestsPerMessage)
	for start := 0; start < len(digests); start += MaxDigestsPerMessage {
		end := min(start+MaxDigestsPerMessage, len(digests))
		out = append(out, digests[start:end])
	}
	return out
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("wire: cbor encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("wire: cbor decoder: " + err.Error())
	}
}

// Encode builds the bytes of one envelope. A nil body is omitted.
func Encode(id uint64, typ Type, body any) ([]byte, error) {
	env := Envelope{ID: id, Type: typ}
	if body != nil {
		raw, err := encMode.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", typ, err)
		}
		env.Body = raw
	}
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	return data, nil
}

// Decode parses one envelope, leaving the body raw.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	return env, nil
}

// Into decodes the envelope body into v.
func (e Envelope) Into(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("decode %s: empty body", e.Type)
	}
	if err := decMode.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}
