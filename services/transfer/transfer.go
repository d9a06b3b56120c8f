// Package transfer plans and executes deliveries of an artifact closure to
// one agent. Only artifacts the agent does not already hold are sent, and an
// artifact leaves the pending set only after the agent acknowledges a
// verified commit.
package transfer

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/services/contentstore"
)

// Snapshot is a copy of a transfer's state at one instant.
type Snapshot struct {
	ID         uuid.UUID            `json:"id"`
	AgentID    uuid.UUID            `json:"agent_id"`
	Root       digest.Digest        `json:"root"`
	Closure    []digest.Digest      `json:"closure"`
	Pending    []digest.Digest      `json:"pending"`
	Status     fleet.TransferStatus `json:"status"`
	Reason     fleet.Reason         `json:"reason,omitempty"`
	Detail     string               `json:"detail,omitempty"`
	Delivered  int                  `json:"delivered"`
	Activate   bool                 `json:"activate,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
}

// PendingCount is the number of closure members not yet verified on the agent.
func (s Snapshot) PendingCount() int { return len(s.Pending) }

type transfer struct {
	id        uuid.UUID
	agentID   uuid.UUID
	root      digest.Digest
	closure   []contentstore.Artifact
	pending   []digest.Digest
	status    fleet.TransferStatus
	reason    fleet.Reason
	detail    string
	delivered int
	runs      int
	activate  bool
	created   time.Time
	updated   time.Time
	finished  *time.Time
}

func (t *transfer) snapshot() Snapshot {
	s := Snapshot{
		ID:        t.id,
		AgentID:   t.agentID,
		Root:      t.root,
		Closure:   contentstore.Digests(t.closure),
		Pending:   slices.Clone(t.pending),
		Status:    t.status,
		Reason:    t.reason,
		Detail:    t.detail,
		Delivered: t.delivered,
		Activate:  t.activate,
		CreatedAt: t.created,
		UpdatedAt: t.updated,
	}
	if s.Pending == nil {
		s.Pending = []digest.Digest{}
	}
	if t.finished != nil {
		at := *t.finished
		s.FinishedAt = &at
	}
	return s
}

func (t *transfer) artifact(d digest.Digest) (contentstore.Artifact, bool) {
	for _, a := range t.closure {
		if a.Digest == d {
			return a, true
		}
	}
	return contentstore.Artifact{}, false
}

func (t *transfer) drop(d digest.Digest) {
	t.pending = slices.DeleteFunc(t.pending, func(p digest.Digest) bool { return p == d })
}

func sortByCreated(s []Snapshot) {
	slices.SortFunc(s, func(a, b Snapshot) int { return a.CreatedAt.Compare(b.CreatedAt) })
}

// residual returns the closure members absent from held, in closure order.
func residual(closure []contentstore.Artifact, held []digest.Digest) []digest.Digest {
	have := make(map[digest.Digest]struct{}, len(held))
	for _, d := range held {
		have[d] = struct{}{}
	}
	out := make([]digest.Digest, 0, len(closure))
	for _, a := range closure {
		if _, ok := have[a.Digest]; !ok {
			out = append(out, a.Digest)
		}
	}
	return out
}
