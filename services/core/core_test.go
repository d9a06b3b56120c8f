package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/pkg/wire"
	"fleetd/services/activation"
	"fleetd/services/contentstore"
	"fleetd/services/hub"
	"fleetd/services/registry"
	"fleetd/services/transfer"
)

// memAgent keeps verified payloads and an active pointer.
type memAgent struct {
	mu     sync.Mutex
	held   map[digest.Digest]bool
	active digest.Digest
}

func (a *memAgent) Ping(context.Context) (wire.Pong, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return wire.Pong{Active: a.active}, nil
}

func (a *memAgent) Query(_ context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []digest.Digest
	for _, d := range digests {
		if a.held[d] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (a *memAgent) Deliver(_ context.Context, d digest.Digest, _ int64, r io.Reader) (wire.Ack, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return wire.Ack{}, err
	}
	if !d.Verify(data) {
		return wire.Ack{Digest: d, Reason: fleet.ReasonHashMismatch}, nil
	}
	a.mu.Lock()
	a.held[d] = true
	a.mu.Unlock()
	return wire.Ack{Digest: d, OK: true}, nil
}

func (a *memAgent) Activate(_ context.Context, target digest.Digest, closure []digest.Digest) (wire.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range closure {
		if !a.held[d] {
			return wire.Outcome{Reason: fleet.ReasonIncompleteClosure, Active: a.active, Restored: a.active}, nil
		}
	}
	a.active = target
	return wire.Outcome{Success: true, Active: target}, nil
}

type connector map[uuid.UUID]hub.Channel

func (c connector) Channel(id uuid.UUID) (hub.Channel, error) {
	ch, ok := c[id]
	if !ok {
		return nil, fleet.Errorf("channel", fleet.ReasonAgentUnreachable, "no channel")
	}
	return ch, nil
}

func newCore(t *testing.T) (*Core, uuid.UUID, *memAgent) {
	t.Helper()
	reg := registry.New()
	store := contentstore.NewMemory()
	agentID := uuid.New()
	agent := &memAgent{held: map[digest.Digest]bool{}}
	conn := connector{agentID: agent}

	engine := transfer.New(store, reg, conn)
	ctrl := activation.New(store, reg, engine, conn)
	t.Cleanup(func() {
		ctrl.Close()
		engine.Close()
	})

	c, err := New(Deps{Registry: reg, Store: store, Transfers: engine, Activations: ctrl})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(context.Background(), registry.Registration{ID: agentID, Hostname: "a"}); err != nil {
		t.Fatal(err)
	}
	return c, agentID, agent
}

func waitTransfer(t *testing.T, c *Core, id uuid.UUID) transfer.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := c.GetTransferStatus(id)
		if err != nil {
			t.Fatal(err)
		}
		if s.Status.Terminal() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transfer %s did not finish", id)
	return transfer.Snapshot{}
}

func TestTransferThenActivate(t *testing.T) {
	c, agentID, agent := newCore(t)
	ctx := context.Background()

	d1, err := c.PutArtifact(ctx, bytes.Repeat([]byte("a"), 100<<10), nil)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := c.PutArtifact(ctx, bytes.Repeat([]byte("b"), 200<<10), nil)
	if err != nil {
		t.Fatal(err)
	}
	h, err := c.PutArtifact(ctx, bytes.Repeat([]byte("c"), 100<<10), []digest.Digest{d1.Digest, d2.Digest})
	if err != nil {
		t.Fatal(err)
	}

	// Activating before the closure is on the agent is refused.
	if _, err := c.RequestActivation(ctx, agentID, h.Digest); !errors.Is(err, fleet.ErrIncompleteClosure) {
		t.Fatalf("early activation error = %v", err)
	}

	snap, err := c.RequestTransfer(ctx, agentID, h.Digest, false)
	if err != nil {
		t.Fatalf("RequestTransfer: %v", err)
	}
	if len(snap.Closure) != 3 {
		t.Fatalf("closure = %v", snap.Closure)
	}
	done := waitTransfer(t, c, snap.ID)
	if done.Status != fleet.TransferCompleted || done.PendingCount() != 0 {
		t.Fatalf("transfer = %+v", done)
	}

	// A second transfer of the same root has nothing to send.
	again, err := c.RequestTransfer(ctx, agentID, h.Digest, false)
	if err != nil {
		t.Fatal(err)
	}
	if again = waitTransfer(t, c, again.ID); again.Delivered != 0 || again.Status != fleet.TransferCompleted {
		t.Fatalf("second transfer = %+v", again)
	}

	req, err := c.RequestActivation(ctx, agentID, h.Digest)
	if err != nil {
		t.Fatalf("RequestActivation: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := c.WaitActivation(waitCtx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != fleet.ActivationActive {
		t.Fatalf("activation = %+v", result)
	}

	got, err := c.GetAgent(agentID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveArtifact != h.Digest {
		t.Fatalf("agent active = %s, want %s", got.ActiveArtifact, h.Digest)
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.active != h.Digest {
		t.Fatalf("agent-side active = %s", agent.active)
	}
}

func TestGetArtifactClosure(t *testing.T) {
	c, _, _ := newCore(t)
	ctx := context.Background()
	lib, _ := c.PutArtifact(ctx, []byte("lib"), nil)
	app, _ := c.PutArtifact(ctx, []byte("app"), []digest.Digest{lib.Digest})

	a, closure, err := c.GetArtifact(ctx, app.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest != app.Digest || len(closure) != 2 || closure[0].Digest != lib.Digest {
		t.Fatalf("artifact = %+v closure = %+v", a, closure)
	}
	if _, _, err := c.GetArtifact(ctx, digest.Of([]byte("none"))); !errors.Is(err, fleet.ErrUnknownArtifact) {
		t.Fatalf("GetArtifact unknown error = %v", err)
	}
}

func TestHistoryDisabled(t *testing.T) {
	c, agentID, _ := newCore(t)
	if _, err := c.TransferHistory(context.Background(), agentID, 10); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("TransferHistory error = %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error")
	}
}
