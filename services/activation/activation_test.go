package activation

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"fleetd/pkg/bus"
	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/pkg/wire"
	"fleetd/services/contentstore"
	"fleetd/services/hub"
	"fleetd/services/registry"
)

type fakeChannel struct {
	outcome wire.Outcome
	err     error
	block   chan struct{}
	calls   atomic.Int32
}

func (f *fakeChannel) Ping(context.Context) (wire.Pong, error) { return wire.Pong{}, nil }

func (f *fakeChannel) Query(context.Context, []digest.Digest) ([]digest.Digest, error) {
	return nil, nil
}

func (f *fakeChannel) Deliver(context.Context, digest.Digest, int64, io.Reader) (wire.Ack, error) {
	return wire.Ack{}, errors.New("not supported")
}

func (f *fakeChannel) Activate(ctx context.Context, target digest.Digest, _ []digest.Digest) (wire.Outcome, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return wire.Outcome{}, fleet.Wrap("activate", fleet.ReasonCanceled, ctx.Err())
		}
	}
	if f.err != nil {
		return wire.Outcome{}, f.err
	}
	out := f.outcome
	if out.Success && out.Active.IsZero() {
		out.Active = target
	}
	return out, nil
}

type fakeClosures struct {
	mu      sync.Mutex
	missing []digest.Digest
	err     error
}

func (f *fakeClosures) Missing(context.Context, uuid.UUID, digest.Digest) ([]digest.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.missing, f.err
}

type connector map[uuid.UUID]hub.Channel

func (c connector) Channel(id uuid.UUID) (hub.Channel, error) {
	ch, ok := c[id]
	if !ok {
		return nil, fleet.Errorf("channel", fleet.ReasonAgentUnreachable, "no channel")
	}
	return ch, nil
}

type events struct {
	mu      sync.Mutex
	items   []bus.ActivationEvent
	history []Snapshot
}

func (e *events) Publish(_ context.Context, _ string, v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = append(e.items, v.(bus.ActivationEvent))
	return nil
}

func (e *events) RecordActivation(_ context.Context, s Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, s)
	return nil
}

type fixture struct {
	reg      *registry.Registry
	closures *fakeClosures
	channel  *fakeChannel
	events   *events
	ctrl     *Controller
	agentID  uuid.UUID
	previous digest.Digest
	target   digest.Digest
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store := contentstore.NewMemory()
	prev, err := store.Put(ctx, []byte("generation 1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	dep, err := store.Put(ctx, []byte("library"), nil)
	if err != nil {
		t.Fatal(err)
	}
	target, err := store.Put(ctx, []byte("generation 2"), []digest.Digest{dep.Digest})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		reg:      registry.New(),
		closures: &fakeClosures{},
		channel:  &fakeChannel{outcome: wire.Outcome{Success: true}},
		events:   &events{},
		agentID:  uuid.New(),
		previous: prev.Digest,
		target:   target.Digest,
	}
	if _, err := f.reg.Register(ctx, registry.Registration{ID: f.agentID, Active: f.previous}); err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithPublisher(f.events), WithRecorder(f.events)}, opts...)
	f.ctrl = New(store, f.reg, f.closures, connector{f.agentID: f.channel}, opts...)
	t.Cleanup(f.ctrl.Close)
	return f
}

func (f *fixture) wait(t *testing.T, id uuid.UUID) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := f.ctrl.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return snap
}

func TestActivationSucceeds(t *testing.T) {
	f := newFixture(t)

	snap, err := f.ctrl.Request(context.Background(), f.agentID, f.target)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if snap.Previous != f.previous {
		t.Fatalf("previous = %s", snap.Previous)
	}

	done := f.wait(t, snap.ID)
	if done.State != fleet.ActivationActive || done.Reason != fleet.ReasonNone {
		t.Fatalf("finished = %+v", done)
	}
	agent, _ := f.reg.Get(f.agentID)
	if agent.ActiveArtifact != f.target || agent.Activation != fleet.ActivationActive {
		t.Fatalf("agent = %+v", agent)
	}
	if len(f.events.items) != 1 || f.events.items[0].Active != f.target.String() {
		t.Fatalf("events = %+v", f.events.items)
	}
	if len(f.events.history) != 1 {
		t.Fatalf("history = %+v", f.events.history)
	}
}

func TestIncompleteClosureLeavesPointer(t *testing.T) {
	f := newFixture(t)
	f.closures.missing = []digest.Digest{digest.Of([]byte("library"))}

	snap, err := f.ctrl.Request(context.Background(), f.agentID, f.target)
	if !errors.Is(err, fleet.ErrIncompleteClosure) {
		t.Fatalf("Request error = %v", err)
	}
	if snap.State != fleet.ActivationFailed || snap.Reason != fleet.ReasonIncompleteClosure {
		t.Fatalf("snapshot = %+v", snap)
	}
	if f.channel.calls.Load() != 0 {
		t.Fatal("agent was told to activate")
	}
	agent, _ := f.reg.Get(f.agentID)
	if agent.ActiveArtifact != f.previous {
		t.Fatalf("active = %s, want %s", agent.ActiveArtifact, f.previous)
	}
	if agent.Activation != fleet.ActivationIdle {
		t.Fatalf("agent activation = %s, want idle", agent.Activation)
	}

	// The failed request does not block the next one.
	f.closures.mu.Lock()
	f.closures.missing = nil
	f.closures.mu.Unlock()
	next, err := f.ctrl.Request(context.Background(), f.agentID, f.target)
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if got := f.wait(t, next.ID); got.State != fleet.ActivationActive {
		t.Fatalf("second request = %+v", got)
	}
}

func TestHookFailureRestoresPrevious(t *testing.T) {
	f := newFixture(t)
	f.channel.outcome = wire.Outcome{
		Reason:   fleet.ReasonActivationHookFailure,
		Detail:   "exit status 1",
		Restored: f.previous,
		Active:   f.previous,
	}

	snap, err := f.ctrl.Request(context.Background(), f.agentID, f.target)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	done := f.wait(t, snap.ID)
	if done.State != fleet.ActivationFailed || done.Reason != fleet.ReasonActivationHookFailure {
		t.Fatalf("finished = %+v", done)
	}
	if done.Restored != f.previous {
		t.Fatalf("restored = %s", done.Restored)
	}
	agent, _ := f.reg.Get(f.agentID)
	if agent.ActiveArtifact != f.previous {
		t.Fatalf("active = %s, want %s", agent.ActiveArtifact, f.previous)
	}
	if agent.Activation != fleet.ActivationIdle {
		t.Fatalf("agent activation = %s, want idle", agent.Activation)
	}
}

func TestChannelLossDuringActivation(t *testing.T) {
	f := newFixture(t)
	f.channel.err = fleet.Errorf("activate", fleet.ReasonAgentUnreachable, "channel lost")

	snap, err := f.ctrl.Request(context.Background(), f.agentID, f.target)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	done := f.wait(t, snap.ID)
	if done.State != fleet.ActivationFailed || done.Reason != fleet.ReasonAgentUnreachable {
		t.Fatalf("finished = %+v", done)
	}
}

func TestConcurrentRequestsSerialize(t *testing.T) {
	f := newFixture(t)
	f.channel.block = make(chan struct{})

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []uuid.UUID
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := f.ctrl.Request(context.Background(), f.agentID, f.target)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted = append(accepted, snap.ID)
			case errors.Is(err, fleet.ErrActivationInProgress):
				rejected++
			default:
				t.Errorf("Request error = %v", err)
			}
		}()
	}
	wg.Wait()
	if len(accepted) != 1 || rejected != n-1 {
		t.Fatalf("accepted %d, rejected %d", len(accepted), rejected)
	}

	close(f.channel.block)
	if got := f.wait(t, accepted[0]); got.State != fleet.ActivationActive {
		t.Fatalf("accepted request = %+v", got)
	}
	if calls := f.channel.calls.Load(); calls != 1 {
		t.Fatalf("agent activated %d times", calls)
	}
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		agent  uuid.UUID
		target digest.Digest
		want   error
	}{
		{name: "unknown agent", agent: uuid.New(), target: f.target, want: fleet.ErrNotFound},
		{name: "unknown artifact", agent: f.agentID, target: digest.Of([]byte("absent")), want: fleet.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.ctrl.Request(ctx, tt.agent, tt.target); !errors.Is(err, tt.want) {
				t.Fatalf("Request error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := f.ctrl.Status(uuid.New()); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("Status error = %v", err)
	}
}

func TestUnreachableDuringVerification(t *testing.T) {
	f := newFixture(t)
	f.closures.err = fleet.Errorf("closure check", fleet.ReasonAgentUnreachable, "offline")

	snap, err := f.ctrl.Request(context.Background(), f.agentID, f.target)
	if !errors.Is(err, fleet.ErrAgentUnreachable) {
		t.Fatalf("Request error = %v", err)
	}
	if snap.State != fleet.ActivationFailed || snap.Reason != fleet.ReasonAgentUnreachable {
		t.Fatalf("snapshot = %+v", snap)
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestResolvedRequestsArePruned(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := newFixture(t, WithClock(clk.Now), WithRetention(time.Hour))
	ctx := context.Background()

	old, err := f.ctrl.Request(ctx, f.agentID, f.target)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	f.wait(t, old.ID)

	clk.Advance(30 * time.Minute)
	recent, err := f.ctrl.Request(ctx, f.agentID, f.previous)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	f.wait(t, recent.ID)

	clk.Advance(45 * time.Minute)
	fresh, err := f.ctrl.Request(ctx, f.agentID, f.target)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	f.wait(t, fresh.ID)

	if _, err := f.ctrl.Status(old.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("old request still held: %v", err)
	}
	for _, id := range []uuid.UUID{recent.ID, fresh.ID} {
		if _, err := f.ctrl.Status(id); err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
	}
}
