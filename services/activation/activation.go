// Package activation drives an agent from its current artifact to a target
// one. A request verifies the target's closure on the agent before the agent
// is told to switch, and only one request per agent may be unresolved.
package activation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/pkg/bus"
	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/pkg/metrics"
	"fleetd/services/contentstore"
	"fleetd/services/hub"
	"fleetd/services/registry"
)

// DefaultRetention is how long a resolved request stays queryable.
const DefaultRetention = 24 * time.Hour

// Snapshot is a copy of an activation request's state.
type Snapshot struct {
	ID          uuid.UUID             `json:"id"`
	AgentID     uuid.UUID             `json:"agent_id"`
	Target      digest.Digest         `json:"target"`
	Previous    digest.Digest         `json:"previous,omitempty"`
	Restored    digest.Digest         `json:"restored,omitempty"`
	State       fleet.ActivationState `json:"state"`
	Reason      fleet.Reason          `json:"reason,omitempty"`
	Detail      string                `json:"detail,omitempty"`
	RequestedAt time.Time             `json:"requested_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
}

// Agents is the registry surface the controller reads and writes.
type Agents interface {
	Get(id uuid.UUID) (registry.Agent, error)
	SetActiveArtifact(ctx context.Context, id uuid.UUID, d digest.Digest) error
	SetActivation(ctx context.Context, id uuid.UUID, state fleet.ActivationState) error
}

// Closures reports which members of a closure an agent lacks.
type Closures interface {
	Missing(ctx context.Context, agentID uuid.UUID, root digest.Digest) ([]digest.Digest, error)
}

// Connector hands out the live channel of an agent.
type Connector interface {
	Channel(id uuid.UUID) (hub.Channel, error)
}

type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Recorder journals activation outcomes.
type Recorder interface {
	RecordActivation(ctx context.Context, s Snapshot) error
}

type request struct {
	snap Snapshot
	done chan struct{}
}

type Controller struct {
	store    contentstore.Store
	agents   Agents
	closures Closures
	channels Connector

	events    Publisher
	history   Recorder
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	requests map[uuid.UUID]*request
	inflight map[uuid.UUID]uuid.UUID // agent -> unresolved request
}

type Option func(*Controller)

func WithPublisher(p Publisher) Option { return func(c *Controller) { c.events = p } }

func WithRecorder(r Recorder) Option { return func(c *Controller) { c.history = r } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(c *Controller) { c.log = l } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithRetention sets how long resolved requests are kept in memory.
func WithRetention(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.retention = d
		}
	}
}

func New(store contentstore.Store, agents Agents, closures Closures, channels Connector, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:     store,
		agents:    agents,
		closures:  closures,
		channels:  channels,
		log:       zerolog.Nop(),
		now:       time.Now,
		retention: DefaultRetention,
		ctx:       ctx,
		cancel:    cancel,
		requests:  make(map[uuid.UUID]*request),
		inflight:  make(map[uuid.UUID]uuid.UUID),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "activation").Logger()
	return c
}

// Request starts activating target on an agent. It returns once the closure
// has been verified on the agent; the switch itself runs in the background.
// A request that fails verification is returned Failed together with the
// error.
func (c *Controller) Request(ctx context.Context, agentID uuid.UUID, target digest.Digest) (Snapshot, error) {
	const op = "request activation"
	agent, err := c.agents.Get(agentID)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := c.store.Stat(ctx, target); err != nil {
		if errors.Is(err, fleet.ErrUnknownArtifact) {
			return Snapshot{}, fleet.Errorf(op, fleet.ReasonNotFound, "artifact %s", target)
		}
		return Snapshot{}, err
	}

	r, err := c.claim(op, agent, target)
	if err != nil {
		return Snapshot{}, err
	}
	log := c.log.With().
		Str("activation_id", r.snap.ID.String()).
		Str("agent_id", agentID.String()).
		Str("target", target.Short()).
		Logger()
	c.syncRegistry(ctx, r.snap, log)

	if err := c.advance(ctx, r, fleet.ActivationVerifyingClosure, log); err != nil {
		return c.finish(ctx, r, fleet.ActivationFailed, err, log)
	}
	closure, err := contentstore.Closure(ctx, c.store, target)
	if err != nil {
		return c.finish(ctx, r, fleet.ActivationFailed, err, log)
	}
	missing, err := c.closures.Missing(ctx, agentID, target)
	if err != nil {
		return c.finish(ctx, r, fleet.ActivationFailed, err, log)
	}
	if len(missing) > 0 {
		err := fleet.Errorf(op, fleet.ReasonIncompleteClosure,
			"%d of %d closure members missing on agent, first %s", len(missing), len(closure), missing[0].Short())
		return c.finish(ctx, r, fleet.ActivationFailed, err, log)
	}
	ch, err := c.channels.Channel(agentID)
	if err != nil {
		return c.finish(ctx, r, fleet.ActivationFailed, err, log)
	}
	if err := c.advance(ctx, r, fleet.ActivationActivating, log); err != nil {
		return c.finish(ctx, r, fleet.ActivationFailed, err, log)
	}

	snap := c.snapshot(r)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.activate(c.ctx, r, ch, contentstore.Digests(closure), log)
	}()
	return snap, nil
}

func (c *Controller) claim(op string, agent registry.Agent, target digest.Digest) (*request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if other, ok := c.inflight[agent.ID]; ok {
		return nil, fleet.Errorf(op, fleet.ReasonActivationInProgress,
			"activation %s is unresolved for agent %s", other, agent.ID)
	}
	now := c.now()
	c.pruneLocked(now)
	r := &request{
		snap: Snapshot{
			ID:          uuid.New(),
			AgentID:     agent.ID,
			Target:      target,
			Previous:    agent.ActiveArtifact,
			State:       fleet.ActivationRequested,
			RequestedAt: now,
			UpdatedAt:   now,
		},
		done: make(chan struct{}),
	}
	c.requests[r.snap.ID] = r
	c.inflight[agent.ID] = r.snap.ID
	return r, nil
}

// pruneLocked forgets requests resolved more than the retention ago.
func (c *Controller) pruneLocked(now time.Time) {
	for id, r := range c.requests {
		if r.snap.FinishedAt != nil && now.Sub(*r.snap.FinishedAt) >= c.retention {
			delete(c.requests, id)
		}
	}
}

func (c *Controller) activate(ctx context.Context, r *request, ch hub.Channel, closure []digest.Digest, log zerolog.Logger) {
	snap := c.snapshot(r)
	log.Info().Msg("activating")

	out, err := ch.Activate(ctx, snap.Target, closure)
	if err != nil {
		_, _ = c.finish(ctx, r, fleet.ActivationFailed, err, log)
		return
	}
	if out.Success {
		if err := c.agents.SetActiveArtifact(context.WithoutCancel(ctx), snap.AgentID, snap.Target); err != nil {
			log.Warn().Err(err).Msg("record active artifact")
		}
		_, _ = c.finish(ctx, r, fleet.ActivationActive, nil, log)
		return
	}

	restored := out.Restored
	if restored.IsZero() {
		restored = out.Active
	}
	if restored.IsZero() {
		restored = snap.Previous
	}
	c.mu.Lock()
	r.snap.Restored = restored
	c.mu.Unlock()
	if err := c.agents.SetActiveArtifact(context.WithoutCancel(ctx), snap.AgentID, restored); err != nil {
		log.Warn().Err(err).Msg("record restored artifact")
	}

	reason := out.Reason
	if reason == fleet.ReasonNone {
		reason = fleet.ReasonActivationHookFailure
	}
	_, _ = c.finish(ctx, r, fleet.ActivationFailed, &fleet.Error{Op: "activate", Reason: reason, Detail: out.Detail}, log)
}

func (c *Controller) advance(ctx context.Context, r *request, next fleet.ActivationState, log zerolog.Logger) error {
	c.mu.Lock()
	cur := r.snap.State
	if !cur.CanTransition(next) {
		c.mu.Unlock()
		return fleet.Errorf("activation", fleet.ReasonInternal, "illegal transition %s -> %s", cur, next)
	}
	r.snap.State = next
	r.snap.UpdatedAt = c.now()
	snap := r.snap
	c.mu.Unlock()

	log.Debug().Str("state", next.String()).Msg("activation state")
	c.syncRegistry(ctx, snap, log)
	return nil
}

// finish moves r to a terminal state and frees the agent for the next
// request.
func (c *Controller) finish(ctx context.Context, r *request, state fleet.ActivationState, cause error, log zerolog.Logger) (Snapshot, error) {
	reason := fleet.ReasonOf(cause)
	if errors.Is(cause, context.Canceled) {
		reason = fleet.ReasonCanceled
	}

	now := c.now()
	c.mu.Lock()
	r.snap.State = state
	r.snap.Reason = reason
	if cause != nil {
		r.snap.Detail = cause.Error()
	}
	r.snap.UpdatedAt = now
	r.snap.FinishedAt = &now
	snap := r.snap
	c.mu.Unlock()
	defer close(r.done)

	// Bookkeeping outlives the request context.
	ctx = context.WithoutCancel(ctx)
	c.syncRegistry(ctx, snap, log)
	if state.CanTransition(fleet.ActivationIdle) {
		// The agent's record rests at Idle once a failure is recorded.
		idle := snap
		idle.State = fleet.ActivationIdle
		c.syncRegistry(ctx, idle, log)
	}
	// The registry is settled before the agent is free for the next request.
	c.mu.Lock()
	if c.inflight[snap.AgentID] == snap.ID {
		delete(c.inflight, snap.AgentID)
	}
	c.mu.Unlock()

	c.metrics.ActivationFinished(state.String(), string(reason), now.Sub(snap.RequestedAt).Seconds())

	if state == fleet.ActivationFailed {
		log.Warn().Err(cause).Str("reason", string(reason)).Msg("activation failed")
	} else {
		log.Info().Str("state", state.String()).Msg("activation finished")
	}

	if c.history != nil {
		if err := c.history.RecordActivation(ctx, snap); err != nil {
			log.Warn().Err(err).Msg("record activation")
		}
	}
	if c.events != nil {
		active := snap.Target
		if state != fleet.ActivationActive {
			active = snap.Restored
		}
		err := c.events.Publish(ctx, bus.SubjectActivationFinished, bus.ActivationEvent{
			ActivationID: snap.ID,
			AgentID:      snap.AgentID,
			Target:       snap.Target.String(),
			State:        state.String(),
			Reason:       string(reason),
			Active:       active.String(),
			At:           now,
		})
		if err != nil {
			log.Warn().Err(err).Msg("publish activation event")
		}
	}
	return snap, cause
}

func (c *Controller) syncRegistry(ctx context.Context, snap Snapshot, log zerolog.Logger) {
	if err := c.agents.SetActivation(ctx, snap.AgentID, snap.State); err != nil {
		log.Warn().Err(err).Msg("record activation state")
	}
}

func (c *Controller) snapshot(r *request) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := r.snap
	if s.FinishedAt != nil {
		at := *s.FinishedAt
		s.FinishedAt = &at
	}
	return s
}

func (c *Controller) lookup(id uuid.UUID) (*request, error) {
	c.mu.Lock()
	r, ok := c.requests[id]
	c.mu.Unlock()
	if !ok {
		return nil, fleet.Errorf("activation", fleet.ReasonNotFound, "activation %s", id)
	}
	return r, nil
}

// Status returns the current snapshot of a request.
func (c *Controller) Status(id uuid.UUID) (Snapshot, error) {
	r, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return c.snapshot(r), nil
}

// Wait blocks until the request is Active or Failed, or ctx ends.
func (c *Controller) Wait(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	r, err := c.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-r.done:
		return c.snapshot(r), nil
	case <-ctx.Done():
		return c.snapshot(r), ctx.Err()
	}
}

// Close cancels in-flight activations and waits for them to resolve.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}
