package transfer

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

// DefaultMaxAttempts bounds deliveries of one artifact within a single
// execution when the agent keeps reporting a hash mismatch.
const DefaultMaxAttempts = 3

// DefaultRetention is how long a finished transfer stays queryable. The
// history journal keeps it afterwards.
const DefaultRetention = 24 * time.Hour

// Agents resolves agent records.
type Agents interface {
	Get(id uuid.UUID) (registry.Agent, error)
}

// Connector hands out the live channel of an agent.
type Connector interface {
	Channel(id uuid.UUID) (hub.Channel, error)
}

// Publisher receives terminal transfer events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Recorder journals transfer outcomes.
type Recorder interface {
	RecordTransfer(ctx context.Context, s Snapshot) error
}

// Engine owns every transfer. At most one transfer per agent executes at a
// time.
type Engine struct {
	store    contentstore.Store
	agents   Agents
	channels Connector

	events      Publisher
	history     Recorder
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time
	maxAttempts int
	retention   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	transfers map[uuid.UUID]*transfer
	running   map[uuid.UUID]*slot // by agent
}

// slot is one agent's claim to execute a transfer.
type slot struct {
	id     uuid.UUID
	cancel context.CancelFunc
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.events = p } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.history = r } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetention sets how long finished transfers are kept in memory.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

func New(store contentstore.Store, agents Agents, channels Connector, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       store,
		agents:      agents,
		channels:    channels,
		log:         zerolog.Nop(),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		retention:   DefaultRetention,
		ctx:         ctx,
		cancel:      cancel,
		transfers:   make(map[uuid.UUID]*transfer),
		running:     make(map[uuid.UUID]*slot),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "transfer").Logger()
	return e
}

type planOptions struct {
	activate bool
}

// PlanOption adjusts a new transfer.
type PlanOption func(*planOptions)

// ActivateOnCompletion marks the transfer so that a rollout activates its
// root once every artifact is delivered.
func ActivateOnCompletion() PlanOption {
	return func(o *planOptions) { o.activate = true }
}

// Plan computes the closure of root and asks the agent which members it
// already holds. The returned transfer is Planning; nothing is sent.
func (e *Engine) Plan(ctx context.Context, agentID uuid.UUID, root digest.Digest, opts ...PlanOption) (Snapshot, error) {
	var o planOptions
	for _, opt := range opts {
		opt(&o)
	}

	closure, pending, err := e.missing(ctx, "plan transfer", agentID, root)
	if err != nil {
		return Snapshot{}, err
	}

	now := e.now()
	t := &transfer{
		id:       uuid.New(),
		agentID:  agentID,
		root:     root,
		closure:  closure,
		pending:  pending,
		status:   fleet.TransferPlanning,
		activate: o.activate,
		created:  now,
		updated:  now,
	}
	e.mu.Lock()
	e.pruneLocked(now)
	e.transfers[t.id] = t
	e.mu.Unlock()

	e.log.Debug().
		Str("transfer_id", t.id.String()).
		Str("agent_id", agentID.String()).
		Str("root", root.Short()).
		Int("closure", len(closure)).
		Int("pending", len(pending)).
		Msg("transfer planned")
	return t.snapshot(), nil
}

// Missing returns the members of root's closure the agent does not hold,
// dependencies first.
func (e *Engine) Missing(ctx context.Context, agentID uuid.UUID, root digest.Digest) ([]digest.Digest, error) {
	_, pending, err := e.missing(ctx, "closure check", agentID, root)
	return pending, err
}

func (e *Engine) missing(ctx context.Context, op string, agentID uuid.UUID, root digest.Digest) ([]contentstore.Artifact, []digest.Digest, error) {
	ch, err := e.channel(op, agentID)
	if err != nil {
		return nil, nil, err
	}
	closure, err := contentstore.Closure(ctx, e.store, root)
	if err != nil {
		return nil, nil, err
	}
	held, err := ch.Query(ctx, contentstore.Digests(closure))
	if err != nil {
		return nil, nil, err
	}
	return closure, residual(closure, held), nil
}

func (e *Engine) channel(op string, agentID uuid.UUID) (hub.Channel, error) {
	agent, err := e.agents.Get(agentID)
	if err != nil {
		return nil, err
	}
	if agent.State != fleet.Online {
		return nil, fleet.Errorf(op, fleet.ReasonAgentUnreachable, "agent %s is offline", agentID)
	}
	return e.channels.Channel(agentID)
}

// Status returns the current snapshot of a transfer.
func (e *Engine) Status(id uuid.UUID) (Snapshot, error) {
	t, err := e.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.snapshot(), nil
}

// List returns snapshots of every transfer addressed to agentID, oldest first.
func (e *Engine) List(agentID uuid.UUID) []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Snapshot
	for _, t := range e.transfers {
		if t.agentID == agentID {
			out = append(out, t.snapshot())
		}
	}
	sortByCreated(out)
	return out
}

// Execute runs a transfer to a terminal status and returns it. Executing a
// Completed transfer is a no-op; executing a Failed one sends only what the
// agent still lacks.
func (e *Engine) Execute(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	t, err := e.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	if snap, ok := e.settle(ctx, t); ok {
		return snap, nil
	}
	runCtx, release, err := e.acquire(ctx, t)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()
	return e.run(runCtx, t)
}

// Start is Execute in the background. The returned snapshot is taken once
// the transfer holds its agent's slot.
func (e *Engine) Start(id uuid.UUID) (Snapshot, error) {
	t, err := e.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	if snap, ok := e.settle(e.ctx, t); ok {
		return snap, nil
	}
	runCtx, release, err := e.acquire(e.ctx, t)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	snap := t.snapshot()
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		if _, err := e.run(runCtx, t); err != nil {
			e.log.Debug().Err(err).Str("transfer_id", id.String()).Msg("transfer ended")
		}
	}()
	return snap, nil
}

// Request plans a transfer and starts it in the background.
func (e *Engine) Request(ctx context.Context, agentID uuid.UUID, root digest.Digest, opts ...PlanOption) (Snapshot, error) {
	if busy, ok := e.busy(agentID); ok {
		return Snapshot{}, fleet.Errorf("request transfer", fleet.ReasonTransferInProgress,
			"transfer %s is running for agent %s", busy, agentID)
	}
	snap, err := e.Plan(ctx, agentID, root, opts...)
	if err != nil {
		return Snapshot{}, err
	}
	started, err := e.Start(snap.ID)
	if err != nil {
		e.discard(snap.ID)
		return Snapshot{}, err
	}
	return started, nil
}

// Cancel stops a running transfer. The transfer ends Failed with reason
// canceled and may be executed again.
func (e *Engine) Cancel(id uuid.UUID) error {
	t, err := e.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	s, ok := e.running[t.agentID]
	e.mu.Unlock()
	if ok && s.id == id {
		s.cancel()
	}
	return nil
}

// Close cancels running transfers and waits for them to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) lookup(id uuid.UUID) (*transfer, error) {
	e.mu.Lock()
	t, ok := e.transfers[id]
	e.mu.Unlock()
	if !ok {
		return nil, fleet.Errorf("transfer", fleet.ReasonNotFound, "transfer %s", id)
	}
	return t, nil
}

func (e *Engine) discard(id uuid.UUID) {
	e.mu.Lock()
	delete(e.transfers, id)
	e.mu.Unlock()
}

// pruneLocked forgets transfers that finished more than the retention ago
// and no longer hold a slot.
func (e *Engine) pruneLocked(now time.Time) {
	for id, t := range e.transfers {
		if !t.status.Terminal() || t.finished == nil || now.Sub(*t.finished) < e.retention {
			continue
		}
		if s, ok := e.running[t.agentID]; ok && s.id == id {
			continue
		}
		delete(e.transfers, id)
	}
}

func (e *Engine) busy(agentID uuid.UUID) (uuid.UUID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busyLocked(agentID)
}

// busyLocked reports the transfer holding the agent's slot. A holder that
// already reached a terminal status is about to let go and does not count.
func (e *Engine) busyLocked(agentID uuid.UUID) (uuid.UUID, bool) {
	s, ok := e.running[agentID]
	if !ok {
		return uuid.Nil, false
	}
	if t, ok := e.transfers[s.id]; !ok || t.status.Terminal() {
		return uuid.Nil, false
	}
	return s.id, true
}

// settle resolves a transfer that has nothing to send without claiming the
// agent's slot: a Completed transfer is returned as is and a Planning one
// with an empty pending set completes. A Failed transfer always goes through
// run so that its residual is recomputed.
func (e *Engine) settle(ctx context.Context, t *transfer) (Snapshot, bool) {
	e.mu.Lock()
	switch {
	case t.status == fleet.TransferCompleted:
		snap := t.snapshot()
		e.mu.Unlock()
		return snap, true
	case t.status != fleet.TransferPlanning || len(t.pending) > 0:
		e.mu.Unlock()
		return Snapshot{}, false
	}
	now := e.now()
	t.status = fleet.TransferCompleted
	t.runs++
	t.updated = now
	t.finished = &now
	snap := t.snapshot()
	e.mu.Unlock()

	e.metrics.TransferStarted()
	e.log.Info().
		Str("transfer_id", t.id.String()).
		Str("agent_id", t.agentID.String()).
		Int("closure", len(snap.Closure)).
		Msg("transfer completed, nothing to send")
	e.finish(ctx, snap, bus.SubjectTransferCompleted)
	return snap, true
}

// acquire claims the agent's execution slot for t and marks it InProgress.
func (e *Engine) acquire(ctx context.Context, t *transfer) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if other, ok := e.busyLocked(t.agentID); ok {
		return nil, nil, fleet.Errorf("execute transfer", fleet.ReasonTransferInProgress,
			"transfer %s is running for agent %s", other, t.agentID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &slot{id: t.id, cancel: cancel}
	e.running[t.agentID] = s
	e.markInProgressLocked(t)

	release := func() {
		cancel()
		e.mu.Lock()
		if e.running[t.agentID] == s {
			delete(e.running, t.agentID)
		}
		e.mu.Unlock()
	}
	return runCtx, release, nil
}

func (e *Engine) markInProgressLocked(t *transfer) {
	if t.status != fleet.TransferCompleted {
		t.status = fleet.TransferInProgress
		t.reason = fleet.ReasonNone
		t.detail = ""
		t.finished = nil
		t.updated = e.now()
	}
}

func (e *Engine) run(ctx context.Context, t *transfer) (Snapshot, error) {
	e.mu.Lock()
	completed := t.status == fleet.TransferCompleted
	retry := t.runs > 0
	t.runs++
	agentID, root := t.agentID, t.root
	e.mu.Unlock()

	if completed {
		return e.Status(t.id)
	}

	log := e.log.With().
		Str("transfer_id", t.id.String()).
		Str("agent_id", agentID.String()).
		Str("root", root.Short()).
		Logger()

	if retry {
		// The agent may have committed artifacts whose acks were lost.
		_, pending, err := e.missing(ctx, "resume transfer", agentID, root)
		if err != nil {
			return e.fail(ctx, t, log, err)
		}
		e.mu.Lock()
		t.pending = pending
		e.mu.Unlock()
	}

	e.metrics.TransferStarted()

	e.mu.Lock()
	queue := append([]digest.Digest(nil), t.pending...)
	e.mu.Unlock()

	if len(queue) > 0 {
		ch, err := e.channel("execute transfer", agentID)
		if err != nil {
			return e.fail(ctx, t, log, err)
		}
		for _, d := range queue {
			if err := e.deliver(ctx, t, ch, d, log); err != nil {
				return e.fail(ctx, t, log, err)
			}
		}
	}
	return e.complete(ctx, t, log)
}

// deliver sends one artifact until the agent commits it or the attempt budget
// is spent.
func (e *Engine) deliver(ctx context.Context, t *transfer, ch hub.Channel, d digest.Digest, log zerolog.Logger) error {
	const op = "deliver artifact"
	a, ok := t.artifact(d)
	if !ok {
		return fleet.Errorf(op, fleet.ReasonInternal, "%s is not in the closure", d)
	}

	var last error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fleet.Wrap(op, fleet.ReasonCanceled, err)
		}
		rc, err := e.store.Open(ctx, d)
		if err != nil {
			return err
		}
		ack, err := ch.Deliver(ctx, d, a.Size, rc)
		_ = rc.Close()
		if err != nil {
			if ctx.Err() != nil {
				return fleet.Wrap(op, fleet.ReasonCanceled, ctx.Err())
			}
			return err
		}

		if ack.OK {
			if ack.Digest != d {
				return fleet.Errorf(op, fleet.ReasonInternal, "agent acknowledged %s for %s", ack.Digest, d)
			}
			e.mu.Lock()
			t.drop(d)
			t.delivered++
			t.updated = e.now()
			e.mu.Unlock()
			e.metrics.ArtifactDelivered(a.Size)
			log.Debug().Str("artifact", d.Short()).Int64("size", a.Size).Msg("artifact committed")
			return nil
		}

		last = &fleet.Error{Op: op, Reason: ack.Reason, Detail: ack.Detail}
		if ack.Reason == "" {
			last = fleet.Errorf(op, fleet.ReasonInternal, "agent rejected %s", d)
		}
		if ack.Reason != fleet.ReasonHashMismatch {
			return last
		}
		e.metrics.Redelivery()
		log.Warn().Str("artifact", d.Short()).Int("attempt", attempt).Msg("hash mismatch, redelivering")
	}
	return last
}

func (e *Engine) complete(ctx context.Context, t *transfer, log zerolog.Logger) (Snapshot, error) {
	now := e.now()
	e.mu.Lock()
	t.status = fleet.TransferCompleted
	t.reason = fleet.ReasonNone
	t.detail = ""
	t.updated = now
	t.finished = &now
	snap := t.snapshot()
	e.mu.Unlock()

	log.Info().Int("delivered", snap.Delivered).Int("closure", len(snap.Closure)).Msg("transfer completed")
	e.finish(ctx, snap, bus.SubjectTransferCompleted)
	return snap, nil
}

func (e *Engine) fail(ctx context.Context, t *transfer, log zerolog.Logger, err error) (Snapshot, error) {
	reason := fleet.ReasonOf(err)
	if errors.Is(err, context.Canceled) {
		reason = fleet.ReasonCanceled
	}
	now := e.now()
	e.mu.Lock()
	t.status = fleet.TransferFailed
	t.reason = reason
	t.detail = err.Error()
	t.updated = now
	t.finished = &now
	snap := t.snapshot()
	e.mu.Unlock()

	log.Warn().Err(err).Str("reason", string(reason)).Int("pending", len(snap.Pending)).Msg("transfer failed")
	e.finish(ctx, snap, bus.SubjectTransferFailed)
	return snap, err
}

func (e *Engine) finish(ctx context.Context, snap Snapshot, subj string) {
	e.metrics.TransferFinished(snap.Status.String(), string(snap.Reason))

	// Bookkeeping outlives a canceled transfer.
	ctx = context.WithoutCancel(ctx)
	if e.history != nil {
		if err := e.history.RecordTransfer(ctx, snap); err != nil {
			e.log.Warn().Err(err).Str("transfer_id", snap.ID.String()).Msg("record transfer")
		}
	}
	if e.events != nil {
		ev := bus.TransferEvent{
			TransferID: snap.ID,
			AgentID:    snap.AgentID,
			Root:       snap.Root.String(),
			Status:     snap.Status.String(),
			Reason:     string(snap.Reason),
			Delivered:  snap.Delivered,
			Activate:   snap.Activate,
			At:         snap.UpdatedAt,
		}
		if err := e.events.Publish(ctx, subj, ev); err != nil {
			e.log.Warn().Err(err).Str("subject", subj).Msg("publish transfer event")
		}
	}
}
