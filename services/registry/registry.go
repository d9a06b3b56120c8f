// Package registry tracks every agent that has ever connected and whether it
// currently has a live channel.
package registry

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
)

// Agent is a snapshot of one registry record.
type Agent struct {
	ID             uuid.UUID             `json:"id"`
	Hostname       string                `json:"hostname"`
	Version        string                `json:"version"`
	State          fleet.ConnectionState `json:"state"`
	ActiveArtifact digest.Digest         `json:"active_artifact,omitempty"`
	Activation     fleet.ActivationState `json:"activation"`
	RegisteredAt   time.Time             `json:"registered_at"`
	LastSeen       time.Time             `json:"last_seen"`
}

// Registration is what an agent reports when it connects.
type Registration struct {
	ID       uuid.UUID
	Hostname string
	Version  string
	Active   digest.Digest
}

// Repository persists agent records across server restarts.
type Repository interface {
	LoadAgents(ctx context.Context) ([]Agent, error)
	SaveAgent(ctx context.Context, a Agent) error
}

// Publisher receives connection state events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

type record struct {
	mu    sync.RWMutex
	agent Agent
}

func (r *record) snapshot() Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agent
}

// Registry is safe for concurrent use. The directory lock only guards the
// map and the registration order; each record carries its own lock.
type Registry struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*record
	order   []uuid.UUID

	repo    Repository
	events  Publisher
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Registry)

func WithRepository(repo Repository) Option { return func(r *Registry) { r.repo = repo } }

func WithPublisher(p Publisher) Option { return func(r *Registry) { r.events = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.log = l } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func New(opts ...Option) *Registry {
	r := &Registry{
		records: make(map[uuid.UUID]*record),
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load restores persisted agents as Offline. Agents already present are left
// alone.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	agents, err := r.repo.LoadAgents(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, a := range agents {
		if _, ok := r.records[a.ID]; ok {
			continue
		}
		a.State = fleet.Offline
		r.records[a.ID] = &record{agent: a}
		r.order = append(r.order, a.ID)
	}
	r.mu.Unlock()

	r.log.Info().Int("agents", len(agents)).Msg("registry loaded")
	r.updateGauges()
	return nil
}

// Register records a connected agent. It is idempotent by id: a known agent
// is marked Online and keeps its identity and registration time.
func (r *Registry) Register(ctx context.Context, reg Registration) (Agent, error) {
	if reg.ID == uuid.Nil {
		return Agent{}, errors.New("agent id is required")
	}
	now := r.now()

	r.mu.Lock()
	rec, known := r.records[reg.ID]
	if !known {
		rec = &record{agent: Agent{ID: reg.ID, RegisteredAt: now, Activation: fleet.ActivationIdle}}
		r.records[reg.ID] = rec
		r.order = append(r.order, reg.ID)
	}
	r.mu.Unlock()

	rec.mu.Lock()
	rec.agent.State = fleet.Online
	rec.agent.LastSeen = now
	if reg.Hostname != "" {
		rec.agent.Hostname = reg.Hostname
	}
	if reg.Version != "" {
		rec.agent.Version = reg.Version
	}
	// The agent owns its profile pointer; its report wins.
	rec.agent.ActiveArtifact = reg.Active
	snap := rec.agent
	rec.mu.Unlock()

	r.log.Info().
		Str("agent_id", snap.ID.String()).
		Str("hostname", snap.Hostname).
		Bool("known", known).
		Msg("agent online")

	r.persist(ctx, snap)
	r.publish(ctx, bus.SubjectAgentOnline, snap)
	r.updateGauges()
	return snap, nil
}

// MarkOffline records loss of the agent's channel. In-flight transfers and
// activations are not touched here.
func (r *Registry) MarkOffline(ctx context.Context, id uuid.UUID) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	wasOnline := rec.agent.State == fleet.Online
	rec.agent.State = fleet.Offline
	rec.agent.LastSeen = r.now()
	snap := rec.agent
	rec.mu.Unlock()

	if wasOnline {
		r.log.Info().Str("agent_id", id.String()).Msg("agent offline")
		r.publish(ctx, bus.SubjectAgentOffline, snap)
	}
	r.persist(ctx, snap)
	r.updateGauges()
	return nil
}

// Touch refreshes the last-seen time of an online agent.
func (r *Registry) Touch(id uuid.UUID) {
	rec, err := r.lookup(id)
	if err != nil {
		return
	}
	rec.mu.Lock()
	rec.agent.LastSeen = r.now()
	rec.mu.Unlock()
}

// Get returns the agent or fleet.ErrNotFound.
func (r *Registry) Get(id uuid.UUID) (Agent, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return Agent{}, err
	}
	return rec.snapshot(), nil
}

// List returns every agent in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.order))
	for _, id := range r.order {
		recs = append(recs, r.records[id])
	}
	r.mu.RUnlock()

	out := make([]Agent, len(recs))
	for i, rec := range recs {
		out[i] = rec.snapshot()
	}
	return out
}

// SetActiveArtifact records the artifact an agent confirmed as active.
func (r *Registry) SetActiveArtifact(ctx context.Context, id uuid.UUID, d digest.Digest) error {
	return r.update(ctx, id, func(a *Agent) { a.ActiveArtifact = d })
}

// SetActivation records the state of the agent's latest activation request.
func (r *Registry) SetActivation(ctx context.Context, id uuid.UUID, state fleet.ActivationState) error {
	return r.update(ctx, id, func(a *Agent) { a.Activation = state })
}

// Close marks every agent Offline. Used at server shutdown.
func (r *Registry) Close(ctx context.Context) {
	for _, a := range r.List() {
		if a.State == fleet.Online {
			_ = r.MarkOffline(ctx, a.ID)
		}
	}
}

func (r *Registry) update(ctx context.Context, id uuid.UUID, fn func(*Agent)) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	fn(&rec.agent)
	snap := rec.agent
	rec.mu.Unlock()

	r.persist(ctx, snap)
	return nil
}

func (r *Registry) lookup(id uuid.UUID) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fleet.Errorf("registry", fleet.ReasonNotFound, "agent %s", id)
	}
	return rec, nil
}

func (r *Registry) persist(ctx context.Context, a Agent) {
	if r.repo == nil {
		return
	}
	if err := r.repo.SaveAgent(ctx, a); err != nil {
		r.log.Warn().Err(err).Str("agent_id", a.ID.String()).Msg("persist agent")
	}
}

func (r *Registry) publish(ctx context.Context, subj string, a Agent) {
	if r.events == nil {
		return
	}
	evt := bus.AgentEvent{AgentID: a.ID, Hostname: a.Hostname, State: a.State.String(), At: a.LastSeen}
	if err := r.events.Publish(ctx, subj, evt); err != nil {
		r.log.Warn().Err(err).Str("subject", subj).Msg("publish agent event")
	}
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	agents := r.List()
	online := 0
	for _, a := range agents {
		if a.State == fleet.Online {
			online++
		}
	}
	r.metrics.AgentsKnown(len(agents))
	r.metrics.AgentsOnline(online)
}
