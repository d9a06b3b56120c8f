package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"fleetd/pkg/bus"
	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
)

type memoryRepo struct {
	mu     sync.Mutex
	agents map[uuid.UUID]Agent
	order  []uuid.UUID
}

func newMemoryRepo(seed ...Agent) *memoryRepo {
	r := &memoryRepo{agents: map[uuid.UUID]Agent{}}
	for _, a := range seed {
		r.agents[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	return r
}

func (m *memoryRepo) LoadAgents(context.Context) ([]Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Agent, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.agents[id])
	}
	return out, nil
}

func (m *memoryRepo) SaveAgent(_ context.Context, a Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		m.order = append(m.order, a.ID)
	}
	m.agents[a.ID] = a
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subj string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	return nil
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New()
	id := uuid.New()

	first, err := r.Register(ctx, Registration{ID: id, Hostname: "web-1", Version: "1.0"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.State != fleet.Online || !first.ActiveArtifact.IsZero() {
		t.Fatalf("new agent = %+v", first)
	}

	if err := r.MarkOffline(ctx, id); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	if got, _ := r.Get(id); got.State != fleet.Offline {
		t.Fatalf("state after MarkOffline = %s", got.State)
	}

	second, err := r.Register(ctx, Registration{ID: id, Hostname: "web-1", Version: "1.1"})
	if err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if second.State != fleet.Online || !second.RegisteredAt.Equal(first.RegisteredAt) || second.Version != "1.1" {
		t.Fatalf("re-registered agent = %+v", second)
	}
	if n := len(r.List()); n != 1 {
		t.Fatalf("List() has %d agents, want 1", n)
	}
}

func TestRegisterReconcilesReportedActive(t *testing.T) {
	ctx := context.Background()
	r := New()
	id := uuid.New()
	active := digest.Of([]byte("gen-7"))

	if _, err := r.Register(ctx, Registration{ID: id}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActiveArtifact(ctx, id, digest.Of([]byte("gen-6"))); err != nil {
		t.Fatal(err)
	}
	got, err := r.Register(ctx, Registration{ID: id, Active: active})
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveArtifact != active {
		t.Fatalf("active = %s, want %s", got.ActiveArtifact, active)
	}
}

func TestListKeepsRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	r := New()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if _, err := r.Register(ctx, Registration{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	// Re-registering the first agent must not move it.
	if _, err := r.Register(ctx, Registration{ID: ids[0]}); err != nil {
		t.Fatal(err)
	}

	list := r.List()
	for i, a := range list {
		if a.ID != ids[i] {
			t.Fatalf("List()[%d] = %s, want %s", i, a.ID, ids[i])
		}
	}
}

func TestUnknownAgent(t *testing.T) {
	r := New()
	id := uuid.New()
	if _, err := r.Get(id); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("Get unknown error = %v", err)
	}
	if err := r.MarkOffline(context.Background(), id); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("MarkOffline unknown error = %v", err)
	}
	if err := r.SetActiveArtifact(context.Background(), id, ""); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("SetActiveArtifact unknown error = %v", err)
	}
	if _, err := r.Register(context.Background(), Registration{}); err == nil {
		t.Fatal("Register without id expected error")
	}
}

func TestLoadRestoresOffline(t *testing.T) {
	ctx := context.Background()
	known := Agent{
		ID:             uuid.New(),
		Hostname:       "db-1",
		State:          fleet.Online,
		ActiveArtifact: digest.Of([]byte("db-system")),
		RegisteredAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	repo := newMemoryRepo(known)
	r := New(WithRepository(repo))

	if err := r.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := r.Get(known.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != fleet.Offline || got.ActiveArtifact != known.ActiveArtifact {
		t.Fatalf("loaded agent = %+v", got)
	}

	newcomer := uuid.New()
	if _, err := r.Register(ctx, Registration{ID: newcomer}); err != nil {
		t.Fatal(err)
	}
	if _, ok := repo.agents[newcomer]; !ok {
		t.Fatal("newcomer not persisted")
	}
}

func TestCloseMarksEveryoneOffline(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	r := New(WithPublisher(pub))
	for i := 0; i < 3; i++ {
		if _, err := r.Register(ctx, Registration{ID: uuid.New()}); err != nil {
			t.Fatal(err)
		}
	}
	r.Close(ctx)
	for _, a := range r.List() {
		if a.State != fleet.Offline {
			t.Fatalf("agent %s still %s", a.ID, a.State)
		}
	}

	online, offline := 0, 0
	for _, subj := range pub.subjects {
		switch subj {
		case bus.SubjectAgentOnline:
			online++
		case bus.SubjectAgentOffline:
			offline++
		}
	}
	if online != 3 || offline != 3 {
		t.Fatalf("published %d online / %d offline events", online, offline)
	}
}

func TestConcurrentRegistrationsAcrossAgents(t *testing.T) {
	ctx := context.Background()
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New()
			if _, err := r.Register(ctx, Registration{ID: id}); err != nil {
				t.Error(err)
				return
			}
			_ = r.SetActivation(ctx, id, fleet.ActivationRequested)
			_ = r.MarkOffline(ctx, id)
		}()
	}
	wg.Wait()
	if n := len(r.List()); n != 50 {
		t.Fatalf("List() = %d agents", n)
	}
}
