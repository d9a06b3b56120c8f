package rollout

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/pkg/bus"
	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/services/activation"
	"fleetd/services/transfer"
)

type fakeActivator struct {
	err   error
	calls []digest.Digest
}

func (f *fakeActivator) Request(_ context.Context, _ uuid.UUID, target digest.Digest) (activation.Snapshot, error) {
	f.calls = append(f.calls, target)
	if f.err != nil {
		return activation.Snapshot{}, f.err
	}
	return activation.Snapshot{ID: uuid.New(), Target: target, State: fleet.ActivationActivating}, nil
}

type fakeTransfers struct {
	list    []transfer.Snapshot
	started []uuid.UUID
	err     error
}

func (f *fakeTransfers) List(uuid.UUID) []transfer.Snapshot { return f.list }

func (f *fakeTransfers) Start(id uuid.UUID) (transfer.Snapshot, error) {
	if f.err != nil {
		return transfer.Snapshot{}, f.err
	}
	f.started = append(f.started, id)
	return transfer.Snapshot{ID: id, Status: fleet.TransferInProgress}, nil
}

type fakeBus struct {
	subjects []string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (b *fakeBus) Subscribe(_ context.Context, subj, _ string, _ func(context.Context, []byte) error) (io.Closer, error) {
	b.subjects = append(b.subjects, subj)
	return nopCloser{}, nil
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestStartSubscribes(t *testing.T) {
	b := &fakeBus{}
	r, err := New(b, &fakeActivator{}, &fakeTransfers{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(b.subjects) != 2 || b.subjects[0] != bus.SubjectTransferCompleted || b.subjects[1] != bus.SubjectAgentOnline {
		t.Fatalf("subjects = %v", b.subjects)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTransferCompletedActivates(t *testing.T) {
	root := digest.Of([]byte("system"))
	tests := []struct {
		name      string
		event     bus.TransferEvent
		activator *fakeActivator
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "activate flag set",
			event:     bus.TransferEvent{AgentID: uuid.New(), Root: root.String(), Activate: true},
			activator: &fakeActivator{},
			wantCalls: 1,
		},
		{
			name:      "plain transfer",
			event:     bus.TransferEvent{AgentID: uuid.New(), Root: root.String()},
			activator: &fakeActivator{},
		},
		{
			name:      "busy agent is retried",
			event:     bus.TransferEvent{AgentID: uuid.New(), Root: root.String(), Activate: true},
			activator: &fakeActivator{err: fleet.Errorf("request activation", fleet.ReasonActivationInProgress, "busy")},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "incomplete closure is dropped",
			event:     bus.TransferEvent{AgentID: uuid.New(), Root: root.String(), Activate: true},
			activator: &fakeActivator{err: fleet.Errorf("request activation", fleet.ReasonIncompleteClosure, "missing")},
			wantCalls: 1,
		},
		{
			name:      "bad digest is dropped",
			event:     bus.TransferEvent{AgentID: uuid.New(), Root: "sha256:zz", Activate: true},
			activator: &fakeActivator{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(&fakeBus{}, tt.activator, &fakeTransfers{}, zerolog.Nop())
			if err != nil {
				t.Fatal(err)
			}
			err = r.handleTransferCompleted(context.Background(), encode(t, tt.event))
			if (err != nil) != tt.wantErr {
				t.Fatalf("handler error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(tt.activator.calls) != tt.wantCalls {
				t.Fatalf("activations = %d, want %d", len(tt.activator.calls), tt.wantCalls)
			}
		})
	}
}

func TestAgentOnlineResumesRolloutTransfer(t *testing.T) {
	agentID := uuid.New()
	older := transfer.Snapshot{ID: uuid.New(), Status: fleet.TransferCompleted, CreatedAt: time.Unix(1, 0)}
	failed := transfer.Snapshot{
		ID:        uuid.New(),
		Status:    fleet.TransferFailed,
		Reason:    fleet.ReasonAgentUnreachable,
		Activate:  true,
		CreatedAt: time.Unix(2, 0),
	}

	tests := []struct {
		name string
		last transfer.Snapshot
		want bool
	}{
		{name: "transient failure", last: failed, want: true},
		{name: "not a rollout", last: func() transfer.Snapshot { s := failed; s.Activate = false; return s }(), want: false},
		{name: "fatal failure", last: func() transfer.Snapshot { s := failed; s.Reason = fleet.ReasonStorageExhausted; return s }(), want: false},
		{name: "completed", last: func() transfer.Snapshot { s := failed; s.Status = fleet.TransferCompleted; return s }(), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transfers := &fakeTransfers{list: []transfer.Snapshot{older, tt.last}}
			r, _ := New(&fakeBus{}, &fakeActivator{}, transfers, zerolog.Nop())
			evt := bus.AgentEvent{AgentID: agentID, State: fleet.Online.String()}
			if err := r.handleAgentOnline(context.Background(), encode(t, evt)); err != nil {
				t.Fatalf("handler: %v", err)
			}
			if got := len(transfers.started) == 1; got != tt.want {
				t.Fatalf("resumed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgentOnlineIgnoresBusySlot(t *testing.T) {
	transfers := &fakeTransfers{
		list: []transfer.Snapshot{{ID: uuid.New(), Status: fleet.TransferFailed, Reason: fleet.ReasonCanceled, Activate: true}},
		err:  fleet.Errorf("execute transfer", fleet.ReasonTransferInProgress, "busy"),
	}
	r, _ := New(&fakeBus{}, &fakeActivator{}, transfers, zerolog.Nop())
	evt := bus.AgentEvent{AgentID: uuid.New()}
	if err := r.handleAgentOnline(context.Background(), encode(t, evt)); err != nil {
		t.Fatalf("handler: %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, &fakeActivator{}, &fakeTransfers{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without bus")
	}
	if _, err := New(&fakeBus{}, nil, &fakeTransfers{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without activator")
	}
}
