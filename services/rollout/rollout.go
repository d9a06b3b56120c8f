// Package rollout follows fleet events: a transfer that was requested with
// activation in mind is activated once it completes, and is resumed when its
// agent reconnects after a channel loss.
package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetd/pkg/bus"
	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/services/activation"
	"fleetd/services/transfer"
)

// Subscriber is the consuming side of the event bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Activator starts activations.
type Activator interface {
	Request(ctx context.Context, agentID uuid.UUID, target digest.Digest) (activation.Snapshot, error)
}

// Transfers lists and restarts transfers.
type Transfers interface {
	List(agentID uuid.UUID) []transfer.Snapshot
	Start(id uuid.UUID) (transfer.Snapshot, error)
}

type Rollout struct {
	bus       Subscriber
	activator Activator
	transfers Transfers
	log       zerolog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

func New(sub Subscriber, activator Activator, transfers Transfers, log zerolog.Logger) (*Rollout, error) {
	if sub == nil {
		return nil, errors.New("bus is required")
	}
	if activator == nil || transfers == nil {
		return nil, errors.New("activator and transfers are required")
	}
	return &Rollout{
		bus:       sub,
		activator: activator,
		transfers: transfers,
		log:       log.With().Str("component", "rollout").Logger(),
	}, nil
}

// Start registers the bus subscriptions.
func (r *Rollout) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	subscriptions := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{bus.SubjectTransferCompleted, "rollout-transfers-completed", r.handleTransferCompleted},
		{bus.SubjectAgentOnline, "rollout-agents-online", r.handleAgentOnline},
	}

	for _, s := range subscriptions {
		closer, err := r.bus.Subscribe(ctx, s.subject, s.durable, s.handler)
		if err != nil {
			_ = r.Close()
			return err
		}
		r.subsMu.Lock()
		r.subs = append(r.subs, closer)
		r.subsMu.Unlock()
	}
	return nil
}

// Close tears down the subscriptions.
func (r *Rollout) Close() error {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	var firstErr error
	for _, sub := range r.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.subs = nil
	return firstErr
}

// handleTransferCompleted activates the root of a completed transfer that
// asked for it. Errors that may clear up later are returned so the message is
// redelivered.
func (r *Rollout) handleTransferCompleted(ctx context.Context, data []byte) error {
	var evt bus.TransferEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if !evt.Activate {
		return nil
	}
	if evt.AgentID == uuid.Nil {
		return errors.New("agent_id missing from transfer event")
	}
	root, err := digest.Parse(evt.Root)
	if err != nil {
		r.log.Warn().Err(err).Str("transfer_id", evt.TransferID.String()).Msg("drop transfer event")
		return nil
	}

	log := r.log.With().
		Str("transfer_id", evt.TransferID.String()).
		Str("agent_id", evt.AgentID.String()).
		Str("target", root.Short()).
		Logger()

	snap, err := r.activator.Request(ctx, evt.AgentID, root)
	if err != nil {
		reason := fleet.ReasonOf(err)
		if reason.Retryable() {
			log.Debug().Err(err).Msg("activation deferred")
			return err
		}
		log.Warn().Err(err).Str("reason", string(reason)).Msg("rollout activation rejected")
		return nil
	}
	log.Info().Str("activation_id", snap.ID.String()).Msg("rollout activation started")
	return nil
}

// handleAgentOnline resumes the newest rollout transfer of the agent when it
// failed on a transient error.
func (r *Rollout) handleAgentOnline(ctx context.Context, data []byte) error {
	var evt bus.AgentEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.AgentID == uuid.Nil {
		return nil
	}

	list := r.transfers.List(evt.AgentID)
	if len(list) == 0 {
		return nil
	}
	last := list[len(list)-1]
	if !last.Activate || last.Status != fleet.TransferFailed || !last.Reason.Retryable() {
		return nil
	}

	if _, err := r.transfers.Start(last.ID); err != nil {
		if errors.Is(err, fleet.ErrTransferInProgress) {
			return nil
		}
		return err
	}
	r.log.Info().
		Str("transfer_id", last.ID.String()).
		Str("agent_id", evt.AgentID.String()).
		Int("pending", last.PendingCount()).
		Msg("rollout transfer resumed")
	return nil
}
