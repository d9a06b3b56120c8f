// Package core is the single entry point the HTTP surface and tooling use to
// drive the fleet: agent listing, closure transfers and activations.
package core

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/services/activation"
	"fleetd/services/contentstore"
	"fleetd/services/history"
	"fleetd/services/registry"
	"fleetd/services/transfer"
)

// Journal reads recorded outcomes. It is optional.
type Journal interface {
	Transfers(ctx context.Context, agentID uuid.UUID, limit int) ([]history.TransferEntry, error)
	Activations(ctx context.Context, agentID uuid.UUID, limit int) ([]history.ActivationEntry, error)
}

// Linker hands out direct download URLs for artifact payloads.
type Linker interface {
	DownloadURL(ctx context.Context, d digest.Digest, ttl time.Duration) (string, error)
}

type Deps struct {
	Registry    *registry.Registry
	Store       contentstore.Writer
	Transfers   *transfer.Engine
	Activations *activation.Controller
	Journal     Journal
}

type Core struct {
	agents      *registry.Registry
	store       contentstore.Writer
	transfers   *transfer.Engine
	activations *activation.Controller
	journal     Journal
}

func New(d Deps) (*Core, error) {
	switch {
	case d.Registry == nil:
		return nil, errors.New("registry is required")
	case d.Store == nil:
		return nil, errors.New("content store is required")
	case d.Transfers == nil:
		return nil, errors.New("transfer engine is required")
	case d.Activations == nil:
		return nil, errors.New("activation controller is required")
	}
	return &Core{
		agents:      d.Registry,
		store:       d.Store,
		transfers:   d.Transfers,
		activations: d.Activations,
		journal:     d.Journal,
	}, nil
}

func (c *Core) ListAgents() []registry.Agent { return c.agents.List() }

func (c *Core) GetAgent(id uuid.UUID) (registry.Agent, error) { return c.agents.Get(id) }

// RequestTransfer plans the delivery of root's closure to an agent and starts
// sending whatever the agent lacks. With activate set, a rollout activates
// root once the transfer completes.
func (c *Core) RequestTransfer(ctx context.Context, agentID uuid.UUID, root digest.Digest, activate bool) (transfer.Snapshot, error) {
	var opts []transfer.PlanOption
	if activate {
		opts = append(opts, transfer.ActivateOnCompletion())
	}
	return c.transfers.Request(ctx, agentID, root, opts...)
}

// ResumeTransfer executes a Failed transfer again in the background.
func (c *Core) ResumeTransfer(id uuid.UUID) (transfer.Snapshot, error) {
	return c.transfers.Start(id)
}

func (c *Core) CancelTransfer(id uuid.UUID) error { return c.transfers.Cancel(id) }

func (c *Core) GetTransferStatus(id uuid.UUID) (transfer.Snapshot, error) {
	return c.transfers.Status(id)
}

func (c *Core) RequestActivation(ctx context.Context, agentID uuid.UUID, target digest.Digest) (activation.Snapshot, error) {
	return c.activations.Request(ctx, agentID, target)
}

func (c *Core) GetActivationStatus(id uuid.UUID) (activation.Snapshot, error) {
	return c.activations.Status(id)
}

// WaitActivation blocks until the request resolves or ctx ends.
func (c *Core) WaitActivation(ctx context.Context, id uuid.UUID) (activation.Snapshot, error) {
	return c.activations.Wait(ctx, id)
}

// PutArtifact adds a payload to the content store. Every reference must
// already be stored.
func (c *Core) PutArtifact(ctx context.Context, payload []byte, refs []digest.Digest) (contentstore.Artifact, error) {
	return c.store.Put(ctx, payload, refs)
}

// GetArtifact returns an artifact record and its closure.
func (c *Core) GetArtifact(ctx context.Context, d digest.Digest) (contentstore.Artifact, []contentstore.Artifact, error) {
	a, err := c.store.Stat(ctx, d)
	if err != nil {
		return contentstore.Artifact{}, nil, err
	}
	closure, err := contentstore.Closure(ctx, c.store, d)
	if err != nil {
		return contentstore.Artifact{}, nil, err
	}
	return a, closure, nil
}

// ArtifactURL returns a presigned payload URL. errors.ErrUnsupported means
// the store cannot sign URLs and the payload must be streamed.
func (c *Core) ArtifactURL(ctx context.Context, d digest.Digest, ttl time.Duration) (string, error) {
	linker, ok := c.store.(Linker)
	if !ok {
		return "", errors.ErrUnsupported
	}
	return linker.DownloadURL(ctx, d, ttl)
}

func (c *Core) OpenArtifact(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	return c.store.Open(ctx, d)
}

// TransferHistory lists journaled transfers of an agent, newest first.
func (c *Core) TransferHistory(ctx context.Context, agentID uuid.UUID, limit int) ([]history.TransferEntry, error) {
	if c.journal == nil {
		return nil, fleet.Errorf("transfer history", fleet.ReasonNotFound, "history is not enabled")
	}
	if _, err := c.agents.Get(agentID); err != nil {
		return nil, err
	}
	return c.journal.Transfers(ctx, agentID, limit)
}

// ActivationHistory lists journaled activations of an agent, newest first.
func (c *Core) ActivationHistory(ctx context.Context, agentID uuid.UUID, limit int) ([]history.ActivationEntry, error) {
	if c.journal == nil {
		return nil, fleet.Errorf("activation history", fleet.ReasonNotFound, "history is not enabled")
	}
	if _, err := c.agents.Get(agentID); err != nil {
		return nil, err
	}
	return c.journal.Activations(ctx, agentID, limit)
}
