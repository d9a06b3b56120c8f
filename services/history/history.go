// Package history journals transfer and activation outcomes to Postgres.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/services/activation"
	"fleetd/services/transfer"
)

const defaultLimit = 50

// TransferEntry is one journaled transfer.
type TransferEntry struct {
	ID          uuid.UUID            `json:"id"`
	AgentID     uuid.UUID            `json:"agent_id"`
	Root        digest.Digest        `json:"root"`
	Status      fleet.TransferStatus `json:"status"`
	Reason      fleet.Reason         `json:"reason,omitempty"`
	ClosureSize int                  `json:"closure_size"`
	Pending     int                  `json:"pending"`
	Delivered   int                  `json:"delivered"`
	Detail      map[string]any       `json:"detail,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
}

// ActivationEntry is one journaled activation request.
type ActivationEntry struct {
	ID          uuid.UUID             `json:"id"`
	AgentID     uuid.UUID             `json:"agent_id"`
	Target      digest.Digest         `json:"target"`
	Previous    digest.Digest         `json:"previous,omitempty"`
	State       fleet.ActivationState `json:"state"`
	Reason      fleet.Reason          `json:"reason,omitempty"`
	RequestedAt time.Time             `json:"requested_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
}

type Journal struct {
	orm *gorm.DB
}

func New(orm *gorm.DB) (*Journal, error) {
	if orm == nil {
		return nil, errors.New("gorm DB is required")
	}
	return &Journal{orm: orm}, nil
}

// RecordTransfer upserts the latest snapshot of a transfer.
func (j *Journal) RecordTransfer(ctx context.Context, s transfer.Snapshot) error {
	m := transferRow(s)
	return j.orm.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
}

// RecordActivation upserts the latest snapshot of an activation request.
func (j *Journal) RecordActivation(ctx context.Context, s activation.Snapshot) error {
	m := activationRow(s)
	return j.orm.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
}

// Transfers returns the most recent transfers of an agent, newest first.
func (j *Journal) Transfers(ctx context.Context, agentID uuid.UUID, limit int) ([]TransferEntry, error) {
	var rows []transferModel
	err := j.orm.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]TransferEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

// Activations returns the most recent activation requests of an agent,
// newest first.
func (j *Journal) Activations(ctx context.Context, agentID uuid.UUID, limit int) ([]ActivationEntry, error) {
	var rows []activationModel
	err := j.orm.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("requested_at DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ActivationEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func clampLimit(n int) int {
	if n <= 0 || n > 500 {
		return defaultLimit
	}
	return n
}

func transferRow(s transfer.Snapshot) transferModel {
	detail := datatypes.JSONMap{}
	if s.Detail != "" {
		detail["error"] = s.Detail
	}
	if len(s.Pending) > 0 {
		pending := make([]string, len(s.Pending))
		for i, d := range s.Pending {
			pending[i] = d.String()
		}
		detail["pending"] = pending
	}
	if s.Activate {
		detail["activate"] = true
	}
	return transferModel{
		ID:          s.ID,
		AgentID:     s.AgentID,
		Root:        s.Root.String(),
		Status:      s.Status.String(),
		Reason:      string(s.Reason),
		ClosureSize: len(s.Closure),
		Pending:     len(s.Pending),
		Delivered:   s.Delivered,
		Detail:      detail,
		CreatedAt:   s.CreatedAt.UTC(),
		UpdatedAt:   s.UpdatedAt.UTC(),
		FinishedAt:  utc(s.FinishedAt),
	}
}

func activationRow(s activation.Snapshot) activationModel {
	return activationModel{
		ID:          s.ID,
		AgentID:     s.AgentID,
		Target:      s.Target.String(),
		Previous:    s.Previous.String(),
		State:       s.State.String(),
		Reason:      string(s.Reason),
		RequestedAt: s.RequestedAt.UTC(),
		UpdatedAt:   s.UpdatedAt.UTC(),
		FinishedAt:  utc(s.FinishedAt),
	}
}

func (m transferModel) entry() TransferEntry {
	status, _ := fleet.ParseTransferStatus(m.Status)
	return TransferEntry{
		ID:          m.ID,
		AgentID:     m.AgentID,
		Root:        digest.Digest(m.Root),
		Status:      status,
		Reason:      fleet.Reason(m.Reason),
		ClosureSize: m.ClosureSize,
		Pending:     m.Pending,
		Delivered:   m.Delivered,
		Detail:      map[string]any(m.Detail),
		CreatedAt:   m.CreatedAt,
		FinishedAt:  m.FinishedAt,
	}
}

func (m activationModel) entry() ActivationEntry {
	state, _ := fleet.ParseActivationState(m.State)
	return ActivationEntry{
		ID:          m.ID,
		AgentID:     m.AgentID,
		Target:      digest.Digest(m.Target),
		Previous:    digest.Digest(m.Previous),
		State:       state,
		Reason:      fleet.Reason(m.Reason),
		RequestedAt: m.RequestedAt,
		FinishedAt:  m.FinishedAt,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
