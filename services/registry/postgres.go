package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetd/pkg/db"
	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
)

// PostgresRepository stores agents in the agents table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) (*PostgresRepository, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &PostgresRepository{pool: pool}, nil
}

type agentRow struct {
	ID             uuid.UUID `db:"id"`
	Hostname       string    `db:"hostname"`
	Version        string    `db:"version"`
	ActiveArtifact string    `db:"active_artifact"`
	Activation     string    `db:"activation"`
	RegisteredAt   time.Time `db:"registered_at"`
	LastSeen       time.Time `db:"last_seen"`
}

func (p *PostgresRepository) LoadAgents(ctx context.Context) ([]Agent, error) {
	var rows []agentRow
	if err := db.Select(ctx, p.pool, &rows,
		`SELECT id, hostname, version, active_artifact, activation, registered_at, last_seen
		 FROM agents ORDER BY registered_at, id`); err != nil {
		return nil, fmt.Errorf("select agents: %w", err)
	}

	out := make([]Agent, 0, len(rows))
	for _, row := range rows {
		state, err := fleet.ParseActivationState(row.Activation)
		if err != nil {
			state = fleet.ActivationIdle
		}
		// A request that was in flight when the server stopped has no
		// controller any more.
		if !state.Terminal() {
			state = fleet.ActivationIdle
		}
		out = append(out, Agent{
			ID:             row.ID,
			Hostname:       row.Hostname,
			Version:        row.Version,
			State:          fleet.Offline,
			ActiveArtifact: digest.Digest(row.ActiveArtifact),
			Activation:     state,
			RegisteredAt:   row.RegisteredAt,
			LastSeen:       row.LastSeen,
		})
	}
	return out, nil
}

func (p *PostgresRepository) SaveAgent(ctx context.Context, a Agent) error {
	_, err := db.Exec(ctx, p.pool,
		`INSERT INTO agents (id, hostname, version, active_artifact, activation, registered_at, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   hostname = EXCLUDED.hostname,
		   version = EXCLUDED.version,
		   active_artifact = EXCLUDED.active_artifact,
		   activation = EXCLUDED.activation,
		   last_seen = EXCLUDED.last_seen`,
		a.ID, a.Hostname, a.Version, string(a.ActiveArtifact), a.Activation.String(), a.RegisteredAt, a.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}
