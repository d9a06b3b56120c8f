package history

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type transferModel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	AgentID     uuid.UUID         `gorm:"type:uuid;not null;index"`
	Root        string            `gorm:"type:text;not null"`
	Status      string            `gorm:"type:text;not null"`
	Reason      string            `gorm:"type:text"`
	ClosureSize int               `gorm:"type:integer;not null;default:0"`
	Pending     int               `gorm:"type:integer;not null;default:0"`
	Delivered   int               `gorm:"type:integer;not null;default:0"`
	Detail      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null"`
	UpdatedAt   time.Time         `gorm:"type:timestamptz;not null"`
	FinishedAt  *time.Time        `gorm:"type:timestamptz"`
}

func (transferModel) TableName() string { return "transfers" }

type activationModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AgentID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	Target      string     `gorm:"type:text;not null"`
	Previous    string     `gorm:"type:text"`
	State       string     `gorm:"type:text;not null"`
	Reason      string     `gorm:"type:text"`
	RequestedAt time.Time  `gorm:"type:timestamptz;not null"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;not null"`
	FinishedAt  *time.Time `gorm:"type:timestamptz"`
}

func (activationModel) TableName() string { return "activations" }
