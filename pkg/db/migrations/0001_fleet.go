package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upFleet, downFleet)
}

type Agent struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Hostname       string    `gorm:"type:text;not null;default:''"`
	Version        string    `gorm:"type:text;not null;default:''"`
	ActiveArtifact string    `gorm:"type:text;not null;default:''"`
	Activation     string    `gorm:"type:text;not null;default:'idle'"`
	RegisteredAt   time.Time `gorm:"type:timestamptz;not null;default:now()"`
	LastSeen       time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

type Artifact struct {
	Digest    string         `gorm:"type:text;primaryKey"`
	Size      int64          `gorm:"type:bigint;not null"`
	Refs      datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	ObjectKey string         `gorm:"type:text;not null"`
	CreatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type Transfer struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	AgentID     uuid.UUID         `gorm:"type:uuid;not null;index"`
	Root        string            `gorm:"type:text;not null"`
	Status      string            `gorm:"type:text;not null"`
	Reason      string            `gorm:"type:text"`
	ClosureSize int               `gorm:"type:integer;not null;default:0"`
	Pending     int               `gorm:"type:integer;not null;default:0"`
	Delivered   int               `gorm:"type:integer;not null;default:0"`
	Detail      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	FinishedAt  *time.Time        `gorm:"type:timestamptz"`
	Agent       Agent             `gorm:"foreignKey:AgentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Activation struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AgentID     uuid.UUID  `gorm:"type:uuid;not null;index"`
	Target      string     `gorm:"type:text;not null"`
	Previous    string     `gorm:"type:text"`
	State       string     `gorm:"type:text;not null"`
	Reason      string     `gorm:"type:text"`
	RequestedAt time.Time  `gorm:"type:timestamptz;not null"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	FinishedAt  *time.Time `gorm:"type:timestamptz"`
	Agent       Agent      `gorm:"foreignKey:AgentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upFleet(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Agent{},
		&Artifact{},
		&Transfer{},
		&Activation{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&Transfer{}, "Agent"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Activation{}, "Agent"); err != nil {
		return err
	}

	return nil
}

func downFleet(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Activation{},
		&Transfer{},
		&Artifact{},
		&Agent{},
	)
}
