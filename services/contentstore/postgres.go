package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleetd/pkg/db"
	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/pkg/s3"
)

const objectPrefix = "artifacts"

// ObjectStore is the payload side of Postgres. *s3.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

type presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Postgres keeps artifact metadata in the artifacts table and payloads in an
// object store.
type Postgres struct {
	pool    *pgxpool.Pool
	objects ObjectStore
}

func NewPostgres(pool *pgxpool.Pool, objects ObjectStore) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	return &Postgres{pool: pool, objects: objects}, nil
}

type artifactRow struct {
	Digest    string `db:"digest"`
	Size      int64  `db:"size"`
	Refs      string `db:"refs"`
	ObjectKey string `db:"object_key"`
}

func objectKey(d digest.Digest) string {
	return path.Join(objectPrefix, d.Hex())
}

func (p *Postgres) row(ctx context.Context, d digest.Digest) (artifactRow, error) {
	var row artifactRow
	err := db.Get(ctx, p.pool, &row,
		`SELECT digest, size, refs::text AS refs, object_key FROM artifacts WHERE digest = $1`, string(d))
	if err != nil {
		if db.IsNoRows(err) {
			return artifactRow{}, unknown("stat", d)
		}
		return artifactRow{}, fmt.Errorf("select artifact %s: %w", d.Short(), err)
	}
	return row, nil
}

func (p *Postgres) Stat(ctx context.Context, d digest.Digest) (Artifact, error) {
	row, err := p.row(ctx, d)
	if err != nil {
		return Artifact{}, err
	}
	var refs []digest.Digest
	if err := json.Unmarshal([]byte(row.Refs), &refs); err != nil {
		return Artifact{}, fmt.Errorf("decode refs of %s: %w", d.Short(), err)
	}
	return Artifact{Digest: digest.Digest(row.Digest), References: refs, Size: row.Size}, nil
}

func (p *Postgres) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	row, err := p.row(ctx, d)
	if err != nil {
		return nil, err
	}
	rc, err := p.objects.GetObject(ctx, row.ObjectKey)
	if err != nil {
		if errors.Is(err, s3.ErrNotFound) {
			return nil, fleet.Wrap("open", fleet.ReasonUnknownArtifact, err)
		}
		return nil, fmt.Errorf("get object %s: %w", row.ObjectKey, err)
	}
	return rc, nil
}

// Put uploads the payload before inserting its row so a visible row always
// has a payload behind it.
func (p *Postgres) Put(ctx context.Context, payload []byte, refs []digest.Digest) (Artifact, error) {
	d := digest.Of(payload)
	if existing, err := p.Stat(ctx, d); err == nil {
		return existing, nil
	} else if !errors.Is(err, fleet.ErrUnknownArtifact) {
		return Artifact{}, err
	}
	if err := validateRefs(ctx, p, d, refs); err != nil {
		return Artifact{}, err
	}
	if refs == nil {
		refs = []digest.Digest{}
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return Artifact{}, err
	}

	key := objectKey(d)
	if err := p.objects.PutObject(ctx, key, bytes.NewReader(payload), int64(len(payload)), d.Hex()); err != nil {
		return Artifact{}, fmt.Errorf("put object %s: %w", key, err)
	}

	if _, err := db.Exec(ctx, p.pool,
		`INSERT INTO artifacts (digest, size, refs, object_key, created_at)
		 VALUES ($1, $2, $3::jsonb, $4, now())
		 ON CONFLICT (digest) DO NOTHING`,
		string(d), int64(len(payload)), string(encoded), key); err != nil {
		return Artifact{}, fmt.Errorf("insert artifact %s: %w", d.Short(), err)
	}

	return Artifact{Digest: d, References: refs, Size: int64(len(payload))}, nil
}

// DownloadURL returns a time-limited URL for the payload of d, when the
// object store can sign one.
func (p *Postgres) DownloadURL(ctx context.Context, d digest.Digest, ttl time.Duration) (string, error) {
	signer, ok := p.objects.(presigner)
	if !ok {
		return "", errors.ErrUnsupported
	}
	row, err := p.row(ctx, d)
	if err != nil {
		return "", err
	}
	return signer.PresignGet(ctx, row.ObjectKey, ttl)
}
