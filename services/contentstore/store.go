// Package contentstore holds the server-side copies of artifacts and answers
// closure questions about them. Transfer and activation code only read it.
package contentstore

import (
	"context"
	"fmt"
	"io"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
)

// Artifact is an immutable, content-addressed payload and its direct
// dependencies.
type Artifact struct {
	Digest     digest.Digest   `json:"digest"`
	References []digest.Digest `json:"references"`
	Size       int64           `json:"size"`
}

// Store is the read side used by transfers and activations.
type Store interface {
	// Stat returns the artifact metadata or fleet.ErrUnknownArtifact.
	Stat(ctx context.Context, d digest.Digest) (Artifact, error)
	// Open streams the payload. The caller closes it.
	Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error)
}

// Writer is implemented by stores that accept uploads.
type Writer interface {
	Store
	Put(ctx context.Context, payload []byte, refs []digest.Digest) (Artifact, error)
}

func unknown(op string, d digest.Digest) error {
	return fleet.Errorf(op, fleet.ReasonUnknownArtifact, "%s", d)
}

// Closure returns root and everything it transitively references, each
// dependency before any artifact that references it. The order is stable for
// a given store content.
func Closure(ctx context.Context, s Store, root digest.Digest) ([]Artifact, error) {
	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[digest.Digest]int)
	var out []Artifact

	var visit func(d digest.Digest, path []digest.Digest) error
	visit = func(d digest.Digest, path []digest.Digest) error {
		switch marks[d] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("closure of %s: reference cycle through %s", root.Short(), d.Short())
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		marks[d] = visiting
		a, err := s.Stat(ctx, d)
		if err != nil {
			if len(path) > 0 {
				return fmt.Errorf("closure of %s via %s: %w", root.Short(), path[len(path)-1].Short(), err)
			}
			return err
		}
		for _, ref := range a.References {
			if err := visit(ref, append(path, d)); err != nil {
				return err
			}
		}
		marks[d] = done
		out = append(out, a)
		return nil
	}

	if err := visit(root, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Digests projects artifacts onto their digests, preserving order.
func Digests(artifacts []Artifact) []digest.Digest {
	out := make([]digest.Digest, len(artifacts))
	for i, a := range artifacts {
		out[i] = a.Digest
	}
	return out
}

func validateRefs(ctx context.Context, s Store, self digest.Digest, refs []digest.Digest) error {
	for _, ref := range refs {
		if ref == self {
			return fmt.Errorf("artifact %s references itself", self.Short())
		}
		if _, err := s.Stat(ctx, ref); err != nil {
			return fmt.Errorf("reference %s: %w", ref.Short(), err)
		}
	}
	return nil
}
