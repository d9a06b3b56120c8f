package contentstore

import (
	"bytes"
	"context"
	"io"
	"slices"
	"sync"

	"fleetd/pkg/digest"
)

// Memory keeps artifacts in process memory. fleetd uses it when no database
// is configured.
type Memory struct {
	mu        sync.RWMutex
	artifacts map[digest.Digest]Artifact
	payloads  map[digest.Digest][]byte
}

func NewMemory() *Memory {
	return &Memory{
		artifacts: make(map[digest.Digest]Artifact),
		payloads:  make(map[digest.Digest][]byte),
	}
}

func (m *Memory) Stat(_ context.Context, d digest.Digest) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[d]
	if !ok {
		return Artifact{}, unknown("stat", d)
	}
	a.References = slices.Clone(a.References)
	return a, nil
}

func (m *Memory) Open(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payloads[d]
	if !ok {
		return nil, unknown("open", d)
	}
	return io.NopCloser(bytes.NewReader(p)), nil
}

// Put stores payload. Every reference must already be present. Storing the
// same payload twice returns the existing record.
func (m *Memory) Put(ctx context.Context, payload []byte, refs []digest.Digest) (Artifact, error) {
	d := digest.Of(payload)
	if err := validateRefs(ctx, m, d, refs); err != nil {
		return Artifact{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.artifacts[d]; ok {
		return existing, nil
	}
	a := Artifact{Digest: d, References: slices.Clone(refs), Size: int64(len(payload))}
	m.artifacts[d] = a
	m.payloads[d] = bytes.Clone(payload)
	return a, nil
}

// Len reports how many artifacts are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.artifacts)
}
