package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
)

const ingestPrefix = ".ingest-"

// LocalStore keeps verified artifact payloads under <dir>/<hex>. A payload
// becomes visible only after its digest has been checked.
type LocalStore struct {
	dir      string
	capacity int64

	mu       sync.Mutex
	used     int64
	reserved int64
}

// OpenLocalStore creates dir if needed, discards leftovers of interrupted
// ingests and accounts the bytes already held.
func OpenLocalStore(dir string, capacity int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	s := &LocalStore{dir: dir, capacity: capacity}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ingestPrefix) {
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		if _, err := digest.Parse(name); err != nil || !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		s.used += info.Size()
	}
	return s, nil
}

// Path is where the payload of d lives once committed.
func (s *LocalStore) Path(d digest.Digest) string {
	return filepath.Join(s.dir, d.Hex())
}

func (s *LocalStore) Has(d digest.Digest) bool {
	info, err := os.Stat(s.Path(d))
	return err == nil && info.Mode().IsRegular()
}

// Held returns the members of ds present in the store, in input order.
func (s *LocalStore) Held(ds []digest.Digest) []digest.Digest {
	out := make([]digest.Digest, 0, len(ds))
	for _, d := range ds {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// Used is the number of committed bytes.
func (s *LocalStore) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Begin starts receiving the payload of d. The declared size is reserved
// against the capacity until the ingest commits or aborts.
func (s *LocalStore) Begin(d digest.Digest, size int64) (*Ingest, error) {
	const op = "ingest"
	if size < 0 {
		return nil, fleet.Errorf(op, fleet.ReasonInternal, "negative size %d", size)
	}

	s.mu.Lock()
	if s.capacity > 0 && s.used+s.reserved+size > s.capacity {
		free := s.capacity - s.used - s.reserved
		s.mu.Unlock()
		return nil, fleet.Errorf(op, fleet.ReasonStorageExhausted, "%s needs %d bytes, %d free", d.Short(), size, free)
	}
	s.reserved += size
	s.mu.Unlock()

	f, err := os.CreateTemp(s.dir, ingestPrefix+d.Hex()+"-*")
	if err != nil {
		s.release(size)
		return nil, fleet.Wrap(op, fleet.ReasonInternal, err)
	}
	return &Ingest{store: s, digest: d, size: size, file: f, verifier: digest.NewVerifier(d)}, nil
}

func (s *LocalStore) release(n int64) {
	s.mu.Lock()
	s.reserved -= n
	s.mu.Unlock()
}

// Ingest is one payload being received.
type Ingest struct {
	store    *LocalStore
	digest   digest.Digest
	size     int64
	file     *os.File
	verifier *digest.Verifier
	done     bool
}

// Digest is the expected digest of the payload.
func (in *Ingest) Digest() digest.Digest { return in.digest }

// Write appends p, which must start at offset.
func (in *Ingest) Write(offset int64, p []byte) error {
	const op = "ingest"
	if in.done {
		return fleet.Errorf(op, fleet.ReasonInternal, "ingest of %s already finished", in.digest.Short())
	}
	if offset != in.verifier.Written() {
		return fleet.Errorf(op, fleet.ReasonHashMismatch, "%s: chunk at %d, expected %d", in.digest.Short(), offset, in.verifier.Written())
	}
	if in.verifier.Written()+int64(len(p)) > in.size {
		return fleet.Errorf(op, fleet.ReasonHashMismatch, "%s: payload exceeds declared size %d", in.digest.Short(), in.size)
	}
	if _, err := in.file.Write(p); err != nil {
		return fleet.Wrap(op, fleet.ReasonInternal, err)
	}
	_, _ = in.verifier.Write(p)
	return nil
}

// Commit verifies the payload and publishes it. A payload already present
// is left untouched.
func (in *Ingest) Commit() error {
	const op = "commit"
	if in.done {
		return fleet.Errorf(op, fleet.ReasonInternal, "ingest of %s already finished", in.digest.Short())
	}
	in.done = true
	tmp := in.file.Name()
	defer os.Remove(tmp)
	defer in.store.release(in.size)

	syncErr := in.file.Sync()
	closeErr := in.file.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		return fleet.Wrap(op, fleet.ReasonInternal, err)
	}
	if in.verifier.Written() != in.size || !in.verifier.Verified() {
		return fleet.Errorf(op, fleet.ReasonHashMismatch, "%s: received %d of %d bytes hashing to %s",
			in.digest.Short(), in.verifier.Written(), in.size, in.verifier.Sum().Short())
	}

	if err := os.Chmod(tmp, 0o444); err != nil {
		return fleet.Wrap(op, fleet.ReasonInternal, err)
	}
	// Link fails rather than replaces, which makes publication add-if-absent.
	err := os.Link(tmp, in.store.Path(in.digest))
	switch {
	case err == nil:
		in.store.mu.Lock()
		in.store.used += in.size
		in.store.mu.Unlock()
		return nil
	case errors.Is(err, fs.ErrExist):
		return nil
	default:
		return fleet.Wrap(op, fleet.ReasonInternal, err)
	}
}

// Abort discards the partial payload. It is safe to call after Commit.
func (in *Ingest) Abort() {
	if in.done {
		return
	}
	in.done = true
	_ = in.file.Close()
	_ = os.Remove(in.file.Name())
	in.store.release(in.size)
}
