package agent

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
)

func ingest(t *testing.T, s *LocalStore, d digest.Digest, payload []byte) error {
	t.Helper()
	in, err := s.Begin(d, int64(len(payload)))
	if err != nil {
		return err
	}
	half := len(payload) / 2
	if err := in.Write(0, payload[:half]); err != nil {
		in.Abort()
		return err
	}
	if err := in.Write(int64(half), payload[half:]); err != nil {
		in.Abort()
		return err
	}
	return in.Commit()
}

func TestLocalStoreCommitsVerifiedPayload(t *testing.T) {
	s, err := OpenLocalStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("closure member")
	d := digest.Of(payload)

	if err := ingest(t, s, d, payload); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !s.Has(d) {
		t.Fatal("payload not visible after commit")
	}
	got, err := os.ReadFile(s.Path(d))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("stored payload = %q, err %v", got, err)
	}

	// A second commit of the same digest leaves the first in place.
	if err := ingest(t, s, d, payload); err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if s.Used() != int64(len(payload)) {
		t.Fatalf("used = %d", s.Used())
	}
}

func TestLocalStoreRejectsCorruptPayload(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenLocalStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	d := digest.Of([]byte("expected"))

	err = ingest(t, s, d, []byte("tampered"))
	if !errors.Is(err, fleet.ErrHashMismatch) {
		t.Fatalf("ingest error = %v, want hash mismatch", err)
	}
	if s.Has(d) {
		t.Fatal("corrupt payload became visible")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("leftover files: %v", entries)
	}
}

func TestLocalStoreOffsetGap(t *testing.T) {
	s, err := OpenLocalStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("0123456789")
	in, err := s.Begin(digest.Of(payload), int64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	defer in.Abort()
	if err := in.Write(4, payload[4:]); !errors.Is(err, fleet.ErrHashMismatch) {
		t.Fatalf("Write at gap = %v", err)
	}
}

func TestLocalStoreCapacity(t *testing.T) {
	s, err := OpenLocalStore(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}
	small := []byte("123456")
	if err := ingest(t, s, digest.Of(small), small); err != nil {
		t.Fatal(err)
	}

	big := []byte("abcdefgh")
	_, err = s.Begin(digest.Of(big), int64(len(big)))
	if !errors.Is(err, fleet.ErrStorageExhausted) {
		t.Fatalf("Begin over capacity = %v", err)
	}

	// An aborted ingest releases its reservation.
	fits := []byte("wxyz")
	in, err := s.Begin(digest.Of(fits), int64(len(fits)))
	if err != nil {
		t.Fatal(err)
	}
	in.Abort()
	if err := ingest(t, s, digest.Of(fits), fits); err != nil {
		t.Fatalf("ingest after abort: %v", err)
	}
}

func TestOpenLocalStoreCleansInterruptedIngests(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("kept")
	d := digest.Of(payload)
	if err := os.WriteFile(filepath.Join(dir, d.Hex()), payload, 0o444); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, ingestPrefix+strings.Repeat("a", 64)+"-1")
	if err := os.WriteFile(stale, []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := OpenLocalStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale ingest still present: %v", err)
	}
	if s.Used() != int64(len(payload)) || !s.Has(d) {
		t.Fatalf("used = %d has = %v", s.Used(), s.Has(d))
	}
	held := s.Held([]digest.Digest{digest.Of([]byte("other")), d})
	if len(held) != 1 || held[0] != d {
		t.Fatalf("held = %v", held)
	}
}
