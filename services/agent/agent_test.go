package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/services/activation"
	"fleetd/services/contentstore"
	"fleetd/services/hub"
	"fleetd/services/registry"
	"fleetd/services/transfer"
)

// hookScript logs every target it is run for and fails for bad.
func hookScript(t *testing.T, logPath string, bad digest.Digest) []string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("hook tests need /bin/sh")
	}
	script := fmt.Sprintf(`printf '%%s\n' "$FLEET_TARGET" >> %q; [ "$FLEET_TARGET" != %q ]`, logPath, bad.String())
	return []string{"/bin/sh", "-c", script}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Fields(string(data))
}

func putLocal(t *testing.T, s *LocalStore, payload []byte) digest.Digest {
	t.Helper()
	d := digest.Of(payload)
	if err := ingest(t, s, d, payload); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestActivatorSwitchesAndRollsBack(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "hook.log")
	store, err := OpenLocalStore(filepath.Join(dir, "store"), 0)
	if err != nil {
		t.Fatal(err)
	}
	profile, err := OpenProfile(filepath.Join(dir, "profiles"))
	if err != nil {
		t.Fatal(err)
	}

	lib := putLocal(t, store, []byte("lib"))
	good := putLocal(t, store, []byte("good"))
	bad := putLocal(t, store, []byte("bad"))
	missing := digest.Of([]byte("never delivered"))

	act := NewActivator(store, profile, Hook{Argv: hookScript(t, logPath, bad), Timeout: 10 * time.Second}, zerolog.Nop())
	ctx := context.Background()

	out := act.Activate(ctx, good, []digest.Digest{lib, good})
	if !out.Success || out.Active != good || act.Active() != good {
		t.Fatalf("activate good = %+v", out)
	}

	out = act.Activate(ctx, good, []digest.Digest{missing, good})
	if out.Success || out.Reason != fleet.ReasonIncompleteClosure || out.Restored != good {
		t.Fatalf("activate with missing closure = %+v", out)
	}

	out = act.Activate(ctx, bad, []digest.Digest{lib, bad})
	if out.Success || out.Reason != fleet.ReasonActivationHookFailure || out.Restored != good {
		t.Fatalf("activate bad = %+v", out)
	}
	if act.Active() != good {
		t.Fatalf("active after failed hook = %s", act.Active())
	}

	want := []string{good.String(), bad.String(), good.String()}
	if got := readLines(t, logPath); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("hook runs = %v, want %v", got, want)
	}
	gens, _ := profile.Generations()
	if len(gens) != 1 {
		t.Fatalf("generations after rollback = %v", gens)
	}
}

// startFleet serves a hub over httptest and runs a real agent against it
// until the test ends.
func startFleet(t *testing.T, cfg Config) (*Agent, *registry.Registry, *hub.Hub) {
	t.Helper()
	reg := registry.New()
	h, err := hub.New(reg, hub.Config{HeartbeatInterval: time.Second, SilenceTimeout: 5 * time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})

	cfg.Server = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/agents/ws"
	a, err := New(cfg, "test", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := h.Session(a.ID()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return a, reg, h
}

// TestAgentEndToEnd drives a real agent through the hub with the server-side
// transfer engine and activation controller.
func TestAgentEndToEnd(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "hook.log")
	badPayload := []byte("breaks the hook")
	bad := digest.Of(badPayload)
	ctx := context.Background()

	a, reg, h := startFleet(t, Config{
		Hostname:    "edge-1",
		StateDir:    filepath.Join(dir, "state"),
		Hook:        hookScript(t, logPath, bad),
		HookTimeout: 10 * time.Second,
	})
	if agent, err := reg.Get(a.ID()); err != nil || agent.Hostname != "edge-1" || agent.State != fleet.Online {
		t.Fatalf("registered agent = %+v, err %v", agent, err)
	}

	store := contentstore.NewMemory()
	// Larger than one chunk, and incompressible enough to exercise both
	// chunk encodings.
	libPayload := make([]byte, 600<<10)
	for i := range libPayload {
		libPayload[i] = byte(i * 7919 >> 3)
	}
	lib, err := store.Put(ctx, libPayload, nil)
	if err != nil {
		t.Fatal(err)
	}
	app, err := store.Put(ctx, bytes.Repeat([]byte("app"), 1000), []digest.Digest{lib.Digest})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, badPayload, []digest.Digest{lib.Digest}); err != nil {
		t.Fatal(err)
	}

	engine := transfer.New(store, reg, h)
	ctrl := activation.New(store, reg, engine, h)
	t.Cleanup(func() {
		ctrl.Close()
		engine.Close()
	})

	deliver := func(root digest.Digest) transfer.Snapshot {
		t.Helper()
		snap, err := engine.Request(ctx, a.ID(), root)
		if err != nil {
			t.Fatalf("Request(%s): %v", root.Short(), err)
		}
		deadline := time.Now().Add(10 * time.Second)
		for !snap.Status.Terminal() {
			if time.Now().After(deadline) {
				t.Fatalf("transfer %s stuck: %+v", root.Short(), snap)
			}
			time.Sleep(10 * time.Millisecond)
			if snap, err = engine.Status(snap.ID); err != nil {
				t.Fatal(err)
			}
		}
		return snap
	}
	activate := func(target digest.Digest) activation.Snapshot {
		t.Helper()
		req, err := ctrl.Request(ctx, a.ID(), target)
		if err != nil {
			t.Fatalf("activation Request(%s): %v", target.Short(), err)
		}
		waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
		defer waitCancel()
		done, err := ctrl.Wait(waitCtx, req.ID)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		return done
	}

	if snap := deliver(app.Digest); snap.Status != fleet.TransferCompleted || snap.Delivered != 2 {
		t.Fatalf("app transfer = %+v", snap)
	}
	got, err := os.ReadFile(a.store.Path(lib.Digest))
	if err != nil || !bytes.Equal(got, libPayload) {
		t.Fatalf("lib on agent differs, err %v", err)
	}

	// Only the new root travels; lib is already held.
	if snap := deliver(bad); snap.Status != fleet.TransferCompleted || snap.Delivered != 1 {
		t.Fatalf("bad transfer = %+v", snap)
	}

	if res := activate(app.Digest); res.State != fleet.ActivationActive {
		t.Fatalf("activate app = %+v", res)
	}
	if agent, _ := reg.Get(a.ID()); agent.ActiveArtifact != app.Digest {
		t.Fatalf("registry active = %s", agent.ActiveArtifact)
	}

	res := activate(bad)
	if res.State != fleet.ActivationFailed || res.Reason != fleet.ReasonActivationHookFailure || res.Restored != app.Digest {
		t.Fatalf("activate bad = %+v", res)
	}
	if a.activator.Active() != app.Digest {
		t.Fatalf("agent active = %s", a.activator.Active())
	}
	if agent, _ := reg.Get(a.ID()); agent.ActiveArtifact != app.Digest {
		t.Fatalf("registry active after rollback = %s", agent.ActiveArtifact)
	}
}

// TestLargeClosureOverChannel plans, transfers and activates a root whose
// closure needs several pages of digests on the wire.
func TestLargeClosureOverChannel(t *testing.T) {
	const leaves = 5000
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "state", "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	store := contentstore.NewMemory()
	refs := make([]digest.Digest, 0, leaves)
	for i := 0; i < leaves; i++ {
		payload := []byte(fmt.Sprintf("leaf-%d", i))
		leaf, err := store.Put(ctx, payload, nil)
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, leaf.Digest)
		// The agent already holds every leaf.
		if err := os.WriteFile(filepath.Join(storeDir, leaf.Digest.Hex()), payload, 0o444); err != nil {
			t.Fatal(err)
		}
	}
	root, err := store.Put(ctx, []byte("root"), refs)
	if err != nil {
		t.Fatal(err)
	}

	a, reg, h := startFleet(t, Config{
		StateDir:    filepath.Join(dir, "state"),
		StoreDir:    storeDir,
		Hook:        hookScript(t, filepath.Join(dir, "hook.log"), digest.Of([]byte("none"))),
		HookTimeout: 10 * time.Second,
	})
	engine := transfer.New(store, reg, h)
	ctrl := activation.New(store, reg, engine, h)
	t.Cleanup(func() {
		ctrl.Close()
		engine.Close()
	})

	plan, err := engine.Plan(ctx, a.ID(), root.Digest)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Closure) != leaves+1 {
		t.Fatalf("closure = %d members", len(plan.Closure))
	}
	if len(plan.Pending) != 1 || plan.Pending[0] != root.Digest {
		t.Fatalf("pending = %d members, want only the root", len(plan.Pending))
	}

	done, err := engine.Execute(ctx, plan.ID)
	if err != nil || done.Status != fleet.TransferCompleted || done.Delivered != 1 {
		t.Fatalf("Execute = %+v, %v", done, err)
	}

	req, err := ctrl.Request(ctx, a.ID(), root.Digest)
	if err != nil {
		t.Fatalf("activation Request: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	res, err := ctrl.Wait(waitCtx, req.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.State != fleet.ActivationActive {
		t.Fatalf("activation = %+v", res)
	}
	if a.activator.Active() != root.Digest {
		t.Fatalf("agent active = %s", a.activator.Active())
	}
	if _, err := h.Session(a.ID()); err != nil {
		t.Fatalf("channel dropped: %v", err)
	}
}
