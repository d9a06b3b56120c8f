package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"fleetd/pkg/digest"
)

func TestProfileStageAndSwitch(t *testing.T) {
	p, err := OpenProfile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	gen, active, err := p.Active()
	if err != nil || gen != 0 || !active.IsZero() {
		t.Fatalf("fresh profile = %d %q %v", gen, active, err)
	}

	storeDir := t.TempDir()
	first := digest.Of([]byte("first"))
	second := digest.Of([]byte("second"))

	g1, err := p.Stage(filepath.Join(storeDir, first.Hex()))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Switch(g1); err != nil {
		t.Fatal(err)
	}
	g2, err := p.Stage(filepath.Join(storeDir, second.Hex()))
	if err != nil {
		t.Fatal(err)
	}
	if g1 != 1 || g2 != 2 {
		t.Fatalf("generations = %d, %d", g1, g2)
	}

	// Staging alone leaves the active pointer alone.
	if _, active, _ = p.Active(); active != first {
		t.Fatalf("active after stage = %s", active)
	}
	if err := p.Switch(g2); err != nil {
		t.Fatal(err)
	}
	if gen, active, _ = p.Active(); gen != 2 || active != second {
		t.Fatalf("active = %d %s", gen, active)
	}

	if err := p.Discard(g2); err == nil {
		t.Fatal("discarding the active generation succeeded")
	}
	if err := p.Discard(g1); err != nil {
		t.Fatal(err)
	}
	gens, _ := p.Generations()
	if len(gens) != 1 || gens[0] != 2 {
		t.Fatalf("generations = %v", gens)
	}
}

func TestActiveDuringRepeatedSwitch(t *testing.T) {
	p, err := OpenProfile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	storeDir := t.TempDir()
	want := map[int]digest.Digest{
		1: digest.Of([]byte("previous")),
		2: digest.Of([]byte("target")),
	}
	for n := 1; n <= 2; n++ {
		if g, err := p.Stage(filepath.Join(storeDir, want[n].Hex())); err != nil || g != n {
			t.Fatalf("Stage = %d, %v", g, err)
		}
	}
	if err := p.Switch(1); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	type result struct {
		reads int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() { done <- r }()
		for {
			gen, active, err := p.Active()
			if err != nil {
				r.err = err
				return
			}
			if d, ok := want[gen]; !ok || d != active {
				r.err = fmt.Errorf("observed generation %d at %s", gen, active)
				return
			}
			r.reads++
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	for i := 0; i < 500; i++ {
		if err := p.Switch(2 - i%2); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.reads == 0 {
		t.Fatal("no reads completed")
	}
}

func TestProfileGenerationsNumericOrder(t *testing.T) {
	p, err := OpenProfile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(t.TempDir(), digest.Of([]byte("x")).Hex())
	for i := 0; i < 11; i++ {
		if _, err := p.Stage(target); err != nil {
			t.Fatal(err)
		}
	}
	gens, err := p.Generations()
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 11 || gens[9] != 10 || gens[10] != 11 {
		t.Fatalf("generations = %v", gens)
	}
}

func TestLoadIdentityCreatesOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	first, err := LoadIdentity(dir)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == uuid.Nil || first.SchemaVersion != identitySchemaVersion {
		t.Fatalf("identity = %+v", first)
	}
	second, err := LoadIdentity(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("identity changed: %s -> %s", first.ID, second.ID)
	}
}

func TestLoadIdentityRejectsUnknownSchema(t *testing.T) {
	dir := t.TempDir()
	body := `{"schema_version":2,"id":"` + uuid.NewString() + `"}`
	if err := os.WriteFile(filepath.Join(dir, identityFile), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIdentity(dir); err == nil {
		t.Fatal("expected schema version error")
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "full",
			body: "server: ws://fleet.local:8080/v1/agents/ws\nstate_dir: /tmp/fleet\nhook: [\"/usr/bin/apply\", \"--switch\"]\nhook_timeout: 90s\ncapacity_bytes: 1048576\n",
		},
		{name: "missing server", body: "state_dir: /tmp/fleet\n", wantErr: true},
		{name: "http scheme", body: "server: http://fleet.local\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "agent.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
				t.Fatal(err)
			}
			cfg, err := LoadConfig(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.StoreDir != "/tmp/fleet/store" || cfg.HookTimeout.Seconds() != 90 || len(cfg.Hook) != 2 || cfg.Capacity != 1<<20 {
				t.Fatalf("config = %+v", cfg)
			}
		})
	}
}
