package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"fleetd/pkg/digest"
)

const activeLink = "system"

// Profile is the generation history of the system configuration:
// system-<n>-link points at a store path and "system" points at the active
// generation link. Both are replaced only by rename.
type Profile struct {
	dir string
}

func OpenProfile(dir string) (*Profile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	return &Profile{dir: dir}, nil
}

func generationLink(n int) string { return "system-" + strconv.Itoa(n) + "-link" }

func parseGeneration(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "system-")
	if !ok {
		return 0, false
	}
	num, ok := strings.CutSuffix(rest, "-link")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Active returns the active generation and the artifact it points at. A
// profile that was never switched reports generation 0 and a zero digest.
func (p *Profile) Active() (int, digest.Digest, error) {
	name, err := os.Readlink(filepath.Join(p.dir, activeLink))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read active profile: %w", err)
	}
	n, ok := parseGeneration(filepath.Base(name))
	if !ok {
		return 0, "", fmt.Errorf("active profile points at %q", name)
	}
	d, err := p.Generation(n)
	if err != nil {
		return 0, "", err
	}
	return n, d, nil
}

// Generation returns the artifact generation n points at.
func (p *Profile) Generation(n int) (digest.Digest, error) {
	target, err := os.Readlink(filepath.Join(p.dir, generationLink(n)))
	if err != nil {
		return "", fmt.Errorf("read generation %d: %w", n, err)
	}
	d, err := digest.Parse(filepath.Base(target))
	if err != nil {
		return "", fmt.Errorf("generation %d: %w", n, err)
	}
	return d, nil
}

// Generations lists existing generation numbers in ascending order.
func (p *Profile) Generations() ([]int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir: %w", err)
	}
	var out []int
	for _, e := range entries {
		if n, ok := parseGeneration(e.Name()); ok {
			out = append(out, n)
		}
	}
	// ReadDir sorts by name, which is not numeric order.
	slices.Sort(out)
	return out, nil
}

// Stage creates the next generation pointing at storePath without making it
// active.
func (p *Profile) Stage(storePath string) (int, error) {
	gens, err := p.Generations()
	if err != nil {
		return 0, err
	}
	next := 1
	if len(gens) > 0 {
		next = gens[len(gens)-1] + 1
	}
	if err := p.replaceLink(storePath, generationLink(next)); err != nil {
		return 0, fmt.Errorf("stage generation %d: %w", next, err)
	}
	return next, nil
}

// Switch atomically points the active profile at generation n.
func (p *Profile) Switch(n int) error {
	if _, err := os.Lstat(filepath.Join(p.dir, generationLink(n))); err != nil {
		return fmt.Errorf("switch to generation %d: %w", n, err)
	}
	if err := p.replaceLink(generationLink(n), activeLink); err != nil {
		return fmt.Errorf("switch to generation %d: %w", n, err)
	}
	return nil
}

// Discard removes generation n unless it is active.
func (p *Profile) Discard(n int) error {
	active, _, err := p.Active()
	if err != nil {
		return err
	}
	if n == active {
		return fmt.Errorf("generation %d is active", n)
	}
	err = os.Remove(filepath.Join(p.dir, generationLink(n)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// replaceLink makes name a symlink to target by renaming a fresh link over
// it, so observers never see name missing.
func (p *Profile) replaceLink(target, name string) error {
	tmp, err := os.CreateTemp(p.dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	if err := os.Remove(tmpName); err != nil {
		return err
	}
	if err := os.Symlink(target, tmpName); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(p.dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
