package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	identityFile          = "state.json"
	identitySchemaVersion = 1
)

// Identity is the agent's persistent self. The id is generated once and
// never changes.
type Identity struct {
	SchemaVersion int       `json:"schema_version"`
	ID            uuid.UUID `json:"id"`
}

// LoadIdentity reads the identity from dir, creating it on first start.
func LoadIdentity(dir string) (Identity, error) {
	path := filepath.Join(dir, identityFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return Identity{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if id.SchemaVersion != identitySchemaVersion {
			return Identity{}, fmt.Errorf("%s: unsupported schema version %d", path, id.SchemaVersion)
		}
		if id.ID == uuid.Nil {
			return Identity{}, fmt.Errorf("%s: missing id", path)
		}
		return id, nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}

	id := Identity{SchemaVersion: identitySchemaVersion, ID: uuid.New()}
	data, err = json.MarshalIndent(id, "", "  ")
	if err != nil {
		return Identity{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Identity{}, fmt.Errorf("create state dir: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return Identity{}, fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}

// writeFileAtomic writes data to a temp file beside path and renames it into
// place, so readers see either the old content or the new.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
