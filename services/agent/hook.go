package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"fleetd/pkg/digest"
)

const hookOutputLimit = 4096

// Hook is the command that applies an artifact to the running system.
type Hook struct {
	Argv    []string
	Timeout time.Duration
}

// Run executes the hook for target, whose payload lives at storePath. The
// store path is appended to the arguments and also exported as
// FLEET_STORE_PATH next to FLEET_TARGET.
func (h Hook) Run(ctx context.Context, target digest.Digest, storePath string) error {
	if len(h.Argv) == 0 {
		return nil
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, h.Argv[1:]...), storePath)
	cmd := exec.CommandContext(ctx, h.Argv[0], args...)
	cmd.Env = append(os.Environ(),
		"FLEET_TARGET="+target.String(),
		"FLEET_STORE_PATH="+storePath,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(out.String())
		if len(output) > hookOutputLimit {
			output = output[len(output)-hookOutputLimit:]
		}
		if output == "" {
			return fmt.Errorf("hook %s: %w", h.Argv[0], err)
		}
		return fmt.Errorf("hook %s: %w: %s", h.Argv[0], err, output)
	}
	return nil
}
