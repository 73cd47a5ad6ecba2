//go:build darwin

package platform

import (
	"context"
	"fmt"
	"os/exec"
)

// Compile-time interface check.
var _ Platform = (*darwinPlatform)(nil)

type darwinPlatform struct{}

func newPlatform() Platform { return &darwinPlatform{} }

// ListListeningPorts runs `lsof -iTCP -sTCP:LISTEN -nP -Fpcn`.
func (d *darwinPlatform) ListListeningPorts(ctx context.Context) ([]ListenEntry, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-iTCP", "-sTCP:LISTEN", "-nP", "-Fpcn").Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 && len(out) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
	}
	return parseLsof(string(out)), nil
}

// Descendants runs `ps -A -o pid=,ppid=`.
func (d *darwinPlatform) Descendants(ctx context.Context, pid int) map[int]struct{} {
	out, err := exec.CommandContext(ctx, "ps", "-A", "-o", "pid=,ppid=").Output()
	if err != nil {
		return map[int]struct{}{}
	}
	return descendantsOf(parsePidPpid(string(out)), pid)
}
