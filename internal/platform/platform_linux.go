//go:build linux

package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Compile-time interface check.
var _ Platform = (*linuxPlatform)(nil)

type linuxPlatform struct {
	procRoot string
}

func newPlatform() Platform { return &linuxPlatform{procRoot: "/proc"} }

// ListListeningPorts parses `ss -tlnp` output.
func (l *linuxPlatform) ListListeningPorts(ctx context.Context) ([]ListenEntry, error) {
	out, err := exec.CommandContext(ctx, "ss", "-tlnp").Output()
	if err != nil {
		return nil, fmt.Errorf("ss -tlnp: %w", err)
	}
	return parseSS(string(out)), nil
}

// Descendants reads the parent pid of every process from /proc/<pid>/stat.
func (l *linuxPlatform) Descendants(ctx context.Context, pid int) map[int]struct{} {
	entries, err := filepath.Glob(filepath.Join(l.procRoot, "[0-9]*", "stat"))
	if err != nil {
		return map[int]struct{}{}
	}

	children := make(map[int][]int)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return map[int]struct{}{}
		}
		data, err := os.ReadFile(entry)
		if err != nil {
			continue
		}
		child, parent, ok := parseProcStat(string(data))
		if !ok {
			continue
		}
		children[parent] = append(children[parent], child)
	}
	return descendantsOf(children, pid)
}

// parseProcStat extracts pid and ppid from /proc/<pid>/stat. The command name
// is parenthesised and may itself contain spaces or parens, so fields are
// taken after the last ')'.
func parseProcStat(stat string) (pid, ppid int, ok bool) {
	open := strings.IndexByte(stat, '(')
	closing := strings.LastIndexByte(stat, ')')
	if open <= 0 || closing < open {
		return 0, 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(stat[:open]))
	if err != nil {
		return 0, 0, false
	}
	// state ppid ...
	fields := strings.Fields(stat[closing+1:])
	if len(fields) < 2 {
		return 0, 0, false
	}
	ppid, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, false
	}
	return pid, ppid, true
}
