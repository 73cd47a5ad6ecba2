// Package platform wraps the OS facilities discovery needs: listing listening
// TCP sockets with their owning process, and walking the process tree.
package platform

import (
	"bufio"
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ListenEntry represents a TCP listening socket.
type ListenEntry struct {
	Port int
	PID  int
	Cmd  string
}

// PortEnumerator lists the listening TCP ports on the host.
type PortEnumerator interface {
	ListListeningPorts(ctx context.Context) ([]ListenEntry, error)
}

// ProcessTree resolves the descendants of a process. Implementations never
// fail: any error yields an empty set.
type ProcessTree interface {
	Descendants(ctx context.Context, pid int) map[int]struct{}
}

// Platform bundles both leaves for the running OS.
type Platform interface {
	PortEnumerator
	ProcessTree
}

// Default returns the implementation for the running OS.
func Default() Platform {
	return newPlatform()
}

// Example line:
// LISTEN  0  4096  127.0.0.1:38129  0.0.0.0:*  users:(("opencode",pid=1059916,fd=30))
var (
	ssLineRe = regexp.MustCompile(`:(\d+)\s+\S+\s+users:\((.*)\)`)
	ssUserRe = regexp.MustCompile(`\("([^"]+)",pid=(\d+),`)
)

// parseSS parses `ss -tlnp` output. A socket shared by several processes
// (a forked child inheriting the listener) yields one entry per process.
func parseSS(out string) []ListenEntry {
	var entries []ListenEntry
	for _, line := range strings.Split(out, "\n") {
		matches := ssLineRe.FindStringSubmatch(line)
		if len(matches) < 3 {
			continue
		}
		port, _ := strconv.Atoi(matches[1])
		if port <= 0 {
			continue
		}
		for _, user := range ssUserRe.FindAllStringSubmatch(matches[2], -1) {
			pid, _ := strconv.Atoi(user[2])
			if pid > 0 {
				entries = append(entries, ListenEntry{Port: port, PID: pid, Cmd: user[1]})
			}
		}
	}
	return dedupe(entries)
}

// parseLsof parses `lsof -iTCP -sTCP:LISTEN -nP -Fpcn` output. Records are
// grouped: a p<PID> line, a c<command> line, then one n<host:port> line per
// listening socket.
func parseLsof(out string) []ListenEntry {
	var entries []ListenEntry
	var curPID int
	var curCmd string

	for _, line := range strings.Split(out, "\n") {
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case 'p':
			pid, err := strconv.Atoi(line[1:])
			if err == nil {
				curPID = pid
			}
			curCmd = ""
		case 'c':
			curCmd = line[1:]
		case 'n':
			name := line[1:]
			idx := strings.LastIndex(name, ":")
			if idx < 0 {
				continue
			}
			port, err := strconv.Atoi(name[idx+1:])
			if err != nil || port <= 0 {
				continue
			}
			if curPID > 0 {
				entries = append(entries, ListenEntry{Port: port, PID: curPID, Cmd: curCmd})
			}
		}
	}
	return dedupe(entries)
}

// parsePidPpid parses "pid ppid" pairs, one per line (ps -o pid=,ppid=).
func parsePidPpid(out string) map[int][]int {
	children := make(map[int][]int)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}
	return children
}

// descendantsOf walks a ppid→children index breadth-first. The root itself is
// not part of the result.
func descendantsOf(children map[int][]int, root int) map[int]struct{} {
	result := make(map[int]struct{})
	queue := append([]int(nil), children[root]...)
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if _, seen := result[pid]; seen || pid == root {
			continue
		}
		result[pid] = struct{}{}
		queue = append(queue, children[pid]...)
	}
	return result
}

// dedupe collapses duplicate (port, pid) rows, e.g. IPv4 and IPv6 listeners
// of the same socket, and sorts by port.
func dedupe(entries []ListenEntry) []ListenEntry {
	type key struct{ port, pid int }
	seen := make(map[key]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		k := key{e.Port, e.PID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].PID < out[j].PID
	})
	return out
}
