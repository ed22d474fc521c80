// Package proctree discovers a process's descendant tree from a
// (pid, ppid) table and applies the profiler's process-name denylist
// before signaling, the discovery step behind the two-stage Ctrl+C
// policy.
package proctree

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Entry is one row of the OS process table.
type Entry struct {
	PID  int
	PPID int
	Name string
}

// Table is a snapshot of (pid, ppid, name) triples, keyed by pid.
type Table map[int]Entry

// ReadProcTable reads /proc on Linux to build a Table. Best effort: rows
// it cannot parse (raced, already-exited pids) are skipped.
func ReadProcTable() (Table, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("reading /proc: %w", err)
	}
	table := make(Table)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ppid, name, ok := readStat(pid)
		if !ok {
			continue
		}
		table[pid] = Entry{PID: pid, PPID: ppid, Name: name}
	}
	return table, nil
}

// readStat parses /proc/<pid>/stat's "pid (comm) state ppid ..." line.
// comm may contain spaces or parens, so it is delimited by the last ')'.
func readStat(pid int) (ppid int, name string, ok bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, "", false
	}
	line := string(data)
	open := strings.IndexByte(line, '(')
	closeParen := strings.LastIndexByte(line, ')')
	if open < 0 || closeParen < 0 || closeParen <= open {
		return 0, "", false
	}
	name = line[open+1 : closeParen]
	rest := strings.Fields(line[closeParen+1:])
	if len(rest) < 2 {
		return 0, "", false
	}
	ppid, err = strconv.Atoi(rest[1])
	if err != nil {
		return 0, "", false
	}
	return ppid, name, true
}

// Descendants computes the transitive closure of root's children within
// table, excluding any pid whose Entry.Name is in the denylist.
// Exclusion happens during the walk, so denied pids never appear and
// their own subtrees are still explored (denylisting hides a node, not
// its children).
func Descendants(table Table, root int, denylist map[string]bool) []int {
	children := make(map[int][]int)
	for pid, e := range table {
		if pid == root {
			continue
		}
		children[e.PPID] = append(children[e.PPID], pid)
	}

	var out []int
	seen := make(map[int]bool)
	var walk func(pid int)
	walk = func(pid int) {
		for _, child := range children[pid] {
			if seen[child] {
				continue
			}
			seen[child] = true
			if e, ok := table[child]; ok && denylist[e.Name] {
				walk(child)
				continue
			}
			out = append(out, child)
			walk(child)
		}
	}
	walk(root)
	return out
}

// DiscoverWithRetry re-reads the process table up to maxRetries times,
// spaced by interval, looking for any surviving descendant of root after
// the denylist is applied. It returns as soon as a non-empty set is
// found, matching "up to 10 retries spaced 100ms apart"
// fallback window before falling back to process-group signaling.
func DiscoverWithRetry(root int, denylist map[string]bool, maxRetries int, interval time.Duration) []int {
	for i := 0; i < maxRetries; i++ {
		table, err := ReadProcTable()
		if err == nil {
			if found := Descendants(table, root, denylist); len(found) > 0 {
				return found
			}
		}
		if i < maxRetries-1 {
			time.Sleep(interval)
		}
	}
	return nil
}
