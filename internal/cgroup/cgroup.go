// Package cgroup provides shared helpers for locating a process's
// cgroup directory, used by the OOM watcher.
package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Root is the conventional cgroup filesystem mount point.
const Root = "/sys/fs/cgroup"

var (
	isV2Once   sync.Once
	isV2Result bool
)

// IsV2 reports whether the host uses the unified cgroup v2 hierarchy.
func IsV2() bool {
	isV2Once.Do(func() {
		var st unix.Statfs_t
		if err := unix.Statfs(Root, &st); err != nil {
			isV2Result = false
			return
		}
		isV2Result = st.Type == unix.CGROUP2_SUPER_MAGIC
	})
	return isV2Result
}

var v1Pattern = regexp.MustCompile(`.*:(.*):/(.*)`)
var v2Pattern = regexp.MustCompile(`.*:.*:/(.*)`)

// SubsystemPath returns the cgroup directory for pid. On cgroup v2
// there is a single unified hierarchy and subsystem is ignored; on
// cgroup v1 it finds the line in /proc/<pid>/cgroup naming subsystem.
func SubsystemPath(pid int, subsystem string) (string, error) {
	if IsV2() {
		return subsystemPathV2(pid)
	}
	return subsystemPathV1(pid, subsystem)
}

func subsystemPathV1(pid int, subsystem string) (string, error) {
	path := fmt.Sprintf("/proc/%d/cgroup", pid)
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		m := v1Pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		system, rel := m[1], m[2]
		if system == "" || strings.Contains(system, subsystem) {
			return filepath.Join(Root, subsystem, rel), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan %s: %w", path, err)
	}
	return "", fmt.Errorf("no cgroup v1 path found for pid %d subsystem %s", pid, subsystem)
}

func subsystemPathV2(pid int) (string, error) {
	path := fmt.Sprintf("/proc/%d/cgroup", pid)
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return "", fmt.Errorf("invalid cgroup for pid %d", pid)
	}

	m := v2Pattern.FindStringSubmatch(scanner.Text())
	if m == nil {
		return "", fmt.Errorf("invalid cgroup line for pid %d", pid)
	}
	return filepath.Join(Root, m[1]), nil
}
