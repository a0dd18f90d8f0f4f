// Package oomwatcher detects out-of-memory kills of a container's
// process group, using cgroup v1 eventfd notifications or cgroup v2
// inotify-equivalent watches depending on what the host provides.
package oomwatcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/containers/conmonrs-go/internal/cgroup"
	"github.com/containers/conmonrs-go/internal/log"
)

// Event reports whether an OOM kill was actually observed. A false
// value means the watcher stopped for another reason (cancellation,
// an error) before ever seeing one.
type Event struct {
	OOM bool
}

// Watcher watches a single process for cgroup OOM events.
type Watcher struct {
	pid       int
	cancel    context.CancelFunc
	done      chan struct{}
}

// New starts watching pid for OOM kills. exitPaths are empty marker
// files created the moment an OOM is detected, read by callers as a
// durable "this container was OOM-killed" signal even after the
// watcher itself has gone away. Exactly one Event is ever sent on the
// returned channel.
func New(ctx context.Context, pid int, exitPaths []string) (*Watcher, <-chan Event) {
	ctx, cancel := context.WithCancel(ctx)
	tx := make(chan Event, 1)
	done := make(chan struct{})

	w := &Watcher{pid: pid, cancel: cancel, done: done}

	go func() {
		defer close(done)
		logger := log.WithComponent("oomwatcher")

		var err error
		if cgroup.IsV2() {
			err = w.watchCgroupV2(ctx, exitPaths, tx)
		} else {
			err = w.watchCgroupV1(ctx, exitPaths, tx)
		}
		if err != nil {
			logger.Error().Err(err).Int("pid", pid).Msg("failed to watch for oom")
			select {
			case tx <- Event{OOM: false}:
			default:
			}
		}
	}()

	return w, tx
}

// Stop cancels the watcher and waits for its goroutine to return.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) watchCgroupV1(ctx context.Context, exitPaths []string, tx chan<- Event) error {
	memoryPath, err := cgroup.SubsystemPath(w.pid, "memory")
	if err != nil {
		return fmt.Errorf("resolve memory cgroup path: %w", err)
	}

	oomControlPath := filepath.Join(memoryPath, "memory.oom_control")
	eventControlPath := filepath.Join(memoryPath, "cgroup.event_control")

	oomControlFile, err := os.OpenFile(oomControlPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", oomControlPath, err)
	}
	defer oomControlFile.Close()

	eventFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("create eventfd: %w", err)
	}
	eventFile := os.NewFile(uintptr(eventFD), "oom-eventfd")
	defer eventFile.Close()

	eventControl, err := os.OpenFile(eventControlPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", eventControlPath, err)
	}
	defer eventControl.Close()

	if _, err := fmt.Fprintf(eventControl, "%d %d", eventFD, oomControlFile.Fd()); err != nil {
		return fmt.Errorf("write cgroup event control: %w", err)
	}

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := eventFile.Read(buf)
		readDone <- err
	}()

	select {
	case <-ctx.Done():
		tx <- Event{OOM: false}
		return nil
	case err := <-readDone:
		if err != nil {
			return fmt.Errorf("read eventfd: %w", err)
		}
		writeOOMFiles(exitPaths)
		tx <- Event{OOM: true}
		return nil
	}
}

func (w *Watcher) watchCgroupV2(ctx context.Context, exitPaths []string, tx chan<- Event) error {
	subsystemPath, err := cgroup.SubsystemPath(w.pid, "memory")
	if err != nil {
		return fmt.Errorf("resolve memory cgroup path: %w", err)
	}
	eventsPath := filepath.Join(subsystemPath, "memory.events")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(eventsPath); err != nil {
		return fmt.Errorf("watch %s: %w", eventsPath, err)
	}

	var lastCounter uint64
	for {
		select {
		case <-ctx.Done():
			tx <- Event{OOM: false}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				tx <- Event{OOM: false}
				return nil
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				tx <- Event{OOM: false}
				return nil
			}
			if ev.Op&fsnotify.Write == 0 {
				continue
			}

			counter, isOOM, err := checkForOOM(eventsPath, lastCounter)
			if err != nil {
				return fmt.Errorf("check for oom: %w", err)
			}
			if !isOOM {
				continue
			}
			writeOOMFiles(exitPaths)
			lastCounter = counter
			tx <- Event{OOM: true}
			return nil

		case err, ok := <-watcher.Errors:
			if !ok {
				tx <- Event{OOM: false}
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

func checkForOOM(eventsPath string, lastCounter uint64) (counter uint64, isOOM bool, err error) {
	f, err := os.Open(eventsPath)
	if err != nil {
		return 0, false, fmt.Errorf("open %s: %w", eventsPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "oom "); ok {
			n, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0, false, fmt.Errorf("parse oom counter: %w", err)
			}
			if n != lastCounter {
				return n, true, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

func writeOOMFiles(exitPaths []string) {
	logger := log.WithComponent("oomwatcher")
	for _, path := range exitPaths {
		f, err := os.Create(path)
		if err != nil {
			logger.Error().Err(err).Str("path", path).Msg("could not write oom exit file")
			continue
		}
		f.Close()
	}
}
