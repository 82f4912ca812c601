package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Notify is an observe-only source built on fsnotify. Every directory under
// the watch paths gets its own watch; directories created later are added
// as they appear.
type Notify struct {
	paths   []string
	skip    func(hostPath string) bool
	watcher *fsnotify.Watcher
	events  chan *Event
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewNotify creates an fsnotify source. skip reports host directories that
// must not be watched.
func NewNotify(paths []string, skip func(hostPath string) bool, logger *slog.Logger) (*Notify, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if skip == nil {
		skip = func(string) bool { return false }
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Notify{
		paths:   paths,
		skip:    skip,
		watcher: w,
		events:  make(chan *Event, 4096),
		logger:  logger.With("component", "fsnotify"),
	}, nil
}

func (n *Notify) Name() string            { return "fsnotify" }
func (n *Notify) PermissionCapable() bool { return false }
func (n *Notify) Events() <-chan *Event   { return n.events }

// Start adds watches for every directory under the watch paths.
func (n *Notify) Start(ctx context.Context) error {
	for _, p := range n.paths {
		if err := n.addTree(p); err != nil {
			n.watcher.Close()
			return err
		}
	}
	n.logger.Info("fsnotify attached", "paths", n.paths, "watches", len(n.watcher.WatchList()))

	go n.loop(ctx)
	return nil
}

// WatchCount returns the number of watched directories.
func (n *Notify) WatchCount() int {
	return len(n.watcher.WatchList())
}

func (n *Notify) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.watcher.Close()
	})
	return err
}

func (n *Notify) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return fmt.Errorf("watching %s: %w", root, err)
			}
			n.logger.Debug("skipping unreadable directory", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if n.skip(p) {
			return filepath.SkipDir
		}
		if err := n.watcher.Add(p); err != nil {
			if p == root {
				return fmt.Errorf("watching %s: %w", root, err)
			}
			n.logger.Warn("failed to watch directory", "path", p, "error", err)
			return filepath.SkipDir
		}
		return nil
	})
}

func (n *Notify) loop(ctx context.Context) {
	defer close(n.events)
	defer n.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.handle(ev)

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				n.logger.Warn("fsnotify queue overflow")
				for _, p := range n.paths {
					n.events <- NewEvent(p, OpOverflow)
				}
				continue
			}
			n.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (n *Notify) handle(ev fsnotify.Event) {
	if n.skip(ev.Name) {
		return
	}

	var op Op
	if ev.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if ev.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if ev.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if ev.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if ev.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	if op == 0 {
		return
	}

	if op.Has(OpCreate) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := n.addTree(ev.Name); err != nil {
				n.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			// Files may have landed before the watch existed.
			n.events <- NewEvent(ev.Name, OpOverflow)
			return
		}
	}

	n.events <- NewEvent(ev.Name, op)
}
