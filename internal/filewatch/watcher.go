// Package filewatch turns filesystem notifications under the functions
// directory into debounced, content-deduplicated FileChange events.
package filewatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/polyhost/internal/events"
)

const (
	KindCreate = "create"
	KindWrite  = "write"
	KindRemove = "remove"
	KindRename = "rename"
)

// DefaultDebounce applies when no debounce is configured.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches a directory tree. It is not safe to call Run twice.
type Watcher struct {
	root     string
	debounce time.Duration
	bus      *events.Bus[events.FileChange]
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	// Owned by the Run goroutine after New returns.
	hashes  map[string]string
	pending map[string]fsnotify.Op
}

// New watches root and every directory below it and records the current
// content hash of each file so unchanged rewrites are not reported.
func New(root string, debounce time.Duration, bus *events.Bus[events.FileChange], logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		root:     abs,
		debounce: debounce,
		bus:      bus,
		logger:   logger,
		fsw:      fsw,
		hashes:   make(map[string]string),
		pending:  make(map[string]fsnotify.Op),
	}
	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers dir and its subdirectories and hashes the files inside.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ignored(path) && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if h, err := HashFile(path); err == nil {
			w.hashes[path] = h
		}
		return nil
	})
}

// Run delivers events until ctx ends. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	w.logger.Info("watching functions directory", "path", w.root, "debounce", w.debounce.String())
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.note(ev) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)

		case <-timer.C:
			w.flush()

		case <-ctx.Done():
			return nil
		}
	}
}

// note records ev and reports whether it should (re)arm the debounce timer.
func (w *Watcher) note(ev fsnotify.Event) bool {
	if ignored(ev.Name) || ev.Op == fsnotify.Chmod {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return false
		}
	}
	w.pending[ev.Name] = ev.Op
	return true
}

// flush publishes one event per path touched since the last flush.
func (w *Watcher) flush() {
	now := time.Now()
	for path, op := range w.pending {
		delete(w.pending, path)

		hash, err := HashFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("failed to hash changed file", "path", path, "error", err)
				continue
			}
			if _, known := w.hashes[path]; !known {
				continue
			}
			delete(w.hashes, path)
			kind := KindRemove
			if op.Has(fsnotify.Rename) {
				kind = KindRename
			}
			w.publish(events.FileChange{Path: path, Kind: kind, At: now})
			continue
		}

		prev, known := w.hashes[path]
		if known && prev == hash {
			w.logger.Debug("file touched without content change", "path", path)
			continue
		}
		w.hashes[path] = hash
		kind := KindWrite
		if !known {
			kind = KindCreate
		}
		w.publish(events.FileChange{Path: path, Kind: kind, Hash: hash, At: now})
	}
}

func (w *Watcher) publish(ev events.FileChange) {
	w.logger.Info("function file changed", "path", ev.Path, "kind", ev.Kind)
	if w.bus != nil {
		w.bus.Publish(ev)
	}
}

// ignored skips dotfiles and editor backups.
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~")
}

// HashFile returns the hex blake3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
