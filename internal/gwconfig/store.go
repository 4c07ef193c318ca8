// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gwconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jinterlante1206/ollama-gateway/internal/gwerrors"
	"github.com/jinterlante1206/ollama-gateway/pkg/logging"
)

// Store owns the routing document on disk and the RoutingSnapshot derived
// from it. A Store is safe for concurrent use: Current is a lock-free
// atomic read, and Load/Save are serialized by the caller's natural
// request cadence (config reloads are rare next to dispatch traffic).
type Store struct {
	path       string
	backupsDir string
	strategy   string
	logger     *logging.Logger

	snap    atomic.Pointer[RoutingSnapshot]
	version atomic.Int64

	watcher *fsnotify.Watcher
}

// NewStore returns a Store reading/writing the routing document at path,
// with backups written under backupsDir. strategy is the scheduling
// strategy selected at process start (spec.md's SCHEDULING_STRATEGY is a
// deployment-time choice, not part of the hot-reloadable document, matching
// the original gateway reading it once from the environment).
func NewStore(path, backupsDir, strategy string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{path: path, backupsDir: backupsDir, strategy: strategy, logger: logger}
}

// Current returns the most recently published RoutingSnapshot. Callers
// must not mutate it; snapshots are immutable once published.
func (s *Store) Current() *RoutingSnapshot {
	return s.snap.Load()
}

// Load reads the routing document from disk, resolves and validates it,
// and atomically publishes a new RoutingSnapshot. It is safe to call
// concurrently with Current; in-flight requests keep reading the prior
// snapshot until this call completes (spec.md §3 snapshot-atomicity
// invariant).
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return gwerrors.Wrap(gwerrors.KindConfigMissing, "routing document not found: "+s.path, err)
		}
		return gwerrors.Wrap(gwerrors.KindConfigMalformed, "could not read routing document", err)
	}
	return s.loadBytes(raw)
}

func (s *Store) loadBytes(raw []byte) error {
	doc, err := parseDocument(raw)
	if err != nil {
		return err
	}
	if err := validateDocument(doc); err != nil {
		return err
	}

	version := int(s.version.Add(1))
	next := buildSnapshot(doc, s.strategy, version)
	s.snap.Store(next)

	s.logger.Info("routing document loaded",
		"path", s.path,
		"nodes", len(next.Nodes),
		"version", version,
	)
	return nil
}

// Save validates doc, writes a timestamped backup of the existing document
// (if any), atomically replaces the document on disk (temp file, fsync,
// rename), and reloads it so the new snapshot takes effect immediately —
// mirroring the original gateway's save_config, which backs up before
// overwriting and refuses to report success unless the reload that follows
// also succeeds.
func (s *Store) Save(doc *Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}

	if err := s.backupExisting(); err != nil {
		return gwerrors.Wrap(gwerrors.KindBackupFailed, "could not back up existing routing document", err)
	}

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindConfigInvalid, "could not encode routing document", err)
	}
	if err := writeFileAtomic(s.path, encoded, 0o644); err != nil {
		return gwerrors.Wrap(gwerrors.KindWriteFailed, "could not write routing document", err)
	}

	return s.Load()
}

// writeFileAtomic writes data to a temp file in dir's directory, fsyncs it,
// and renames it onto path, so a crash or concurrent reader never observes
// a truncated or partially-written routing document (spec.md §3's
// write-then-replace requirement).
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file onto %s: %w", path, err)
	}
	return nil
}

func (s *Store) backupExisting() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	if err := os.MkdirAll(s.backupsDir, 0o755); err != nil {
		return err
	}
	existing, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s.backup.%d", filepath.Base(s.path), time.Now().Unix())
	return os.WriteFile(filepath.Join(s.backupsDir, name), existing, 0o644)
}

// WatchForChanges starts an fsnotify watch on the routing document's
// directory and reloads the Store whenever the file itself is written.
// Reload errors are logged, not returned, so a transient malformed write
// (e.g. another process mid-write) doesn't tear down the watcher; the
// previous snapshot stays in effect until a subsequent write parses
// cleanly. Callers that don't want out-of-band reload simply never call
// this and rely on POST /api/config/reload instead.
func (s *Store) WatchForChanges() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("gwconfig: creating watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("gwconfig: watching %s: %w", dir, err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Load(); err != nil {
					s.logger.Error("routing document reload failed", "error", err.Error())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Error("config watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}

// Close stops the filesystem watcher, if one was started.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
