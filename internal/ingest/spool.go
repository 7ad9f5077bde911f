// Package ingest feeds the pipeline from a spool directory. The OS listener
// bridge drops one JSON file per notification event; we pick them up via
// fsnotify, hand them to the pipeline and delete them. Producers must
// write-then-rename so a spool file is always complete when it appears.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"notifiq/internal/engine"
	"notifiq/internal/services/pipeline"
	"notifiq/internal/storage"
	logx "notifiq/pkg/logx"
)

// Pipeline is the part of the classification pipeline ingest needs.
type Pipeline interface {
	Submit(ctx context.Context, it pipeline.Item) error
	Opened(ctx context.Context, key string, at time.Time) error
	Dismissed(ctx context.Context, key string, at time.Time) error
}

// envelope is the spool file format. A missing action means "posted".
type envelope struct {
	Action string    `json:"action,omitempty"` // posted | opened | dismissed
	Key    string    `json:"key,omitempty"`
	At     time.Time `json:"at,omitempty"`
	engine.Event
}

// rescanEvery bounds how long a file left behind by a full pipeline queue
// (or a missed fsnotify event) waits before the next attempt.
const rescanEvery = 30 * time.Second

type Service struct {
	dir string
	pl  Pipeline
	log logx.Logger
}

func New(spoolDir string, pl Pipeline, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(spoolDir) == "" {
		return nil, errors.New("ingest: spool_dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, err
	}
	return &Service{dir: spoolDir, pl: pl, log: log}, nil
}

// Run blocks until ctx is done. It scans the directory at startup, then
// reacts to file creation. Designed to run under a restart loop: any watcher
// error returns and the caller restarts us.
func (s *Service) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return err
	}

	s.scan(ctx)

	ticker := time.NewTicker(rescanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("ingest: watch channel closed")
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				if isSpoolFile(ev.Name) {
					s.consume(ctx, ev.Name)
				}
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return errors.New("ingest: watch error channel closed")
			}
			if werr != nil {
				return werr
			}
		}
	}
}

func isSpoolFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// scan processes every spool file currently on disk, oldest name first.
func (s *Service) scan(ctx context.Context) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("spool scan failed", logx.String("dir", s.dir), logx.Err(err))
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isSpoolFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.consume(ctx, filepath.Join(s.dir, name))
	}
}

// consume reads, dispatches and removes one spool file. Malformed files are
// moved aside so they stop matching the scan; a full pipeline queue leaves
// the file in place for the next rescan.
func (s *Service) consume(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("spool read failed", logx.String("file", path), logx.Err(err))
		}
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.quarantine(path, err)
		return
	}

	switch strings.ToLower(env.Action) {
	case "", "posted":
		if env.Event.AppID == "" {
			s.quarantine(path, errors.New("event has no app_id"))
			return
		}
		err = s.pl.Submit(ctx, pipeline.Item{Key: env.Key, Event: env.Event})
		if errors.Is(err, pipeline.ErrQueueFull) {
			s.log.Warn("pipeline queue full; spool file deferred", logx.String("file", path))
			return
		}
	case "opened":
		err = s.pl.Opened(ctx, env.Key, env.At)
	case "dismissed":
		err = s.pl.Dismissed(ctx, env.Key, env.At)
	default:
		s.quarantine(path, errors.New("unknown action "+env.Action))
		return
	}

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("spool event dispatch failed", logx.String("file", path), logx.Err(err))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("spool remove failed", logx.String("file", path), logx.Err(err))
	}
}

func (s *Service) quarantine(path string, cause error) {
	s.log.Warn("malformed spool file", logx.String("file", path), logx.Err(cause))
	if err := os.Rename(path, path+".bad"); err != nil && !os.IsNotExist(err) {
		s.log.Warn("spool quarantine failed", logx.String("file", path), logx.Err(err))
	}
}
