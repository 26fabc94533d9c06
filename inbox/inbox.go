// Package inbox imports export files dropped into a directory. On every
// scheduled sweep each *.json, *.yaml and *.yml file is imported and moved
// to processed/, or to failed/ next to a .error.txt file holding the
// reason.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/flowport/importer"
)

const (
	defaultPollInterval = 5 * time.Second

	// ProcessedDir and FailedDir are created inside the inbox directory.
	ProcessedDir = "processed"
	FailedDir    = "failed"

	errorSuffix = ".error.txt"

	// importedSuffix marks an imported file that could not be moved to
	// processed/. The marker is hidden: "."+name+importedSuffix.
	importedSuffix = ".imported"
)

// FileImporter imports one file. *importer.Importer implements it.
type FileImporter interface {
	ImportFile(ctx context.Context, path string, opts importer.Options) (*importer.Result, error)
}

// Config configures a Watcher.
type Config struct {
	Dir      string
	Schedule string
	Importer FileImporter
	Options  importer.Options

	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	Observer     Observer
}

// Watcher sweeps an inbox directory on a cron schedule.
type Watcher struct {
	dir          string
	schedule     cron.Schedule
	importer     FileImporter
	opts         importer.Options
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
	observer     Observer

	// sweepMu guards stranded along with serializing sweeps.
	sweepMu  sync.Mutex
	stranded map[string]fileStamp

	mu      sync.Mutex
	nextRun time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Watcher. The directory is created if missing.
func New(cfg Config) (*Watcher, error) {
	if cfg.Importer == nil {
		return nil, errors.New("inbox importer is nil")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("inbox directory is required")
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for _, sub := range []string{"", ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("creating inbox directory: %w", err)
		}
	}

	return &Watcher{
		dir:          cfg.Dir,
		schedule:     schedule,
		importer:     cfg.Importer,
		opts:         cfg.Options,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger.With("component", "inbox", "dir", cfg.Dir),
		observer:     cfg.Observer,
		stranded:     make(map[string]fileStamp),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// NextRun returns the time of the next scheduled sweep, or zero before
// Start.
func (w *Watcher) NextRun() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextRun
}

// Start begins polling for due sweeps in the background.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.nextRun = nextRunUTC(w.schedule, w.now())
	w.mu.Unlock()

	w.logger.Info("inbox watcher started", "next_run", w.NextRun())

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				w.tick(loopCtx)
			}
		}
	}()
	return nil
}

// tick runs a sweep when one is due and schedules the next.
func (w *Watcher) tick(ctx context.Context) {
	now := w.now().UTC()
	w.mu.Lock()
	due := !now.Before(w.nextRun)
	if due {
		w.nextRun = nextRunUTC(w.schedule, now)
	}
	w.mu.Unlock()
	if !due {
		return
	}
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Error("inbox sweep failed", "error", err)
	}
}

// Stop stops background polling and waits for an in-flight sweep.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps the inbox once. Files are imported in name order. Only a
// directory listing failure is returned as an error; per-file failures are
// moved to failed/ and counted.
func (w *Watcher) RunOnce(ctx context.Context) (SweepObservation, error) {
	w.sweepMu.Lock()
	defer w.sweepMu.Unlock()

	started := time.Now()
	sweep := SweepObservation{Dir: w.dir}

	files, err := w.pending()
	if err != nil {
		return sweep, err
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return sweep, err
		}
		sweep.Files++
		if w.processFile(ctx, name) == OutcomeProcessed {
			sweep.Processed++
		} else {
			sweep.Failed++
		}
	}

	sweep.Duration = time.Since(started)
	if sweep.Files > 0 {
		w.logger.Info("inbox swept", "files", sweep.Files, "processed", sweep.Processed, "failed", sweep.Failed)
	}
	if w.observer != nil {
		w.observer.ObserveSweep(sweep)
	}
	return sweep, nil
}

func (w *Watcher) pending() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if w.alreadyImported(e.Name(), info) {
			w.settle(e.Name())
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (w *Watcher) processFile(ctx context.Context, name string) Outcome {
	path := filepath.Join(w.dir, name)
	started := time.Now()

	opts := w.opts
	opts.SourceName = name
	res, importErr := w.importer.ImportFile(ctx, path, opts)

	obs := FileObservation{Path: path, Duration: time.Since(started), Err: importErr}
	if importErr == nil {
		obs.Outcome = OutcomeProcessed
		obs.Format = res.Format.String()
		obs.FlowID = res.Flow.ID
		if _, err := w.move(name, ProcessedDir); err != nil {
			w.logger.Error("moving imported file", "file", name, "error", err)
			w.strand(name, res.Flow.ID)
		}
		w.logger.Info("inbox file imported", "file", name, "flow_id", res.Flow.ID, "entities", res.Report.Summary())
	} else {
		obs.Outcome = OutcomeFailed
		dest, err := w.move(name, FailedDir)
		if err != nil {
			w.logger.Error("moving failed file", "file", name, "error", err)
		} else if err := os.WriteFile(dest+errorSuffix, []byte(importErr.Error()+"\n"), 0o600); err != nil {
			w.logger.Error("writing error file", "file", name, "error", err)
		}
		w.logger.Warn("inbox file rejected", "file", name, "error", importErr)
	}

	if w.observer != nil {
		w.observer.ObserveFile(obs)
	}
	return obs.Outcome
}

// fileStamp identifies the content of an inbox file between sweeps.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampOf(info fs.FileInfo) fileStamp {
	return fileStamp{size: info.Size(), modTime: info.ModTime()}
}

func (w *Watcher) markerPath(name string) string {
	return filepath.Join(w.dir, "."+name+importedSuffix)
}

// strand records that name was imported but is still in the inbox. The
// in-memory stamp covers this process; the marker file covers restarts.
func (w *Watcher) strand(name, flowID string) {
	if info, err := os.Stat(filepath.Join(w.dir, name)); err == nil {
		w.stranded[name] = stampOf(info)
	}
	if err := os.WriteFile(w.markerPath(name), []byte(flowID+"\n"), 0o600); err != nil {
		w.logger.Error("writing imported marker", "file", name, "error", err)
	}
}

// alreadyImported reports whether name is an unchanged stranded file. A
// file rewritten after its import is imported again.
func (w *Watcher) alreadyImported(name string, info fs.FileInfo) bool {
	if stamp, ok := w.stranded[name]; ok {
		if stamp.size == info.Size() && stamp.modTime.Equal(info.ModTime()) {
			return true
		}
		delete(w.stranded, name)
	}
	marker, err := os.Stat(w.markerPath(name))
	if err != nil {
		return false
	}
	if info.ModTime().After(marker.ModTime()) {
		_ = os.Remove(w.markerPath(name))
		return false
	}
	return true
}

// settle retries moving a stranded file to processed/.
func (w *Watcher) settle(name string) {
	if _, err := w.move(name, ProcessedDir); err != nil {
		w.logger.Debug("imported file still stranded", "file", name, "error", err)
		return
	}
	delete(w.stranded, name)
	if err := os.Remove(w.markerPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("removing imported marker", "file", name, "error", err)
	}
	w.logger.Info("stranded file moved", "file", name)
}

// move renames name into sub, adding a timestamp when the target exists.
func (w *Watcher) move(name, sub string) (string, error) {
	dest := filepath.Join(w.dir, sub, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		stamp := w.now().UTC().Format("20060102T150405.000000000")
		dest = filepath.Join(w.dir, sub, strings.TrimSuffix(name, ext)+"-"+stamp+ext)
	}
	if err := os.Rename(filepath.Join(w.dir, name), dest); err != nil {
		return "", err
	}
	return dest, nil
}
