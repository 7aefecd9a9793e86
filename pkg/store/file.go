package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/experiment"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"
)

// FileFeedOptions configures a FileFeed.
type FileFeedOptions struct {
	// Dir is the directory of experiment definitions (one per file).
	Dir string

	// Debounce is the quiet period after the last event on a file before it
	// is re-read.
	Debounce time.Duration

	// Clock drives the debounce timers.
	Clock clockwork.Clock

	Logger *slog.Logger
}

// FileFeed turns a directory of YAML experiment definitions into updates.
// Every file present at subscription time is emitted as an insert; later
// writes emit updates and removals emit deletes.
type FileFeed struct {
	dir      string
	watcher  *fsnotify.Watcher
	debounce *debouncer
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFileFeed creates a file feed. The directory must exist.
func NewFileFeed(opts FileFeedOptions) (*FileFeed, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("file feed directory cannot be empty")
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", opts.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", opts.Dir)
	}

	if opts.Debounce <= 0 {
		opts.Debounce = config.DefaultFileDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileFeed{
		dir:      opts.Dir,
		watcher:  watcher,
		debounce: newDebouncer(opts.Debounce, opts.Clock),
		logger:   opts.Logger.With("component", "store.file_feed"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Subscribe implements Feed. A feed can only be subscribed once.
func (f *FileFeed) Subscribe(ctx context.Context) (<-chan Update, error) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil, fmt.Errorf("file feed already running")
	}
	f.running = true
	f.mu.Unlock()

	files, err := f.start()
	if err != nil {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		return nil, err
	}

	f.logger.Info("File feed started",
		"dir", f.dir,
		"files", len(files),
	)

	out := make(chan Update)
	go f.loop(ctx, files, out)
	return out, nil
}

func (f *FileFeed) start() ([]string, error) {
	if err := f.addDirectory(f.dir); err != nil {
		return nil, fmt.Errorf("failed to watch %q: %w", f.dir, err)
	}
	return experimentFiles(f.dir)
}

func (f *FileFeed) loop(ctx context.Context, initial []string, out chan<- Update) {
	defer close(f.doneCh)
	defer close(out)

	// ids remembers which experiment each file defined so a removal can be
	// turned into a delete.
	ids := make(map[string]string)
	pending := make(chan string, 64)

	emit := func(u Update) bool {
		select {
		case out <- u:
			return true
		case <-ctx.Done():
			return false
		case <-f.stopCh:
			return false
		}
	}

	for _, path := range initial {
		for _, u := range f.read(path, OpInsert, ids) {
			if !emit(u) {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("File feed stopped (context cancelled)")
			return

		case <-f.stopCh:
			f.logger.Info("File feed stopped")
			return

		case path := <-pending:
			for _, u := range f.read(path, OpUpdate, ids) {
				if !emit(u) {
					return
				}
			}

		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := f.addDirectory(event.Name); err != nil {
						f.logger.Error("Failed to watch new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}

			if !shouldProcessEvent(event) {
				continue
			}

			f.logger.Debug("File event detected",
				"path", event.Name,
				"op", event.Op.String(),
			)

			path := event.Name
			f.debounce.trigger(path, func() {
				select {
				case pending <- path:
				case <-f.stopCh:
				case <-ctx.Done():
				}
			})

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("File watcher error", "error", err)
		}
	}
}

// read turns the current state of path into updates. A file that no
// longer exists becomes a delete of the experiment it last defined.
func (f *FileFeed) read(path string, op Op, ids map[string]string) []Update {
	exp, err := ParseExperimentFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, known := ids[path]
		if !known {
			return nil
		}
		delete(ids, path)
		f.logger.Info("Experiment file removed", "path", path, "experiment_id", id)
		return []Update{{Op: OpDelete, ID: id}}
	}
	if err != nil {
		f.logger.Warn("Dropping unreadable experiment file",
			"path", path,
			"error", err,
		)
		return nil
	}

	if exp.ID == "" {
		exp.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	var updates []Update
	if prev, known := ids[path]; known && prev != exp.ID {
		f.logger.Info("Experiment file changed id", "path", path, "old_id", prev, "new_id", exp.ID)
		updates = append(updates, Update{Op: OpDelete, ID: prev})
	}
	ids[path] = exp.ID

	return append(updates, Update{Op: op, ID: exp.ID, Experiment: exp})
}

// Close implements Feed.
func (f *FileFeed) Close() error {
	f.mu.Lock()
	running := f.running
	f.mu.Unlock()

	select {
	case <-f.stopCh:
		return nil
	default:
		close(f.stopCh)
	}

	if running {
		<-f.doneCh
	}
	f.debounce.stop()

	if err := f.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (f *FileFeed) addDirectory(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if isHidden(path) && path != dir {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if err := f.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch directory %q: %w", path, err)
			}
			f.logger.Debug("Watching directory", "path", path)
		}
		return nil
	})
}

// ParseExperimentFile reads a single YAML experiment definition. Unknown
// fields are rejected.
func ParseExperimentFile(path string) (*experiment.Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseExperiment(data)
}

// ParseExperiment decodes a YAML (or JSON) experiment definition.
func ParseExperiment(data []byte) (*experiment.Experiment, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var exp experiment.Experiment
	if err := dec.Decode(&exp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty experiment definition")
		}
		return nil, fmt.Errorf("failed to parse experiment: %w", err)
	}
	return &exp, nil
}

func experimentFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if isHidden(path) && path != dir {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() && hasExperimentExtension(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if !hasExperimentExtension(event.Name) {
		return false
	}
	return !isHidden(event.Name)
}

func hasExperimentExtension(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// debouncer delays a callback per key until no new trigger arrived for the
// interval.
type debouncer struct {
	interval time.Duration
	clock    clockwork.Clock

	mu      sync.Mutex
	timers  map[string]clockwork.Timer
	stopped bool
}

func newDebouncer(interval time.Duration, clock clockwork.Clock) *debouncer {
	return &debouncer{
		interval: interval,
		clock:    clock,
		timers:   make(map[string]clockwork.Timer),
	}
}

func (d *debouncer) trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}

	d.timers[key] = d.clock.AfterFunc(d.interval, func() {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()

		fn()
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}
