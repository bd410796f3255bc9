// Package watch regenerates manifests when pom.xml files change.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/licensetool/internal/events"
	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/logfields"
	"git.home.luguber.info/inful/licensetool/internal/project"
)

const (
	DefaultQuietWindow = 2 * time.Second
	DefaultMaxDelay    = 30 * time.Second

	pomFile = "pom.xml"
)

// Config tunes the debounce of a Watcher.
type Config struct {
	// QuietWindow is how long no further change must arrive before firing.
	QuietWindow time.Duration
	// MaxDelay bounds how long a burst of changes can postpone firing.
	MaxDelay time.Duration
}

// ChangeFunc receives the sorted POM paths that changed in one burst.
type ChangeFunc func(ctx context.Context, poms []string)

// Watcher watches the directories holding pom.xml files below a project root
// and reports debounced bursts of changes.
type Watcher struct {
	root     string
	cfg      Config
	onChange ChangeFunc
	bus      *events.Bus
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	readyOnce sync.Once
	ready     chan struct{}

	mu      sync.Mutex
	changed map[string]fsnotify.Op
}

// New creates a watcher for root. bus may be nil.
func New(root string, cfg Config, onChange ChangeFunc, bus *events.Bus, logger *slog.Logger) (*Watcher, error) {
	if onChange == nil {
		return nil, ferrors.ValidationError("change callback is required").Build()
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = DefaultQuietWindow
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.QuietWindow {
		cfg.MaxDelay = cfg.QuietWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to resolve project root").
			WithContext(ferrors.ContextPath, root).
			Build()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to create file watcher").Build()
	}
	return &Watcher{
		root:     abs,
		cfg:      cfg,
		onChange: onChange,
		bus:      bus,
		logger:   logger,
		watcher:  fw,
		ready:    make(chan struct{}),
		changed:  make(map[string]fsnotify.Op),
	}, nil
}

// Ready is closed once Run has registered its watches.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is done. The root directory is always watched so a
// newly created top-level pom.xml is noticed.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	dirs, err := w.directories()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to watch directory").
				WithContext(ferrors.ContextPath, dir).
				Build()
		}
	}
	w.logger.Info("Watching POM files", logfields.Path(w.root), slog.Int("directories", len(dirs)))
	w.readyOnce.Do(func() { close(w.ready) })

	quietTimer := newStoppedTimer()
	maxTimer := newStoppedTimer()
	var quietC, maxC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			quietTimer.Stop()
			maxTimer.Stop()
			return nil

		case evt, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.record(evt) {
				continue
			}
			quietTimer.Reset(w.cfg.QuietWindow)
			quietC = quietTimer.C
			if maxC == nil {
				maxTimer.Reset(w.cfg.MaxDelay)
				maxC = maxTimer.C
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("POM watcher error", logfields.Error(err))

		case <-quietC:
			maxTimer.Stop()
			quietC, maxC = nil, nil
			w.fire(ctx)

		case <-maxC:
			quietTimer.Stop()
			quietC, maxC = nil, nil
			w.fire(ctx)
		}
	}
}

func (w *Watcher) directories() ([]string, error) {
	poms, err := project.FindPOMs(w.root)
	if err != nil {
		return nil, err
	}
	dirs := []string{w.root}
	for _, p := range poms {
		dir := filepath.Dir(p)
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

// record notes a relevant event and reports whether it was one.
func (w *Watcher) record(evt fsnotify.Event) bool {
	if filepath.Base(evt.Name) != pomFile {
		return false
	}
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) &&
		!evt.Has(fsnotify.Remove) && !evt.Has(fsnotify.Rename) {
		return false
	}
	w.logger.Debug("POM change detected", logfields.Path(evt.Name), slog.String("op", evt.Op.String()))

	w.mu.Lock()
	w.changed[evt.Name] |= evt.Op
	w.mu.Unlock()
	return true
}

func (w *Watcher) fire(ctx context.Context) {
	w.mu.Lock()
	changed := w.changed
	w.changed = make(map[string]fsnotify.Op)
	w.mu.Unlock()
	if len(changed) == 0 {
		return
	}

	poms := make([]string, 0, len(changed))
	now := time.Now()
	for path, op := range changed {
		poms = append(poms, path)
		if w.bus != nil {
			_, _ = w.bus.TryPublish(events.POMChanged{Path: path, Op: op.String(), ChangedAt: now})
		}
	}
	slices.Sort(poms)
	w.logger.Info("POM files changed", slog.Any("poms", poms))
	w.onChange(ctx, poms)
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}
