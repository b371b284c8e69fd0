package tasks

import (
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"treeeval/internal/fsutil"
)

// PlotWatcher reports plot directories whose captures or survey records change.
type PlotWatcher struct {
	watcher  *fsnotify.Watcher
	Changes  chan []string
	plotDirs []string
	exts     []string
	debounce time.Duration
	log      *slog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPlotWatcher watches plotDirs for created or written files with one of
// exts. Bursts of events are collapsed for debounce before a change is sent.
func NewPlotWatcher(plotDirs []string, exts []string, debounce time.Duration, log *slog.Logger) (*PlotWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	return &PlotWatcher{
		watcher:  watcher,
		Changes:  make(chan []string, 16),
		plotDirs: plotDirs,
		exts:     exts,
		debounce: debounce,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// Start begins monitoring the plot directories
func (pw *PlotWatcher) Start() error {
	for _, dir := range pw.plotDirs {
		if err := pw.watcher.Add(dir); err != nil {
			return err
		}
		pw.log.Debug("watching plot", "dir", dir)
	}

	pw.wg.Add(1)
	go pw.processEvents()
	return nil
}

// Stop stops the watcher and closes Changes.
func (pw *PlotWatcher) Stop() error {
	close(pw.done)
	err := pw.watcher.Close()
	pw.wg.Wait()
	close(pw.Changes)
	return err
}

func (pw *PlotWatcher) processEvents() {
	defer pw.wg.Done()

	pending := map[string]bool{}
	timer := time.NewTimer(pw.debounce)
	timer.Stop()

	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !pw.relevant(event.Name) {
				continue
			}
			pending[filepath.Dir(event.Name)] = true
			timer.Reset(pw.debounce)

		case <-timer.C:
			dirs := make([]string, 0, len(pending))
			for d := range pending {
				dirs = append(dirs, d)
			}
			sort.Strings(dirs)
			pending = map[string]bool{}

			select {
			case pw.Changes <- dirs:
			case <-pw.done:
				return
			}

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Warn("plot watcher error", "error", err)

		case <-pw.done:
			return
		}
	}
}

func (pw *PlotWatcher) relevant(path string) bool {
	for _, ext := range pw.exts {
		if fsutil.HasExt(path, ext) {
			return true
		}
	}
	return false
}
