package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Aidin1998/tickercast/pkg/metrics"
)

// FileInlet re-reads a file whenever it is written or replaced and ingests
// its content, minus trailing newlines, as one value.
type FileInlet struct {
	path    string
	watcher *fsnotify.Watcher
	updater Updater
	logger  *zap.Logger
}

// NewFileInlet watches the directory holding path so editors that replace
// the file by rename are still observed.
func NewFileInlet(path string, updater Updater, logger *zap.Logger) (*FileInlet, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &FileInlet{
		path:    abs,
		watcher: watcher,
		updater: updater,
		logger:  logger.Named("file_inlet").With(zap.String("path", abs)),
	}, nil
}

func (f *FileInlet) Name() string { return "file" }

func (f *FileInlet) Run(ctx context.Context) error {
	defer f.watcher.Close()
	f.logger.Info("inlet started")

	// Pick up a value that was already on disk.
	f.ingest(ctx)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("inlet stopped")
			return nil
		case event, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				f.ingest(ctx)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			metrics.IngestErrors.WithLabelValues("file").Inc()
			f.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (f *FileInlet) ingest(ctx context.Context) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			metrics.IngestErrors.WithLabelValues("file").Inc()
			f.logger.Warn("read failed", zap.Error(err))
		}
		return
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		// Truncate-then-write shows up as an empty write first.
		return
	}
	f.updater.Update(ctx, value)
}

func (f *FileInlet) Close() error { return f.watcher.Close() }
