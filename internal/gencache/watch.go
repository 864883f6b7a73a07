package gencache

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

// WatchConfig reloads the config file at path whenever it changes and deploys
// a new generation when one is configured. The parent directory is watched so
// editors that replace the file are picked up. It returns once watching has
// started; the watcher stops on ctx cancellation or Close.
func (s *Service) WatchConfig(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "create config watcher")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, errors.CodeInternal, "watch %s", filepath.Dir(path))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()

		// Editors emit bursts of events per save.
		const settle = 200 * time.Millisecond
		var pending <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(settle)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("config watcher error", zap.Error(err))
			case <-pending:
				pending = nil
				s.reloadFrom(ctx, path)
			}
		}
	}()
	return nil
}

func (s *Service) reloadFrom(ctx context.Context, path string) {
	cfg, err := LoadConfig(path)
	if err != nil {
		s.log.Warn("config reload failed, keeping current generation", zap.String("path", path), zap.Error(err))
		return
	}
	if err := s.Reload(ctx, cfg); err != nil {
		s.log.Error("deploy after config reload failed", zap.String("generation", cfg.Generation), zap.Error(err))
	}
}
