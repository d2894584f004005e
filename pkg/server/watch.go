package server

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/marmos91/sirocco/internal/logger"
)

// openEventLog opens the binary event log for appending, creating parent
// directories as needed.
func openEventLog(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// watchUsersFile warns when the users file is modified while the server is
// running: the in-memory store wins on shutdown, so external edits would be
// overwritten. Our own save is filtered out via the saving flag.
func (s *Server) watchUsersFile(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("Users file watcher unavailable", logger.Err(err))
		return
	}
	defer watcher.Close()

	// Watch the directory: the file itself may not exist yet, and editors
	// commonly replace it wholesale.
	dir := filepath.Dir(s.opts.UsersFile)
	if err := watcher.Add(dir); err != nil {
		logger.Debug("Users file watcher unavailable", "path", dir, logger.Err(err))
		return
	}
	target := filepath.Clean(s.opts.UsersFile)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if s.saving.Load() {
				continue
			}
			logger.Warn("Users file modified externally; in-memory users will overwrite it on shutdown",
				"path", s.opts.UsersFile)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Debug("Users file watcher error", logger.Err(err))
		}
	}
}
