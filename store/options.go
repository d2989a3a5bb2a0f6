package store

import (
	"log/slog"
	"os"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithDirPerm sets the permissions of directories created by the store.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// GetOption configures a single Get call.
type GetOption func(*getConfig)

type getConfig struct {
	update bool
}

// WithUpdate makes Get resolve tags against the source even when a local
// entry exists. A tag that moved remotely is re-pointed to a newly
// published entry; the previous entry is left untouched.
func WithUpdate() GetOption {
	return func(c *getConfig) {
		c.update = true
	}
}
