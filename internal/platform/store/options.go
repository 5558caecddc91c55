package store

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"telemirror/internal/platform/logger"
)

// Option mutates Store during Open
type Option func(*Store) error

// WithLogger sets the logger used by subclients
func WithLogger(log logger.Logger) Option {
	return func(s *Store) error {
		s.Log = log
		return nil
	}
}

// WithPGPoolHook lets the caller adjust the pgx pool config before the pool is built
// (application_name, MinConns and the like)
func WithPGPoolHook(fn func(*pgxpool.Config)) Option {
	return func(s *Store) error {
		s.pgPoolHook = fn
		return nil
	}
}
