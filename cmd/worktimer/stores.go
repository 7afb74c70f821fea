package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/goodtune/worktimer/internal/config"
	"github.com/goodtune/worktimer/internal/database"
	"github.com/goodtune/worktimer/internal/storage"
	"github.com/goodtune/worktimer/internal/storage/bolt"
	"github.com/goodtune/worktimer/internal/storage/redis"
)

// stores bundles every persistence backend a command may need.
type stores struct {
	remote storage.Store
	local  storage.LocalStore
	db     *database.DB

	closers []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "redis":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.BoltPath)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// openStores opens the shared store, the device-local store and the
// time-log database. A bolt deployment pointing both paths at one file
// shares a single handle, since bbolt holds an exclusive lock.
func openStores(cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	s := &stores{}

	remote, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	s.remote = remote
	s.closers = append(s.closers, remote.Close)

	if b, ok := remote.(*bolt.Store); ok && cfg.Storage.LocalPath == cfg.Storage.BoltPath {
		s.local = b
	} else {
		local, err := bolt.Open(cfg.Storage.LocalPath)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
		s.local = local
		s.closers = append(s.closers, local.Close)
	}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db
	s.closers = append(s.closers, db.Close)

	return s, nil
}
