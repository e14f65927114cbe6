package badger

import (
	"errors"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// ErrSnapshotPath is returned when the snapshot directory cannot be prepared
var ErrSnapshotPath = errors.New("job snapshot path unusable")

// SnapshotDB is the badgerhold store behind job snapshots
type SnapshotDB struct {
	store *badgerhold.Store
	path  string
}

// OpenSnapshotDB prepares config.Path and opens the snapshot store.
// With reset_on_startup the previous session's snapshot is discarded first.
func OpenSnapshotDB(logger arbor.ILogger, config *common.BadgerConfig) (*SnapshotDB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("%w: path is empty", ErrSnapshotPath)
	}

	if config.ResetOnStartup {
		if err := os.RemoveAll(config.Path); err != nil {
			return nil, fmt.Errorf("%w: reset %s: %w", ErrSnapshotPath, config.Path, err)
		}
	}
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrSnapshotPath, config.Path, err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // lifecycle is logged through arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open job snapshot store at %s: %w", config.Path, err)
	}

	logger.Info().
		Str("path", config.Path).
		Bool("reset", config.ResetOnStartup).
		Msg("Job snapshot store opened")

	return &SnapshotDB{store: store, path: config.Path}, nil
}

// Store returns the underlying badgerhold store
func (d *SnapshotDB) Store() *badgerhold.Store {
	return d.store
}

// Close releases the store and its directory lock
func (d *SnapshotDB) Close() error {
	if d.store == nil {
		return nil
	}
	err := d.store.Close()
	d.store = nil
	if err != nil {
		return fmt.Errorf("failed to close job snapshot store at %s: %w", d.path, err)
	}
	return nil
}
