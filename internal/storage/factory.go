package storage

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"github.com/ternarybob/jobfeed/internal/storage/badger"
)

// NewSnapshotStorage opens job snapshot storage when [storage.badger] is enabled.
// Returns nil storage when persistence is off; the job store itself is in-memory.
func NewSnapshotStorage(logger arbor.ILogger, config *common.Config) (interfaces.JobSnapshotStorage, error) {
	if !config.Storage.Badger.Enabled {
		logger.Debug().Msg("Job snapshot persistence disabled")
		return nil, nil
	}

	db, err := badger.OpenSnapshotDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}
	return badger.NewJobSnapshotStorage(db, logger), nil
}
