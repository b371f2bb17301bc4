package models

import "time"

// SyncWatermark marks the last completed sync of a partition
type SyncWatermark struct {
	PartitionKey      string    `json:"partitionKey" db:"partition_key"`
	LastSuccessfulRun time.Time `json:"lastSuccessfulRun" db:"last_successful_run"`
	LastRunID         string    `json:"lastRunId,omitempty" db:"last_run_id"`
	LastCursor        int       `json:"lastCursor" db:"last_cursor"`
	RecordsSeen       int64     `json:"recordsSeen" db:"records_seen"`
}
