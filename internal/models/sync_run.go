package models

import (
	"time"

	"github.com/registry-scanner/internal/types"
)

// SyncRun represents one execution of the sync orchestrator
type SyncRun struct {
	ID                  string             `json:"id" db:"id"`
	Kind                types.RunKind      `json:"kind" db:"kind"`
	Status              types.RunStatus    `json:"status" db:"status"`
	Phase               types.RunPhase     `json:"phase" db:"phase"`
	Domain              Domain             `json:"domain"`
	StartedAt           time.Time          `json:"startedAt" db:"started_at"`
	CompletedAt         *time.Time         `json:"completedAt,omitempty" db:"completed_at"`
	PartitionsTotal     int                `json:"partitionsTotal" db:"partitions_total"`
	PartitionsCompleted int                `json:"partitionsCompleted" db:"partitions_completed"`
	PartitionsFailed    int                `json:"partitionsFailed" db:"partitions_failed"`
	RecordsProcessed    int64              `json:"recordsProcessed" db:"records_processed"`
	RecordsFailed       int64              `json:"recordsFailed" db:"records_failed"`
	MergeConflicts      int64              `json:"mergeConflicts" db:"merge_conflicts"`
	AlertsRaised        int64              `json:"alertsRaised" db:"alerts_raised"`
	DetectionsPending   int64              `json:"detectionsPending" db:"detections_pending"`
	FailedPartitions    []PartitionFailure `json:"failedPartitions,omitempty"`
	Gaps                []Gap              `json:"gaps,omitempty"`
	Error               string             `json:"error,omitempty" db:"error"`
}

// PartitionFailure records why a partition did not complete
type PartitionFailure struct {
	PartitionKey string `json:"partitionKey"`
	Error        string `json:"error"`
}
