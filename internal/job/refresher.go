package job

import (
	"context"
	"time"

	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/service"
)

// DeltaRunner runs an incremental sync over some jurisdictions
type DeltaRunner interface {
	RunIncrementalDelta(ctx context.Context, since *time.Time, jurisdictions ...string) (*models.SyncRun, error)
}

// ViewLoader reads the stored view of a jurisdiction
type ViewLoader interface {
	LoadJurisdiction(ctx context.Context, jurisdiction string) (*service.JurisdictionView, error)
}

// JurisdictionRefresher resyncs one jurisdiction from the registry and reloads its view.
// It backs the staleness cache, keyed by jurisdiction code.
type JurisdictionRefresher struct {
	runner DeltaRunner
	views  ViewLoader
}

// NewJurisdictionRefresher creates a refresher
func NewJurisdictionRefresher(runner DeltaRunner, views ViewLoader) *JurisdictionRefresher {
	return &JurisdictionRefresher{runner: runner, views: views}
}

// Refresh runs the delta and returns the reloaded view. A failed delta is logged and the
// stored view is still returned, so readers see the best data available.
func (r *JurisdictionRefresher) Refresh(ctx context.Context, jurisdiction string) (*service.JurisdictionView, error) {
	jurisdiction = service.NormalizeCode(jurisdiction)
	logger := logging.FromContext(ctx).WithField("jurisdiction", jurisdiction)

	run, err := r.runner.RunIncrementalDelta(ctx, nil, jurisdiction)
	switch {
	case err != nil:
		logger.WithError(err).Warn("Jurisdiction resync failed, serving stored view")
	case run != nil:
		logger.WithFields(map[string]interface{}{
			"runId":   run.ID,
			"status":  run.Status,
			"records": run.RecordsProcessed,
		}).Debug("Jurisdiction resynced")
	}

	return r.views.LoadJurisdiction(ctx, jurisdiction)
}
