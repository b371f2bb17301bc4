package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/types"
)

const (
	uniqueViolation      = "23505"
	oneCurrentConstraint = "address_records_one_current"
	entityColumns        = `entity_id, name, legal_form, status, status_changed_at, bankruptcy_date, registration_date, industry_code, first_seen_at, last_seen_at, updated_at, detection_pending`
	addressColumns       = `id, entity_id, kind, jurisdiction_id, freeform_address, postal_code, valid_from, valid_to, is_current`
	alertColumns         = `id, entity_id, kind, from_jurisdiction, to_jurisdiction, transition_date, confidence, risk_level, evidence, is_active, detected_at, updated_at`
	watermarkColumns     = `partition_key, last_successful_run, last_run_id, last_cursor, records_seen`
	gapColumns           = `id, run_id, jurisdiction, range_from, range_to, modified_since, reason, page_cursor, estimated_records, detected_at, attempts, resolved`
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository on Postgres
type PostgresRepository struct {
	db *PostgresDB
}

// NewPostgresRepository creates a new Postgres repository
func NewPostgresRepository(db *PostgresDB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// classify maps driver errors onto the storage error taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) || errors.Is(err, net.ErrClosed) {
		return apperrors.NewStorageUnavailableError(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// WithTx runs fn in a transaction and commits if it returns nil
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return classify("ping", r.db.Ping(ctx))
}

func (r *PostgresRepository) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	return getEntity(ctx, r.db.Pool(), entityID)
}

func (r *PostgresRepository) ListEntitiesByJurisdiction(ctx context.Context, jurisdiction string) ([]models.Entity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM entities e
		WHERE COALESCE(
			(SELECT jurisdiction_id FROM address_records a
			 WHERE a.entity_id = e.entity_id AND a.kind = 'business' AND a.is_current),
			(SELECT jurisdiction_id FROM address_records a
			 WHERE a.entity_id = e.entity_id AND a.kind = 'postal' AND a.is_current)
		) = upper(trim($1))
		ORDER BY e.entity_id
	`
	rows, err := r.db.Pool().Query(ctx, query, jurisdiction)
	if err != nil {
		return nil, classify("list entities by jurisdiction", err)
	}
	defer rows.Close()

	out := make([]models.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, classify("scan entity", err)
		}
		out = append(out, *e)
	}
	return out, classify("iterate entities", rows.Err())
}

// ListDetectionPending returns up to limit entities whose alerts still have to be rebuilt
func (r *PostgresRepository) ListDetectionPending(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Pool().Query(ctx,
		`SELECT entity_id FROM entities WHERE detection_pending ORDER BY entity_id LIMIT $1`, limit)
	if err != nil {
		return nil, classify("list detection pending", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, classify("list detection pending", err)
}

func (r *PostgresRepository) ListEntityIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Pool().Query(ctx,
		`SELECT entity_id FROM entities WHERE entity_id > $1 ORDER BY entity_id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, classify("list entity ids", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, classify("collect entity ids", err)
}

func (r *PostgresRepository) GetAddressHistory(ctx context.Context, entityID string) ([]models.AddressRecord, error) {
	return addressHistory(ctx, r.db.Pool(), entityID)
}

func (r *PostgresRepository) ListAlertsByJurisdiction(ctx context.Context, jurisdiction string) ([]models.MovementAlert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM movement_alerts
		WHERE is_active AND (from_jurisdiction = upper(trim($1)) OR to_jurisdiction = upper(trim($1)))
		ORDER BY id
	`
	return queryAlerts(ctx, r.db.Pool(), "list alerts by jurisdiction", query, jurisdiction)
}

func (r *PostgresRepository) ListAlertsForEntity(ctx context.Context, entityID string) ([]models.MovementAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM movement_alerts WHERE entity_id = $1 ORDER BY id`
	return queryAlerts(ctx, r.db.Pool(), "list alerts for entity", query, entityID)
}

func (r *PostgresRepository) GetWatermark(ctx context.Context, partitionKey string) (*models.SyncWatermark, error) {
	return getWatermark(ctx, r.db.Pool(), partitionKey)
}

func (r *PostgresRepository) ListWatermarks(ctx context.Context, jurisdiction string) ([]models.SyncWatermark, error) {
	query := `SELECT ` + watermarkColumns + ` FROM sync_watermarks WHERE ($1 = '' OR jurisdiction = $1) ORDER BY partition_key`
	rows, err := r.db.Pool().Query(ctx, query, jurisdiction)
	if err != nil {
		return nil, classify("list watermarks", err)
	}
	defer rows.Close()

	out := make([]models.SyncWatermark, 0)
	for rows.Next() {
		var wm models.SyncWatermark
		if err := rows.Scan(&wm.PartitionKey, &wm.LastSuccessfulRun, &wm.LastRunID, &wm.LastCursor, &wm.RecordsSeen); err != nil {
			return nil, classify("scan watermark", err)
		}
		out = append(out, wm)
	}
	return out, classify("iterate watermarks", rows.Err())
}

func (r *PostgresRepository) SetWatermark(ctx context.Context, wm *models.SyncWatermark) error {
	return setWatermark(ctx, r.db.Pool(), wm)
}

func (r *PostgresRepository) SaveGaps(ctx context.Context, gaps []models.Gap) error {
	if len(gaps) == 0 {
		return nil
	}
	query := `
		INSERT INTO sync_gaps (` + gapColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			page_cursor = EXCLUDED.page_cursor,
			estimated_records = EXCLUDED.estimated_records,
			attempts = EXCLUDED.attempts,
			resolved = EXCLUDED.resolved
	`
	batch := &pgx.Batch{}
	for _, g := range gaps {
		batch.Queue(query,
			g.ID, g.RunID, g.Partition.Jurisdiction, g.Partition.From, g.Partition.To, g.Partition.ModifiedSince,
			g.Reason, g.Cursor, g.EstimatedRecords, g.DetectedAt, g.Attempts, g.Resolved,
		)
	}
	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return classify("save gaps", err)
	}
	return nil
}

func (r *PostgresRepository) ListOpenGaps(ctx context.Context, limit int) ([]models.Gap, error) {
	if limit <= 0 {
		limit = 10000
	}
	query := `SELECT ` + gapColumns + ` FROM sync_gaps WHERE NOT resolved ORDER BY range_to DESC, estimated_records DESC, id LIMIT $1`
	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, classify("list open gaps", err)
	}
	defer rows.Close()

	out := make([]models.Gap, 0)
	for rows.Next() {
		var g models.Gap
		if err := rows.Scan(
			&g.ID, &g.RunID, &g.Partition.Jurisdiction, &g.Partition.From, &g.Partition.To, &g.Partition.ModifiedSince,
			&g.Reason, &g.Cursor, &g.EstimatedRecords, &g.DetectedAt, &g.Attempts, &g.Resolved,
		); err != nil {
			return nil, classify("scan gap", err)
		}
		g.Partition.Estimated = g.EstimatedRecords
		out = append(out, g)
	}
	return out, classify("iterate gaps", rows.Err())
}

func (r *PostgresRepository) ResolveGap(ctx context.Context, gapID string) error {
	return r.updateGap(ctx, "resolve gap", `UPDATE sync_gaps SET resolved = TRUE WHERE id = $1`, gapID)
}

func (r *PostgresRepository) RecordGapAttempt(ctx context.Context, gapID string) error {
	return r.updateGap(ctx, "record gap attempt", `UPDATE sync_gaps SET attempts = attempts + 1 WHERE id = $1`, gapID)
}

func (r *PostgresRepository) updateGap(ctx context.Context, op, query, gapID string) error {
	tag, err := r.db.Pool().Exec(ctx, query, gapID)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) SaveRun(ctx context.Context, run *models.SyncRun) error {
	domain, err := json.Marshal(run.Domain)
	if err != nil {
		return fmt.Errorf("failed to encode run domain: %w", err)
	}
	failed, err := json.Marshal(nonNil(run.FailedPartitions))
	if err != nil {
		return fmt.Errorf("failed to encode failed partitions: %w", err)
	}
	gaps, err := json.Marshal(nonNil(run.Gaps))
	if err != nil {
		return fmt.Errorf("failed to encode run gaps: %w", err)
	}

	query := `
		INSERT INTO sync_runs (
			id, kind, status, phase, domain, started_at, completed_at,
			partitions_total, partitions_completed, partitions_failed,
			records_processed, records_failed, merge_conflicts, alerts_raised, detections_pending,
			failed_partitions, gaps, error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			phase = EXCLUDED.phase,
			completed_at = EXCLUDED.completed_at,
			partitions_total = EXCLUDED.partitions_total,
			partitions_completed = EXCLUDED.partitions_completed,
			partitions_failed = EXCLUDED.partitions_failed,
			records_processed = EXCLUDED.records_processed,
			records_failed = EXCLUDED.records_failed,
			merge_conflicts = EXCLUDED.merge_conflicts,
			alerts_raised = EXCLUDED.alerts_raised,
			detections_pending = EXCLUDED.detections_pending,
			failed_partitions = EXCLUDED.failed_partitions,
			gaps = EXCLUDED.gaps,
			error = EXCLUDED.error
	`
	_, err = r.db.Pool().Exec(ctx, query,
		run.ID, run.Kind, run.Status, run.Phase, domain, run.StartedAt, run.CompletedAt,
		run.PartitionsTotal, run.PartitionsCompleted, run.PartitionsFailed,
		run.RecordsProcessed, run.RecordsFailed, run.MergeConflicts, run.AlertsRaised, run.DetectionsPending,
		failed, gaps, run.Error,
	)
	return classify("save run", err)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (r *PostgresRepository) GetRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	query := `
		SELECT id, kind, status, phase, domain, started_at, completed_at,
			partitions_total, partitions_completed, partitions_failed,
			records_processed, records_failed, merge_conflicts, alerts_raised, detections_pending,
			failed_partitions, gaps, error
		FROM sync_runs WHERE id = $1
	`
	var run models.SyncRun
	var domain, failed, gaps []byte
	err := r.db.Pool().QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.Kind, &run.Status, &run.Phase, &domain, &run.StartedAt, &run.CompletedAt,
		&run.PartitionsTotal, &run.PartitionsCompleted, &run.PartitionsFailed,
		&run.RecordsProcessed, &run.RecordsFailed, &run.MergeConflicts, &run.AlertsRaised, &run.DetectionsPending,
		&failed, &gaps, &run.Error,
	)
	if err != nil {
		return nil, classify("get run", err)
	}
	if err := json.Unmarshal(domain, &run.Domain); err != nil {
		return nil, fmt.Errorf("failed to decode run domain: %w", err)
	}
	if err := json.Unmarshal(failed, &run.FailedPartitions); err != nil {
		return nil, fmt.Errorf("failed to decode failed partitions: %w", err)
	}
	if err := json.Unmarshal(gaps, &run.Gaps); err != nil {
		return nil, fmt.Errorf("failed to decode run gaps: %w", err)
	}
	return &run, nil
}

// postgresTx implements Tx on a pgx transaction
type postgresTx struct {
	tx pgx.Tx
}

// LockEntity takes a transaction-scoped advisory lock keyed by the entity ID
func (t *postgresTx) LockEntity(ctx context.Context, entityID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, entityID)
	return classify("lock entity", err)
}

func (t *postgresTx) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	return getEntity(ctx, t.tx, entityID)
}

func (t *postgresTx) UpsertEntity(ctx context.Context, e *models.Entity) error {
	query := `
		INSERT INTO entities (` + entityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (entity_id) DO UPDATE SET
			name = EXCLUDED.name,
			legal_form = EXCLUDED.legal_form,
			status = EXCLUDED.status,
			status_changed_at = EXCLUDED.status_changed_at,
			bankruptcy_date = COALESCE(EXCLUDED.bankruptcy_date, entities.bankruptcy_date),
			registration_date = EXCLUDED.registration_date,
			industry_code = EXCLUDED.industry_code,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at,
			detection_pending = EXCLUDED.detection_pending
	`
	_, err := t.tx.Exec(ctx, query,
		e.EntityID, e.Name, e.LegalForm, e.Status, e.StatusChangedAt, e.BankruptcyDate, e.RegistrationDate,
		e.IndustryCode, e.FirstSeenAt, e.LastSeenAt, e.UpdatedAt, e.DetectionPending,
	)
	return classify("upsert entity", err)
}

func (t *postgresTx) SetDetectionPending(ctx context.Context, entityID string, pending bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE entities SET detection_pending = $2 WHERE entity_id = $1`, entityID, pending)
	if err != nil {
		return classify("set detection pending", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) CurrentAddresses(ctx context.Context, entityID string) ([]models.AddressRecord, error) {
	query := `SELECT ` + addressColumns + ` FROM address_records WHERE entity_id = $1 AND is_current ORDER BY kind, id`
	return queryAddresses(ctx, t.tx, "get current addresses", query, entityID)
}

func (t *postgresTx) CloseAddressRecord(ctx context.Context, recordID int64, validTo time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE address_records SET valid_to = $2, is_current = FALSE WHERE id = $1 AND is_current`,
		recordID, validTo)
	if err != nil {
		return classify("close address record", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) InsertAddressRecord(ctx context.Context, rec *models.AddressRecord) error {
	query := `
		INSERT INTO address_records (entity_id, kind, jurisdiction_id, freeform_address, postal_code, valid_from, valid_to, is_current)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := t.tx.QueryRow(ctx, query,
		rec.EntityID, rec.Kind, rec.JurisdictionID, rec.FreeformAddress, rec.PostalCode,
		rec.ValidFrom, rec.ValidTo, rec.IsCurrent,
	).Scan(&rec.ID)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == oneCurrentConstraint {
		return apperrors.NewMergeConflictError(rec.EntityID, rec.Kind, 2)
	}
	return classify("insert address record", err)
}

func (t *postgresTx) GetAddressHistory(ctx context.Context, entityID string) ([]models.AddressRecord, error) {
	return addressHistory(ctx, t.tx, entityID)
}

func (t *postgresTx) UpsertMovementAlert(ctx context.Context, a *models.MovementAlert) error {
	key := a.Key()
	query := `
		INSERT INTO movement_alerts (
			entity_id, kind, from_jurisdiction, to_jurisdiction, transition_date,
			confidence, risk_level, evidence, is_active, detected_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (entity_id, from_jurisdiction, to_jurisdiction, transition_date) DO UPDATE SET
			kind = EXCLUDED.kind,
			confidence = EXCLUDED.confidence,
			risk_level = EXCLUDED.risk_level,
			evidence = EXCLUDED.evidence,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING id, detected_at
	`
	err := t.tx.QueryRow(ctx, query,
		a.EntityID, a.Kind, key.FromJurisdiction, key.ToJurisdiction, key.TransitionDate,
		a.Confidence, a.RiskLevel, nonNil(a.Evidence), a.IsActive, a.DetectedAt, a.UpdatedAt,
	).Scan(&a.ID, &a.DetectedAt)
	return classify("upsert movement alert", err)
}

func (t *postgresTx) DeactivateAlertsExcept(ctx context.Context, entityID string, keep []models.AlertKey) (int, error) {
	froms := make([]string, len(keep))
	tos := make([]string, len(keep))
	dates := make([]time.Time, len(keep))
	for i, k := range keep {
		froms[i], tos[i], dates[i] = k.FromJurisdiction, k.ToJurisdiction, k.TransitionDate
	}

	query := `
		UPDATE movement_alerts SET is_active = FALSE, updated_at = now()
		WHERE entity_id = $1 AND is_active
		  AND (from_jurisdiction, to_jurisdiction, transition_date) NOT IN (
			SELECT * FROM unnest($2::text[], $3::text[], $4::timestamptz[])
		  )
	`
	tag, err := t.tx.Exec(ctx, query, entityID, froms, tos, dates)
	if err != nil {
		return 0, classify("deactivate alerts", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *postgresTx) GetWatermark(ctx context.Context, partitionKey string) (*models.SyncWatermark, error) {
	return getWatermark(ctx, t.tx, partitionKey)
}

func (t *postgresTx) SetWatermark(ctx context.Context, wm *models.SyncWatermark) error {
	return setWatermark(ctx, t.tx, wm)
}

func getEntity(ctx context.Context, q querier, entityID string) (*models.Entity, error) {
	row := q.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE entity_id = $1`, entityID)
	e, err := scanEntity(row)
	if err != nil {
		return nil, classify("get entity", err)
	}
	return e, nil
}

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	err := row.Scan(
		&e.EntityID, &e.Name, &e.LegalForm, &e.Status, &e.StatusChangedAt, &e.BankruptcyDate, &e.RegistrationDate,
		&e.IndustryCode, &e.FirstSeenAt, &e.LastSeenAt, &e.UpdatedAt, &e.DetectionPending,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func addressHistory(ctx context.Context, q querier, entityID string) ([]models.AddressRecord, error) {
	query := `SELECT ` + addressColumns + ` FROM address_records WHERE entity_id = $1 ORDER BY valid_from, id`
	return queryAddresses(ctx, q, "get address history", query, entityID)
}

func queryAddresses(ctx context.Context, q querier, op, query string, args ...any) ([]models.AddressRecord, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := make([]models.AddressRecord, 0)
	for rows.Next() {
		var rec models.AddressRecord
		var kind string
		if err := rows.Scan(
			&rec.ID, &rec.EntityID, &kind, &rec.JurisdictionID, &rec.FreeformAddress,
			&rec.PostalCode, &rec.ValidFrom, &rec.ValidTo, &rec.IsCurrent,
		); err != nil {
			return nil, classify(op, err)
		}
		rec.Kind = types.AddressKind(kind)
		out = append(out, rec)
	}
	return out, classify(op, rows.Err())
}

func queryAlerts(ctx context.Context, q querier, op, query string, args ...any) ([]models.MovementAlert, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := make([]models.MovementAlert, 0)
	for rows.Next() {
		var a models.MovementAlert
		if err := rows.Scan(
			&a.ID, &a.EntityID, &a.Kind, &a.FromJurisdiction, &a.ToJurisdiction, &a.TransitionDate,
			&a.Confidence, &a.RiskLevel, &a.Evidence, &a.IsActive, &a.DetectedAt, &a.UpdatedAt,
		); err != nil {
			return nil, classify(op, err)
		}
		out = append(out, a)
	}
	return out, classify(op, rows.Err())
}

func getWatermark(ctx context.Context, q querier, partitionKey string) (*models.SyncWatermark, error) {
	var wm models.SyncWatermark
	err := q.QueryRow(ctx, `SELECT `+watermarkColumns+` FROM sync_watermarks WHERE partition_key = $1`, partitionKey).
		Scan(&wm.PartitionKey, &wm.LastSuccessfulRun, &wm.LastRunID, &wm.LastCursor, &wm.RecordsSeen)
	if err != nil {
		return nil, classify("get watermark", err)
	}
	return &wm, nil
}

func setWatermark(ctx context.Context, q querier, wm *models.SyncWatermark) error {
	query := `
		INSERT INTO sync_watermarks (partition_key, jurisdiction, last_successful_run, last_run_id, last_cursor, records_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (partition_key) DO UPDATE SET
			last_successful_run = EXCLUDED.last_successful_run,
			last_run_id = EXCLUDED.last_run_id,
			last_cursor = EXCLUDED.last_cursor,
			records_seen = EXCLUDED.records_seen
	`
	_, err := q.Exec(ctx, query,
		wm.PartitionKey, JurisdictionOfKey(wm.PartitionKey), wm.LastSuccessfulRun, wm.LastRunID, wm.LastCursor, wm.RecordsSeen)
	return classify("set watermark", err)
}
