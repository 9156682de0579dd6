package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
)

var ErrReportFrozen = errors.New("reconciliation report is frozen")

type ReconciliationRepository struct {
	db *gorm.DB
}

func NewReconciliationRepository(db *gorm.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

// CreateJob persists a processing job and its empty report together.
func (r *ReconciliationRepository) CreateJob(ctx context.Context, start, end time.Time, providers []string, autoFix bool, requestedBy string) (*models.ReconciliationJob, error) {
	providersJSON, err := json.Marshal(providers)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	jobID := uuid.New()
	report := &models.ReconciliationReport{
		ID:          uuid.New(),
		JobID:       &jobID,
		WindowStart: start,
		WindowEnd:   end,
		Providers:   providersJSON,
		AutoFix:     autoFix,
		CreatedAt:   now,
	}
	job := &models.ReconciliationJob{
		ID:          jobID,
		ReportID:    report.ID,
		Status:      models.JobProcessing,
		WindowStart: start,
		WindowEnd:   end,
		Providers:   providersJSON,
		AutoFix:     autoFix,
		RequestedBy: requestedBy,
		StartedAt:   now,
		HeartbeatAt: now,
		CreatedAt:   now,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(report).Error; err != nil {
			return err
		}
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateReport is used for synchronous runs that have no job row.
func (r *ReconciliationRepository) CreateReport(ctx context.Context, start, end time.Time, providers []string, autoFix bool) (*models.ReconciliationReport, error) {
	providersJSON, err := json.Marshal(providers)
	if err != nil {
		return nil, err
	}
	report := &models.ReconciliationReport{
		ID:          uuid.New(),
		WindowStart: start,
		WindowEnd:   end,
		Providers:   providersJSON,
		AutoFix:     autoFix,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(report).Error; err != nil {
		return nil, err
	}
	return report, nil
}

func (r *ReconciliationRepository) GetJob(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	var job models.ReconciliationJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payerr.NotFound("reconciliation job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *ReconciliationRepository) GetReport(ctx context.Context, id uuid.UUID) (*models.ReconciliationReport, error) {
	var report models.ReconciliationReport
	err := r.db.WithContext(ctx).
		Preload("Results", func(db *gorm.DB) *gorm.DB { return db.Order("provider ASC") }).
		First(&report, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payerr.NotFound("reconciliation report %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *ReconciliationRepository) ListDiscrepancies(ctx context.Context, reportID uuid.UUID) ([]models.ReconciliationDiscrepancy, error) {
	var out []models.ReconciliationDiscrepancy
	err := r.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("provider ASC, created_at ASC").
		Find(&out).Error
	return out, err
}

// SaveProviderResult upserts the breakdown row of one provider. Writes to a
// frozen report are refused.
func (r *ReconciliationRepository) SaveProviderResult(ctx context.Context, res *models.ReconciliationProviderResult) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureOpen(tx, res.ReportID); err != nil {
			return err
		}
		if res.ID == uuid.Nil {
			res.ID = uuid.New()
		}
		res.UpdatedAt = time.Now().UTC()
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "report_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_payments", "reconciled", "mismatches", "missing_local",
				"missing_provider", "corrected", "errors", "completed", "updated_at",
			}),
		}).Create(res).Error
	})
}

func (r *ReconciliationRepository) AddDiscrepancy(ctx context.Context, d *models.ReconciliationDiscrepancy) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureOpen(tx, d.ReportID); err != nil {
			return err
		}
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		d.CreatedAt = time.Now().UTC()
		return tx.Create(d).Error
	})
}

func ensureOpen(tx *gorm.DB, reportID uuid.UUID) error {
	var report models.ReconciliationReport
	if err := tx.Select("id", "frozen_at").First(&report, "id = ?", reportID).Error; err != nil {
		return err
	}
	if report.FrozenAt != nil {
		return ErrReportFrozen
	}
	return nil
}

// Heartbeat records progress of a queued or running job. It returns a
// conflict once the job is no longer processing.
func (r *ReconciliationRepository) Heartbeat(ctx context.Context, jobID uuid.UUID, processed int) error {
	res := r.db.WithContext(ctx).Model(&models.ReconciliationJob{}).
		Where("id = ? AND status = ?", jobID, models.JobProcessing).
		Updates(map[string]interface{}{
			"processed_count": processed,
			"heartbeat_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return payerr.Newf(payerr.KindConflict, "job %s is no longer processing", jobID)
	}
	return nil
}

// FreezeReport marks a report immutable.
func (r *ReconciliationRepository) FreezeReport(ctx context.Context, reportID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.ReconciliationReport{}).
		Where("id = ? AND frozen_at IS NULL", reportID).
		Update("frozen_at", time.Now().UTC()).Error
}

// FinishJob moves a processing job to its final status and freezes the
// report in one transaction. It is a no-op for an already finished job.
func (r *ReconciliationRepository) FinishJob(ctx context.Context, jobID uuid.UUID, status models.JobStatus, processed int, errMsg string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.ReconciliationJob
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}
		res := tx.Model(&models.ReconciliationJob{}).
			Where("id = ? AND status = ?", jobID, models.JobProcessing).
			Updates(map[string]interface{}{
				"status":          status,
				"processed_count": processed,
				"error":           errMsg,
				"completed_at":    now,
				"heartbeat_at":    now,
			})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return tx.Model(&models.ReconciliationReport{}).
			Where("id = ? AND frozen_at IS NULL", job.ReportID).
			Update("frozen_at", now).Error
	})
}

// FailStaleJobs marks processing jobs whose heartbeat is older than
// staleAfter as failed. It returns the number of jobs recovered.
func (r *ReconciliationRepository) FailStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	var stale []models.ReconciliationJob
	cutoff := time.Now().UTC().Add(-staleAfter)
	if err := r.db.WithContext(ctx).
		Where("status = ? AND heartbeat_at < ?", models.JobProcessing, cutoff).
		Find(&stale).Error; err != nil {
		return 0, err
	}
	for _, job := range stale {
		if err := r.FinishJob(ctx, job.ID, models.JobFailed, job.ProcessedCount, "interrupted: worker stopped before completion"); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
