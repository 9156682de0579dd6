package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/payerr"
	"payment-orchestration-backend/internal/providers"
	service "payment-orchestration-backend/internal/services/reconciliation"
)

// JobRunner queues and tracks reconciliation jobs.
type JobRunner interface {
	Submit(ctx context.Context, req service.Request) (*models.ReconciliationJob, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error)
	Status(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error)
}

// ReportReader reads finished or in-progress reports.
type ReportReader interface {
	GetReport(ctx context.Context, id uuid.UUID) (*models.ReconciliationReport, error)
	ListDiscrepancies(ctx context.Context, reportID uuid.UUID) ([]models.ReconciliationDiscrepancy, error)
}

type ReconciliationHandler struct {
	runner   JobRunner
	reports  ReportReader
	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewReconciliationHandler(runner JobRunner, reports ReportReader, registry *providers.Registry, log logrus.FieldLogger) *ReconciliationHandler {
	return &ReconciliationHandler{runner: runner, reports: reports, validate: newValidator(registry), log: log}
}

type runRequest struct {
	StartDate        string   `json:"startDate" validate:"required"`
	EndDate          string   `json:"endDate" validate:"required"`
	Providers        []string `json:"providers" validate:"omitempty,dive,provider"`
	FixDiscrepancies bool     `json:"fixDiscrepancies"`
}

// Run queues a job and returns at once; progress is polled via Status.
func (h *ReconciliationHandler) Run(c *gin.Context) {
	var req runRequest
	if !bind(c, h.validate, &req) {
		return
	}
	start, err := parseTime(req.StartDate)
	if err != nil {
		respondError(c, h.log, "Run", err)
		return
	}
	end, err := parseTime(req.EndDate)
	if err != nil {
		respondError(c, h.log, "Run", err)
		return
	}

	job, err := h.runner.Submit(c.Request.Context(), service.Request{
		Window:      providers.Window{Start: start, End: end},
		Providers:   req.Providers,
		AutoFix:     req.FixDiscrepancies,
		RequestedBy: "user:" + actorOf(c).UserID,
	})
	if err != nil {
		respondError(c, h.log, "Run", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "reportId": job.ReportID, "status": job.Status})
}

func (h *ReconciliationHandler) Status(c *gin.Context) {
	id, ok := uuidParam(c, "jobId")
	if !ok {
		return
	}
	job, err := h.runner.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "Status", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":          job.ID,
		"status":         job.Status,
		"processedCount": job.ProcessedCount,
		"startedAt":      job.StartedAt,
		"completedAt":    job.CompletedAt,
		"error":          job.Error,
		"reportId":       job.ReportID,
		"providers":      service.ProvidersOf(job.Providers),
	})
}

func (h *ReconciliationHandler) Cancel(c *gin.Context) {
	id, ok := uuidParam(c, "jobId")
	if !ok {
		return
	}
	job, err := h.runner.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "Cancel", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "status": job.Status})
}

func (h *ReconciliationHandler) Report(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	report, err := h.reports.GetReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "Report", err)
		return
	}
	discrepancies, err := h.reports.ListDiscrepancies(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "Report", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "discrepancies": discrepancies})
}

func (h *ReconciliationHandler) Export(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	report, err := h.reports.GetReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "Export", err)
		return
	}
	discrepancies, err := h.reports.ListDiscrepancies(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, "Export", err)
		return
	}

	name := fmt.Sprintf("reconciliation-%s-%s.xlsx", report.WindowStart.Format("20060102"), strings.Split(id.String(), "-")[0])
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Status(http.StatusOK)
	if err := service.WriteXLSX(c.Writer, report, discrepancies); err != nil {
		// Headers are gone by now; all that is left is to log.
		h.log.WithError(err).WithField("reportId", id).Error("report export failed")
		_ = c.Error(payerr.Wrap(payerr.KindInternal, "export failed", err))
	}
}
