package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ReconciliationJob is the persisted handle a client polls while the
// engine runs.
type ReconciliationJob struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ReportID       uuid.UUID      `gorm:"type:uuid;index" json:"reportId"`
	Status         JobStatus      `gorm:"size:16;not null;index" json:"status"`
	WindowStart    time.Time      `json:"windowStart"`
	WindowEnd      time.Time      `json:"windowEnd"`
	Providers      datatypes.JSON `json:"providers"`
	AutoFix        bool           `json:"autoFix"`
	RequestedBy    string         `gorm:"size:64" json:"requestedBy"`
	ProcessedCount int            `json:"processedCount"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	HeartbeatAt    time.Time      `gorm:"index" json:"heartbeatAt"`
	CompletedAt    *time.Time     `json:"completedAt"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type ReconciliationReport struct {
	ID          uuid.UUID                      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID       *uuid.UUID                     `gorm:"type:uuid;index" json:"jobId"`
	WindowStart time.Time                      `json:"windowStart"`
	WindowEnd   time.Time                      `json:"windowEnd"`
	Providers   datatypes.JSON                 `json:"providers"`
	AutoFix     bool                           `json:"autoFix"`
	FrozenAt    *time.Time                     `json:"frozenAt"`
	CreatedAt   time.Time                      `json:"createdAt"`
	Results     []ReconciliationProviderResult `gorm:"foreignKey:ReportID" json:"results"`
}

// ReconciliationProviderResult is the per-provider breakdown of a report.
type ReconciliationProviderResult struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	ReportID        uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_report_provider" json:"-"`
	Provider        string    `gorm:"size:32;uniqueIndex:idx_report_provider" json:"provider"`
	TotalPayments   int       `json:"totalPayments"`
	Reconciled      int       `json:"reconciled"`
	Mismatches      int       `json:"mismatches"`
	MissingLocal    int       `json:"missingLocal"`
	MissingProvider int       `json:"missingProvider"`
	Corrected       int       `json:"corrected"`
	Errors          int       `json:"errors"`
	Completed       bool      `json:"completed"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type DiscrepancyKind string

const (
	DiscrepancyMismatch        DiscrepancyKind = "mismatch"
	DiscrepancyMissingLocal    DiscrepancyKind = "missing_local"
	DiscrepancyMissingProvider DiscrepancyKind = "missing_provider"
)

type ReconciliationDiscrepancy struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	ReportID          uuid.UUID           `gorm:"type:uuid;index" json:"reportId"`
	Provider          string              `gorm:"size:32;index" json:"provider"`
	ProviderReference string              `gorm:"size:128" json:"providerReference"`
	TransactionID     *uuid.UUID          `gorm:"type:uuid" json:"transactionId"`
	Kind              DiscrepancyKind     `gorm:"size:24" json:"kind"`
	LocalStatus       TransactionStatus   `gorm:"size:32" json:"localStatus,omitempty"`
	ProviderStatus    TransactionStatus   `gorm:"size:32" json:"providerStatus,omitempty"`
	LocalAmount       decimal.NullDecimal `gorm:"type:numeric(18,2)" json:"localAmount"`
	ProviderAmount    decimal.NullDecimal `gorm:"type:numeric(18,2)" json:"providerAmount"`
	Corrected         bool                `json:"corrected"`
	Note              string              `json:"note,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
}
