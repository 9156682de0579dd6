package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"payment-orchestration-backend/internal/models"
)

type WebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Record stores a callback body. Bodies that are not valid JSON are kept
// verbatim in RawBody only.
func (r *WebhookRepository) Record(ctx context.Context, provider string, raw []byte) (*models.WebhookEvent, error) {
	ev := &models.WebhookEvent{
		ID:         uuid.New(),
		Provider:   provider,
		RawBody:    string(raw),
		Outcome:    models.WebhookFailed,
		ReceivedAt: time.Now().UTC(),
	}
	if json.Valid(raw) {
		ev.Payload = raw
	}
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *WebhookRepository) Resolve(ctx context.Context, id uuid.UUID, reference string, txID *uuid.UUID, outcome models.WebhookOutcome, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"provider_reference": reference,
			"transaction_id":     txID,
			"outcome":            outcome,
			"error":              errMsg,
		}).Error
}

func (r *WebhookRepository) ListByProvider(ctx context.Context, provider string, limit int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ?", provider).
		Order("received_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
