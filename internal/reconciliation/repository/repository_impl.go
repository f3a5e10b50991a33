package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/reconciliation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ClaimRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, receivedAt, staleBefore time.Time) (bool, error) {
	result := db.WithContext(ctx).Model(&domain.WebhookEvent{}).
		Where("id = ? AND (error IS NOT NULL OR (processed_at IS NULL AND received_at < ?))", id, staleBefore).
		Updates(map[string]any{
			"error":        nil,
			"result":       "",
			"processed_at": nil,
			"received_at":  receivedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, result string, errMsg *string, processedAt time.Time) error {
	return db.WithContext(ctx).Model(&domain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"result":       result,
			"error":        errMsg,
			"processed_at": processedAt,
		}).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var items []domain.WebhookEvent
	err := db.WithContext(ctx).
		Order("received_at DESC, id DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
