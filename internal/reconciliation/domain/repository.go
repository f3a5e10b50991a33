package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*WebhookEvent, error)
	// InsertEvent reports false when (provider, event_id) is already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	// ClaimRetry resets a failed event, or one left unfinished since before staleBefore, so
	// exactly one caller reprocesses it.
	ClaimRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, receivedAt, staleBefore time.Time) (bool, error)
	Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, result string, errMsg *string, processedAt time.Time) error
	List(ctx context.Context, db *gorm.DB, limit int) ([]WebhookEvent, error)
}
