package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wearable-monitor/internal/models"
)

// CravingEventRepository 高风险事件仓库
type CravingEventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCravingEventRepository 创建高风险事件仓库
func NewCravingEventRepository(db *sql.DB, logger *zap.Logger) *CravingEventRepository {
	return &CravingEventRepository{
		db:     db,
		logger: logger,
	}
}

// Create 写入一条高风险事件（resolved 由人工跟进操作在本核心之外置位）
func (r *CravingEventRepository) Create(ctx context.Context, event *models.CravingEvent) (*models.CravingEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO craving_events (id, person_id, window_id, kind, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.PersonID, event.WindowID, event.Kind, event.Resolved, event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert craving event: %w", err)
	}

	return event, nil
}

// CountUnresolvedByPerson 统计某人未解决的事件数
func (r *CravingEventRepository) CountUnresolvedByPerson(ctx context.Context, personID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM craving_events WHERE person_id = $1 AND resolved = FALSE`
	if err := r.db.QueryRowContext(ctx, query, personID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count craving events: %w", err)
	}
	return count, nil
}
