package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wearable-monitor/internal/models"
)

// ErrNotificationNotFound 通知不存在
var ErrNotificationNotFound = errors.New("notification not found")

// NotificationRepository 通知仓库
type NotificationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationRepository 创建通知仓库
func NewNotificationRepository(db *sql.DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

// Create 写入一条通知
func (r *NotificationRepository) Create(ctx context.Context, notification *models.Notification) (*models.Notification, error) {
	if notification.ID == "" {
		notification.ID = uuid.New().String()
	}
	if notification.SentAt.IsZero() {
		notification.SentAt = time.Now()
	}

	query := `
		INSERT INTO notifications (id, person_id, craving_event_id, kind, content, read, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		notification.ID, notification.PersonID, notification.CravingEventID,
		notification.Kind, notification.Content, notification.Read, notification.SentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert notification: %w", err)
	}

	return notification, nil
}

// ListUnreadByPerson 列出某人未读通知（最新在前，limit 限制条数）
func (r *NotificationRepository) ListUnreadByPerson(ctx context.Context, personID string, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, person_id, craving_event_id, kind, content, read, sent_at
		FROM notifications
		WHERE person_id = $1 AND read = FALSE
		ORDER BY sent_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unread notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		var n models.Notification
		var eventID sql.NullString

		err := rows.Scan(&n.ID, &n.PersonID, &eventID, &n.Kind, &n.Content, &n.Read, &n.SentAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}

		if eventID.Valid {
			n.CravingEventID = &eventID.String
		}

		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	return notifications, nil
}

// SetRead 更新通知的已读状态
func (r *NotificationRepository) SetRead(ctx context.Context, notificationID string, read bool) error {
	query := `UPDATE notifications SET read = $2 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, notificationID, read)
	if err != nil {
		return fmt.Errorf("failed to update notification read state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
