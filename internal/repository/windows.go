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

// ErrWindowNotFound 窗口不存在
var ErrWindowNotFound = errors.New("window not found")

// WindowRepository 时间窗口仓库
type WindowRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWindowRepository 创建时间窗口仓库
func NewWindowRepository(db *sql.DB, logger *zap.Logger) *WindowRepository {
	return &WindowRepository{
		db:     db,
		logger: logger,
	}
}

// Create 创建新窗口（统计字段为空，即 OPEN 状态）
func (r *WindowRepository) Create(ctx context.Context, personID string, startTime, endTime time.Time) (*models.Window, error) {
	if !endTime.After(startTime) {
		return nil, fmt.Errorf("invalid window span: end %v not after start %v", endTime, startTime)
	}

	window := &models.Window{
		ID:        uuid.New().String(),
		PersonID:  personID,
		StartTime: startTime,
		EndTime:   endTime,
		CreatedAt: time.Now(),
	}

	query := `
		INSERT INTO windows (id, person_id, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		window.ID, window.PersonID, window.StartTime, window.EndTime, window.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert window: %w", err)
	}

	return window, nil
}

// GetByID 按 ID 查询窗口
func (r *WindowRepository) GetByID(ctx context.Context, windowID string) (*models.Window, error) {
	query := `
		SELECT id, person_id, start_time, end_time,
		       hr_mean, hr_std, accel_energy, gyro_energy, created_at
		FROM windows
		WHERE id = $1
	`
	return r.scanWindow(r.db.QueryRowContext(ctx, query, windowID))
}

// GetLatestSince 查询某人最近的一个窗口（start_time 不早于 since）
func (r *WindowRepository) GetLatestSince(ctx context.Context, personID string, since time.Time) (*models.Window, error) {
	query := `
		SELECT id, person_id, start_time, end_time,
		       hr_mean, hr_std, accel_energy, gyro_energy, created_at
		FROM windows
		WHERE person_id = $1 AND start_time >= $2
		ORDER BY start_time DESC
		LIMIT 1
	`
	return r.scanWindow(r.db.QueryRowContext(ctx, query, personID, since))
}

// UpdateStatistics 写入窗口统计字段（覆盖语义，重算以最后一次为准）
func (r *WindowRepository) UpdateStatistics(ctx context.Context, windowID string, hrMean, hrStd, accelEnergy, gyroEnergy *float64) error {
	query := `
		UPDATE windows
		SET hr_mean = $2, hr_std = $3, accel_energy = $4, gyro_energy = $5
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, windowID, hrMean, hrStd, accelEnergy, gyroEnergy)
	if err != nil {
		return fmt.Errorf("failed to update window statistics: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return ErrWindowNotFound
	}
	return nil
}

// SetEndTime 改写窗口结束时间（提前关闭或延长）
func (r *WindowRepository) SetEndTime(ctx context.Context, windowID string, endTime time.Time) error {
	query := `UPDATE windows SET end_time = $2 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, windowID, endTime)
	if err != nil {
		return fmt.Errorf("failed to set window end time: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return ErrWindowNotFound
	}
	return nil
}

func (r *WindowRepository) scanWindow(row *sql.Row) (*models.Window, error) {
	var w models.Window
	var hrMean, hrStd, accelEnergy, gyroEnergy sql.NullFloat64

	err := row.Scan(&w.ID, &w.PersonID, &w.StartTime, &w.EndTime,
		&hrMean, &hrStd, &accelEnergy, &gyroEnergy, &w.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrWindowNotFound
		}
		return nil, fmt.Errorf("failed to scan window: %w", err)
	}

	if hrMean.Valid {
		w.HRMean = &hrMean.Float64
	}
	if hrStd.Valid {
		w.HRStd = &hrStd.Float64
	}
	if accelEnergy.Valid {
		w.AccelEnergy = &accelEnergy.Float64
	}
	if gyroEnergy.Valid {
		w.GyroEnergy = &gyroEnergy.Float64
	}

	return &w, nil
}
