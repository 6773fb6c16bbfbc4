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

// ReadingRepository 传感器读数仓库（append-only）
type ReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingRepository 创建传感器读数仓库
func NewReadingRepository(db *sql.DB, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:     db,
		logger: logger,
	}
}

// Append 追加一条读数
func (r *ReadingRepository) Append(ctx context.Context, reading *models.Reading) (*models.Reading, error) {
	if reading.ID == "" {
		reading.ID = uuid.New().String()
	}
	if reading.CreatedAt.IsZero() {
		reading.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO readings (
			id, window_id, heart_rate,
			accel_x, accel_y, accel_z,
			gyro_x, gyro_y, gyro_z,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		reading.ID, reading.WindowID, reading.HeartRate,
		reading.AccelX, reading.AccelY, reading.AccelZ,
		reading.GyroX, reading.GyroY, reading.GyroZ,
		reading.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reading: %w", err)
	}

	return reading, nil
}

// ListByWindow 列出窗口的全部读数（按采集时间升序）
func (r *ReadingRepository) ListByWindow(ctx context.Context, windowID string) ([]*models.Reading, error) {
	query := `
		SELECT id, window_id, heart_rate,
		       accel_x, accel_y, accel_z,
		       gyro_x, gyro_y, gyro_z,
		       created_at
		FROM readings
		WHERE window_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, windowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer rows.Close()

	var readings []*models.Reading
	for rows.Next() {
		var reading models.Reading
		var hr, ax, ay, az, gx, gy, gz sql.NullFloat64

		err := rows.Scan(&reading.ID, &reading.WindowID, &hr,
			&ax, &ay, &az, &gx, &gy, &gz, &reading.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}

		reading.HeartRate = nullableFloat(hr)
		reading.AccelX = nullableFloat(ax)
		reading.AccelY = nullableFloat(ay)
		reading.AccelZ = nullableFloat(az)
		reading.GyroX = nullableFloat(gx)
		reading.GyroY = nullableFloat(gy)
		reading.GyroZ = nullableFloat(gz)

		readings = append(readings, &reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return readings, nil
}

// CountByWindow 统计窗口当前读数条数
func (r *ReadingRepository) CountByWindow(ctx context.Context, windowID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM readings WHERE window_id = $1`
	if err := r.db.QueryRowContext(ctx, query, windowID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return count, nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if v.Valid {
		f := v.Float64
		return &f
	}
	return nil
}
