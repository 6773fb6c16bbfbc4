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

// ErrAnalysisNotFound 分析记录不存在
var ErrAnalysisNotFound = errors.New("analysis not found")

// AnalysisRepository 预测结果仓库
//
// 同一窗口允许多条记录，不做唯一约束；读取方按 created_at 取最新。
type AnalysisRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAnalysisRepository 创建预测结果仓库
func NewAnalysisRepository(db *sql.DB, logger *zap.Logger) *AnalysisRepository {
	return &AnalysisRepository{
		db:     db,
		logger: logger,
	}
}

// Create 写入一条预测结果
func (r *AnalysisRepository) Create(ctx context.Context, analysis *models.Analysis) (*models.Analysis, error) {
	if analysis.ID == "" {
		analysis.ID = uuid.New().String()
	}
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO analyses (
			id, window_id, model_name, probability, label,
			accuracy, precision_score, recall, f1_score,
			comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		analysis.ID, analysis.WindowID, analysis.ModelName,
		analysis.Probability, analysis.Label,
		analysis.Metrics.Accuracy, analysis.Metrics.Precision,
		analysis.Metrics.Recall, analysis.Metrics.F1Score,
		analysis.Comment, analysis.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert analysis: %w", err)
	}

	return analysis, nil
}

// GetLatestByWindow 查询窗口的最新预测结果
func (r *AnalysisRepository) GetLatestByWindow(ctx context.Context, windowID string) (*models.Analysis, error) {
	query := `
		SELECT id, window_id, model_name, probability, label,
		       accuracy, precision_score, recall, f1_score,
		       comment, created_at
		FROM analyses
		WHERE window_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var a models.Analysis
	var accuracy, precision, recall, f1 sql.NullFloat64

	err := r.db.QueryRowContext(ctx, query, windowID).Scan(
		&a.ID, &a.WindowID, &a.ModelName, &a.Probability, &a.Label,
		&accuracy, &precision, &recall, &f1,
		&a.Comment, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAnalysisNotFound
		}
		return nil, fmt.Errorf("failed to scan analysis: %w", err)
	}

	a.Metrics.Accuracy = nullableFloat(accuracy)
	a.Metrics.Precision = nullableFloat(precision)
	a.Metrics.Recall = nullableFloat(recall)
	a.Metrics.F1Score = nullableFloat(f1)

	return &a, nil
}
