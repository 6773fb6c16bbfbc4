package predictor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wearable-monitor/internal/models"
	"wearable-monitor/internal/stats"
)

// ErrNoRecentData 回看期内没有可用读数（终态错误，不重试）
var ErrNoRecentData = errors.New("no recent sensor data available")

// TaskRunPrediction 预测任务名
const TaskRunPrediction = "prediction.run"

// RunPredictionPayload 预测任务载荷
//
// Features 为空时从回看期内的最新窗口派生。
type RunPredictionPayload struct {
	PersonID string           `json:"person_id"`
	Features stats.FeatureSet `json:"features,omitempty"`
}

// WindowStore 预测工作器依赖的窗口操作
type WindowStore interface {
	Create(ctx context.Context, personID string, startTime, endTime time.Time) (*models.Window, error)
	GetLatestSince(ctx context.Context, personID string, since time.Time) (*models.Window, error)
	UpdateStatistics(ctx context.Context, windowID string, hrMean, hrStd, accelEnergy, gyroEnergy *float64) error
}

// ReadingStore 预测工作器依赖的读数查询
type ReadingStore interface {
	ListByWindow(ctx context.Context, windowID string) ([]*models.Reading, error)
}

// AnalysisStore 预测结果持久化
type AnalysisStore interface {
	Create(ctx context.Context, analysis *models.Analysis) (*models.Analysis, error)
}

// EventStore 高风险事件持久化
type EventStore interface {
	Create(ctx context.Context, event *models.CravingEvent) (*models.CravingEvent, error)
}

// NotificationStore 通知持久化
type NotificationStore interface {
	Create(ctx context.Context, notification *models.Notification) (*models.Notification, error)
}

// Publisher 通知实时下发（尽力而为，失败不回滚）
type Publisher interface {
	Publish(ctx context.Context, personID string, notification *models.Notification) error
}

// Worker 预测工作器
type Worker struct {
	windows       WindowStore
	readings      ReadingStore
	analyses      AnalysisStore
	events        EventStore
	notifications NotificationStore
	modelStore    ModelStore
	publisher     Publisher
	lookback      time.Duration
	logger        *zap.Logger
}

// NewWorker 创建预测工作器
func NewWorker(
	windows WindowStore,
	readings ReadingStore,
	analyses AnalysisStore,
	events EventStore,
	notifications NotificationStore,
	modelStore ModelStore,
	publisher Publisher,
	lookback time.Duration,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		windows:       windows,
		readings:      readings,
		analyses:      analyses,
		events:        events,
		notifications: notifications,
		modelStore:    modelStore,
		publisher:     publisher,
		lookback:      lookback,
		logger:        logger,
	}
}

// Predict 执行一次渴求风险预测
//
// 流程：
// 1. 特征来源：外部传入的特征字典，或从回看期内最新窗口的读数派生
// 2. 加载模型包并打分
// 3. 统计字段写回窗口，落一条分析记录
// 4. 高风险时创建事件 + 通知并实时下发（下发失败只记日志）
//
// 错误分类：ErrNoRecentData / ErrMissingFeature / 窗口不存在为终态；
// 模型仓库与存储错误为瞬态，由任务队列退避重试。
func (w *Worker) Predict(ctx context.Context, personID string, features stats.FeatureSet) (*models.Analysis, error) {
	var windowID string

	manual := len(features) > 0 && hasKey(features, "hr_mean")
	if !manual {
		derived, id, err := w.deriveFeatures(ctx, personID)
		if err != nil {
			return nil, err
		}
		features = derived
		windowID = id
	}

	pkg, err := w.modelStore.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load model package: %w", err)
	}

	probability, err := pkg.Score(features)
	if err != nil {
		return nil, err
	}

	if manual {
		// 外部特征没有来源窗口，打分成功后才补一个承载窗口，
		// 避免终态失败留下孤儿窗口
		now := time.Now()
		window, err := w.windows.Create(ctx, personID, now, now.Add(w.lookback))
		if err != nil {
			return nil, fmt.Errorf("failed to create analysis window: %w", err)
		}
		windowID = window.ID
	}

	label := 0
	if probability >= 0.5 {
		label = 1
	}
	tier := RiskTier(probability)
	comment := TierComment(tier, probability)

	// 统计字段写回窗口（预测路径派生的特征与统计口径一致）
	if err := w.windows.UpdateStatistics(ctx, windowID,
		featurePtr(features, "hr_mean"), featurePtr(features, "hr_std"),
		featurePtr(features, "accel_energy"), featurePtr(features, "gyro_energy")); err != nil {
		return nil, fmt.Errorf("failed to write statistics back: %w", err)
	}

	analysis, err := w.analyses.Create(ctx, &models.Analysis{
		WindowID:    windowID,
		ModelName:   pkg.ModelName,
		Probability: probability,
		Label:       label,
		Metrics:     pkg.Metrics,
		Comment:     comment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}

	w.logger.Info("Prediction completed",
		zap.String("person_id", personID),
		zap.String("window_id", windowID),
		zap.Float64("probability", probability),
		zap.String("risk_tier", tier),
	)

	if tier == RiskHigh {
		if err := w.raiseAlert(ctx, personID, windowID, comment); err != nil {
			return nil, err
		}
	}

	return analysis, nil
}

// deriveFeatures 从回看期内最新窗口的读数派生特征
func (w *Worker) deriveFeatures(ctx context.Context, personID string) (stats.FeatureSet, string, error) {
	since := time.Now().Add(-w.lookback)

	window, err := w.windows.GetLatestSince(ctx, personID, since)
	if err != nil {
		w.logger.Warn("No recent window for prediction",
			zap.String("person_id", personID),
			zap.Time("since", since),
			zap.Error(err),
		)
		return nil, "", ErrNoRecentData
	}

	readings, err := w.readings.ListByWindow(ctx, window.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list readings: %w", err)
	}
	if len(readings) == 0 {
		return nil, "", ErrNoRecentData
	}

	return stats.Features(readings), window.ID, nil
}

// raiseAlert 高风险路径：事件 + 通知持久化，然后尽力下发
func (w *Worker) raiseAlert(ctx context.Context, personID, windowID, content string) error {
	event, err := w.events.Create(ctx, &models.CravingEvent{
		PersonID: personID,
		WindowID: &windowID,
		Kind:     "substance",
		Resolved: false,
	})
	if err != nil {
		return fmt.Errorf("failed to create craving event: %w", err)
	}

	notification, err := w.notifications.Create(ctx, &models.Notification{
		PersonID:       personID,
		CravingEventID: &event.ID,
		Kind:           "alert",
		Content:        content,
		Read:           false,
	})
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	// 实时下发是便捷通道，失败不回滚已落库的事件和通知
	if w.publisher != nil {
		if err := w.publisher.Publish(ctx, personID, notification); err != nil {
			w.logger.Warn("Failed to publish notification",
				zap.String("person_id", personID),
				zap.String("notification_id", notification.ID),
				zap.Error(err),
			)
		}
	}

	w.logger.Info("High risk alert raised",
		zap.String("person_id", personID),
		zap.String("event_id", event.ID),
		zap.String("notification_id", notification.ID),
	)

	return nil
}

func hasKey(features stats.FeatureSet, key string) bool {
	_, ok := features[key]
	return ok
}

func featurePtr(features stats.FeatureSet, key string) *float64 {
	if v, ok := features[key]; ok {
		return &v
	}
	return nil
}
