// Package stats 提供窗口统计计算
//
// 统计口径：
// - hr_mean/hr_std：对存在心率值的读数做总体均值/标准差（缺失字段忽略）
// - accel_energy/gyro_energy：对三轴齐全的读数求 Σ(x²+y²+z²)
//   能量是求和而不是幅值均值（整窗运动强度代理，与窗口内读数顺序无关）
// - 结果是读数快照的纯函数，重算收敛到同一结果（覆盖写入，幂等）
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"wearable-monitor/internal/models"
)

// ErrNoReadings 窗口没有任何读数（终态错误，不重试）
var ErrNoReadings = errors.New("no readings available for window")

// WindowStore 计算器依赖的窗口存取操作
type WindowStore interface {
	GetByID(ctx context.Context, windowID string) (*models.Window, error)
	UpdateStatistics(ctx context.Context, windowID string, hrMean, hrStd, accelEnergy, gyroEnergy *float64) error
}

// ReadingStore 计算器依赖的读数存取操作
type ReadingStore interface {
	ListByWindow(ctx context.Context, windowID string) ([]*models.Reading, error)
}

// Result 一次统计计算的结果
type Result struct {
	WindowID     string
	ReadingCount int
	HRMean       *float64
	HRStd        *float64
	AccelEnergy  *float64
	GyroEnergy   *float64
}

// Calculator 窗口统计计算器
type Calculator struct {
	windows  WindowStore
	readings ReadingStore
	logger   *zap.Logger
}

// NewCalculator 创建统计计算器
func NewCalculator(windows WindowStore, readings ReadingStore, logger *zap.Logger) *Calculator {
	return &Calculator{
		windows:  windows,
		readings: readings,
		logger:   logger,
	}
}

// Compute 计算窗口统计并写回窗口记录
//
// 错误分类：
// - ErrWindowNotFound / ErrNoReadings：终态，调用方不重试
// - 其他（存储错误）：瞬态，按退避策略重试
func (c *Calculator) Compute(ctx context.Context, windowID string) (*Result, error) {
	if _, err := c.windows.GetByID(ctx, windowID); err != nil {
		return nil, err
	}

	readings, err := c.readings.ListByWindow(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}

	if len(readings) == 0 {
		c.logger.Warn("No readings found for window",
			zap.String("window_id", windowID),
		)
		return nil, ErrNoReadings
	}

	result := Derive(windowID, readings)

	if err := c.windows.UpdateStatistics(ctx, windowID,
		result.HRMean, result.HRStd, result.AccelEnergy, result.GyroEnergy); err != nil {
		return nil, fmt.Errorf("failed to save window statistics: %w", err)
	}

	c.logger.Info("Window statistics calculated",
		zap.String("window_id", windowID),
		zap.Int("reading_count", result.ReadingCount),
	)

	return result, nil
}

// Derive 从读数快照派生统计值（纯函数）
func Derive(windowID string, readings []*models.Reading) *Result {
	result := &Result{
		WindowID:     windowID,
		ReadingCount: len(readings),
	}

	var heartRates []float64
	var accelEnergy, gyroEnergy float64
	var accelCount, gyroCount int

	for _, r := range readings {
		if r.HeartRate != nil {
			heartRates = append(heartRates, *r.HeartRate)
		}
		if r.HasAccelTriple() {
			accelEnergy += *r.AccelX**r.AccelX + *r.AccelY**r.AccelY + *r.AccelZ**r.AccelZ
			accelCount++
		}
		if r.HasGyroTriple() {
			gyroEnergy += *r.GyroX**r.GyroX + *r.GyroY**r.GyroY + *r.GyroZ**r.GyroZ
			gyroCount++
		}
	}

	if len(heartRates) > 0 {
		mean := mean(heartRates)
		std := populationStd(heartRates, mean)
		result.HRMean = &mean
		result.HRStd = &std
	}
	if accelCount > 0 {
		result.AccelEnergy = &accelEnergy
	}
	if gyroCount > 0 {
		result.GyroEnergy = &gyroEnergy
	}

	return result
}

// FeatureSet 预测特征字典（键名与模型包 feature_names 对齐）
type FeatureSet map[string]float64

// Features 从读数快照派生完整特征字典
//
// 在四个窗口统计字段之外，补充模型训练时使用的扩展特征
// （hr_min/max/range、加速度与陀螺仪幅值的均值/标准差）。
func Features(readings []*models.Reading) FeatureSet {
	features := FeatureSet{}

	var heartRates, accelMagnitudes, gyroMagnitudes []float64
	var accelEnergy, gyroEnergy float64

	for _, r := range readings {
		if r.HeartRate != nil {
			heartRates = append(heartRates, *r.HeartRate)
		}
		if r.HasAccelTriple() {
			sq := *r.AccelX**r.AccelX + *r.AccelY**r.AccelY + *r.AccelZ**r.AccelZ
			accelEnergy += sq
			accelMagnitudes = append(accelMagnitudes, math.Sqrt(sq))
		}
		if r.HasGyroTriple() {
			sq := *r.GyroX**r.GyroX + *r.GyroY**r.GyroY + *r.GyroZ**r.GyroZ
			gyroEnergy += sq
			gyroMagnitudes = append(gyroMagnitudes, math.Sqrt(sq))
		}
	}

	if len(heartRates) > 0 {
		m := mean(heartRates)
		features["hr_mean"] = m
		features["hr_std"] = populationStd(heartRates, m)
		features["hr_min"] = min(heartRates)
		features["hr_max"] = max(heartRates)
		features["hr_range"] = features["hr_max"] - features["hr_min"]
	}
	if len(accelMagnitudes) > 0 {
		m := mean(accelMagnitudes)
		features["accel_magnitude_mean"] = m
		features["accel_magnitude_std"] = populationStd(accelMagnitudes, m)
		features["accel_energy"] = accelEnergy
	}
	if len(gyroMagnitudes) > 0 {
		m := mean(gyroMagnitudes)
		features["gyro_magnitude_mean"] = m
		features["gyro_magnitude_std"] = populationStd(gyroMagnitudes, m)
		features["gyro_energy"] = gyroEnergy
	}

	return features
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// populationStd 总体标准差（除以 N，不是 N-1，与训练侧口径一致）
func populationStd(values []float64, mean float64) float64 {
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func min(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func max(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
