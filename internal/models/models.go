package models

import (
	"time"
)

// Window 时间窗口（一个人在一段时间内的读数聚合单元）
//
// 生命周期：
// - 创建时为 OPEN（统计字段为 nil），由会话注册或窗口调度器创建
// - 窗口时间跨度结束（或被强制关闭）后转为 CLOSED
// - 统计字段由统计计算器写入（覆盖语义，重算幂等）
// - 除显式数据保留操作外不删除
type Window struct {
	ID          string     `json:"id"`
	PersonID    string     `json:"person_id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	HRMean      *float64   `json:"hr_mean,omitempty"`
	HRStd       *float64   `json:"hr_std,omitempty"`
	AccelEnergy *float64   `json:"accel_energy,omitempty"`
	GyroEnergy  *float64   `json:"gyro_energy,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsOpen 窗口是否仍在活动期（end_time 未到）
func (w *Window) IsOpen(now time.Time) bool {
	return w.EndTime.After(now)
}

// HasStatistics 是否已计算统计字段
func (w *Window) HasStatistics() bool {
	return w.HRMean != nil || w.AccelEnergy != nil || w.GyroEnergy != nil
}

// Reading 单条传感器读数（append-only，任意字段可缺失）
type Reading struct {
	ID        string     `json:"id"`
	WindowID  string     `json:"window_id"`
	HeartRate *float64   `json:"heart_rate,omitempty"`
	AccelX    *float64   `json:"accel_x,omitempty"`
	AccelY    *float64   `json:"accel_y,omitempty"`
	AccelZ    *float64   `json:"accel_z,omitempty"`
	GyroX     *float64   `json:"gyro_x,omitempty"`
	GyroY     *float64   `json:"gyro_y,omitempty"`
	GyroZ     *float64   `json:"gyro_z,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// HasAccelTriple 加速度三轴是否齐全（能量计算只统计完整三元组）
func (r *Reading) HasAccelTriple() bool {
	return r.AccelX != nil && r.AccelY != nil && r.AccelZ != nil
}

// HasGyroTriple 陀螺仪三轴是否齐全
func (r *Reading) HasGyroTriple() bool {
	return r.GyroX != nil && r.GyroY != nil && r.GyroZ != nil
}

// ModelMetrics 模型训练指标（随模型包持久化到每条分析记录）
type ModelMetrics struct {
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Precision *float64 `json:"precision,omitempty"`
	Recall    *float64 `json:"recall,omitempty"`
	F1Score   *float64 `json:"f1_score,omitempty"`
}

// Analysis 一次预测的结果记录
//
// 同一窗口允许多条记录（重新触发各生成一行），读取方按 created_at 取最新。
type Analysis struct {
	ID          string       `json:"id"`
	WindowID    string       `json:"window_id"`
	ModelName   string       `json:"model_name"`
	Probability float64      `json:"probability"`
	Label       int          `json:"label"`
	Metrics     ModelMetrics `json:"metrics"`
	Comment     string       `json:"comment"`
	CreatedAt   time.Time    `json:"created_at"`
}

// CravingEvent 高风险事件（需要人工跟进）
// 仅在预测跨过高风险阈值时由预测工作器创建
type CravingEvent struct {
	ID        string    `json:"id"`
	PersonID  string    `json:"person_id"`
	WindowID  *string   `json:"window_id,omitempty"`
	Kind      string    `json:"kind"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification 推送通知记录（持久层是事实来源，流推送只是便捷通道）
type Notification struct {
	ID             string    `json:"id"`
	PersonID       string    `json:"person_id"`
	CravingEventID *string   `json:"craving_event_id,omitempty"`
	Kind           string    `json:"kind"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	SentAt         time.Time `json:"sent_at"`
}

// Session 会话数据（仅存于缓存，TTL 受限）
type Session struct {
	SessionID string    `json:"session_id"`
	PersonID  string    `json:"person_id"`
	WindowID  string    `json:"window_id"`
	DeviceID  string    `json:"device_id"`
	StartedAt time.Time `json:"started_at"`
}
