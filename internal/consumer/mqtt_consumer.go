// Package consumer 负责设备上行消息的消费
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wearable-monitor/internal/config"
	"wearable-monitor/internal/models"
	"wearable-monitor/internal/mqtt"
	"wearable-monitor/internal/session"
)

// SessionResolver 按设备解析活动会话
type SessionResolver interface {
	GetSessionByDevice(ctx context.Context, deviceID string) (*models.Session, error)
}

// Ingestor 读数摄入入口（由聚合器实现）
type Ingestor interface {
	Ingest(ctx context.Context, windowID string, reading *models.Reading) (*models.Reading, error)
	IngestBatch(ctx context.Context, windowID string, readings []*models.Reading) ([]*models.Reading, error)
}

// readingMessage 设备上报的读数 JSON
type readingMessage struct {
	HeartRate *float64 `json:"heart_rate,omitempty"`
	AccelX    *float64 `json:"accel_x,omitempty"`
	AccelY    *float64 `json:"accel_y,omitempty"`
	AccelZ    *float64 `json:"accel_z,omitempty"`
	GyroX     *float64 `json:"gyro_x,omitempty"`
	GyroY     *float64 `json:"gyro_y,omitempty"`
	GyroZ     *float64 `json:"gyro_z,omitempty"`
}

func (m *readingMessage) toReading() *models.Reading {
	return &models.Reading{
		HeartRate: m.HeartRate,
		AccelX:    m.AccelX,
		AccelY:    m.AccelY,
		AccelZ:    m.AccelZ,
		GyroX:     m.GyroX,
		GyroY:     m.GyroY,
		GyroZ:     m.GyroZ,
	}
}

// MQTTConsumer 设备读数消费者
//
// 订阅 wearable/{device_id}/readings，按设备解析会话后交给聚合器。
// 没有活动会话的设备消息直接丢弃（设备先开会话再上报）。
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqtt.Client
	sessions   SessionResolver
	ingestor   Ingestor
	logger     *zap.Logger
}

// NewMQTTConsumer 创建设备读数消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	sessions SessionResolver,
	ingestor Ingestor,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		sessions:   sessions,
		ingestor:   ingestor,
		logger:     logger,
	}
}

// Start 启动消费者（阻塞直到 ctx 取消）
func (c *MQTTConsumer) Start(ctx context.Context) error {
	topic := c.config.MQTT.Topic
	if topic == "" {
		return fmt.Errorf("wearable MQTT topic not configured")
	}

	handler := func(topic string, payload []byte) error {
		return c.HandleMessage(ctx, topic, payload)
	}
	if err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, handler); err != nil {
		return fmt.Errorf("failed to subscribe to wearable topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", topic),
	)

	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	topic := c.config.MQTT.Topic
	if topic != "" {
		if err := c.mqttClient.Unsubscribe(topic); err != nil {
			c.logger.Error("Failed to unsubscribe", zap.Error(err))
		}
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

// HandleMessage 处理一条设备消息
//
// 载荷支持单条读数对象或读数数组（设备端缓冲上报）。
func (c *MQTTConsumer) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	deviceID, err := deviceIDFromTopic(topic)
	if err != nil {
		return err
	}

	// 1. 按设备解析活动会话
	sess, err := c.sessions.GetSessionByDevice(ctx, deviceID)
	if err != nil {
		if err == session.ErrSessionNotFound {
			c.logger.Warn("Reading from device without active session, dropping",
				zap.String("device_id", deviceID),
			)
			return nil
		}
		return fmt.Errorf("failed to resolve device session: %w", err)
	}

	// 2. 解析载荷（对象或数组）
	readings, err := parseReadings(payload)
	if err != nil {
		c.logger.Error("Failed to unmarshal reading message",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return err
	}
	if len(readings) == 0 {
		return nil
	}

	// 3. 交给聚合器（触发逻辑在聚合器内）
	if len(readings) == 1 {
		if _, err := c.ingestor.Ingest(ctx, sess.WindowID, readings[0]); err != nil {
			return fmt.Errorf("failed to ingest reading: %w", err)
		}
	} else {
		if _, err := c.ingestor.IngestBatch(ctx, sess.WindowID, readings); err != nil {
			return fmt.Errorf("failed to ingest reading batch: %w", err)
		}
	}

	c.logger.Debug("Device readings ingested",
		zap.String("device_id", deviceID),
		zap.String("window_id", sess.WindowID),
		zap.Int("count", len(readings)),
	)

	return nil
}

// deviceIDFromTopic 从 wearable/{device_id}/readings 提取设备 ID
func deviceIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "wearable" || parts[2] != "readings" || parts[1] == "" {
		return "", fmt.Errorf("unexpected topic format: %s", topic)
	}
	return parts[1], nil
}

func parseReadings(payload []byte) ([]*models.Reading, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		var batch []readingMessage
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, err
		}
		readings := make([]*models.Reading, 0, len(batch))
		for i := range batch {
			readings = append(readings, batch[i].toReading())
		}
		return readings, nil
	}

	var single readingMessage
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	return []*models.Reading{single.toReading()}, nil
}
