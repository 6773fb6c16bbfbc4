package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wearable-monitor/internal/models"
)

// streamMessage 通知流上的消息体
type streamMessage struct {
	PersonID     string               `json:"person_id"`
	Notification *models.Notification `json:"notification"`
}

// StreamPublisher 把通知发布到跨进程通知流
//
// 预测工作器与订阅连接可能不在同一进程，流是两者之间的桥。
type StreamPublisher struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewStreamPublisher 创建通知流发布器
func NewStreamPublisher(client *redis.Client, stream string, logger *zap.Logger) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Publish 发布通知到流
func (p *StreamPublisher) Publish(ctx context.Context, personID string, notification *models.Notification) error {
	data, err := json.Marshal(&streamMessage{PersonID: personID, Notification: notification})
	if err != nil {
		return fmt.Errorf("failed to marshal notification message: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		// 通知流只是下发通道，限长防止无订阅时无界增长
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish notification to stream: %w", err)
	}
	return nil
}

// StreamConsumer 消费通知流并分发到本地 hub
type StreamConsumer struct {
	client        *redis.Client
	hub           *Hub
	stream        string
	consumerGroup string
	consumerName  string
	logger        *zap.Logger
}

// NewStreamConsumer 创建通知流消费器
func NewStreamConsumer(
	client *redis.Client,
	hub *Hub,
	stream, consumerGroup, consumerName string,
	logger *zap.Logger,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		hub:           hub,
		stream:        stream,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		logger:        logger,
	}
}

// Start 启动消费循环（阻塞直到 ctx 取消）
func (c *StreamConsumer) Start(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.consumerGroup, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create fanout consumer group: %w", err)
	}

	c.logger.Info("Fanout stream consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.consumerGroup),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("Failed to consume fanout stream",
					zap.Error(err),
				)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (c *StreamConsumer) consumeOnce(ctx context.Context) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{c.stream, ">"},
		Count:    50,
		Block:    5 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.dispatch(ctx, msg)
			c.client.XAck(ctx, c.stream, c.consumerGroup, msg.ID)
		}
	}
	return nil
}

func (c *StreamConsumer) dispatch(ctx context.Context, msg redis.XMessage) {
	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		c.logger.Warn("Fanout message missing data field",
			zap.String("stream_id", msg.ID),
		)
		return
	}

	var m streamMessage
	if err := json.Unmarshal([]byte(dataStr), &m); err != nil {
		c.logger.Error("Failed to unmarshal fanout message",
			zap.String("stream_id", msg.ID),
			zap.Error(err),
		)
		return
	}

	if err := c.hub.Publish(ctx, m.PersonID, m.Notification); err != nil {
		c.logger.Warn("Failed to dispatch notification to hub",
			zap.String("person_id", m.PersonID),
			zap.Error(err),
		)
	}
}
