// Package fanout 提供通知实时下发
//
// 持久化的 Notification 记录是事实来源，实时下发只是便捷通道：
// 任何订阅者丢失推送都可以通过未读回放补齐。慢订阅者直接跳过，
// 绝不让一个慢连接拖住其他订阅者或工作器。
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wearable-monitor/internal/models"
)

// 下发消息类型
const (
	EventBacklog      = "backlog"
	EventNotification = "notification"
	EventAck          = "ack"
	EventPong         = "pong"
)

// Event 推给订阅者的一条消息
type Event struct {
	Type           string                 `json:"type"`
	Notification   *models.Notification   `json:"notification,omitempty"`
	Notifications  []*models.Notification `json:"notifications,omitempty"`
	NotificationID string                 `json:"notification_id,omitempty"`
	Read           bool                   `json:"read,omitempty"`
}

// Subscriber 一个活动订阅
//
// Events 通道由 hub 关闭（退订或心跳超时），订阅方只读。
type Subscriber struct {
	ID       string
	PersonID string
	Events   chan *Event

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// send 非阻塞投递；已被 hub 关闭或通道满时丢弃
//
// 关闭与投递都在 s.mu 下进行：心跳/标记请求与回收循环竞争时
// 不会向已关闭的通道发送。
func (s *Subscriber) send(ev *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.Events <- ev:
		return true
	default:
		return false
	}
}

// NotificationStore 回放与已读状态依赖的通知操作
type NotificationStore interface {
	ListUnreadByPerson(ctx context.Context, personID string, limit int) ([]*models.Notification, error)
	SetRead(ctx context.Context, notificationID string, read bool) error
}

// Hub 进程内订阅中枢
type Hub struct {
	store             NotificationStore
	backlogLimit      int
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	logger            *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscriber
}

// NewHub 创建订阅中枢
//
// heartbeatInterval 是回收循环的检查周期，heartbeatTimeout 是
// 超过该时长无心跳即判定断开的阈值。
func NewHub(store NotificationStore, backlogLimit int, heartbeatInterval, heartbeatTimeout time.Duration, logger *zap.Logger) *Hub {
	if backlogLimit <= 0 {
		backlogLimit = 20
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = heartbeatTimeout / 3
	}
	if heartbeatInterval < time.Second {
		heartbeatInterval = time.Second
	}
	return &Hub{
		store:             store,
		backlogLimit:      backlogLimit,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		logger:            logger,
		subscribers:       make(map[string]map[string]*Subscriber),
	}
}

// Subscribe 订阅某人的通知
//
// 订阅建立后第一条消息是未读回放批（最多 backlogLimit 条，最新在前），
// 之后是实时推送。
func (h *Hub) Subscribe(ctx context.Context, personID string) (*Subscriber, error) {
	sub := &Subscriber{
		ID:       uuid.New().String(),
		PersonID: personID,
		Events:   make(chan *Event, 32),
		lastSeen: time.Now(),
	}

	backlog, err := h.store.ListUnreadByPerson(ctx, personID, h.backlogLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification backlog: %w", err)
	}

	h.mu.Lock()
	if h.subscribers[personID] == nil {
		h.subscribers[personID] = make(map[string]*Subscriber)
	}
	h.subscribers[personID][sub.ID] = sub
	// 注册后立刻入队回放，保证回放先于任何实时推送
	sub.Events <- &Event{Type: EventBacklog, Notifications: backlog}
	h.mu.Unlock()

	h.logger.Info("Subscriber attached",
		zap.String("person_id", personID),
		zap.String("subscriber_id", sub.ID),
		zap.Int("backlog_count", len(backlog)),
	)

	return sub, nil
}

// Unsubscribe 退订并关闭事件通道
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub, "unsubscribe")
}

// Publish 向某人的全部订阅者推送一条通知（尽力而为）
//
// 通道已满的订阅者跳过并记日志，不阻塞其余订阅者。
func (h *Hub) Publish(ctx context.Context, personID string, notification *models.Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers[personID] {
		if !sub.send(&Event{Type: EventNotification, Notification: notification}) {
			h.logger.Warn("Subscriber channel full, dropping push",
				zap.String("person_id", personID),
				zap.String("subscriber_id", sub.ID),
				zap.String("notification_id", notification.ID),
			)
		}
	}
	return nil
}

// MarkRead 更新通知已读状态，只对发起请求的订阅者回 ACK
func (h *Hub) MarkRead(ctx context.Context, sub *Subscriber, notificationID string, read bool) error {
	sub.touch()

	if err := h.store.SetRead(ctx, notificationID, read); err != nil {
		return err
	}

	sub.send(&Event{Type: EventAck, NotificationID: notificationID, Read: read})
	return nil
}

// Ping 心跳：刷新存活时间并回 pong（已被回收的订阅者是空操作）
func (h *Hub) Ping(sub *Subscriber) {
	sub.touch()
	sub.send(&Event{Type: EventPong})
}

// Start 启动心跳回收循环（阻塞直到 ctx 取消）
func (h *Hub) Start(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapStale()
		}
	}
}

// reapStale 丢弃心跳超时的订阅者
func (h *Hub) reapStale() {
	cutoff := time.Now().Add(-h.heartbeatTimeout)

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, subs := range h.subscribers {
		for _, sub := range subs {
			if sub.seen().Before(cutoff) {
				h.dropLocked(sub, "heartbeat timeout")
			}
		}
	}
}

// SubscriberCount 某人当前订阅数（测试与运维可见性）
func (h *Hub) SubscriberCount(personID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[personID])
}

func (h *Hub) dropLocked(sub *Subscriber, reason string) {
	subs := h.subscribers[sub.PersonID]
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(h.subscribers, sub.PersonID)
	}

	// 置位与关闭在 sub.mu 下完成，与 send 互斥
	sub.mu.Lock()
	sub.closed = true
	close(sub.Events)
	sub.mu.Unlock()

	h.logger.Info("Subscriber detached",
		zap.String("person_id", sub.PersonID),
		zap.String("subscriber_id", sub.ID),
		zap.String("reason", reason),
	)
}
