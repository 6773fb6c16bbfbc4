package fanout_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wearable-monitor/internal/fanout"
	"wearable-monitor/internal/models"
	"wearable-monitor/internal/repository"
)

type fakeNotificationStore struct {
	mu            sync.Mutex
	notifications map[string]*models.Notification
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{notifications: make(map[string]*models.Notification)}
}

func (f *fakeNotificationStore) add(n *models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[n.ID] = n
}

func (f *fakeNotificationStore) ListUnreadByPerson(ctx context.Context, personID string, limit int) ([]*models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var unread []*models.Notification
	for _, n := range f.notifications {
		if n.PersonID == personID && !n.Read {
			unread = append(unread, n)
		}
	}
	// 最新在前
	sort.Slice(unread, func(i, j int) bool {
		return unread[i].SentAt.After(unread[j].SentAt)
	})
	if len(unread) > limit {
		unread = unread[:limit]
	}
	return unread, nil
}

func (f *fakeNotificationStore) SetRead(ctx context.Context, notificationID string, read bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[notificationID]
	if !ok {
		return repository.ErrNotificationNotFound
	}
	n.Read = read
	return nil
}

func notification(id, personID string, sentAt time.Time) *models.Notification {
	return &models.Notification{
		ID:       id,
		PersonID: personID,
		Kind:     "alert",
		Content:  "High craving risk detected",
		SentAt:   sentAt,
	}
}

func receiveEvent(t *testing.T, sub *fanout.Subscriber) *fanout.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestHub_BacklogDeliveredNewestFirstBeforeLivePushes(t *testing.T) {
	store := newFakeNotificationStore()
	base := time.Now()
	store.add(notification("n1", "person-1", base.Add(-3*time.Minute)))
	store.add(notification("n2", "person-1", base.Add(-2*time.Minute)))
	store.add(notification("n3", "person-1", base.Add(-time.Minute)))

	hub := fanout.NewHub(store, 20, time.Second, time.Minute, zap.NewNop())
	sub, err := hub.Subscribe(context.Background(), "person-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	// 订阅后紧接着推一条实时通知
	live := notification("n4", "person-1", base)
	require.NoError(t, hub.Publish(context.Background(), "person-1", live))

	// 第一条必须是回放批，最新在前
	first := receiveEvent(t, sub)
	assert.Equal(t, fanout.EventBacklog, first.Type)
	require.Len(t, first.Notifications, 3)
	assert.Equal(t, "n3", first.Notifications[0].ID)
	assert.Equal(t, "n2", first.Notifications[1].ID)
	assert.Equal(t, "n1", first.Notifications[2].ID)

	second := receiveEvent(t, sub)
	assert.Equal(t, fanout.EventNotification, second.Type)
	assert.Equal(t, "n4", second.Notification.ID)
}

func TestHub_BacklogRespectsLimitAndSkipsRead(t *testing.T) {
	store := newFakeNotificationStore()
	base := time.Now()
	for i := 0; i < 5; i++ {
		store.add(notification(string(rune('a'+i)), "person-1", base.Add(time.Duration(i)*time.Second)))
	}
	read := notification("read-one", "person-1", base.Add(time.Hour))
	read.Read = true
	store.add(read)

	hub := fanout.NewHub(store, 3, time.Second, time.Minute, zap.NewNop())
	sub, err := hub.Subscribe(context.Background(), "person-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	ev := receiveEvent(t, sub)
	require.Equal(t, fanout.EventBacklog, ev.Type)
	require.Len(t, ev.Notifications, 3)
	for _, n := range ev.Notifications {
		assert.False(t, n.Read)
	}
}

func TestHub_PublishOnlyReachesMatchingPerson(t *testing.T) {
	store := newFakeNotificationStore()
	hub := fanout.NewHub(store, 20, time.Second, time.Minute, zap.NewNop())
	ctx := context.Background()

	sub1, err := hub.Subscribe(ctx, "person-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(sub1)
	sub2, err := hub.Subscribe(ctx, "person-2")
	require.NoError(t, err)
	defer hub.Unsubscribe(sub2)

	receiveEvent(t, sub1) // 各自的空回放
	receiveEvent(t, sub2)

	require.NoError(t, hub.Publish(ctx, "person-1", notification("n1", "person-1", time.Now())))

	ev := receiveEvent(t, sub1)
	assert.Equal(t, "n1", ev.Notification.ID)

	select {
	case ev := <-sub2.Events:
		t.Fatalf("unexpected event for person-2: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowSubscriberSkippedNotBlocking(t *testing.T) {
	store := newFakeNotificationStore()
	hub := fanout.NewHub(store, 20, time.Second, time.Minute, zap.NewNop())
	ctx := context.Background()

	slow, err := hub.Subscribe(ctx, "person-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(slow)
	// 不消费 slow 的通道，填满缓冲
	for i := 0; i < 64; i++ {
		require.NoError(t, hub.Publish(ctx, "person-1", notification("flood", "person-1", time.Now())))
	}

	// 推送不会阻塞：再来一条也立即返回
	done := make(chan struct{})
	go func() {
		_ = hub.Publish(ctx, "person-1", notification("after", "person-1", time.Now()))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHub_MarkReadAcksOnlyRequester(t *testing.T) {
	store := newFakeNotificationStore()
	n := notification("n1", "person-1", time.Now())
	store.add(n)

	hub := fanout.NewHub(store, 20, time.Second, time.Minute, zap.NewNop())
	ctx := context.Background()

	requester, err := hub.Subscribe(ctx, "person-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(requester)
	other, err := hub.Subscribe(ctx, "person-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(other)

	receiveEvent(t, requester) // 回放
	receiveEvent(t, other)

	require.NoError(t, hub.MarkRead(ctx, requester, "n1", true))
	assert.True(t, n.Read)

	ack := receiveEvent(t, requester)
	assert.Equal(t, fanout.EventAck, ack.Type)
	assert.Equal(t, "n1", ack.NotificationID)
	assert.True(t, ack.Read)

	select {
	case ev := <-other.Events:
		t.Fatalf("ack leaked to another subscriber: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// 标回未读同样生效
	require.NoError(t, hub.MarkRead(ctx, requester, "n1", false))
	assert.False(t, n.Read)
}

func TestHub_MarkReadUnknownNotification(t *testing.T) {
	store := newFakeNotificationStore()
	hub := fanout.NewHub(store, 20, time.Second, time.Minute, zap.NewNop())

	sub, err := hub.Subscribe(context.Background(), "person-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	err = hub.MarkRead(context.Background(), sub, "missing", true)
	assert.ErrorIs(t, err, repository.ErrNotificationNotFound)
}

func TestHub_PingPong(t *testing.T) {
	store := newFakeNotificationStore()
	hub := fanout.NewHub(store, 20, time.Second, time.Minute, zap.NewNop())

	sub, err := hub.Subscribe(context.Background(), "person-1")
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)
	receiveEvent(t, sub) // 回放

	hub.Ping(sub)
	ev := receiveEvent(t, sub)
	assert.Equal(t, fanout.EventPong, ev.Type)
}

func TestHub_ReaperDropsStaleSubscriber(t *testing.T) {
	store := newFakeNotificationStore()
	hub := fanout.NewHub(store, 20, time.Second, 60*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Start(ctx)

	sub, err := hub.Subscribe(ctx, "person-1")
	require.NoError(t, err)
	receiveEvent(t, sub) // 回放

	require.Equal(t, 1, hub.SubscriberCount("person-1"))

	// 不再发心跳，等回收
	deadline := time.Now().Add(5 * time.Second)
	for hub.SubscriberCount("person-1") > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.Zero(t, hub.SubscriberCount("person-1"))

	// 通道被关闭，订阅方能感知被驱逐
	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed after reap")
	}
}

func TestHub_RequestsAfterReapAreNoOps(t *testing.T) {
	store := newFakeNotificationStore()
	n := notification("n1", "person-1", time.Now())
	store.add(n)

	hub := fanout.NewHub(store, 20, time.Second, 60*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Start(ctx)

	sub, err := hub.Subscribe(ctx, "person-1")
	require.NoError(t, err)
	receiveEvent(t, sub) // 回放

	// 停发心跳直到被回收
	deadline := time.Now().Add(5 * time.Second)
	for hub.SubscriberCount("person-1") > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.Zero(t, hub.SubscriberCount("person-1"))

	// 回收后迟到的心跳/标记请求是空操作，不会向已关闭通道发送
	assert.NotPanics(t, func() {
		hub.Ping(sub)
	})
	assert.NotPanics(t, func() {
		require.NoError(t, hub.MarkRead(ctx, sub, "n1", true))
	})
	assert.True(t, n.Read)
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	store := newFakeNotificationStore()
	hub := fanout.NewHub(store, 20, time.Second, time.Minute, zap.NewNop())

	sub, err := hub.Subscribe(context.Background(), "person-1")
	require.NoError(t, err)

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Zero(t, hub.SubscriberCount("person-1"))
}
