package consumer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wearable-monitor/internal/config"
	"wearable-monitor/internal/models"
	"wearable-monitor/internal/session"
)

type fakeResolver struct {
	sessions map[string]*models.Session
}

func (f *fakeResolver) GetSessionByDevice(ctx context.Context, deviceID string) (*models.Session, error) {
	s, ok := f.sessions[deviceID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

type fakeIngestor struct {
	mu      sync.Mutex
	singles map[string][]*models.Reading
	batches map[string][][]*models.Reading
}

func newFakeIngestor() *fakeIngestor {
	return &fakeIngestor{
		singles: make(map[string][]*models.Reading),
		batches: make(map[string][][]*models.Reading),
	}
}

func (f *fakeIngestor) Ingest(ctx context.Context, windowID string, reading *models.Reading) (*models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles[windowID] = append(f.singles[windowID], reading)
	return reading, nil
}

func (f *fakeIngestor) IngestBatch(ctx context.Context, windowID string, readings []*models.Reading) ([]*models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[windowID] = append(f.batches[windowID], readings)
	return readings, nil
}

func newTestConsumer(sessions map[string]*models.Session) (*MQTTConsumer, *fakeIngestor) {
	cfg := &config.Config{}
	cfg.MQTT.Topic = "wearable/+/readings"
	ingestor := newFakeIngestor()
	c := NewMQTTConsumer(cfg, nil, &fakeResolver{sessions: sessions}, ingestor, zap.NewNop())
	return c, ingestor
}

func TestHandleMessage_SingleReading(t *testing.T) {
	c, ingestor := newTestConsumer(map[string]*models.Session{
		"d1": {SessionID: "sess_1", PersonID: "person-1", WindowID: "w1", DeviceID: "d1"},
	})

	payload := []byte(`{"heart_rate": 72.5, "accel_x": 0.1, "accel_y": -0.2, "accel_z": 9.8}`)
	require.NoError(t, c.HandleMessage(context.Background(), "wearable/d1/readings", payload))

	require.Len(t, ingestor.singles["w1"], 1)
	r := ingestor.singles["w1"][0]
	require.NotNil(t, r.HeartRate)
	assert.Equal(t, 72.5, *r.HeartRate)
	require.NotNil(t, r.AccelZ)
	assert.Equal(t, 9.8, *r.AccelZ)
	assert.Nil(t, r.GyroX)
}

func TestHandleMessage_BatchPayload(t *testing.T) {
	c, ingestor := newTestConsumer(map[string]*models.Session{
		"d1": {SessionID: "sess_1", PersonID: "person-1", WindowID: "w1", DeviceID: "d1"},
	})

	payload := []byte(`[{"heart_rate": 70}, {"heart_rate": 71}, {"heart_rate": 72}]`)
	require.NoError(t, c.HandleMessage(context.Background(), "wearable/d1/readings", payload))

	require.Len(t, ingestor.batches["w1"], 1)
	assert.Len(t, ingestor.batches["w1"][0], 3)
	assert.Empty(t, ingestor.singles["w1"])
}

func TestHandleMessage_NoSessionDropsSilently(t *testing.T) {
	c, ingestor := newTestConsumer(map[string]*models.Session{})

	payload := []byte(`{"heart_rate": 72}`)
	require.NoError(t, c.HandleMessage(context.Background(), "wearable/unknown/readings", payload))

	assert.Empty(t, ingestor.singles)
	assert.Empty(t, ingestor.batches)
}

func TestHandleMessage_BadTopic(t *testing.T) {
	c, _ := newTestConsumer(map[string]*models.Session{})

	err := c.HandleMessage(context.Background(), "sensor/d1/data", []byte(`{}`))
	assert.Error(t, err)

	err = c.HandleMessage(context.Background(), "wearable//readings", []byte(`{}`))
	assert.Error(t, err)
}

func TestHandleMessage_MalformedPayload(t *testing.T) {
	c, ingestor := newTestConsumer(map[string]*models.Session{
		"d1": {SessionID: "sess_1", PersonID: "person-1", WindowID: "w1", DeviceID: "d1"},
	})

	err := c.HandleMessage(context.Background(), "wearable/d1/readings", []byte(`not-json`))
	assert.Error(t, err)
	assert.Empty(t, ingestor.singles["w1"])
}

func TestDeviceIDFromTopic(t *testing.T) {
	id, err := deviceIDFromTopic("wearable/band-042/readings")
	require.NoError(t, err)
	assert.Equal(t, "band-042", id)

	_, err = deviceIDFromTopic("wearable/band-042/status")
	assert.Error(t, err)
}
