package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/state"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []models.Alert
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Send(_ context.Context, alert models.Alert, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, alert)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func testAlert(tenantID string) models.Alert {
	return models.Alert{
		AlertID:    "a-1",
		TenantID:   tenantID,
		AssetID:    "pump-7",
		Kind:       models.AlertRuleOverdue,
		Severity:   models.RiskHigh,
		RuleID:     "r-1",
		Message:    "rule r-1 overdue",
		OccurredAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_FailingSinkDoesNotBlockOthers(t *testing.T) {
	broken := &fakeSink{name: "broken", err: errors.New("broker down")}
	ok := &fakeSink{name: "ok"}
	p := NewPublisher(nil, time.Hour, zap.NewNop(), broken, ok)

	p.Publish(context.Background(), testAlert("tenant-1"))

	assert.Equal(t, 1, ok.count())
	assert.Equal(t, []string{"broken", "ok"}, p.Sinks())
}

func TestPublisher_PublishOnceSuppressesRepeats(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sm := state.NewStateManager(client, "maintenance:state:", zap.NewNop())
	sink := &fakeSink{name: "fake"}
	p := NewPublisher(sm, time.Hour, zap.NewNop(), sink)
	ctx := context.Background()

	assert.True(t, p.PublishOnce(ctx, testAlert("tenant-1"), "r-1", "wo-1"))
	assert.False(t, p.PublishOnce(ctx, testAlert("tenant-1"), "r-1", "wo-1"))
	// 新工单是新的超期事件
	assert.True(t, p.PublishOnce(ctx, testAlert("tenant-1"), "r-1", "wo-2"))
	assert.Equal(t, 2, sink.count())

	mr.FastForward(2 * time.Hour)
	assert.True(t, p.PublishOnce(ctx, testAlert("tenant-1"), "r-1", "wo-1"))
}

func TestMemoryMarker_Expiry(t *testing.T) {
	m := NewMemoryMarker("x:")
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	key := m.Key("tenant-1", "alert", "r-1")
	assert.Equal(t, "x:tenant-1:alert:r-1", key)
	ok, _ := m.MarkOnce(ctx, key, nil, time.Hour)
	assert.True(t, ok)
	ok, _ = m.MarkOnce(ctx, key, nil, time.Hour)
	assert.False(t, ok)

	now = now.Add(61 * time.Minute)
	ok, _ = m.MarkOnce(ctx, key, nil, time.Hour)
	assert.True(t, ok)
}

func TestStreamSink_WritesAlert(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sink := NewStreamSink(client, "maintenance:alerts", 100)
	require.NoError(t, sink.Send(context.Background(), testAlert("tenant-1"), nil))

	msgs, err := client.XRange(context.Background(), "maintenance:alerts", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(models.AlertRuleOverdue), msgs[0].Values["type"])

	var got models.Alert
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got))
	assert.Equal(t, "tenant-1", got.TenantID)
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaSink_KeysByTenant(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := NewKafkaSink(w)
	require.NoError(t, sink.Send(context.Background(), testAlert("tenant-1"), []byte(`{}`)))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "tenant-1", string(w.msgs[0].Key))
	assert.Equal(t, "tenant_id", w.msgs[0].Headers[0].Key)
}

type fakeTopicPublisher struct {
	topics []string
}

func (f *fakeTopicPublisher) Publish(topic string, _ bool, _ []byte) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakeSubjectPublisher struct {
	subjects []string
}

func (f *fakeSubjectPublisher) Publish(subj string, _ []byte) error {
	f.subjects = append(f.subjects, subj)
	return nil
}

func TestMQTTAndNATSSinks_TopicLayout(t *testing.T) {
	mq := &fakeTopicPublisher{}
	require.NoError(t, NewMQTTSink(mq, "wisefido/maintenance/alerts").Send(context.Background(), testAlert("tenant-1"), nil))
	assert.Equal(t, []string{"wisefido/maintenance/alerts/tenant-1/rule_overdue"}, mq.topics)

	nc := &fakeSubjectPublisher{}
	require.NoError(t, NewNATSSink(nc, "maintenance.alerts").Send(context.Background(), testAlert("tenant-1"), nil))
	assert.Equal(t, []string{"maintenance.alerts.tenant-1.rule_overdue"}, nc.subjects)
}

func TestHub_DeliversOnlyToOwnTenant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, r.URL.Query().Get("tenant_id"))
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL+"?tenant_id=tenant-1", nil)
	require.NoError(t, err)
	defer conn1.Close()
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL+"?tenant_id=tenant-2", nil)
	require.NoError(t, err)
	defer conn2.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Send(ctx, testAlert("tenant-1"), nil))

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn1.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		Type    string       `json:"type"`
		Payload models.Alert `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, "tenant-1", msg.Payload.TenantID)

	conn2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn2.ReadMessage()
	assert.Error(t, err)
}
