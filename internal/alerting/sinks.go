package alerting

import (
	"context"
	"fmt"
	"time"

	commoncfg "wisefido-maintenance/internal/common/config"
	commonredis "wisefido-maintenance/internal/common/redis"
	"wisefido-maintenance/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// StreamSink 写入 Redis Stream（下游告警服务消费）
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink 创建 Redis Stream sink
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "redis_stream" }

func (s *StreamSink) Send(ctx context.Context, alert models.Alert, _ []byte) error {
	if _, err := commonredis.PublishJSONToStream(ctx, s.client, s.stream, string(alert.Kind), alert, s.maxLen); err != nil {
		return fmt.Errorf("failed to publish alert to stream %s: %w", s.stream, err)
	}
	return nil
}

// KafkaWriter kafka.Writer 的子集
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter 按租户哈希分区的同步 writer
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		Async:        false,
	}
}

// KafkaSink 写入 Kafka topic，key 为 tenant_id
type KafkaSink struct {
	writer KafkaWriter
}

// NewKafkaSink 创建 Kafka sink
func NewKafkaSink(writer KafkaWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, alert models.Alert, payload []byte) error {
	msg := kafka.Message{
		Key:   []byte(alert.TenantID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(alert.TenantID)},
			{Key: "alert_id", Value: []byte(alert.AlertID)},
			{Key: "kind", Value: []byte(alert.Kind)},
		},
		Time: alert.OccurredAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write alert to kafka: %w", err)
	}
	return nil
}

// Close 关闭 writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// MQTTPublisher common/mqtt.Client 的子集
type MQTTPublisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// MQTTSink 发布到 MQTT：<topic>/<tenant_id>/<kind>
type MQTTSink struct {
	client MQTTPublisher
	topic  string
}

// NewMQTTSink 创建 MQTT sink
func NewMQTTSink(client MQTTPublisher, topic string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Send(_ context.Context, alert models.Alert, payload []byte) error {
	topic := fmt.Sprintf("%s/%s/%s", s.topic, alert.TenantID, alert.Kind)
	return s.client.Publish(topic, false, payload)
}

// NATSPublisher nats.Conn 的子集
type NATSPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink 发布到 NATS：<subject>.<tenant_id>.<kind>
type NATSSink struct {
	conn    NATSPublisher
	subject string
}

// NewNATSSink 创建 NATS sink
func NewNATSSink(conn NATSPublisher, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Send(_ context.Context, alert models.Alert, payload []byte) error {
	subject := fmt.Sprintf("%s.%s.%s", s.subject, alert.TenantID, alert.Kind)
	if err := s.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish alert to nats: %w", err)
	}
	return nil
}

// ConnectNATS 连接 NATS（断线自动重连）
func ConnectNATS(cfg commoncfg.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("wisefido-maintenance"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
