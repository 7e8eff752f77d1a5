package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "wisefido-maintenance/internal/common/config"
)

// Config wisefido-maintenance 服务配置
type Config struct {
	HTTP struct {
		Addr string
	}
	// DBEnabled=false 时使用内存存储（本地开发）
	DBEnabled bool
	Database  commoncfg.DatabaseConfig
	Redis     commoncfg.RedisConfig

	Maintenance MaintenanceConfig
	Features    FeaturesConfig
	Scheduler   SchedulerConfig
	Prediction  PredictionConfig
	Alerting    AlertingConfig
	Feedback    FeedbackConfig

	AssetRegistry struct {
		URL     string        // 为空时使用 Postgres 资产只读模型
		Timeout time.Duration // 请求超时
	}

	Log struct {
		Level  string
		Format string
	}
}

// MaintenanceConfig 评估周期配置
type MaintenanceConfig struct {
	CycleInterval time.Duration // 周期间隔，默认 15 分钟
	CycleTimeout  time.Duration // 单个周期超时，超时后剩余资产跳过
	Workers       int           // 并发评估资产数
	Tenants       []string      // 周期评估的租户列表（逗号分隔）
	LockTTL       time.Duration // dedup_key 分布式锁 TTL
}

// FeaturesConfig 特征提取配置
type FeaturesConfig struct {
	DefaultLookback      time.Duration
	LookbackBySensorType map[string]time.Duration // 如 "vibration=72h,temperature=168h"
	MinReadings          int
	QualityThreshold     float64 // 低于该质量分的读数打 low_quality 标记
	BaselineLength       int     // 异常分数基线读数条数
}

// SchedulerConfig 规则调度配置
type SchedulerConfig struct {
	DefaultDebounce int           // 条件规则未配置 debounce 时的默认值
	OverdueGrace    time.Duration // 超期超过该时长发布 rule_overdue 告警
	StateKeyPrefix  string        // 超期告警去重状态键前缀
}

// PredictionConfig 故障预测配置
type PredictionConfig struct {
	MinFailureLabels      int     // 少于该数量的故障标签时退化为仅异常评分
	LowConfidenceCeiling  float64 // 退化模式置信度上限
	DisagreementTolerance float64 // 异常检测与分类器分歧超过该值时降低置信度
	TargetAccuracy        float64 // 产品宣称准确率，作为完整模型置信度上限
	Horizon               time.Duration
	LeadTime              time.Duration // 当前概率已超过阈值时的预测故障提前量
	HistoryLimit          int           // 每资产保留的预测历史条数
	MinPredictionRisk     string        // 生成 prediction 维护需求的最低风险等级
	CorrelationWindow     time.Duration // 规则与预测同时触发的关联窗口
	TrainingIterations    int
	LearningRate          float64
	L2                    float64
}

// AlertingConfig 告警发布配置
type AlertingConfig struct {
	StreamKey    string
	StreamMaxLen int64
	SuppressTTL  time.Duration

	KafkaEnabled bool
	Kafka        commoncfg.KafkaConfig
	MQTTEnabled  bool
	MQTT         commoncfg.MQTTConfig
	MQTTTopic    string
	NATSEnabled  bool
	NATS         commoncfg.NATSConfig
}

// FeedbackConfig 反馈与再训练配置
type FeedbackConfig struct {
	Interval               time.Duration
	RetrainInterval        time.Duration
	RetrainGrowthThreshold int
	CheckpointKeyPrefix    string
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	// 评估周期
	cfg.Maintenance.CycleInterval = parseDuration(getEnv("CYCLE_INTERVAL", "15m"), 15*time.Minute)
	cfg.Maintenance.CycleTimeout = parseDuration(getEnv("CYCLE_TIMEOUT", "5m"), 5*time.Minute)
	cfg.Maintenance.Workers = parseInt(getEnv("CYCLE_WORKERS", "8"), 8)
	cfg.Maintenance.Tenants = splitList(getEnv("MAINTENANCE_TENANTS", ""))
	cfg.Maintenance.LockTTL = parseDuration(getEnv("DEDUP_LOCK_TTL", "30s"), 30*time.Second)

	// 特征提取
	cfg.Features.DefaultLookback = parseDuration(getEnv("FEATURE_LOOKBACK", "720h"), 30*24*time.Hour)
	cfg.Features.LookbackBySensorType = parseDurationMap(getEnv("FEATURE_LOOKBACK_BY_TYPE", ""))
	cfg.Features.MinReadings = parseInt(getEnv("FEATURE_MIN_READINGS", "10"), 10)
	cfg.Features.QualityThreshold = parseFloat(getEnv("READING_QUALITY_THRESHOLD", "0.5"), 0.5)
	cfg.Features.BaselineLength = parseInt(getEnv("FEATURE_BASELINE_LENGTH", "50"), 50)

	// 规则调度
	cfg.Scheduler.DefaultDebounce = parseInt(getEnv("RULE_DEFAULT_DEBOUNCE", "3"), 3)
	cfg.Scheduler.OverdueGrace = parseDuration(getEnv("RULE_OVERDUE_GRACE", "24h"), 24*time.Hour)
	cfg.Scheduler.StateKeyPrefix = getEnv("RULE_STATE_PREFIX", "maintenance:rule:state:")

	// 故障预测
	cfg.Prediction.MinFailureLabels = parseInt(getEnv("PREDICTION_MIN_FAILURE_LABELS", "10"), 10)
	cfg.Prediction.LowConfidenceCeiling = parseFloat(getEnv("PREDICTION_LOW_CONFIDENCE_CEILING", "0.4"), 0.4)
	cfg.Prediction.DisagreementTolerance = parseFloat(getEnv("PREDICTION_DISAGREEMENT_TOLERANCE", "0.5"), 0.5)
	cfg.Prediction.TargetAccuracy = parseFloat(getEnv("PREDICTION_TARGET_ACCURACY", "0.87"), 0.87)
	cfg.Prediction.Horizon = parseDuration(getEnv("PREDICTION_HORIZON", "720h"), 30*24*time.Hour)
	cfg.Prediction.LeadTime = parseDuration(getEnv("PREDICTION_LEAD_TIME", "72h"), 72*time.Hour)
	cfg.Prediction.HistoryLimit = parseInt(getEnv("PREDICTION_HISTORY_LIMIT", "30"), 30)
	cfg.Prediction.MinPredictionRisk = getEnv("PREDICTION_MIN_RISK", "high")
	cfg.Prediction.CorrelationWindow = parseDuration(getEnv("PREDICTION_CORRELATION_WINDOW", "72h"), 72*time.Hour)
	cfg.Prediction.TrainingIterations = parseInt(getEnv("TRAINING_ITERATIONS", "500"), 500)
	cfg.Prediction.LearningRate = parseFloat(getEnv("TRAINING_LEARNING_RATE", "0.1"), 0.1)
	cfg.Prediction.L2 = parseFloat(getEnv("TRAINING_L2", "0.01"), 0.01)

	// 告警
	cfg.Alerting.StreamKey = getEnv("ALERT_STREAM", "maintenance:alerts")
	cfg.Alerting.StreamMaxLen = int64(parseInt(getEnv("ALERT_STREAM_MAXLEN", "10000"), 10000))
	cfg.Alerting.SuppressTTL = parseDuration(getEnv("ALERT_SUPPRESS_TTL", "168h"), 7*24*time.Hour)
	cfg.Alerting.KafkaEnabled = getEnv("KAFKA_ENABLED", "false") == "true"
	cfg.Alerting.Kafka.Topic = "maintenance-alerts"
	cfg.Alerting.Kafka.LoadFromEnv("KAFKA")
	cfg.Alerting.MQTTEnabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.Alerting.MQTT.Broker = "tcp://localhost:1883"
	cfg.Alerting.MQTT.ClientID = "wisefido-maintenance"
	cfg.Alerting.MQTT.QoS = 1
	cfg.Alerting.MQTT.LoadFromEnv("MQTT")
	cfg.Alerting.MQTTTopic = getEnv("MQTT_ALERT_TOPIC", "wisefido/maintenance/alerts")
	cfg.Alerting.NATSEnabled = getEnv("NATS_ENABLED", "false") == "true"
	cfg.Alerting.NATS.URL = "nats://localhost:4222"
	cfg.Alerting.NATS.Subject = "maintenance.alerts"
	cfg.Alerting.NATS.LoadFromEnv("NATS")

	// 反馈
	cfg.Feedback.Interval = parseDuration(getEnv("FEEDBACK_INTERVAL", "1h"), time.Hour)
	cfg.Feedback.RetrainInterval = parseDuration(getEnv("RETRAIN_INTERVAL", "24h"), 24*time.Hour)
	cfg.Feedback.RetrainGrowthThreshold = parseInt(getEnv("RETRAIN_GROWTH_THRESHOLD", "20"), 20)
	cfg.Feedback.CheckpointKeyPrefix = getEnv("FEEDBACK_CHECKPOINT_PREFIX", "maintenance:feedback:checkpoint:")

	cfg.AssetRegistry.URL = getEnv("ASSET_REGISTRY_URL", "")
	cfg.AssetRegistry.Timeout = parseDuration(getEnv("ASSET_REGISTRY_TIMEOUT", "5s"), 5*time.Second)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// LookbackFor 传感器类型对应的回看窗口
func (c FeaturesConfig) LookbackFor(sensorType string) time.Duration {
	if d, ok := c.LookbackBySensorType[sensorType]; ok && d > 0 {
		return d
	}
	return c.DefaultLookback
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDurationMap 解析 "type=dur,type=dur"，无效项忽略
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	for _, pair := range splitList(s) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil || d <= 0 {
			continue
		}
		out[strings.TrimSpace(k)] = d
	}
	return out
}
