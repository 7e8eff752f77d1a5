package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-maintenance/internal/aggregator"
	"wisefido-maintenance/internal/alerting"
	"wisefido-maintenance/internal/assets"
	"wisefido-maintenance/internal/common/database"
	commonmqtt "wisefido-maintenance/internal/common/mqtt"
	commonredis "wisefido-maintenance/internal/common/redis"
	"wisefido-maintenance/internal/config"
	"wisefido-maintenance/internal/features"
	"wisefido-maintenance/internal/feedback"
	"wisefido-maintenance/internal/models"
	"wisefido-maintenance/internal/orchestrator"
	"wisefido-maintenance/internal/prediction"
	"wisefido-maintenance/internal/repository"
	"wisefido-maintenance/internal/scheduler"
	"wisefido-maintenance/internal/state"
	"wisefido-maintenance/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// stores 各仓储接口的具体实现
type stores struct {
	readings    repository.ReadingsRepository
	meters      repository.MetersRepository
	rules       repository.RulesRepository
	workOrders  repository.WorkOrdersRepository
	predictions repository.PredictionsRepository
	training    repository.TrainingRepository
	assets      repository.AssetsRepository
}

func postgresStores(db *sql.DB, logger *zap.Logger) stores {
	return stores{
		readings:    repository.NewPostgresReadingsRepository(db, logger),
		meters:      repository.NewPostgresMetersRepository(db, logger),
		rules:       repository.NewPostgresRulesRepository(db, logger),
		workOrders:  repository.NewPostgresWorkOrdersRepository(db, logger),
		predictions: repository.NewPostgresPredictionsRepository(db, logger),
		training:    repository.NewPostgresTrainingRepository(db, logger),
		assets:      repository.NewPostgresAssetsRepository(db),
	}
}

func memoryStores(m *repository.MemoryStore) stores {
	return stores{
		readings:    m,
		meters:      m,
		rules:       m,
		workOrders:  m,
		predictions: m,
		training:    m,
		assets:      m,
	}
}

// New 根据配置创建服务
// DB_ENABLED=false 时使用内存存储；Redis 不可用时锁、告警去重和反馈检查点退化为进程内实现
func New(cfg *config.Config, logger *zap.Logger) (*MaintenanceService, error) {
	var closers []func() error

	// 1. 存储
	var st stores
	if cfg.DBEnabled {
		dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := database.NewPostgresDB(dbCtx, &cfg.Database)
		dbCancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		closers = append(closers, func() error { return database.Close(db) })
		st = postgresStores(db, logger)
		logger.Info("Using PostgreSQL store", zap.String("host", cfg.Database.Host), zap.String("database", cfg.Database.Database))
	} else {
		st = memoryStores(repository.NewMemoryStore())
		logger.Warn("DB disabled, using in-memory store")
	}

	// 2. Redis（可选）
	redisClient := commonredis.NewRedisClient(&cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err := commonredis.Ping(pingCtx, redisClient)
	cancel()
	if err != nil {
		logger.Warn("Redis unavailable, falling back to in-process state",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
		_ = redisClient.Close()
		redisClient = nil
	} else {
		closers = append(closers, redisClient.Close)
	}

	c, hub, sinkClosers := buildComponents(cfg, st, redisClient, logger)
	closers = append(closers, sinkClosers...)

	svc := NewMaintenanceService(c, Config{
		CycleInterval:    cfg.Maintenance.CycleInterval,
		CycleTimeout:     cfg.Maintenance.CycleTimeout,
		Workers:          cfg.Maintenance.Workers,
		Tenants:          cfg.Maintenance.Tenants,
		QualityThreshold: cfg.Features.QualityThreshold,
		FeedbackInterval: cfg.Feedback.Interval,
	}, logger)
	svc.hub = hub
	for _, fn := range closers {
		svc.addCloser(fn)
	}
	return svc, nil
}

// buildComponents 组装各层组件；redisClient 为 nil 时使用进程内实现
func buildComponents(cfg *config.Config, st stores, redisClient *redis.Client, logger *zap.Logger) (Components, *alerting.Hub, []func() error) {
	var closers []func() error

	// 资产台账
	assetRepo := st.assets
	if cfg.AssetRegistry.URL != "" {
		assetRepo = assets.NewHTTPRegistry(cfg.AssetRegistry.URL, cfg.AssetRegistry.Timeout, st.assets, logger)
		logger.Info("Using asset registry", zap.String("url", cfg.AssetRegistry.URL))
	}

	tel := telemetry.NewAdapter(st.readings, telemetry.DefaultRetryConfig(), logger)

	extractor := features.NewExtractor(tel, features.Config{
		DefaultLookback:      cfg.Features.DefaultLookback,
		LookbackBySensorType: cfg.Features.LookbackBySensorType,
		MinReadings:          cfg.Features.MinReadings,
		BaselineLength:       cfg.Features.BaselineLength,
	}, logger)

	sched := scheduler.NewScheduler(st.rules, st.meters, tel, scheduler.Config{
		DefaultDebounce: cfg.Scheduler.DefaultDebounce,
		OverdueGrace:    cfg.Scheduler.OverdueGrace,
	}, logger)

	registry := prediction.NewRegistry(st.training, prediction.TrainingConfig{
		MinFailureLabels: cfg.Prediction.MinFailureLabels,
		Iterations:       cfg.Prediction.TrainingIterations,
		LearningRate:     cfg.Prediction.LearningRate,
		L2:               cfg.Prediction.L2,
	}, logger)

	predictor := prediction.NewPredictor(registry, st.predictions, prediction.Config{
		MinFailureLabels:      cfg.Prediction.MinFailureLabels,
		LowConfidenceCeiling:  cfg.Prediction.LowConfidenceCeiling,
		DisagreementTolerance: cfg.Prediction.DisagreementTolerance,
		TargetAccuracy:        cfg.Prediction.TargetAccuracy,
		Horizon:               cfg.Prediction.Horizon,
		LeadTime:              cfg.Prediction.LeadTime,
		HistoryLimit:          cfg.Prediction.HistoryLimit,
	}, logger)

	agg := aggregator.NewAggregator(aggregator.Config{
		MinPredictionRisk: models.RiskLevel(cfg.Prediction.MinPredictionRisk),
		CorrelationWindow: cfg.Prediction.CorrelationWindow,
	})

	// 告警
	hub := alerting.NewHub(logger)
	var marker alerting.Marker
	var checkpoints feedback.CheckpointStore
	var locker orchestrator.Locker
	if redisClient != nil {
		marker = state.NewStateManager(redisClient, cfg.Scheduler.StateKeyPrefix, logger)
		checkpoints = state.NewStateManager(redisClient, cfg.Feedback.CheckpointKeyPrefix, logger)
		locker = orchestrator.NewRedisLocker(redisClient, cfg.Maintenance.LockTTL, logger)
	} else {
		marker = alerting.NewMemoryMarker(cfg.Scheduler.StateKeyPrefix)
		checkpoints = feedback.NewMemoryCheckpoints()
		locker = orchestrator.NewKeyedMutex()
	}

	publisher := alerting.NewPublisher(marker, cfg.Alerting.SuppressTTL, logger, hub)
	if redisClient != nil {
		publisher.AddSink(alerting.NewStreamSink(redisClient, cfg.Alerting.StreamKey, cfg.Alerting.StreamMaxLen))
	}
	if cfg.Alerting.KafkaEnabled && len(cfg.Alerting.Kafka.Brokers) > 0 {
		writer := alerting.NewKafkaWriter(cfg.Alerting.Kafka.Brokers, cfg.Alerting.Kafka.Topic)
		publisher.AddSink(alerting.NewKafkaSink(writer))
		closers = append(closers, writer.Close)
	}
	if cfg.Alerting.MQTTEnabled {
		mqttClient, err := commonmqtt.NewClient(&cfg.Alerting.MQTT)
		if err != nil {
			logger.Warn("MQTT alert sink disabled", zap.Error(err))
		} else {
			publisher.AddSink(alerting.NewMQTTSink(mqttClient, cfg.Alerting.MQTTTopic))
			closers = append(closers, func() error { mqttClient.Disconnect(); return nil })
		}
	}
	if cfg.Alerting.NATSEnabled {
		nc, err := alerting.ConnectNATS(cfg.Alerting.NATS, logger)
		if err != nil {
			logger.Warn("NATS alert sink disabled", zap.Error(err))
		} else {
			publisher.AddSink(alerting.NewNATSSink(nc, cfg.Alerting.NATS.Subject))
			closers = append(closers, func() error { nc.Close(); return nil })
		}
	}
	logger.Info("Alert sinks configured", zap.Strings("sinks", publisher.Sinks()))

	orch := orchestrator.NewOrchestrator(st.workOrders, locker, publisher, logger)

	loop := feedback.NewLoop(st.workOrders, st.predictions, st.training, registry, checkpoints, feedback.Config{
		RetrainInterval:        cfg.Feedback.RetrainInterval,
		RetrainGrowthThreshold: cfg.Feedback.RetrainGrowthThreshold,
	}, logger)

	return Components{
		Assets:       assetRepo,
		Meters:       st.meters,
		Rules:        st.rules,
		WorkOrders:   st.workOrders,
		Predictions:  st.predictions,
		Telemetry:    tel,
		Extractor:    extractor,
		Scheduler:    sched,
		Predictor:    predictor,
		Aggregator:   agg,
		Orchestrator: orch,
		Alerts:       publisher,
		Feedback:     loop,
	}, hub, closers
}
