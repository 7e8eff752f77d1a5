package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-maintenance/internal/common/logger"
	"wisefido-maintenance/internal/config"
	httpapi "wisefido-maintenance/internal/http"
	"wisefido-maintenance/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-maintenance")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	if len(cfg.Maintenance.Tenants) == 0 {
		log.Warn("MAINTENANCE_TENANTS is empty, periodic evaluation disabled (on-demand API only)")
	}

	// 3. 创建服务
	svc, err := service.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create maintenance service", zap.Error(err))
	}

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)

	// 5. HTTP
	var stream httpapi.AlertStream
	if hub := svc.Hub(); hub != nil {
		stream = hub
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(httpapi.NewMaintenanceHandler(svc, log), stream, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serverErrChan:
		log.Error("HTTP server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	cancel() // 取消上下文，停止周期评估
	if err := svc.Stop(); err != nil {
		log.Error("Maintenance service stop failed", zap.Error(err))
	}
	log.Info("Maintenance service stopped")
}
