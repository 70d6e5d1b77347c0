package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sshcollectorpro/cling/api/router"
	"github.com/sshcollectorpro/cling/internal/config"
	"github.com/sshcollectorpro/cling/internal/database"
	"github.com/sshcollectorpro/cling/internal/service"
	"github.com/sshcollectorpro/cling/pkg/logger"
	"github.com/sshcollectorpro/cling/simulate"
)

func main() {
	configPath := "configs/config.yaml"
	if p := strings.TrimSpace(os.Getenv("CLING_CONFIG")); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("version", "1.0.0").Info("Starting cling server")
	if prof := strings.TrimSpace(cfg.Reactor.ConcurrencyProfile); prof != "" {
		logger.Infof("Concurrency profile %s applied: %d workers", prof, cfg.Reactor.Workers)
	} else {
		logger.Infof("Concurrency set by numeric value: %d workers", cfg.Reactor.Workers)
	}

	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	runService := service.NewRunService(cfg)
	ctx, stopAll := context.WithCancel(context.Background())
	defer stopAll()
	if err := runService.Start(ctx); err != nil {
		logger.Fatalf("Failed to start run service: %v", err)
	}
	defer runService.Stop()

	sim := &simulator{path: cfg.Simulate.ConfigPath}
	if cfg.Simulate.Enable {
		sim.start()
	}
	defer sim.stop()

	r := router.SetupRouter(runService, cfg.Server.Mode)
	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		logger.Infof("Server listening on %s (mode %s)", server.Addr, cfg.Server.Mode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 配置热更新：日志级别、并发与会话默认值即时生效，模拟器按开关启停
	go watchFile(ctx, configPath, func() {
		newCfg, err := config.Load(configPath)
		if err != nil {
			logger.Warnf("Config reload failed: %v", err)
			return
		}
		// 原地覆盖，保持指针不变
		*cfg = *newCfg
		_ = logger.Init(cfg.Log)
		logger.Info("Config reloaded")

		sim.setPath(cfg.Simulate.ConfigPath)
		switch {
		case cfg.Simulate.Enable && !sim.running():
			sim.start()
		case !cfg.Simulate.Enable && sim.running():
			sim.stop()
		}
	})
	if cfg.Simulate.ConfigPath != "" {
		go watchFile(ctx, cfg.Simulate.ConfigPath, func() {
			if sim.running() {
				sim.stop()
				sim.start()
			}
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	} else {
		logger.Info("Server shutdown complete")
	}
}

// watchFile 文件变更后去抖 300ms 再回调
func watchFile(ctx context.Context, path string, onChange func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("Watch init failed for %s: %v", path, err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.Warnf("Watch add failed for %s: %v", path, err)
		return
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, onChange)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Watch error for %s: %v", path, err)
		}
	}
}

// simulator 可按配置启停的模拟设备服务
type simulator struct {
	mu   sync.Mutex
	path string
	srv  *simulate.Server
}

func (s *simulator) setPath(path string) {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
}

func (s *simulator) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

func (s *simulator) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return
	}
	sc, err := simulate.LoadConfig(s.path)
	if err != nil {
		logger.Warnf("Simulate: failed to load %s: %v", s.path, err)
		return
	}
	srv, err := simulate.Start(sc)
	if err != nil {
		logger.Warnf("Simulate: failed to start: %v", err)
		return
	}
	s.srv = srv
	logger.Infof("Simulate: %d device(s) on %s", len(sc.Devices), srv.Addr())
}

func (s *simulator) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		s.srv.Stop()
		s.srv = nil
	}
}
