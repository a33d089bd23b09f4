package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/api"
	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	"github.com/mredag/eformLockerRoom-sub004/internal/database"
	"github.com/mredag/eformLockerRoom-sub004/internal/errors"
	"github.com/mredag/eformLockerRoom-sub004/internal/heartbeat"
	"github.com/mredag/eformLockerRoom-sub004/internal/locker"
	"github.com/mredag/eformLockerRoom-sub004/internal/logger"
	"github.com/mredag/eformLockerRoom-sub004/internal/modbus"
	"github.com/mredag/eformLockerRoom-sub004/internal/queue"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"github.com/mredag/eformLockerRoom-sub004/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	driver     modbus.Driver
	hub        *websocket.Hub
	tracker    *heartbeat.Tracker
	dispatcher *queue.Dispatcher
	scheduler  *locker.Scheduler
	httpServer *http.Server

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	setupSystem(&cfg.System)

	server := NewServer(cfg)

	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动储物柜编排服务...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	if err := s.initDatabase(); err != nil {
		return err
	}

	if err := s.initDriver(); err != nil {
		return err
	}

	db := database.GetDB()
	lockerRepo := repository.NewLockerRepository(db)
	commandRepo := repository.NewCommandRepository(db)
	kioskRepo := repository.NewKioskRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)

	s.hub = websocket.NewHub(s.logger, s.cfg.WebSocket.EventBufferSize)

	service := locker.NewService(&s.cfg.Locker, lockerRepo, commandRepo, auditRepo, s.hub)
	sessions := locker.NewSessionManager(&s.cfg.Session, s.hub)

	s.tracker = heartbeat.NewTracker(&s.cfg.Heartbeat, kioskRepo, auditRepo, s.hub)
	s.dispatcher = queue.NewDispatcher(&s.cfg.Dispatch, &s.cfg.Serial,
		commandRepo, s.driver, s.tracker, service)
	s.scheduler = locker.NewScheduler(&s.cfg.Locker, service, kioskRepo, scheduleRepo)

	// 柜机恢复在线立即补发积压命令
	s.tracker.OnOnline(s.dispatcher.Wake)

	// 上次运行悬挂的命令退回队列
	if err := s.dispatcher.Recover(s.ctx); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseUpdate, "恢复命令队列失败")
	}

	router := api.NewRouter(s.cfg, &api.Deps{
		DB:       db,
		Driver:   s.driver,
		Service:  service,
		Sessions: sessions,
		Tracker:  s.tracker,
		Hub:      s.hub,
		Commands: commandRepo,
		Kiosks:   kioskRepo,
	}, s.logger)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.startServices()

	config.Watch(func(newCfg *config.Config) {
		s.cfg = newCfg
		s.logger.Info("配置已重新加载")
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", s.httpServer.Addr),
		zap.String("websocket", s.cfg.WebSocket.Path),
		zap.Bool("mock_hardware", s.cfg.Serial.MockMode))

	return nil
}

// initDatabase 初始化数据库
func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}

	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	if !database.IsConnected() {
		return errors.New(errors.ErrDatabaseConnect, "数据库连接检查失败")
	}

	return nil
}

// initDriver 初始化继电器总线驱动
// mock_mode下换模拟驱动，开发机和CI不依赖硬件
func (s *Server) initDriver() error {
	if s.cfg.Serial.MockMode || !s.cfg.Serial.Enabled {
		s.logger.Warn("使用模拟硬件驱动")
		mock := modbus.NewMockDriver()
		mock.Connect()
		s.driver = mock
		return nil
	}

	s.driver = modbus.NewSerialDriver(&s.cfg.Serial)
	if err := s.driver.Connect(); err != nil {
		return errors.Wrap(err, errors.ErrSerialPortOpen, "打开串口失败")
	}

	s.logger.Info("串口驱动就绪",
		zap.String("port", s.cfg.Serial.Port),
		zap.Int("baud_rate", s.cfg.Serial.BaudRate))
	return nil
}

// startServices 启动后台服务
func (s *Server) startServices() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tracker.Run()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scheduler.Run()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务异常退出", zap.Error(err))
		}
	}()
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))

	close(s.shutdownCh)
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接收新请求
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP服务关闭超时", zap.Error(err))
	}

	// 停止后台服务；分发器会等在途命令完成
	s.tracker.Stop()
	s.scheduler.Stop()
	s.dispatcher.Stop()
	s.cancel()

	// 关闭硬件与数据库
	if s.driver != nil {
		if err := s.driver.Disconnect(); err != nil {
			s.logger.Error("关闭串口失败", zap.Error(err))
		}
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}

	return nil
}

// setupSystem 设置系统参数
func setupSystem(cfg *config.SystemConfig) {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}

	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}

	// 放开文件描述符限制（Unix系统）
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err == nil {
		rLimit.Cur = rLimit.Max
		syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	}
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("储物柜编排服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("储物柜编排服务")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  lockerd [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  LOCKERD_SERVER_MODE    运行模式 (development/production)")
	fmt.Println("  LOCKERD_DATABASE_DSN   数据库连接串")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  lockerd -config=/path/to/config.yaml")
	fmt.Println("  lockerd -version")
}
