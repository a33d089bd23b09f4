package api

import (
	"github.com/gin-gonic/gin"
	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	"github.com/mredag/eformLockerRoom-sub004/internal/heartbeat"
	"github.com/mredag/eformLockerRoom-sub004/internal/locker"
	"github.com/mredag/eformLockerRoom-sub004/internal/middleware"
	"github.com/mredag/eformLockerRoom-sub004/internal/modbus"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"github.com/mredag/eformLockerRoom-sub004/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Router API路由器
type Router struct {
	engine *gin.Engine
	cfg    *config.Config
	db     *gorm.DB
	driver modbus.Driver

	kioskHandler   *KioskHandler
	lockerHandler  *LockerHandler
	commandHandler *CommandHandler
	wsHandler      *WSHandler

	limiter *middleware.RateLimiter
	log     *zap.Logger
}

// Deps 路由器依赖
type Deps struct {
	DB       *gorm.DB
	Driver   modbus.Driver
	Service  *locker.Service
	Sessions *locker.SessionManager
	Tracker  *heartbeat.Tracker
	Hub      *websocket.Hub
	Commands repository.CommandRepository
	Kiosks   repository.KioskRepository
}

// NewRouter 创建路由器
func NewRouter(cfg *config.Config, deps *Deps, log *zap.Logger) *Router {
	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	limiter := middleware.NewRateLimiter(&cfg.Security.RateLimit)

	r := &Router{
		engine:         engine,
		cfg:            cfg,
		db:             deps.DB,
		driver:         deps.Driver,
		kioskHandler:   NewKioskHandler(&cfg.Heartbeat, deps.Tracker, deps.Kiosks, deps.Commands, log),
		lockerHandler:  NewLockerHandler(deps.Service, deps.Sessions, limiter, log),
		commandHandler: NewCommandHandler(deps.Commands, log),
		wsHandler:      NewWSHandler(&cfg.WebSocket, deps.Hub, log),
		limiter:        limiter,
		log:            log,
	}

	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)

	v1 := r.engine.Group("/api/v1")
	{
		// 柜机侧
		v1.POST("/heartbeat", r.kioskHandler.Heartbeat)
		v1.GET("/kiosks", r.kioskHandler.ListKiosks)

		// 持卡人流程（IP维度限流，卡号维度在处理器里检查）
		card := v1.Group("")
		card.Use(r.limiter.PerIP())
		{
			card.POST("/scan", r.lockerHandler.Scan)
			card.POST("/lockers/:kiosk_id/:locker_id/reserve", r.lockerHandler.Reserve)
			card.POST("/lockers/:kiosk_id/:locker_id/confirm", r.lockerHandler.Confirm)
			card.POST("/lockers/:kiosk_id/:locker_id/release", r.lockerHandler.Release)
		}

		v1.GET("/lockers/:kiosk_id", r.lockerHandler.List)

		// 工作人员操作
		staff := v1.Group("")
		staff.Use(middleware.StaffAuth(&r.cfg.Security.JWT))
		{
			staff.POST("/lockers/:kiosk_id/:locker_id/block", r.lockerHandler.Block)
			staff.POST("/lockers/:kiosk_id/:locker_id/unblock", r.lockerHandler.Unblock)
			staff.POST("/lockers/:kiosk_id/:locker_id/recover", r.lockerHandler.Recover)
			staff.POST("/lockers/:kiosk_id/:locker_id/force-release", r.lockerHandler.ForceRelease)
			staff.POST("/kiosks/:kiosk_id/open-all", r.lockerHandler.OpenAll)
			staff.POST("/commands", r.commandHandler.Submit)
		}

		v1.GET("/commands/:command_id", r.commandHandler.Get)
		v1.GET("/events", r.wsHandler.Events)
	}

	r.engine.GET(r.cfg.WebSocket.Path, r.wsHandler.Serve)

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{
			"success": false,
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
// 串口线用读保持寄存器探测，不产生继电器动作
func (r *Router) healthCheck(c *gin.Context) {
	sqlDB, err := r.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(503, gin.H{
			"status":  "unhealthy",
			"message": "数据库连接失败",
		})
		return
	}

	status := "healthy"
	serial := "ok"
	if r.driver != nil {
		if err := r.driver.Ping(c.Request.Context(), 1); err != nil {
			status = "degraded"
			serial = "error"
			r.log.Warn("继电器总线探测失败", zap.Error(err))
		}
	} else {
		serial = "disabled"
	}

	c.JSON(200, gin.H{
		"status":     status,
		"serial":     serial,
		"ws_clients": r.wsHandler.hub.GetOnlineCount(),
	})
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
