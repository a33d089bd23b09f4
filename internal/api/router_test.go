package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	"github.com/mredag/eformLockerRoom-sub004/internal/heartbeat"
	"github.com/mredag/eformLockerRoom-sub004/internal/locker"
	"github.com/mredag/eformLockerRoom-sub004/internal/middleware"
	"github.com/mredag/eformLockerRoom-sub004/internal/modbus"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"github.com/mredag/eformLockerRoom-sub004/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	router   *Router
	db       *gorm.DB
	cfg      *config.Config
	driver   *modbus.MockDriver
	service  *locker.Service
	commands repository.CommandRepository
}

func newTestEnv(t *testing.T) *testEnv {
	db := repository.SetupTestDB()
	t.Cleanup(func() { repository.CleanupTestDB(db) })

	cfg := &config.Config{}
	cfg.Server.Mode = "test"
	cfg.WebSocket.Path = "/ws"
	cfg.WebSocket.EventBufferSize = 256
	cfg.Locker = config.LockerConfig{
		ReserveTTL:          90 * time.Second,
		SweepInterval:       5 * time.Second,
		MaxHardwareFailures: 3,
	}
	cfg.Heartbeat = config.HeartbeatConfig{
		Interval:         10 * time.Second,
		OfflineThreshold: 30 * time.Second,
		SweepInterval:    5 * time.Second,
	}
	cfg.Session = config.SessionConfig{
		Timeout:       30 * time.Second,
		SweepInterval: time.Minute,
	}
	cfg.Security.RateLimit = config.RateLimitConfig{
		Enabled:       true,
		PerCardPerMin: 600,
		PerIPPerMin:   600,
		Burst:         100,
	}
	cfg.Security.JWT = config.JWTConfig{Secret: "test-secret", ExpireHours: 1}

	hub := websocket.NewHub(zap.NewNop(), cfg.WebSocket.EventBufferSize)

	driver := modbus.NewMockDriver()
	driver.Connect()

	lockerRepo := repository.NewLockerRepository(db)
	commandRepo := repository.NewCommandRepository(db)
	kioskRepo := repository.NewKioskRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)

	service := locker.NewService(&cfg.Locker, lockerRepo, commandRepo, auditRepo, hub)
	sessions := locker.NewSessionManager(&cfg.Session, hub)
	tracker := heartbeat.NewTracker(&cfg.Heartbeat, kioskRepo, auditRepo, hub)

	router := NewRouter(cfg, &Deps{
		DB:       db,
		Driver:   driver,
		Service:  service,
		Sessions: sessions,
		Tracker:  tracker,
		Hub:      hub,
		Commands: commandRepo,
		Kiosks:   kioskRepo,
	}, zap.NewNop())

	return &testEnv{
		router:   router,
		db:       db,
		cfg:      cfg,
		driver:   driver,
		service:  service,
		commands: commandRepo,
	}
}

// deliverOpenResult 模拟分发器送达最旧待执行命令的开门成功结果
func (e *testEnv) deliverOpenResult(t *testing.T, kioskID string) {
	cmd, err := e.commands.NextPending(context.Background(), kioskID)
	require.NoError(t, err)
	require.NoError(t, e.commands.MarkSucceeded(context.Background(), cmd.ID, "ok"))
	require.NoError(t, e.service.HandleOpenSuccess(context.Background(), cmd))
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.GetEngine().ServeHTTP(w, req)
	return w
}

func (e *testEnv) staffHeaders(t *testing.T) map[string]string {
	token, err := middleware.IssueStaffToken(&e.cfg.Security.JWT, "tester", "staff")
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var resp struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success, w.Body.String())
	return resp.Data
}

func TestAPI_HealthCheck(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	// 串口线通过无副作用的读探测
	assert.Contains(t, w.Body.String(), `"serial":"ok"`)
	assert.Contains(t, env.driver.Operations()[0], "read")

	// 总线不通时降级但服务仍然可用
	require.NoError(t, env.driver.Disconnect())
	w = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
	assert.Contains(t, w.Body.String(), `"serial":"error"`)
}

func TestAPI_HeartbeatReportsPendingCommands(t *testing.T) {
	env := newTestEnv(t)

	commandRepo := repository.NewCommandRepository(env.db)
	cmd := repository.CreateTestCommand("kiosk-001", 1, models.CommandTypeOpen)
	require.NoError(t, commandRepo.Enqueue(context.Background(), cmd))

	w := env.do(t, http.MethodPost, "/api/v1/heartbeat", map[string]interface{}{
		"kiosk_id": "kiosk-001",
		"zone":     "A",
		"cpu":      12.5,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	assert.Equal(t, float64(1), data["pending_commands"])

	// 心跳即注册
	w = env.do(t, http.MethodGet, "/api/v1/kiosks", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kiosk-001")
}

func TestAPI_ScanSelectConfirmReleaseFlow(t *testing.T) {
	env := newTestEnv(t)
	repository.SeedTestLockers(t, env.db, "kiosk-001", 4)

	// 刷卡开启选柜会话
	w := env.do(t, http.MethodPost, "/api/v1/scan", map[string]string{
		"kiosk_id": "kiosk-001",
		"card_id":  "card-A",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	assert.Equal(t, "select", data["action"])
	sessionID, _ := data["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Len(t, data["lockers"], 4)

	// 选定2号柜格预定
	w = env.do(t, http.MethodPost, "/api/v1/lockers/kiosk-001/2/reserve", map[string]string{
		"card_id":    "card-A",
		"session_id": sessionID,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 确认，触发开门命令
	w = env.do(t, http.MethodPost, "/api/v1/lockers/kiosk-001/2/confirm", map[string]string{
		"card_id":    "card-A",
		"session_id": sessionID,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data = decodeData(t, w)
	assert.NotEmpty(t, data["command_id"])

	// 开门结果返回前重复刷卡只提示等待
	w = env.do(t, http.MethodPost, "/api/v1/scan", map[string]string{
		"kiosk_id": "kiosk-001",
		"card_id":  "card-A",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data = decodeData(t, w)
	assert.Equal(t, "opening", data["action"])

	// 存物脉冲完成，柜格回到Owned
	env.deliverOpenResult(t, "kiosk-001")

	// 再次刷卡即取物释放
	w = env.do(t, http.MethodPost, "/api/v1/scan", map[string]string{
		"kiosk_id": "kiosk-001",
		"card_id":  "card-A",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data = decodeData(t, w)
	assert.Equal(t, "release", data["action"])
	assert.Equal(t, float64(2), data["locker_id"])

	// 取物脉冲完成后柜格释放，再刷卡开启的是新会话
	env.deliverOpenResult(t, "kiosk-001")

	w = env.do(t, http.MethodPost, "/api/v1/scan", map[string]string{
		"kiosk_id": "kiosk-001",
		"card_id":  "card-A",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data = decodeData(t, w)
	assert.Equal(t, "select", data["action"])
	assert.Len(t, data["lockers"], 4)
}

func TestAPI_ReserveRejectsWrongSession(t *testing.T) {
	env := newTestEnv(t)
	repository.SeedTestLockers(t, env.db, "kiosk-001", 2)

	w := env.do(t, http.MethodPost, "/api/v1/lockers/kiosk-001/1/reserve", map[string]string{
		"card_id":    "card-A",
		"session_id": "bogus",
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_StaffEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)
	repository.SeedTestLockers(t, env.db, "kiosk-001", 2)

	// 无令牌被拒
	w := env.do(t, http.MethodPost, "/api/v1/lockers/kiosk-001/1/block", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 带令牌成功
	w = env.do(t, http.MethodPost, "/api/v1/lockers/kiosk-001/1/block", nil, env.staffHeaders(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 锁定的柜格不能预定
	w = env.do(t, http.MethodPost, "/api/v1/lockers/kiosk-001/1/reserve", map[string]string{
		"card_id": "card-A",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/lockers/kiosk-001/1/unblock", nil, env.staffHeaders(t))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_OpenAll(t *testing.T) {
	env := newTestEnv(t)
	repository.SeedTestLockers(t, env.db, "kiosk-001", 3)

	// 先占两格
	for i := 1; i <= 2; i++ {
		w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/lockers/kiosk-001/%d/reserve", i), map[string]string{
			"card_id": fmt.Sprintf("card-%d", i),
		}, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := env.do(t, http.MethodPost, "/api/v1/kiosks/kiosk-001/open-all", nil, env.staffHeaders(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	data := decodeData(t, w)
	assert.Equal(t, float64(2), data["released"])
	assert.NotEmpty(t, data["command_id"])
}

func TestAPI_CommandSubmitIdempotent(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]interface{}{
		"command_id": "cmd-123",
		"kiosk_id":   "kiosk-001",
		"locker_id":  5,
		"type":       "open",
	}

	w := env.do(t, http.MethodPost, "/api/v1/commands", body, env.staffHeaders(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 重复提交返回已有命令，不会重复入队
	w = env.do(t, http.MethodPost, "/api/v1/commands", body, env.staffHeaders(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	count, err := repository.NewCommandRepository(env.db).CountPending(context.Background(), "kiosk-001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// 状态查询
	w = env.do(t, http.MethodGet, "/api/v1/commands/cmd-123", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pending")
}

func TestAPI_EventsPull(t *testing.T) {
	env := newTestEnv(t)
	repository.SeedTestLockers(t, env.db, "kiosk-001", 2)

	// 预定产生state_update事件
	w := env.do(t, http.MethodPost, "/api/v1/lockers/kiosk-001/1/reserve", map[string]string{
		"card_id": "card-A",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/events?after=0", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	events, ok := data["events"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, events)
	assert.Equal(t, false, data["truncated"])

	// 按last_seq增量拉取应为空
	lastSeq := data["last_seq"].(float64)
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/events?after=%.0f", lastSeq), nil, nil)
	data = decodeData(t, w)
	assert.Empty(t, data["events"])
}

func TestAPI_UnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
