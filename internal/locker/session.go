package locker

import (
	"time"

	"github.com/google/uuid"
	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
	"github.com/mredag/eformLockerRoom-sub004/internal/logger"
	"github.com/mredag/eformLockerRoom-sub004/internal/websocket"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Session 刷卡会话
// 纯内存态，超时即消失，不落库
type Session struct {
	SessionID string    `json:"session_id"`
	KioskID   string    `json:"kiosk_id"`
	CardID    string    `json:"card_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// 显式结束的会话不再广播超时事件
	completed bool
}

// SessionManager 刷卡会话管理
// 每台柜机同时只有一个活跃会话；新卡顶掉旧会话，
// 超时由缓存TTL驱动，OnEvicted负责广播倒计时销毁
type SessionManager struct {
	cfg    *config.SessionConfig
	cache  *gocache.Cache
	hub    *websocket.Hub
	logger *zap.Logger
}

// NewSessionManager 创建会话管理器
func NewSessionManager(cfg *config.SessionConfig, hub *websocket.Hub) *SessionManager {
	m := &SessionManager{
		cfg:    cfg,
		cache:  gocache.New(cfg.Timeout, cfg.SweepInterval),
		hub:    hub,
		logger: logger.GetLogger(),
	}

	m.cache.OnEvicted(func(kioskID string, value interface{}) {
		session, ok := value.(*Session)
		if !ok || session.completed {
			return
		}
		m.logger.Info("会话超时",
			zap.String("kiosk_id", session.KioskID),
			zap.String("session_id", session.SessionID))
		m.publish(session, "expired")
	})

	return m
}

// Start 开始新会话
// 同一柜机已有会话时先广播取消再替换，保证前端倒计时先销毁
func (m *SessionManager) Start(kioskID, cardID string) *Session {
	if existing, ok := m.Get(kioskID); ok {
		existing.completed = true
		m.cache.Delete(kioskID)
		m.logger.Info("新卡顶掉旧会话",
			zap.String("kiosk_id", kioskID),
			zap.String("old_session_id", existing.SessionID),
			zap.String("old_card", existing.CardID))
		m.publish(existing, "cancelled")
	}

	now := time.Now()
	session := &Session{
		SessionID: uuid.New().String(),
		KioskID:   kioskID,
		CardID:    cardID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.Timeout),
	}
	m.cache.Set(kioskID, session, gocache.DefaultExpiration)

	m.publish(session, "started")
	return session
}

// Get 查询柜机当前会话
func (m *SessionManager) Get(kioskID string) (*Session, bool) {
	value, ok := m.cache.Get(kioskID)
	if !ok {
		return nil, false
	}
	session, ok := value.(*Session)
	return session, ok
}

// Validate 校验会话归属
func (m *SessionManager) Validate(kioskID, sessionID string) (*Session, error) {
	session, ok := m.Get(kioskID)
	if !ok {
		return nil, apperrors.New(apperrors.ErrSessionNotFound)
	}
	if session.SessionID != sessionID {
		return nil, apperrors.New(apperrors.ErrSessionExpired)
	}
	return session, nil
}

// Complete 正常结束会话
func (m *SessionManager) Complete(kioskID string) {
	if session, ok := m.Get(kioskID); ok {
		session.completed = true
		m.cache.Delete(kioskID)
		m.publish(session, "completed")
	}
}

// Count 当前活跃会话数
func (m *SessionManager) Count() int {
	return m.cache.ItemCount()
}

func (m *SessionManager) publish(session *Session, phase string) {
	m.hub.PublishEvent(websocket.MessageTypeSessionUpdate, session.KioskID, nil, map[string]interface{}{
		"session_id": session.SessionID,
		"phase":      phase,
		"expires_at": session.ExpiresAt,
	})
}
