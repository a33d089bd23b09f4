package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
	"github.com/mredag/eformLockerRoom-sub004/internal/locker"
	"github.com/mredag/eformLockerRoom-sub004/internal/middleware"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"go.uber.org/zap"
)

// LockerHandler 柜格业务入口
type LockerHandler struct {
	service  *locker.Service
	sessions *locker.SessionManager
	limiter  *middleware.RateLimiter
	log      *zap.Logger
}

// NewLockerHandler 创建柜格处理器
func NewLockerHandler(
	service *locker.Service,
	sessions *locker.SessionManager,
	limiter *middleware.RateLimiter,
	log *zap.Logger,
) *LockerHandler {
	return &LockerHandler{
		service:  service,
		sessions: sessions,
		limiter:  limiter,
		log:      log,
	}
}

// lockerParams 路径参数
func lockerParams(c *gin.Context) (string, uint, bool) {
	kioskID := c.Param("kiosk_id")
	lockerID, err := strconv.ParseUint(c.Param("locker_id"), 10, 32)
	if err != nil || lockerID == 0 {
		respondInvalid(c, apperrors.New(apperrors.ErrInvalidParam, "非法的柜格编号"))
		return "", 0, false
	}
	return kioskID, uint(lockerID), true
}

// List 柜机柜格快照
func (h *LockerHandler) List(c *gin.Context) {
	lockers, err := h.service.GetLockers(c.Request.Context(), c.Param("kiosk_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, lockers)
}

// cardRequest 持卡人请求体
type cardRequest struct {
	CardID    string `json:"card_id" binding:"required"`
	OwnerType string `json:"owner_type"`
	SessionID string `json:"session_id"`
}

func (r *cardRequest) ownerType() models.OwnerType {
	switch models.OwnerType(r.OwnerType) {
	case models.OwnerTypeDevice:
		return models.OwnerTypeDevice
	case models.OwnerTypeVIP:
		return models.OwnerTypeVIP
	default:
		return models.OwnerTypeCard
	}
}

// checkCard 卡号维度的准入检查
func (h *LockerHandler) checkCard(c *gin.Context, cardID string) bool {
	if h.limiter.AllowCard(cardID) {
		return true
	}
	c.JSON(http.StatusTooManyRequests, gin.H{
		"success": false,
		"code":    apperrors.ErrRateLimited,
		"message": "请求过于频繁，请稍后再试",
	})
	return false
}

// validateSession 请求携带会话时校验会话归属
func (h *LockerHandler) validateSession(c *gin.Context, kioskID string, req *cardRequest) bool {
	if req.SessionID == "" {
		return true
	}
	session, err := h.sessions.Validate(kioskID, req.SessionID)
	if err != nil {
		respondError(c, err)
		return false
	}
	if session.CardID != req.CardID {
		respondError(c, apperrors.New(apperrors.ErrPermissionDenied, "会话归属不符"))
		return false
	}
	return true
}

// Reserve 预定指定柜格
func (h *LockerHandler) Reserve(c *gin.Context) {
	kioskID, lockerID, ok := lockerParams(c)
	if !ok {
		return
	}

	var req cardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if !h.checkCard(c, req.CardID) || !h.validateSession(c, kioskID, &req) {
		return
	}

	reserved, err := h.service.Reserve(c.Request.Context(), kioskID, lockerID, req.ownerType(), req.CardID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, reserved)
}

// Confirm 确认预定并开门存物
func (h *LockerHandler) Confirm(c *gin.Context) {
	kioskID, lockerID, ok := lockerParams(c)
	if !ok {
		return
	}

	var req cardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if !h.validateSession(c, kioskID, &req) {
		return
	}

	commandID, err := h.service.Confirm(c.Request.Context(), kioskID, lockerID, req.CardID)
	if err != nil {
		respondError(c, err)
		return
	}

	// 确认完成即结束本次刷卡会话
	if req.SessionID != "" {
		h.sessions.Complete(kioskID)
	}

	respondOK(c, gin.H{"command_id": commandID})
}

// Release 持卡人取物释放
func (h *LockerHandler) Release(c *gin.Context) {
	kioskID, lockerID, ok := lockerParams(c)
	if !ok {
		return
	}

	var req cardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if !h.checkCard(c, req.CardID) {
		return
	}

	commandID, err := h.service.Release(c.Request.Context(), kioskID, lockerID, req.CardID, false)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"command_id": commandID})
}

// Block 工作人员锁定柜格
func (h *LockerHandler) Block(c *gin.Context) {
	kioskID, lockerID, ok := lockerParams(c)
	if !ok {
		return
	}
	if err := h.service.Block(c.Request.Context(), kioskID, lockerID, middleware.StaffActor(c)); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// Unblock 工作人员解锁柜格
func (h *LockerHandler) Unblock(c *gin.Context) {
	kioskID, lockerID, ok := lockerParams(c)
	if !ok {
		return
	}
	if err := h.service.Unblock(c.Request.Context(), kioskID, lockerID, middleware.StaffActor(c)); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// Recover 工作人员恢复故障柜格
func (h *LockerHandler) Recover(c *gin.Context) {
	kioskID, lockerID, ok := lockerParams(c)
	if !ok {
		return
	}
	if err := h.service.RecoverError(c.Request.Context(), kioskID, lockerID, middleware.StaffActor(c)); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// ForceRelease 工作人员强制释放（不触发硬件动作）
func (h *LockerHandler) ForceRelease(c *gin.Context) {
	kioskID, lockerID, ok := lockerParams(c)
	if !ok {
		return
	}
	if err := h.service.ForceRelease(c.Request.Context(), kioskID, lockerID, middleware.StaffActor(c)); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// OpenAll 整机批量开柜释放
func (h *LockerHandler) OpenAll(c *gin.Context) {
	kioskID := c.Param("kiosk_id")

	commandID, released, err := h.service.BulkRelease(c.Request.Context(), kioskID, middleware.StaffActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{
		"command_id": commandID,
		"released":   released,
	})
}

// scanRequest 刷卡请求体
type scanRequest struct {
	KioskID string `json:"kiosk_id" binding:"required"`
	CardID  string `json:"card_id" binding:"required"`
}

// Scan 刷卡入口
// 卡在本柜机持有柜格则直接开门释放；否则开启选柜会话，
// 返回可选柜格清单，后续预定与确认带session_id进行
func (h *LockerHandler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if !h.checkCard(c, req.CardID) {
		return
	}

	owned, err := h.service.OwnedBy(c.Request.Context(), req.CardID)
	if err != nil {
		respondError(c, err)
		return
	}

	for _, l := range owned {
		if l.KioskID != req.KioskID {
			continue
		}
		// 开门命令还在途中时重复刷卡不算错误，提示等待即可
		if l.Status == models.LockerStatusOpening {
			respondOK(c, gin.H{
				"action":    "opening",
				"locker_id": l.LockerID,
			})
			return
		}
		// 再次刷卡即取物
		commandID, err := h.service.Release(c.Request.Context(), req.KioskID, l.LockerID, req.CardID, false)
		if err != nil {
			respondError(c, err)
			return
		}
		h.sessions.Complete(req.KioskID)
		respondOK(c, gin.H{
			"action":     "release",
			"locker_id":  l.LockerID,
			"command_id": commandID,
		})
		return
	}

	// 卡在别的柜机持有柜格时不允许再开新会话
	if len(owned) > 0 {
		respondError(c, apperrors.Newf(apperrors.ErrOwnerLimit,
			"卡在柜机 %s 已持有柜格", owned[0].KioskID))
		return
	}

	session := h.sessions.Start(req.KioskID, req.CardID)
	available, err := h.service.GetLockers(c.Request.Context(), req.KioskID)
	if err != nil {
		respondError(c, err)
		return
	}

	free := make([]*models.Locker, 0, len(available))
	for _, l := range available {
		if l.Status == models.LockerStatusFree && !l.IsVIP {
			free = append(free, l)
		}
	}

	respondOK(c, gin.H{
		"action":     "select",
		"session_id": session.SessionID,
		"expires_at": session.ExpiresAt,
		"lockers":    free,
	})
}
