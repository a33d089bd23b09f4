package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CommandHandler 命令队列入口
type CommandHandler struct {
	commandRepo repository.CommandRepository
	log         *zap.Logger
}

// NewCommandHandler 创建命令处理器
func NewCommandHandler(commandRepo repository.CommandRepository, log *zap.Logger) *CommandHandler {
	return &CommandHandler{
		commandRepo: commandRepo,
		log:         log,
	}
}

// submitRequest 命令提交请求体
type submitRequest struct {
	CommandID string                 `json:"command_id"`
	KioskID   string                 `json:"kiosk_id" binding:"required"`
	LockerID  *uint                  `json:"locker_id"`
	Type      string                 `json:"type" binding:"required"`
	Payload   map[string]interface{} `json:"payload"`
}

// Submit 提交命令入队
// command_id是幂等键：重复提交返回已有命令，不产生新的硬件动作
func (h *CommandHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}

	switch models.CommandType(req.Type) {
	case models.CommandTypeOpen, models.CommandTypeBulkOpen,
		models.CommandTypeBlock, models.CommandTypeUnblock:
	default:
		respondInvalid(c, apperrors.Newf(apperrors.ErrInvalidParam, "未知命令类型: %s", req.Type))
		return
	}

	if req.CommandID == "" {
		req.CommandID = uuid.New().String()
	} else if existing, err := h.commandRepo.FindByCommandID(c.Request.Context(), req.CommandID); err == nil {
		respondOK(c, existing)
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, err)
		return
	}

	cmd := &models.Command{
		CommandID: req.CommandID,
		KioskID:   req.KioskID,
		LockerID:  req.LockerID,
		Type:      models.CommandType(req.Type),
		Payload:   req.Payload,
	}
	if err := h.commandRepo.Enqueue(c.Request.Context(), cmd); err != nil {
		h.log.Error("命令入队失败",
			zap.String("command_id", req.CommandID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	respondOK(c, cmd)
}

// Get 查询命令状态
func (h *CommandHandler) Get(c *gin.Context) {
	cmd, err := h.commandRepo.FindByCommandID(c.Request.Context(), c.Param("command_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, apperrors.New(apperrors.ErrNotFound, "命令不存在"))
			return
		}
		respondError(c, err)
		return
	}
	respondOK(c, cmd)
}
