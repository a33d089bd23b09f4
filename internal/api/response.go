package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
)

// respondOK 成功响应
func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// respondError 错误响应
// 错误码映射HTTP状态，面向终端用户的出口只暴露高层结果
func respondError(c *gin.Context, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.ErrUnknown)
	}

	c.JSON(appErr.HTTPStatus(), gin.H{
		"success": false,
		"code":    appErr.Code,
		"message": appErr.Message,
		"user_message": apperrors.UserMessage(appErr),
	})
}

// respondInvalid 请求参数错误
func respondInvalid(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"code":    apperrors.ErrInvalidParam,
		"message": "无效的参数",
		"details": err.Error(),
	})
}
