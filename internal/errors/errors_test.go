package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	// 测试基本错误创建
	err := New(ErrConflict)
	suite.NotNil(err)
	suite.Equal(ErrConflict, err.Code)
	suite.Equal("柜格状态已被其他操作修改", err.Message)
	suite.Empty(err.Details)

	// 测试带详情的错误
	err = New(ErrNotFound, "柜格不存在")
	suite.NotNil(err)
	suite.Equal(ErrNotFound, err.Code)
	suite.Equal("资源未找到", err.Message)
	suite.Equal("柜格不存在", err.Details)

	// 测试多个详情
	err = New(ErrSerialTimeout, "写线圈无响应", "柜机: kiosk-1", "单元: 2")
	suite.Equal("写线圈无响应; 柜机: kiosk-1; 单元: 2", err.Details)
}

// 测试格式化错误创建
func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrInvalidTransition, "柜格 %d 不允许从 %s 转换", 5, "blocked")
	suite.NotNil(err)
	suite.Equal(ErrInvalidTransition, err.Code)
	suite.Equal("柜格 5 不允许从 blocked 转换", err.Details)
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	// 包装标准错误
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, ErrDatabaseQuery)
	suite.NotNil(wrappedErr)
	suite.Equal(ErrDatabaseQuery, wrappedErr.Code)
	suite.Equal("原始错误", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	// 包装nil错误
	nilErr := Wrap(nil, ErrUnknown)
	suite.Nil(nilErr)

	// 包装已有的AppError
	appErr := New(ErrConflict, "版本不匹配")
	wrappedAppErr := Wrap(appErr, ErrInvalidParam, "额外信息")
	suite.Equal(ErrConflict, wrappedAppErr.Code) // 保留原始错误码
	suite.Contains(wrappedAppErr.Details, "额外信息")
}

// 测试错误码判断
func (suite *ErrorsTestSuite) TestIs() {
	err := New(ErrOfflineTarget)
	suite.True(Is(err, ErrOfflineTarget))
	suite.False(Is(err, ErrHardware))
	suite.False(Is(nil, ErrOfflineTarget))

	stdErr := errors.New("标准错误")
	suite.False(Is(stdErr, ErrOfflineTarget))
}

// 测试获取错误码
func (suite *ErrorsTestSuite) TestGetCode() {
	suite.Equal(ErrorCode(0), GetCode(nil))
	suite.Equal(ErrHardware, GetCode(New(ErrHardware)))
	suite.Equal(ErrUnknown, GetCode(errors.New("标准错误")))
}

// 测试可重试判断
func (suite *ErrorsTestSuite) TestIsRetryable() {
	// CAS失败与限流都是本地可恢复的
	suite.True(IsRetryable(New(ErrConflict)))
	suite.True(IsRetryable(New(ErrRateLimited)))
	suite.True(IsRetryable(New(ErrSerialTimeout)))

	// 硬件失败与非法转换是终止性的
	suite.False(IsRetryable(New(ErrHardware)))
	suite.False(IsRetryable(New(ErrInvalidTransition)))
	suite.False(IsRetryable(nil))
}

// 测试终止性错误判断
func (suite *ErrorsTestSuite) TestIsTerminal() {
	suite.True(IsTerminal(New(ErrHardware)))
	suite.True(IsTerminal(New(ErrInvalidTransition)))
	suite.False(IsTerminal(New(ErrConflict)))
	// 柜机离线不是错误，是延迟执行
	suite.False(IsTerminal(New(ErrOfflineTarget)))
}

// 测试HTTP状态码映射
func (suite *ErrorsTestSuite) TestHTTPStatus() {
	suite.Equal(409, New(ErrConflict).HTTPStatus())
	suite.Equal(422, New(ErrInvalidTransition).HTTPStatus())
	suite.Equal(429, New(ErrRateLimited).HTTPStatus())
	suite.Equal(202, New(ErrOfflineTarget).HTTPStatus())
	suite.Equal(401, New(ErrTokenExpired).HTTPStatus())
	suite.Equal(500, New(ErrHardware).HTTPStatus())
}

// 测试用户可见消息
func (suite *ErrorsTestSuite) TestUserMessage() {
	suite.Equal("柜格已被占用", UserMessage(New(ErrConflict)))
	suite.Equal("您已持有其他柜格", UserMessage(New(ErrOwnerLimit)))
	suite.Equal("柜机恢复连接后自动执行", UserMessage(New(ErrOfflineTarget)))
	suite.Equal("操作失败，请联系工作人员", UserMessage(New(ErrHardware)))
	suite.Equal("操作成功", UserMessage(nil))
}

// 测试错误消息格式
func (suite *ErrorsTestSuite) TestError() {
	err := New(ErrHardware)
	suite.Equal("[3006] 硬件执行失败", err.Error())

	err = New(ErrHardware, "重试3次后放弃")
	suite.Equal("[3006] 硬件执行失败: 重试3次后放弃", err.Error())
}

// 测试Unwrap
func (suite *ErrorsTestSuite) TestUnwrap() {
	originalErr := errors.New("底层错误")
	wrappedErr := Wrap(originalErr, ErrSerialPortWrite)
	suite.Equal(originalErr, errors.Unwrap(wrappedErr))
}

// TestErrorsTestSuite 运行测试套件
func TestErrorsTestSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
