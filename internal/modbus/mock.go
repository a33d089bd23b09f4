package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
)

// MockDriver 模拟驱动
// 没有硬件的环境（开发机、CI）用它代替串口驱动，
// 记录收到的操作并维护线圈状态供断言
type MockDriver struct {
	mu        sync.Mutex
	connected bool
	coils     map[string]bool
	ops       []string

	// FailWrites 大于0时接下来的N次写线圈失败
	FailWrites int
	// Latency 每次操作的模拟耗时
	Latency time.Duration
}

// NewMockDriver 创建模拟驱动
func NewMockDriver() *MockDriver {
	return &MockDriver{
		coils: make(map[string]bool),
	}
}

func coilKey(unit byte, coil uint16) string {
	return fmt.Sprintf("%d/%d", unit, coil)
}

// Connect 模拟连接
func (m *MockDriver) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect 模拟断开
func (m *MockDriver) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected 连接状态
func (m *MockDriver) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// WriteCoil 写线圈
func (m *MockDriver) WriteCoil(ctx context.Context, unit byte, coil uint16, on bool) error {
	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return apperrors.New(apperrors.ErrSerialPortOpen, "串口未连接")
	}

	m.ops = append(m.ops, fmt.Sprintf("write %s %v", coilKey(unit, coil), on))

	if m.FailWrites > 0 {
		m.FailWrites--
		return apperrors.New(apperrors.ErrSerialTimeout, "模拟写入失败")
	}

	m.coils[coilKey(unit, coil)] = on
	return nil
}

// ReadHolding 读保持寄存器，固定返回零值
func (m *MockDriver) ReadHolding(ctx context.Context, unit byte, addr uint16, count uint16) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, apperrors.New(apperrors.ErrSerialPortOpen, "串口未连接")
	}

	m.ops = append(m.ops, fmt.Sprintf("read %d/%d x%d", unit, addr, count))
	return make([]uint16, count), nil
}

// PulseCoil 脉冲驱动线圈
func (m *MockDriver) PulseCoil(ctx context.Context, unit byte, coil uint16, width time.Duration) error {
	onErr := m.WriteCoil(ctx, unit, coil, true)

	// 断电总是执行
	offErr := m.WriteCoil(ctx, unit, coil, false)

	if onErr != nil {
		return onErr
	}
	return offErr
}

// Ping 探测继电器板
func (m *MockDriver) Ping(ctx context.Context, unit byte) error {
	_, err := m.ReadHolding(ctx, unit, 0, 1)
	return err
}

// CoilState 查询线圈状态
func (m *MockDriver) CoilState(unit byte, coil uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coils[coilKey(unit, coil)]
}

// Operations 返回已记录的操作序列
func (m *MockDriver) Operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]string, len(m.ops))
	copy(ops, m.ops)
	return ops
}

// Reset 清空记录
func (m *MockDriver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = nil
	m.coils = make(map[string]bool)
	m.FailWrites = 0
}
