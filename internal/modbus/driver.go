package modbus

import (
	"context"
	"sync"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	apperrors "github.com/mredag/eformLockerRoom-sub004/internal/errors"
	"github.com/mredag/eformLockerRoom-sub004/internal/logger"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// Driver 继电器总线驱动接口
// 同一条RS485总线上同时只能有一帧在途，实现必须串行化
type Driver interface {
	Connect() error
	Disconnect() error
	IsConnected() bool

	// WriteCoil 写单个线圈
	WriteCoil(ctx context.Context, unit byte, coil uint16, on bool) error
	// ReadHolding 读保持寄存器，用作无副作用的探活
	ReadHolding(ctx context.Context, unit byte, addr uint16, count uint16) ([]uint16, error)
	// PulseCoil 通电-保持-断电，驱动电磁锁开门
	// 无论通电结果如何都会尝试断电，避免继电器悬挂在通电态
	PulseCoil(ctx context.Context, unit byte, coil uint16, width time.Duration) error
	// Ping 探测继电器板是否在线
	Ping(ctx context.Context, unit byte) error
}

// serialDriver 串口驱动实现
type serialDriver struct {
	cfg       *config.SerialConfig
	port      *serial.Port
	connected bool
	mu        sync.Mutex // 保证总线上单帧在途
	logger    *zap.Logger
}

// NewSerialDriver 创建串口驱动
func NewSerialDriver(cfg *config.SerialConfig) Driver {
	return &serialDriver{
		cfg:    cfg,
		logger: logger.GetLogger(),
	}
}

// Connect 打开串口
func (d *serialDriver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return nil
	}

	// 9600 8N1
	port, err := serial.OpenPort(&serial.Config{
		Name:        d.cfg.Port,
		Baud:        d.cfg.BaudRate,
		ReadTimeout: d.cfg.ReadTimeout,
	})
	if err != nil {
		d.logger.Error("打开串口失败",
			zap.String("port", d.cfg.Port),
			zap.Error(err))
		return apperrors.Wrap(err, apperrors.ErrSerialPortOpen)
	}

	d.port = port
	d.connected = true

	d.logger.Info("串口连接成功",
		zap.String("port", d.cfg.Port),
		zap.Int("baud_rate", d.cfg.BaudRate))

	return nil
}

// Disconnect 关闭串口
func (d *serialDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	if d.port != nil {
		if err := d.port.Close(); err != nil {
			d.logger.Error("关闭串口失败", zap.Error(err))
			return err
		}
	}

	d.connected = false
	d.port = nil
	d.logger.Info("串口已断开")
	return nil
}

// IsConnected 检查连接状态
func (d *serialDriver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// WriteCoil 写单个线圈
func (d *serialDriver) WriteCoil(ctx context.Context, unit byte, coil uint16, on bool) error {
	request := BuildWriteCoil(unit, coil, on)

	response, err := d.transact(ctx, request, FrameSize)
	if err != nil {
		return err
	}
	return ParseWriteCoilResponse(request, response)
}

// ReadHolding 读保持寄存器
func (d *serialDriver) ReadHolding(ctx context.Context, unit byte, addr uint16, count uint16) ([]uint16, error) {
	request := BuildReadHolding(unit, addr, count)

	response, err := d.transact(ctx, request, 5+int(count)*2)
	if err != nil {
		return nil, err
	}
	return ParseReadHoldingResponse(unit, response)
}

// PulseCoil 脉冲驱动线圈
func (d *serialDriver) PulseCoil(ctx context.Context, unit byte, coil uint16, width time.Duration) error {
	onErr := d.WriteCoil(ctx, unit, coil, true)

	if onErr == nil {
		select {
		case <-time.After(width):
		case <-ctx.Done():
			// 已经通电，取消也必须走到断电
		}
	}

	// 断电必须执行，且不受上层取消影响
	offErr := d.WriteCoil(context.WithoutCancel(ctx), unit, coil, false)

	if onErr != nil {
		return onErr
	}
	if offErr != nil {
		d.logger.Error("线圈断电失败，继电器可能悬挂在通电态",
			zap.Uint8("unit", unit),
			zap.Uint16("coil", coil),
			zap.Error(offErr))
		return offErr
	}
	return nil
}

// Ping 探测继电器板
func (d *serialDriver) Ping(ctx context.Context, unit byte) error {
	_, err := d.ReadHolding(ctx, unit, 0, 1)
	return err
}

// transact 发送请求帧并读取定长响应
// 持锁期间完成一次完整的请求-响应往返，写失败按配置重试
func (d *serialDriver) transact(ctx context.Context, request []byte, responseLen int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected || d.port == nil {
		return nil, apperrors.New(apperrors.ErrSerialPortOpen, "串口未连接")
	}

	retries := d.cfg.RetryTimes
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCanceled)
		}

		if attempt > 0 {
			time.Sleep(d.cfg.RetryInterval)
		}

		logger.LogSerialFrame("tx", request, nil)

		if _, err := d.port.Write(request); err != nil {
			lastErr = apperrors.Wrap(err, apperrors.ErrSerialPortWrite)
			continue
		}

		response, err := d.readFrame(responseLen)
		if err != nil {
			lastErr = err
			continue
		}

		logger.LogSerialFrame("rx", response, nil)
		return response, nil
	}

	logger.LogSerialFrame("tx", request, lastErr)
	return nil, lastErr
}

// readFrame 读取定长响应帧
// tarm/serial的ReadTimeout作用于单次Read，这里累计读取直到
// 凑满帧长或超时为止
func (d *serialDriver) readFrame(length int) ([]byte, error) {
	buf := make([]byte, length)
	deadline := time.Now().Add(d.cfg.ReadTimeout)
	read := 0

	for read < length {
		if time.Now().After(deadline) {
			return nil, apperrors.Newf(apperrors.ErrSerialTimeout,
				"读取响应超时 (%d/%d 字节)", read, length)
		}

		n, err := d.port.Read(buf[read:])
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrSerialPortRead)
		}
		if n == 0 {
			// ReadTimeout到期且无数据
			return nil, apperrors.Newf(apperrors.ErrSerialTimeout,
				"读取响应超时 (%d/%d 字节)", read, length)
		}
		read += n
	}

	return buf, nil
}
