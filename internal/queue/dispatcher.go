package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mredag/eformLockerRoom-sub004/internal/config"
	"github.com/mredag/eformLockerRoom-sub004/internal/logger"
	"github.com/mredag/eformLockerRoom-sub004/internal/modbus"
	"github.com/mredag/eformLockerRoom-sub004/internal/models"
	"github.com/mredag/eformLockerRoom-sub004/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ResultHandler 命令终态回调
// 由状态机实现：成功推进柜格状态，重试耗尽驱动柜格进Error
type ResultHandler interface {
	HandleOpenSuccess(ctx context.Context, cmd *models.Command) error
	HandleOpenFailure(ctx context.Context, cmd *models.Command, cause error) error
}

// Liveness 柜机在线查询
type Liveness interface {
	IsOnline(ctx context.Context, kioskID string) bool
}

// Dispatcher 命令分发器
// 每台有积压的柜机一个工作协程，按入队顺序串行下发；
// 离线柜机的命令一直保持pending，上线后按原顺序补发
type Dispatcher struct {
	cfg         *config.DispatchConfig
	serialCfg   *config.SerialConfig
	commandRepo repository.CommandRepository
	driver      modbus.Driver
	liveness    Liveness
	handler     ResultHandler
	logger      *zap.Logger

	// 正在运行的柜机工作协程
	workers   map[string]struct{}
	workersMu sync.Mutex

	// 串口总线单写者：全局串行化并保证最小命令间隔
	busMu  sync.Mutex
	lastTx time.Time

	stopCtx  context.Context
	stopFunc context.CancelFunc
	wg       sync.WaitGroup
}

// NewDispatcher 创建分发器
func NewDispatcher(
	cfg *config.DispatchConfig,
	serialCfg *config.SerialConfig,
	commandRepo repository.CommandRepository,
	driver modbus.Driver,
	liveness Liveness,
	handler ResultHandler,
) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:         cfg,
		serialCfg:   serialCfg,
		commandRepo: commandRepo,
		driver:      driver,
		liveness:    liveness,
		handler:     handler,
		logger:      logger.GetLogger(),
		workers:     make(map[string]struct{}),
		stopCtx:     ctx,
		stopFunc:    cancel,
	}
}

// Recover 进程重启后的恢复
// 悬挂在dispatched的命令退回pending；命令自带幂等键，
// 重复投递不会二次脉冲继电器
func (d *Dispatcher) Recover(ctx context.Context) error {
	n, err := d.commandRepo.RequeueDispatched(ctx, "")
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Info("恢复悬挂命令", zap.Int64("count", n))
	}
	return nil
}

// Run 运行分发循环
func (d *Dispatcher) Run() {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("命令分发器启动",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Duration("min_command_gap", d.cfg.MinCommandGap),
		zap.Int("max_retries", d.cfg.MaxRetries))

	for {
		select {
		case <-d.stopCtx.Done():
			return
		case <-ticker.C:
			d.poll()
		}
	}
}

// Stop 停止分发并等待在途命令完成
func (d *Dispatcher) Stop() {
	d.stopFunc()
	d.wg.Wait()
}

// Wake 柜机上线时立即拉起它的工作协程
func (d *Dispatcher) Wake(kioskID string) {
	d.startWorker(kioskID)
}

// poll 扫描有积压的柜机并确保各自的工作协程在跑
func (d *Dispatcher) poll() {
	kiosks, err := d.commandRepo.PendingKiosks(d.stopCtx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logger.Error("查询积压柜机失败", zap.Error(err))
		}
		return
	}

	for _, kioskID := range kiosks {
		d.startWorker(kioskID)
	}
}

// startWorker 启动柜机工作协程（已在跑则跳过）
func (d *Dispatcher) startWorker(kioskID string) {
	d.workersMu.Lock()
	if _, running := d.workers[kioskID]; running {
		d.workersMu.Unlock()
		return
	}
	d.workers[kioskID] = struct{}{}
	d.workersMu.Unlock()

	d.wg.Add(1)
	go func() {
		defer func() {
			d.workersMu.Lock()
			delete(d.workers, kioskID)
			d.workersMu.Unlock()
			d.wg.Done()
		}()
		d.drain(kioskID)
	}()
}

// drain 按入队顺序下发柜机的积压命令，清空后退出
func (d *Dispatcher) drain(kioskID string) {
	for {
		if d.stopCtx.Err() != nil {
			return
		}

		cmd, err := d.commandRepo.NextPending(d.stopCtx, kioskID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, context.Canceled) {
				d.logger.Error("读取待下发命令失败",
					zap.String("kiosk_id", kioskID),
					zap.Error(err))
			}
			return
		}

		// 离线柜机不下发，命令保持pending等上线
		if !d.liveness.IsOnline(d.stopCtx, kioskID) {
			return
		}

		d.dispatch(cmd)
	}
}

// dispatch 下发一条命令并登记结果
func (d *Dispatcher) dispatch(cmd *models.Command) {
	ctx, cancel := context.WithTimeout(d.stopCtx, d.cfg.CommandTimeout)
	defer cancel()

	if err := d.commandRepo.MarkDispatched(ctx, cmd.ID); err != nil {
		d.logger.Error("标记命令下发失败",
			zap.String("command_id", cmd.CommandID),
			zap.Error(err))
		return
	}

	err := d.execute(ctx, cmd)
	if err == nil {
		if e := d.commandRepo.MarkSucceeded(ctx, cmd.ID, "ok"); e != nil {
			d.logger.Error("标记命令成功失败", zap.String("command_id", cmd.CommandID), zap.Error(e))
		}
		logger.LogCommand(cmd.CommandID, cmd.KioskID, string(cmd.Type), string(models.CommandStatusSucceeded), nil)

		if e := d.handler.HandleOpenSuccess(context.WithoutCancel(ctx), cmd); e != nil {
			d.logger.Error("处理命令成功回调失败",
				zap.String("command_id", cmd.CommandID),
				zap.Error(e))
		}
		return
	}

	// 失败：未达上限退回pending重试，否则终态failed
	if cmd.RetryCount < d.cfg.MaxRetries {
		d.logger.Warn("命令执行失败，等待重试",
			zap.String("command_id", cmd.CommandID),
			zap.String("kiosk_id", cmd.KioskID),
			zap.Int("retry_count", cmd.RetryCount+1),
			zap.Error(err))

		if e := d.commandRepo.IncrementRetry(context.WithoutCancel(ctx), cmd.ID); e != nil {
			d.logger.Error("回退命令重试失败", zap.String("command_id", cmd.CommandID), zap.Error(e))
			return
		}
		// 退避后由drain循环重新取出
		backoff := d.cfg.RetryBackoff * time.Duration(cmd.RetryCount+1)
		select {
		case <-time.After(backoff):
		case <-d.stopCtx.Done():
		}
		return
	}

	message := err.Error()
	if e := d.commandRepo.MarkFailed(context.WithoutCancel(ctx), cmd.ID, message); e != nil {
		d.logger.Error("标记命令失败失败", zap.String("command_id", cmd.CommandID), zap.Error(e))
	}
	logger.LogCommand(cmd.CommandID, cmd.KioskID, string(cmd.Type), string(models.CommandStatusFailed), err)

	if e := d.handler.HandleOpenFailure(context.WithoutCancel(ctx), cmd, err); e != nil {
		d.logger.Error("处理命令失败回调失败",
			zap.String("command_id", cmd.CommandID),
			zap.Error(e))
	}
}

// execute 把命令翻译成总线操作
// 命令ID随调用传递，接收端据此对重复投递判重
func (d *Dispatcher) execute(ctx context.Context, cmd *models.Command) error {
	switch cmd.Type {
	case models.CommandTypeOpen:
		if cmd.LockerID == nil {
			return nil
		}
		return d.pulse(ctx, *cmd.LockerID)

	case models.CommandTypeBulkOpen:
		return d.executeBulkOpen(ctx, cmd)

	case models.CommandTypeBlock, models.CommandTypeUnblock:
		// 纯逻辑命令，没有硬件动作
		return nil

	default:
		d.logger.Warn("未知命令类型",
			zap.String("command_id", cmd.CommandID),
			zap.String("type", string(cmd.Type)))
		return nil
	}
}

// executeBulkOpen 逐个脉冲整机命令携带的柜格
func (d *Dispatcher) executeBulkOpen(ctx context.Context, cmd *models.Command) error {
	raw, ok := cmd.Payload["locker_ids"].([]interface{})
	if !ok {
		return nil
	}

	var lastErr error
	for _, v := range raw {
		// JSON数字反序列化为float64
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if err := d.pulse(ctx, uint(f)); err != nil {
			// 某一格失败不中断其余柜格
			d.logger.Error("整机开柜单格失败",
				zap.String("command_id", cmd.CommandID),
				zap.Uint("locker_id", uint(f)),
				zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// pulse 对柜格执行一次开门脉冲，遵守总线最小命令间隔
func (d *Dispatcher) pulse(ctx context.Context, lockerID uint) error {
	d.busMu.Lock()
	if gap := time.Since(d.lastTx); gap < d.cfg.MinCommandGap {
		time.Sleep(d.cfg.MinCommandGap - gap)
	}
	d.lastTx = time.Now()
	d.busMu.Unlock()

	unit := modbus.UnitForLocker(lockerID)
	coil := modbus.CoilForLocker(lockerID)
	return d.driver.PulseCoil(ctx, unit, coil, d.serialCfg.PulseWidth)
}
