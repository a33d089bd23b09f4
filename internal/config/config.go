package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Locker    LockerConfig    `mapstructure:"locker"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Session   SessionConfig   `mapstructure:"session"`
	Security  SecurityConfig  `mapstructure:"security"`
	Log       LogConfig       `mapstructure:"log"`
	System    SystemConfig    `mapstructure:"system"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Path              string        `mapstructure:"path"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	EventBufferSize   int           `mapstructure:"event_buffer_size"`
	EnableCompression bool          `mapstructure:"enable_compression"`
}

// SerialConfig 串口配置
type SerialConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MockMode      bool          `mapstructure:"mock_mode"` // 调试模式（使用模拟驱动）
	Port          string        `mapstructure:"port"`
	BaudRate      int           `mapstructure:"baud_rate"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	RetryTimes    int           `mapstructure:"retry_times"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	PulseWidth    time.Duration `mapstructure:"pulse_width"` // 继电器脉冲宽度
}

// LockerConfig 柜格业务配置
type LockerConfig struct {
	ReserveTTL          time.Duration `mapstructure:"reserve_ttl"`           // 预定保留时长
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`        // 过期预定扫描间隔
	ReleaseInterval     time.Duration `mapstructure:"release_interval"`      // 整点批量释放间隔
	MaxHardwareFailures int           `mapstructure:"max_hardware_failures"` // 进入error前的连续硬件失败次数
}

// HeartbeatConfig 心跳配置
type HeartbeatConfig struct {
	Interval         time.Duration `mapstructure:"interval"`          // 柜机上报间隔
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"` // 判定离线阈值
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`    // 离线检测扫描间隔
}

// DispatchConfig 命令分发配置
type DispatchConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`    // 队列轮询间隔
	MinCommandGap  time.Duration `mapstructure:"min_command_gap"`  // 同一串口线上两条命令的最小间隔
	MaxRetries     int           `mapstructure:"max_retries"`      // 最大重试次数
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`    // 重试退避基数
	CommandTimeout time.Duration `mapstructure:"command_timeout"`  // 单条命令执行超时
}

// SessionConfig 刷卡会话配置
type SessionConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`        // 会话超时（倒计时）
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 过期会话清理间隔
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	JWT       JWTConfig       `mapstructure:"jwt"`
}

// RateLimitConfig 限流配置（预定与会话的准入检查）
type RateLimitConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	PerCardPerMin float64 `mapstructure:"per_card_per_min"`
	PerIPPerMin   float64 `mapstructure:"per_ip_per_min"`
	Burst         int     `mapstructure:"burst"`
}

// JWTConfig 工作人员令牌配置
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("LOCKERD")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 如果配置文件不存在，使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				err = nil
			} else {
				return
			}
		}

		// 解析配置到结构体
		cfg = &Config{}
		err = v.Unmarshal(cfg)
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/lockerd.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// WebSocket默认配置
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.event_buffer_size", 512)
	v.SetDefault("websocket.enable_compression", false)

	// 串口默认配置（Modbus RTU, 9600 8N1）
	v.SetDefault("serial.enabled", true)
	v.SetDefault("serial.mock_mode", false)
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.read_timeout", "1s")
	v.SetDefault("serial.retry_times", 2)
	v.SetDefault("serial.retry_interval", "100ms")
	v.SetDefault("serial.pulse_width", "500ms")

	// 柜格业务默认配置
	v.SetDefault("locker.reserve_ttl", "90s")
	v.SetDefault("locker.sweep_interval", "5s")
	v.SetDefault("locker.release_interval", "24h")
	v.SetDefault("locker.max_hardware_failures", 3)

	// 心跳默认配置
	v.SetDefault("heartbeat.interval", "10s")
	v.SetDefault("heartbeat.offline_threshold", "30s")
	v.SetDefault("heartbeat.sweep_interval", "5s")

	// 命令分发默认配置
	v.SetDefault("dispatch.poll_interval", "500ms")
	v.SetDefault("dispatch.min_command_gap", "300ms")
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_backoff", "200ms")
	v.SetDefault("dispatch.command_timeout", "5s")

	// 刷卡会话默认配置
	v.SetDefault("session.timeout", "30s")
	v.SetDefault("session.sweep_interval", "10s")

	// 限流默认配置
	v.SetDefault("security.rate_limit.enabled", true)
	v.SetDefault("security.rate_limit.per_card_per_min", 30)
	v.SetDefault("security.rate_limit.per_ip_per_min", 60)
	v.SetDefault("security.rate_limit.burst", 10)
	v.SetDefault("security.jwt.expire_hours", 12)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "lockerd.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}

// Set 动态设置配置值
func Set(key string, value interface{}) {
	v.Set(key, value)
}
