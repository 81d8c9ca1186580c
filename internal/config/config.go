package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/crypto"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"DACTP-Chain/internal/lending"
)

// 支持的后端类型。
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverLog      = "log"
	DriverNone     = "none"
)

// Config 描述了 DACTP 节点在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Events    EventsConfig    `yaml:"events" envPrefix:"EVENTS_"`
	Keeper    KeeperConfig    `yaml:"keeper" envPrefix:"KEEPER_"`
	Alerting  AlertingConfig  `yaml:"alerting" envPrefix:"ALERT_"`
	Bootstrap BootstrapConfig `yaml:"bootstrap" envPrefix:"BOOTSTRAP_"`
	Lending   lending.Config  `yaml:"lending"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `yaml:"address" env:"ADDRESS"`
	MetricsAddress string `yaml:"metrics_address" env:"METRICS_ADDRESS"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// LoggingConfig 对应 logger.Config。
type LoggingConfig struct {
	Level   string      `yaml:"level" env:"LEVEL"`
	Format  string      `yaml:"format" env:"FORMAT"`
	Outputs []string    `yaml:"outputs" env:"OUTPUTS" envSeparator:","`
	Audit   AuditConfig `yaml:"audit" envPrefix:"AUDIT_"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	Path       string `yaml:"path" env:"PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

// StorageConfig 选择账本状态后端。
type StorageConfig struct {
	Driver string      `yaml:"driver" env:"DRIVER"`
	MySQL  MySQLConfig `yaml:"mysql" envPrefix:"MYSQL_"`
	Redis  RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数，事件与检查队列共用。
type RabbitMQConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
	Queue    string `yaml:"queue" env:"QUEUE"`
	Prefetch int    `yaml:"prefetch" env:"PREFETCH"`
	Durable  bool   `yaml:"durable" env:"DURABLE"`
}

// EventsConfig 选择领域事件的投递方式。
type EventsConfig struct {
	Driver   string         `yaml:"driver" env:"DRIVER"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
}

// KeeperConfig 控制逾期巡检器。
type KeeperConfig struct {
	Enabled  bool           `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration  `yaml:"interval" env:"INTERVAL"`
	Workers  int            `yaml:"workers" env:"WORKERS"`
	Queue    string         `yaml:"queue" env:"QUEUE"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url" env:"WEBHOOK_URL"`
}

// BootstrapConfig 描述首次启动时的初始化流程。
type BootstrapConfig struct {
	AdminKey    string `yaml:"admin_key" env:"ADMIN_KEY"`
	PoolFunding uint64 `yaml:"pool_funding" env:"POOL_FUNDING"`
}

// Enabled 判断是否配置了管理员私钥。
func (b BootstrapConfig) Enabled() bool {
	return strings.TrimSpace(b.AdminKey) != ""
}

// Default 返回带默认值的配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			MetricsAddress: "",
			MaxBodyBytes:   1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Audit: AuditConfig{
				MaxSizeMB:  100,
				MaxBackups: 7,
				MaxAgeDays: 30,
			},
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			MySQL: MySQLConfig{
				MaxOpenConns:    20,
				MaxIdleConns:    10,
				ConnMaxLifetime: 30 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
			Redis: RedisConfig{Prefix: "dactp:state:"},
		},
		Events: EventsConfig{
			Driver:   DriverLog,
			RabbitMQ: RabbitMQConfig{Exchange: "dactp.events", Durable: true},
		},
		Keeper: KeeperConfig{
			Enabled:  true,
			Interval: time.Minute,
			Workers:  2,
			Queue:    DriverMemory,
			RabbitMQ: RabbitMQConfig{Durable: true, Prefetch: 4},
		},
		Lending: lending.DefaultConfig(),
	}
}

// Load 解析指定路径的 YAML 配置文件，并叠加 DACTP_ 前缀的环境变量。
//
// path 为空时只使用默认值与环境变量。文件内容中的 ${VAR} 会在解析前展开。
func Load(path string) (*Config, error) {
	cfg := Default()
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "DACTP_"}); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	c.Keeper.Queue = strings.ToLower(strings.TrimSpace(c.Keeper.Queue))

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Events.Driver == "" {
		c.Events.Driver = DriverLog
	}
	if c.Keeper.Queue == "" {
		c.Keeper.Queue = DriverMemory
	}
	if c.Keeper.Redis.Address == "" {
		c.Keeper.Redis = c.Storage.Redis
		c.Keeper.Redis.Prefix = ""
	}
	if c.Keeper.RabbitMQ.URL == "" {
		c.Keeper.RabbitMQ.URL = c.Events.RabbitMQ.URL
	}

	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
}

// Validate 校验配置的合法性。
func (c *Config) Validate() error {
	return errors.Join(
		c.Server.Validate(),
		c.Storage.Validate(),
		c.Events.Validate(),
		c.Keeper.Validate(),
		c.Bootstrap.Validate(),
		validateLending(c.Lending),
	)
}

// Validate 校验监听配置。
func (c *ServerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Address, validation.Required),
		validation.Field(&c.MaxBodyBytes, validation.Min(int64(1))),
	)
}

// Validate 校验存储配置。
func (c *StorageConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverMemory, DriverMySQL, DriverRedis)),
	); err != nil {
		return err
	}
	switch c.Driver {
	case DriverMySQL:
		return c.MySQL.Validate()
	case DriverRedis:
		return c.Redis.Validate()
	}
	return nil
}

// Validate 校验 MySQL 连接参数。
func (c *MySQLConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
		validation.Field(&c.MaxIdleConns, validation.Min(0)),
	)
}

// Validate 校验 Redis 连接参数。
func (c *RedisConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Address, validation.Required),
		validation.Field(&c.DB, validation.Min(0)),
	)
}

// Validate 校验 RabbitMQ 连接参数。
func (c *RabbitMQConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required),
		validation.Field(&c.Prefetch, validation.Min(0)),
	)
}

// Validate 校验事件投递配置。
func (c *EventsConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverLog, DriverRabbitMQ, DriverNone)),
	); err != nil {
		return err
	}
	if c.Driver == DriverRabbitMQ {
		return c.RabbitMQ.Validate()
	}
	return nil
}

// Validate 校验巡检器配置。
func (c *KeeperConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.Queue, validation.Required, validation.In(DriverMemory, DriverRedis, DriverRabbitMQ)),
	); err != nil {
		return err
	}
	switch c.Queue {
	case DriverRedis:
		return c.Redis.Validate()
	case DriverRabbitMQ:
		return c.RabbitMQ.Validate()
	}
	return nil
}

// Validate 校验管理员私钥格式，未配置时跳过。
func (c *BootstrapConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AdminKey, validation.By(func(value any) error {
			raw, _ := value.(string)
			if strings.TrimSpace(raw) == "" {
				return nil
			}
			if _, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x")); err != nil {
				return errors.New("must be a hex-encoded secp256k1 private key")
			}
			return nil
		})),
	)
}

func validateLending(c lending.Config) error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.LoanDuration, validation.Required, validation.Min(time.Second), validation.Max(c.MaxLoanDuration)),
		validation.Field(&c.MaxLoanDuration, validation.Required),
		validation.Field(&c.GracePeriod, validation.Min(time.Duration(0))),
		validation.Field(&c.EarlyWindow, validation.Min(time.Duration(0))),
		validation.Field(&c.MinScore, validation.Max(uint32(100))),
		validation.Field(&c.MaxUtilization, validation.Max(uint32(100))),
	)
}
