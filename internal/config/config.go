package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// 可覆盖敏感配置的环境变量。
const (
	EnvConfigPath    = "ESCROW_CONFIG"
	EnvStorageDSN    = "ESCROW_STORAGE_DSN"
	EnvRedisPassword = "ESCROW_REDIS_PASSWORD"
	EnvRabbitMQURL   = "ESCROW_RABBITMQ_URL"
	EnvRPCURL        = "ESCROW_RPC_URL"

	DefaultPath = "configs/escrow.yaml"
)

// Config 描述 escrowd 启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Auth      AuthConfig      `yaml:"auth"`
	Clock     ClockConfig     `yaml:"clock"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Logging   LoggingConfig   `yaml:"logging"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metrics_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig 选择状态存储后端。
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig 控制提交后的事件转发。进程内发布器总是启用。
type EventsConfig struct {
	Retain   int            `yaml:"retain"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	// Emitter 是 EVM 日志中使用的合约地址。
	Emitter string `yaml:"emitter"`
}

// RedisConfig 描述 Redis 连接信息，事件流与 nonce 存储共用。
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// RabbitMQConfig 描述 RabbitMQ 交换机。
type RabbitMQConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Durable  bool   `yaml:"durable"`
}

// AuthConfig 控制请求签名校验。
type AuthConfig struct {
	Mode         string        `yaml:"mode"`
	MaxSkew      time.Duration `yaml:"max_skew"`
	NonceTTL     time.Duration `yaml:"nonce_ttl"`
	NonceStore   string        `yaml:"nonce_store"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// ClockConfig 选择截止时间使用的时钟来源。
type ClockConfig struct {
	Source        string        `yaml:"source"`
	RPCURL        string        `yaml:"rpc_url"`
	Confirmations uint64        `yaml:"confirmations"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// BootstrapConfig 在首次启动时初始化全局配置，已初始化时忽略。
type BootstrapConfig struct {
	Admin      string `yaml:"admin"`
	Arbitrator string `yaml:"arbitrator"`
}

// Enabled 报告是否配置了首次初始化。
func (b BootstrapConfig) Enabled() bool {
	return strings.TrimSpace(b.Arbitrator) != ""
}

// LedgerConfig 描述内置账本的初始账户。
type LedgerConfig struct {
	Genesis []GenesisAccount `yaml:"genesis"`
}

// GenesisAccount 是一个初始代币账户。
type GenesisAccount struct {
	Owner   string `yaml:"owner"`
	Asset   string `yaml:"asset"`
	Balance uint64 `yaml:"balance"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AlertingConfig 配置严重错误的告警投递。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Cooldown   time.Duration `yaml:"cooldown"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 使用环境变量覆盖敏感字段。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvStorageDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := getenv(EnvRedisPassword); v != "" {
		c.Events.Redis.Password = v
	}
	if v := getenv(EnvRabbitMQURL); v != "" {
		c.Events.RabbitMQ.URL = v
	}
	if v := getenv(EnvRPCURL); v != "" {
		c.Clock.RPCURL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" {
		if c.Storage.DSN == "" {
			c.Storage.DSN = "file:" + filepath.Join(baseDir, "data", "escrow.db") + "?_pragma=busy_timeout(5000)"
		} else if path, ok := strings.CutPrefix(c.Storage.DSN, "file:"); ok && !filepath.IsAbs(path) {
			c.Storage.DSN = "file:" + filepath.Join(baseDir, path)
		}
	}

	if c.Events.Retain <= 0 {
		c.Events.Retain = 1024
	}
	if c.Events.Redis.Stream == "" {
		c.Events.Redis.Stream = "escrow:events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "escrow.events"
	}

	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.Mode == "" {
		c.Auth.Mode = "signature"
	}
	if c.Auth.NonceStore == "" {
		c.Auth.NonceStore = "memory"
	}

	c.Clock.Source = strings.ToLower(strings.TrimSpace(c.Clock.Source))
	if c.Clock.Source == "" {
		c.Clock.Source = "system"
	}

	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
	if c.Alerting.Cooldown <= 0 {
		c.Alerting.Cooldown = 5 * time.Minute
	}
}

// Validate 检查取值范围与地址格式。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "mysql", "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn 不能为空 (driver=%s)", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver))
	}

	switch c.Auth.Mode {
	case "signature", "disabled":
	default:
		errs = append(errs, fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode))
	}
	switch c.Auth.NonceStore {
	case "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("auth.nonce_store=redis 需要配置 events.redis.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 nonce 存储: %s", c.Auth.NonceStore))
	}

	switch c.Clock.Source {
	case "system":
	case "chain":
		if c.Clock.RPCURL == "" {
			errs = append(errs, errors.New("clock.source=chain 需要配置 clock.rpc_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的时钟来源: %s", c.Clock.Source))
	}

	if c.Events.Redis.Enabled && c.Events.Redis.Address == "" {
		errs = append(errs, errors.New("events.redis.address 不能为空"))
	}
	if c.Events.RabbitMQ.Enabled && c.Events.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
	}

	checkAddress := func(field, value string, required bool) {
		if value == "" && !required {
			return
		}
		if !common.IsHexAddress(value) {
			errs = append(errs, fmt.Errorf("%s 不是合法地址: %q", field, value))
		}
	}
	checkAddress("events.emitter", c.Events.Emitter, false)
	checkAddress("bootstrap.admin", c.Bootstrap.Admin, false)
	checkAddress("bootstrap.arbitrator", c.Bootstrap.Arbitrator, false)
	for i, acct := range c.Ledger.Genesis {
		checkAddress(fmt.Sprintf("ledger.genesis[%d].owner", i), acct.Owner, true)
		checkAddress(fmt.Sprintf("ledger.genesis[%d].asset", i), acct.Asset, true)
	}
	return errors.Join(errs...)
}

// PathFromEnv 返回 ESCROW_CONFIG 指定的配置路径，未设置时使用默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}
