// ============================================================================
// cellqueue Config - 系統配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 YAML 配置檔，套用 .env 與 CELLQUEUE_* 環境變數覆寫
//
// 載入順序（後者覆寫前者）:
//   1. Default() 內建預設值
//   2. YAML 配置檔（不存在時略過）
//   3. .env 檔（godotenv，只補上尚未設定的環境變數）
//   4. CELLQUEUE_* 環境變數
//
// 配置範例 (configs/default.yaml):
//
//   log:
//     backend: wal            # memory | wal | sqlite | redis
//     path: data/events.wal
//   snapshot:
//     path: data/snapshot.json
//     interval: 30s
//   server:
//     addr: ":50051"
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "CELLQUEUE_"

// 事件日誌後端
const (
	BackendMemory = "memory"
	BackendWAL    = "wal"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ErrInvalidConfig 配置內容不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 完整系統配置
type Config struct {
	Log struct {
		Backend      string `yaml:"backend"`
		Path         string `yaml:"path"`          // wal / sqlite 檔案路徑
		RedisURL     string `yaml:"redis_url"`     // redis://host:6379/0
		Stream       string `yaml:"stream"`        // redis stream 名稱
		SyncOnAppend bool   `yaml:"sync_on_append"` // wal 每次寫入都 fsync
		BufferSize   int    `yaml:"buffer_size"`   // wal 批次緩衝大小
	} `yaml:"log"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
		Keep     int           `yaml:"keep"`
		Compact  bool          `yaml:"compact"`
	} `yaml:"snapshot"`

	Controller struct {
		SyncInterval time.Duration `yaml:"sync_interval"`
	} `yaml:"controller"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Worker struct {
		Count             int           `yaml:"count"`
		RuntimeType       string        `yaml:"runtime_type"`
		Capabilities      []string      `yaml:"capabilities"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		ExecTimeout       time.Duration `yaml:"exec_timeout"`
		MaxDelay          time.Duration `yaml:"max_delay"`
		FailureRate       float64       `yaml:"failure_rate"`
	} `yaml:"worker"`

	Logging struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// Default 回傳預設配置
func Default() *Config {
	cfg := &Config{}
	cfg.Log.Backend = BackendWAL
	cfg.Log.Path = "data/events.wal"
	cfg.Log.Stream = "cellqueue:events"
	cfg.Log.BufferSize = 64

	cfg.Snapshot.Path = "data/snapshot.json"
	cfg.Snapshot.Interval = 30 * time.Second
	cfg.Snapshot.Keep = 3

	cfg.Controller.SyncInterval = 200 * time.Millisecond

	cfg.Server.Addr = ":50051"

	cfg.Metrics.Port = 9090

	cfg.Worker.Count = 2
	cfg.Worker.RuntimeType = "python"
	cfg.Worker.Capabilities = []string{"code", "sql", "ai"}
	cfg.Worker.HeartbeatInterval = 2 * time.Second
	cfg.Worker.PollInterval = 100 * time.Millisecond
	cfg.Worker.ExecTimeout = 30 * time.Second
	cfg.Worker.MaxDelay = 500 * time.Millisecond
	cfg.Worker.FailureRate = 0.1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load 依序套用預設值、YAML、.env 與環境變數
//
// path 為空或檔案不存在時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// .env 是可選的
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 套用 CELLQUEUE_* 覆寫
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = d
		}
		return nil
	}
	boolean := func(name string, dst *bool) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = b
		}
		return nil
	}
	integer := func(name string, dst *int) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}

	str("LOG_BACKEND", &c.Log.Backend)
	str("LOG_PATH", &c.Log.Path)
	str("REDIS_URL", &c.Log.RedisURL)
	str("REDIS_STREAM", &c.Log.Stream)
	str("SNAPSHOT_PATH", &c.Snapshot.Path)
	str("SERVER_ADDR", &c.Server.Addr)
	str("RUNTIME_TYPE", &c.Worker.RuntimeType)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	if v, ok := lookup(EnvPrefix + "CAPABILITIES"); ok {
		c.Worker.Capabilities = strings.Split(v, ",")
	}

	for _, err := range []error{
		dur("SNAPSHOT_INTERVAL", &c.Snapshot.Interval),
		dur("SYNC_INTERVAL", &c.Controller.SyncInterval),
		dur("HEARTBEAT_INTERVAL", &c.Worker.HeartbeatInterval),
		boolean("METRICS_ENABLED", &c.Metrics.Enabled),
		boolean("SNAPSHOT_COMPACT", &c.Snapshot.Compact),
		integer("METRICS_PORT", &c.Metrics.Port),
		integer("WORKERS", &c.Worker.Count),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate 檢查配置內容
func (c *Config) Validate() error {
	switch c.Log.Backend {
	case BackendMemory:
	case BackendWAL, BackendSQLite:
		if c.Log.Path == "" {
			return fmt.Errorf("%w: log.path is required for %s backend", ErrInvalidConfig, c.Log.Backend)
		}
	case BackendRedis:
		if c.Log.RedisURL == "" {
			return fmt.Errorf("%w: log.redis_url is required for redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown log backend %q", ErrInvalidConfig, c.Log.Backend)
	}

	if _, err := c.Capabilities(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Worker.FailureRate < 0 || c.Worker.FailureRate > 1 {
		return fmt.Errorf("%w: worker.failure_rate must be within [0, 1]", ErrInvalidConfig)
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("%w: worker.count must not be negative", ErrInvalidConfig)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown logging format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// Capabilities 解析 worker.capabilities
func (c *Config) Capabilities() (types.Capability, error) {
	return types.ParseCapabilities(c.Worker.Capabilities)
}
