package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/cling/internal/session"
	"github.com/sshcollectorpro/cling/pkg/logger"
)

// Config 应用配置结构
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Session       session.Config      `mapstructure:"session"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Reactor       ReactorConfig       `mapstructure:"reactor"`
	Personalities PersonalitiesConfig `mapstructure:"personalities"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Log           logger.Config       `mapstructure:"log"`
	Simulate      SimulateConfig      `mapstructure:"simulate"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TransportConfig 会话进程的创建方式
type TransportConfig struct {
	// Mode exec: 在 PTY 中运行外部 ssh/telnet；native: 内置 SSH 客户端
	Mode string `mapstructure:"mode"`
	// Nudge native 模式下 shell 建立后发送一次回车
	Nudge bool `mapstructure:"nudge"`
}

// ReactorConfig 批量执行的并发配置
type ReactorConfig struct {
	Workers int `mapstructure:"workers"`
	// ConcurrencyProfile 并发档位：S/M/L/XL（优先级高于 workers 数值）
	ConcurrencyProfile  string         `mapstructure:"concurrency_profile"`
	ConcurrencyProfiles map[string]int `mapstructure:"concurrency_profiles"`
}

// PersonalitiesConfig 自定义平台定义文件
type PersonalitiesConfig struct {
	File string `mapstructure:"file"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig 对象存储配置
type StorageConfig struct {
	Minio MinioConfig `mapstructure:"minio"`
}

// MinioConfig MinIO 连接参数
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// BackupConfig 命令输出保存配置
type BackupConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// StorageBackend local | minio
	StorageBackend string            `mapstructure:"storage_backend"`
	Prefix         string            `mapstructure:"prefix"`
	Local          LocalBackupConfig `mapstructure:"local"`
	// Divider 聚合文件中各命令输出之间的分隔行
	Divider string `mapstructure:"divider"`
}

// LocalBackupConfig 本地存储配置
type LocalBackupConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// SimulateConfig 设备模拟器
type SimulateConfig struct {
	Enable     bool   `mapstructure:"enable"`
	ConfigPath string `mapstructure:"config_path"`
}

var globalConfig *Config

// Load 加载配置文件；configPath 为空时在 ./configs 等目录查找 config.yaml
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.SetEnvPrefix("CLING")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Session.Password = expandEnv(config.Session.Password)
	config.Storage.Minio.SecretKey = expandEnv(config.Storage.Minio.SecretKey)
	applyConcurrencyProfile(&config)

	globalConfig = &config
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)

	d := session.DefaultConfig()
	v.SetDefault("session.personality", d.Personality)
	v.SetDefault("session.protocol", d.Protocol)
	v.SetDefault("session.timeout", d.Timeout)
	v.SetDefault("session.read_loop_timeout", d.ReadLoopTimeout)
	v.SetDefault("session.snmp_community", d.SNMPCommunity)
	v.SetDefault("session.snmp_version", d.SNMPVersion)
	v.SetDefault("session.max_read_buffer_size", d.MaxReadBufferSize)
	v.SetDefault("session.search_window_size", d.SearchWindowSize)
	v.SetDefault("session.error_lookup_buffer_size", d.ErrorLookupBufferSize)
	v.SetDefault("session.max_login_attempts", d.MaxLoginAttempts)
	v.SetDefault("session.failed_login_retry_pause", d.FailedLoginRetryPause)
	v.SetDefault("session.shell_binary_path", d.ShellBinaryPath)
	v.SetDefault("session.telnet_binary_path", d.TelnetBinaryPath)
	v.SetDefault("session.line_terminator", d.LineTerminator)

	v.SetDefault("transport.mode", "exec")

	// 默认并发档位
	v.SetDefault("reactor.workers", 8)
	v.SetDefault("reactor.concurrency_profile", "")
	v.SetDefault("reactor.concurrency_profiles", map[string]int{
		"S":  8,  // 2c4g
		"M":  16, // 4c8g
		"L":  32, // 8c16g
		"XL": 64, // 16c32g
	})

	v.SetDefault("database.sqlite.path", "./data/cling.db")
	v.SetDefault("database.sqlite.max_idle_conns", 2)
	v.SetDefault("database.sqlite.max_open_conns", 4)
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.storage_backend", "local")
	v.SetDefault("backup.prefix", "outputs")
	v.SetDefault("backup.local.base_dir", "./data/outputs")
	v.SetDefault("backup.local.mkdir_if_missing", true)
	v.SetDefault("backup.divider", "------------------\n")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/cling.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("simulate.enable", false)
	v.SetDefault("simulate.config_path", "./simulate/simulate.yaml")
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// expandEnv 支持 "${VAR}" 形式引用环境变量，避免在配置文件中明文保存口令
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if value := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); value != "" {
			return value
		}
	}
	return s
}

// applyConcurrencyProfile 根据并发档位设置 worker 数（覆盖 Reactor.Workers）
func applyConcurrencyProfile(cfg *Config) {
	p := strings.ToUpper(strings.TrimSpace(cfg.Reactor.ConcurrencyProfile))
	if p == "" {
		return
	}
	if after, ok := strings.CutPrefix(p, "CONCURRENCY-"); ok {
		p = after
	}
	for k, n := range cfg.Reactor.ConcurrencyProfiles {
		if strings.ToUpper(k) == p && n > 0 {
			cfg.Reactor.Workers = n
			return
		}
	}
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SessionDefaults 会话默认参数；请求中的非零字段覆盖这些值
func (c *Config) SessionDefaults() session.Config {
	return c.Session.Merge(session.DefaultConfig())
}
