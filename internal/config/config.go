// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Log       LogConfig                `mapstructure:"log"`
	Store     StoreConfig              `mapstructure:"store"`
	Providers ProvidersConfig          `mapstructure:"providers"`
	Products  map[string]ProductConfig `mapstructure:"products"`
	Engine    EngineConfig             `mapstructure:"engine"`
}

// ServerConfig 存储本地 HTTP 服务相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// Secret 用于签发 WebSocket 连接票据，为空时每次启动随机生成
	Secret    string        `mapstructure:"secret"`
	TicketTTL time.Duration `mapstructure:"ticket_ttl"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// StoreConfig 选择持久化后端。driver 取值 sqlite | redis | mysql。
type StoreConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// SQLiteConfig 存储本地 SQLite 数据库文件的配置。
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProvidersConfig 存储各个补全服务商的凭据。
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// OpenAIConfig 同时用于 OpenAI 以及兼容 OpenAI 协议的服务（如 DeepSeek）。
type OpenAIConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Organization string `mapstructure:"organization"`
}

type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// ProductConfig 是某个产品新建会话时复制的默认参数快照。
type ProductConfig struct {
	Model           string  `mapstructure:"model"`
	Stream          bool    `mapstructure:"stream"`
	Temperature     float64 `mapstructure:"temperature"`
	TopP            float64 `mapstructure:"top_p"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	SystemPrompt    string  `mapstructure:"system_prompt"`
	ContextMessages int     `mapstructure:"context_messages"`
	ImageSize       string  `mapstructure:"image_size"`
	ImageCount      int     `mapstructure:"image_count"`
}

// EngineConfig 控制会话引擎的资源参数。
type EngineConfig struct {
	MailboxSize    int           `mapstructure:"mailbox_size"`
	EventBuffer    int           `mapstructure:"event_buffer"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8787")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.ticket_ttl", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite.path", "./data/hyperchat.db")
	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("engine.mailbox_size", 64)
	v.SetDefault("engine.event_buffer", 256)
	v.SetDefault("engine.request_timeout", 5*time.Minute)
	v.SetDefault("engine.persist_timeout", 10*time.Second)
}

// Load 从指定路径读取 YAML 文件，环境变量 HYPERCHAT_* 可以覆盖同名配置项。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("hyperchat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 加载配置到全局 Conf 变量中，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
