package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Media    MediaConfig
	Session  SessionConfig
	Webhook  WebhookConfig
	Broker   BrokerConfig
	Protocol ProtocolConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Server: server}
	sections := []struct {
		name   string
		target any
	}{
		{"storage", &cfg.Storage},
		{"media", &cfg.Media},
		{"session", &cfg.Session},
		{"webhook", &cfg.Webhook},
		{"broker", &cfg.Broker},
		{"protocol", &cfg.Protocol},
	}
	for _, s := range sections {
		if err := env.Parse(s.target); err != nil {
			return nil, fmt.Errorf("load %s config: %w", s.name, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Media.BaseURL = strings.TrimRight(cfg.Media.BaseURL, "/")
	cfg.Protocol.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.Protocol.LogLevel))
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Media.TTL <= 0 {
		return fmt.Errorf("invalid MEDIA_TTL value: %s", c.Media.TTL)
	}
	if c.Media.SweepInterval <= 0 {
		return fmt.Errorf("invalid MEDIA_SWEEP_INTERVAL value: %s", c.Media.SweepInterval)
	}
	if c.Media.MaxUploadBytes <= 0 {
		return fmt.Errorf("invalid MEDIA_MAX_UPLOAD_BYTES value: %d", c.Media.MaxUploadBytes)
	}
	if c.Session.ReconnectDelay < 0 {
		return fmt.Errorf("invalid RECONNECT_DELAY value: %s", c.Session.ReconnectDelay)
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS value: %d", c.Session.MaxReconnectAttempts)
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "3000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":3000" 或 "127.0.0.1:3000"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StorageConfig 描述会话凭证的存放位置，每个会话一个子目录。
type StorageConfig struct {
	SessionsDir string `env:"SESSIONS_DIR" envDefault:"./sessions"`
}

// MediaConfig 描述临时媒体文件的暂存策略。
type MediaConfig struct {
	Dir            string        `env:"STAGING_DIR" envDefault:"./temp"`
	BaseURL        string        `env:"MEDIA_BASE_URL" envDefault:"http://localhost:3000"`
	TTL            time.Duration `env:"MEDIA_TTL" envDefault:"180s"`
	SweepInterval  time.Duration `env:"MEDIA_SWEEP_INTERVAL" envDefault:"60s"`
	MaxUploadBytes int64         `env:"MEDIA_MAX_UPLOAD_BYTES" envDefault:"10485760"`
}

// SessionConfig 控制连接重试与发送超时。
type SessionConfig struct {
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	// 0 表示不限次数
	MaxReconnectAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"0"`
	SendTimeout          time.Duration `env:"SEND_TIMEOUT" envDefault:"60s"`
}

// WebhookConfig 描述 webhook 投递配置。
type WebhookConfig struct {
	Timeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
}

// BrokerConfig 描述可选的 AMQP 事件镜像。
type BrokerConfig struct {
	URL      string `env:"AMQP_URL"`
	Exchange string `env:"AMQP_EXCHANGE" envDefault:"wagate.events"`
}

// Enabled 表示是否配置了 AMQP 地址。
func (c BrokerConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// ProtocolConfig 描述协议客户端的日志与二维码输出。
type ProtocolConfig struct {
	LogLevel   string `env:"WA_LOG_LEVEL" envDefault:"ERROR"`
	QRTerminal bool   `env:"WA_QR_TERMINAL" envDefault:"false"`
}
