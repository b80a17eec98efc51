package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 BARGAINER_TWILIO_AUTH_TOKEN
const EnvPrefix = "BARGAINER"

// StoreBackend 会话存储后端
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StorePostgres StoreBackend = "postgres"
	StoreRedis    StoreBackend = "redis"
)

// ServerConfig HTTP/gRPC监听配置
type ServerConfig struct {
	HTTPAddr      string        `yaml:"http_addr" mapstructure:"http_addr"`
	GRPCAddr      string        `yaml:"grpc_addr" mapstructure:"grpc_addr"`
	PublicBaseURL string        `yaml:"public_base_url" mapstructure:"public_base_url"`
	ReadTimeout   time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// NegotiationConfig 谈判策略，可热更新
type NegotiationConfig struct {
	MaxRounds             int           `yaml:"max_rounds" mapstructure:"max_rounds"`
	Concurrency           int           `yaml:"concurrency" mapstructure:"concurrency"`
	PitchSlackPct         float64       `yaml:"pitch_slack_pct" mapstructure:"pitch_slack_pct"`
	CloseEnoughPct        float64       `yaml:"close_enough_pct" mapstructure:"close_enough_pct"`
	StubbornRounds        int           `yaml:"stubborn_rounds" mapstructure:"stubborn_rounds"`
	StubbornConcessionPct float64       `yaml:"stubborn_concession_pct" mapstructure:"stubborn_concession_pct"`
	MinQuote              int64         `yaml:"min_quote" mapstructure:"min_quote"`
	CounterStep           int64         `yaml:"counter_step" mapstructure:"counter_step"`
	RoundPacing           time.Duration `yaml:"round_pacing" mapstructure:"round_pacing"`
	EndGrace              time.Duration `yaml:"end_grace" mapstructure:"end_grace"`
	CallTimeout           time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	// ResultRetention 已结束通话和批次在内存中保留多久供查询
	ResultRetention time.Duration `yaml:"result_retention" mapstructure:"result_retention"`
}

// VoiceConfig 语音通道配置
type VoiceConfig struct {
	QuietWindow      time.Duration `yaml:"quiet_window" mapstructure:"quiet_window"`
	RetryWait        time.Duration `yaml:"retry_wait" mapstructure:"retry_wait"`
	FrameQueue       int           `yaml:"frame_queue" mapstructure:"frame_queue"`
	TranscodeWorkers int           `yaml:"transcode_workers" mapstructure:"transcode_workers"`
	Language         string        `yaml:"language" mapstructure:"language"`
	VADThreshold     float64       `yaml:"vad_threshold" mapstructure:"vad_threshold"`
	VADHold          time.Duration `yaml:"vad_hold" mapstructure:"vad_hold"`
	FFmpegPath       string        `yaml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
}

// StoreConfig 会话存储配置
type StoreConfig struct {
	Backend    StoreBackend  `yaml:"backend" mapstructure:"backend"`
	SessionTTL time.Duration `yaml:"session_ttl" mapstructure:"session_ttl"`
}

// DatabaseConfig PostgreSQL连接配置
type DatabaseConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	DBName          string        `yaml:"dbname" mapstructure:"dbname"`
	SSLMode         string        `yaml:"sslmode" mapstructure:"sslmode"`
	MaxConns        int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns        int32         `yaml:"min_conns" mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate" mapstructure:"auto_migrate"`
}

// RedisConfig Redis连接配置
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// ArchiveConfig 终态会话归档到S3
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Bucket   string `yaml:"bucket" mapstructure:"bucket"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// TwilioConfig 电话桥配置
type TwilioConfig struct {
	AccountSID        string `yaml:"account_sid" mapstructure:"account_sid"`
	AuthToken         string `yaml:"auth_token" mapstructure:"auth_token"`
	FromNumber        string `yaml:"from_number" mapstructure:"from_number"`
	ValidateSignature bool   `yaml:"validate_signature" mapstructure:"validate_signature"`
	// DialMode stream为双向媒体流，webhook为平台识别后逐轮回调
	DialMode string `yaml:"dial_mode" mapstructure:"dial_mode"`
}

// SarvamConfig 语音识别与合成配置
type SarvamConfig struct {
	APIKey   string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	TTSModel string        `yaml:"tts_model" mapstructure:"tts_model"`
	STTModel string        `yaml:"stt_model" mapstructure:"stt_model"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// GeminiConfig 谈判oracle配置
type GeminiConfig struct {
	APIKey          string        `yaml:"api_key" mapstructure:"api_key"`
	Model           string        `yaml:"model" mapstructure:"model"`
	Temperature     float32       `yaml:"temperature" mapstructure:"temperature"`
	MaxOutputTokens int32         `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// AuthConfig 运营API鉴权
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `yaml:"issuer" mapstructure:"issuer"`
}

// RetryConfig 协作方重试策略
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
}

// AppConfig 完整的服务配置
type AppConfig struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Negotiation NegotiationConfig `yaml:"negotiation" mapstructure:"negotiation"`
	Voice       VoiceConfig       `yaml:"voice" mapstructure:"voice"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Archive     ArchiveConfig     `yaml:"archive" mapstructure:"archive"`
	Twilio      TwilioConfig      `yaml:"twilio" mapstructure:"twilio"`
	Sarvam      SarvamConfig      `yaml:"sarvam" mapstructure:"sarvam"`
	Gemini      GeminiConfig      `yaml:"gemini" mapstructure:"gemini"`
	Auth        AuthConfig        `yaml:"auth" mapstructure:"auth"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
}

// newViper 构造带默认值和环境变量绑定的viper实例
func newViper(configPath string) *viper.Viper {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("bargainer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/bargainer")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load 读取配置文件，文件不存在时只用默认值和环境变量
func Load(configPath string) (*AppConfig, *viper.Viper, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// Default 仅由默认值构成的配置，测试和demo模式使用
func Default() *AppConfig {
	cfg, err := decode(newViper(""))
	if err != nil {
		panic(err)
	}
	return cfg
}

// setDefaults 设置全部默认值
func setDefaults(v *viper.Viper) {
	// 服务监听
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.public_base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")

	// 谈判策略
	v.SetDefault("negotiation.max_rounds", 6)
	v.SetDefault("negotiation.concurrency", 3)
	v.SetDefault("negotiation.pitch_slack_pct", 5.0)
	v.SetDefault("negotiation.close_enough_pct", 10.0)
	v.SetDefault("negotiation.stubborn_rounds", 2)
	v.SetDefault("negotiation.stubborn_concession_pct", 5.0)
	v.SetDefault("negotiation.min_quote", 100)
	v.SetDefault("negotiation.counter_step", 50)
	v.SetDefault("negotiation.round_pacing", "5s")
	v.SetDefault("negotiation.end_grace", "3s")
	v.SetDefault("negotiation.call_timeout", "10m")
	v.SetDefault("negotiation.result_retention", "1h")

	// 语音通道
	v.SetDefault("voice.quiet_window", "5s")
	v.SetDefault("voice.retry_wait", "3s")
	v.SetDefault("voice.frame_queue", 512)
	v.SetDefault("voice.transcode_workers", 2)
	v.SetDefault("voice.language", "hi-IN")
	v.SetDefault("voice.vad_threshold", 0.02)
	v.SetDefault("voice.vad_hold", "800ms")
	v.SetDefault("voice.ffmpeg_path", "ffmpeg")

	// 存储
	v.SetDefault("store.backend", string(StoreMemory))
	v.SetDefault("store.session_ttl", "1h")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "bargainer")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "ap-south-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.prefix", "sessions")

	// 外部协作方
	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.from_number", "")
	v.SetDefault("twilio.validate_signature", true)
	v.SetDefault("twilio.dial_mode", "stream")

	v.SetDefault("sarvam.api_key", "")
	v.SetDefault("sarvam.base_url", "https://api.sarvam.ai")
	v.SetDefault("sarvam.tts_model", "bulbul:v2")
	v.SetDefault("sarvam.stt_model", "saarika:v2")
	v.SetDefault("sarvam.timeout", "15s")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("gemini.temperature", 0.7)
	v.SetDefault("gemini.max_output_tokens", 200)
	v.SetDefault("gemini.timeout", "10s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "voicebargainer")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", "500ms")
	v.SetDefault("retry.max_interval", "4s")
}

// Validate 验证配置
func (c *AppConfig) Validate() error {
	if err := c.Negotiation.Validate(); err != nil {
		return fmt.Errorf("negotiation: %w", err)
	}

	switch c.Store.Backend {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("未知的存储后端: %s", c.Store.Backend)
	}

	if c.Voice.QuietWindow <= 0 {
		return fmt.Errorf("静默窗口必须大于0")
	}
	if c.Voice.FrameQueue <= 0 {
		return fmt.Errorf("音频帧队列长度必须大于0")
	}
	if c.Voice.TranscodeWorkers <= 0 {
		return fmt.Errorf("转码worker数量必须大于0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("重试次数必须大于0")
	}
	if c.Twilio.DialMode != "stream" && c.Twilio.DialMode != "webhook" {
		return fmt.Errorf("未知的拨号模式: %s", c.Twilio.DialMode)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("启用归档时bucket不能为空")
	}
	return nil
}

// Validate 验证谈判策略
func (n NegotiationConfig) Validate() error {
	if n.MaxRounds < 2 {
		return fmt.Errorf("最大回合数至少为2")
	}
	if n.Concurrency <= 0 {
		return fmt.Errorf("并发上限必须大于0")
	}
	if n.CloseEnoughPct < 0 || n.CloseEnoughPct > 50 {
		return fmt.Errorf("close_enough_pct 必须在0到50之间")
	}
	if n.PitchSlackPct < 0 {
		return fmt.Errorf("pitch_slack_pct 不能为负数")
	}
	if n.StubbornRounds < 0 {
		return fmt.Errorf("stubborn_rounds 不能为负数")
	}
	if n.CounterStep <= 0 {
		return fmt.Errorf("counter_step 必须大于0")
	}
	return nil
}

// DSN 生成pgx连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}
