package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Session   SessionConfig   `mapstructure:"session"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	JWTSecret string `mapstructure:"jwt_secret"`
	LogLevel  string `mapstructure:"log_level"`
	ProcessID string `mapstructure:"process_id"` // 为空时启动时生成
	MachineID int64  `mapstructure:"machine_id"` // snowflake机器ID
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	GRPC GRPCConfig `mapstructure:"grpc"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GRPCConfig gRPC健康检查服务配置
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgresql"`
}

// MongoDBConfig MongoDB配置
type MongoDBConfig struct {
	URI    string `mapstructure:"uri"`
	DBName string `mapstructure:"db_name"`
}

// PostgreSQLConfig PostgreSQL配置
type PostgreSQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig Kafka配置，Brokers为空时不发布消息事件
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	MessageTopic string   `mapstructure:"message_topic"`
}

// PresenceConfig 在线目录配置
type PresenceConfig struct {
	Mode              string        `mapstructure:"mode"` // memory | redis
	EntryTTL          time.Duration `mapstructure:"entry_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatWindow   time.Duration `mapstructure:"heartbeat_window"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// SessionConfig 单连接会话配置
type SessionConfig struct {
	MembershipRetries    int           `mapstructure:"membership_retries"`
	MembershipRetryDelay time.Duration `mapstructure:"membership_retry_delay"`
	SendBuffer           int           `mapstructure:"send_buffer"`
	WriteWait            time.Duration `mapstructure:"write_wait"`
	PongWait             time.Duration `mapstructure:"pong_wait"`
	PingPeriod           time.Duration `mapstructure:"ping_period"`
	MaxMessageSize       int64         `mapstructure:"max_message_size"`
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("app.name", serviceName)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.jwt_secret", "focusandinsist")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.process_id", "")
	v.SetDefault("app.machine_id", 1)

	v.SetDefault("server.http.addr", ":21006")
	v.SetDefault("server.http.timeout", 30*time.Second)
	v.SetDefault("server.grpc.addr", ":22006")

	v.SetDefault("database.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("database.mongodb.db_name", "realtimeDB")
	v.SetDefault("database.postgresql.dsn", "host=localhost user=postgres password=postgres dbname=realtimeDB port=5432 sslmode=disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.message_topic", "realtime.message.created")

	v.SetDefault("presence.mode", "memory")
	v.SetDefault("presence.entry_ttl", 2*time.Hour)
	v.SetDefault("presence.heartbeat_interval", 10*time.Second)
	v.SetDefault("presence.heartbeat_window", 30*time.Second)
	v.SetDefault("presence.cleanup_interval", time.Minute)

	v.SetDefault("session.membership_retries", 3)
	v.SetDefault("session.membership_retry_delay", 100*time.Millisecond)
	v.SetDefault("session.send_buffer", 256)
	v.SetDefault("session.write_wait", 10*time.Second)
	v.SetDefault("session.pong_wait", 60*time.Second)
	v.SetDefault("session.ping_period", 30*time.Second)
	v.SetDefault("session.max_message_size", 64*1024)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// Load 从配置文件和环境变量加载配置，配置文件可选
func Load(serviceName, file string) (*Config, error) {
	v := viper.New()
	setDefaults(v, serviceName)

	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Presence.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("presence.mode must be memory or redis, got %q", c.Presence.Mode)
	}
	if c.Session.MembershipRetries < 1 {
		return fmt.Errorf("session.membership_retries must be >= 1")
	}
	if c.Session.PingPeriod >= c.Session.PongWait {
		return fmt.Errorf("session.ping_period must be shorter than session.pong_wait")
	}
	return nil
}
