package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// APIServerConfig 保存 API 服务器特有的配置。
type APIServerConfig struct {
	Host string     `mapstructure:"HOST"`
	Port string     `mapstructure:"PORT"`
	CORS CORSConfig `mapstructure:"CORS"`
}

// CORSConfig holds configuration for CORS.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `mapstructure:"ALLOWED_METHODS"`
	AllowedHeaders   []string `mapstructure:"ALLOWED_HEADERS"`
	ExposedHeaders   []string `mapstructure:"EXPOSED_HEADERS"`
	AllowCredentials bool     `mapstructure:"ALLOW_CREDENTIALS"`
	MaxAge           int      `mapstructure:"MAX_AGE"`
}

// RedisConfig holds configuration for Redis. Redis only backs the token
// revocation list, so it can be switched off for local development.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"ENABLED"`
	Addr     string `mapstructure:"ADDR"`
	Password string `mapstructure:"PASSWORD"`
	DB       int    `mapstructure:"DB"`
}

// Config holds all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName    string          `mapstructure:"APP_NAME"`
	AppVersion string          `mapstructure:"APP_VERSION"`
	LogLevel   string          `mapstructure:"LOG_LEVEL"`
	LogFormat  string          `mapstructure:"LOG_FORMAT"` // json | console
	Server     ServerConfig    `mapstructure:"SERVER"`     // ChatServer (live channel gateway)
	APIServer  APIServerConfig `mapstructure:"API_SERVER"`
	Kafka      KafkaConfig     `mapstructure:"KAFKA"`
	Fanout     FanoutConfig    `mapstructure:"FANOUT"`
	Database   DatabaseConfig  `mapstructure:"DATABASE"`
	Storage    StorageConfig   `mapstructure:"STORAGE"`
	Auth       AuthConfig      `mapstructure:"AUTH"`
	WebSocket  WebSocketConfig `mapstructure:"WEBSOCKET"`
	Redis      RedisConfig     `mapstructure:"REDIS"`
	Messaging  MessagingConfig `mapstructure:"MESSAGING"`
	Media      MediaConfig     `mapstructure:"MEDIA"`
}

// ServerConfig holds configuration for the ChatServer HTTP listener.
type ServerConfig struct {
	Host           string        `mapstructure:"HOST"`
	Port           string        `mapstructure:"PORT"`
	WebSocketPath  string        `mapstructure:"WEBSOCKET_PATH"`
	ReadTimeout    time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"`
	MaxHeaderBytes int           `mapstructure:"MAX_HEADER_BYTES"`
}

// KafkaConfig holds configuration for Kafka.
type KafkaConfig struct {
	Brokers                []string `mapstructure:"BROKERS"`
	ClientID               string   `mapstructure:"CLIENT_ID"`
	WebSocketOutgoingTopic string   `mapstructure:"WEBSOCKET_OUTGOING_TOPIC"` // 服务端推向客户端的事件
	ConsumerGroup          string   `mapstructure:"CONSUMER_GROUP"`           // 每个 ChatServer 实例追加唯一后缀，保证都能收到全部出站事件
	Protocol               string   `mapstructure:"PROTOCOL"`
}

// Fan-out modes.
const (
	FanoutLocal = "local"
	FanoutKafka = "kafka"
)

// FanoutConfig selects how store mutations reach live connections.
// "local" multicasts through the in-process hub of the apiserver,
// "kafka" publishes envelopes that every chatserver instance consumes.
type FanoutConfig struct {
	Mode string `mapstructure:"MODE"`
}

// DatabaseConfig holds configuration for the database.
type DatabaseConfig struct {
	Type     string `mapstructure:"TYPE"` // postgres | sqlite
	Host     string `mapstructure:"HOST"`
	Port     int    `mapstructure:"PORT"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	DBName   string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"SSL_MODE"`
	DSN      string `mapstructure:"DSN"` // sqlite 文件路径或完整 DSN
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// StorageConfig holds configuration for file storage.
type StorageConfig struct {
	Type          string `mapstructure:"TYPE"` // only "local" is supported
	LocalPath     string `mapstructure:"LOCAL_PATH"`
	BaseURL       string `mapstructure:"BASE_URL"`
	AudioDir      string `mapstructure:"AUDIO_DIR"`
	FilesDir      string `mapstructure:"FILES_DIR"`
	MaxFileSizeMB int64  `mapstructure:"MAX_FILE_SIZE_MB"`
}

// AuthConfig holds configuration for authentication (e.g., JWT).
type AuthConfig struct {
	JWTSecretKey string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry    time.Duration `mapstructure:"JWT_EXPIRY"`
	Issuer       string        `mapstructure:"ISSUER"`
}

// WebSocketConfig holds configuration for WebSocket connections.
type WebSocketConfig struct {
	WriteWaitSeconds    int     `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int     `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int     `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int     `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
	SendBufferSize      int     `mapstructure:"SEND_BUFFER_SIZE"`
	InboundRPS          float64 `mapstructure:"INBOUND_RPS"`
	InboundBurst        int     `mapstructure:"INBOUND_BURST"`
}

// MessagingConfig holds the message lifecycle rules and the bounds of the
// in-memory presence ledger and send rate limiter.
type MessagingConfig struct {
	EditWindow         time.Duration `mapstructure:"EDIT_WINDOW"`
	RateWindow         time.Duration `mapstructure:"RATE_WINDOW"`
	RateLimit          int           `mapstructure:"RATE_LIMIT"`
	RateMaxSenders     int           `mapstructure:"RATE_MAX_SENDERS"`
	TypingTTL          time.Duration `mapstructure:"TYPING_TTL"`
	PresenceMaxEntries int           `mapstructure:"PRESENCE_MAX_ENTRIES"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	MaxContentLength   int           `mapstructure:"MAX_CONTENT_LENGTH"`
}

// MediaConfig holds configuration for the audio enhancement pipeline.
type MediaConfig struct {
	FFmpegPath  string        `mapstructure:"FFMPEG_PATH"`
	Workers     int           `mapstructure:"WORKERS"`
	Timeout     time.Duration `mapstructure:"TIMEOUT"`
	AudioFilter string        `mapstructure:"AUDIO_FILTER"`
	AudioCodec  string        `mapstructure:"AUDIO_CODEC"`
	Bitrate     string        `mapstructure:"BITRATE"`
	SampleRate  int           `mapstructure:"SAMPLE_RATE"`
	Format      string        `mapstructure:"FORMAT"`
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in the working directory, if present, is loaded into the
// process environment first.
func LoadConfig(path string) (config Config, err error) {
	if err = godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return
	}
	err = nil

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// SERVER_PORT overrides Server.Port, SERVER_WEBSOCKET_PATH overrides Server.WebSocketPath
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		// 没有配置文件时使用默认值
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "DM-Go")
	v.SetDefault("APP_VERSION", "0.1.0")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	// ChatServer
	v.SetDefault("SERVER.HOST", "0.0.0.0")
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("SERVER.WEBSOCKET_PATH", "/ws")
	v.SetDefault("SERVER.READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.MAX_HEADER_BYTES", 1<<20)

	// APIServer
	v.SetDefault("API_SERVER.HOST", "0.0.0.0")
	v.SetDefault("API_SERVER.PORT", "8081")
	v.SetDefault("API_SERVER.CORS.ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	v.SetDefault("API_SERVER.CORS.ALLOWED_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("API_SERVER.CORS.ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"})
	v.SetDefault("API_SERVER.CORS.EXPOSED_HEADERS", []string{"Content-Length"})
	v.SetDefault("API_SERVER.CORS.ALLOW_CREDENTIALS", true)
	v.SetDefault("API_SERVER.CORS.MAX_AGE", 300)

	v.SetDefault("KAFKA.BROKERS", []string{"localhost:9092"})
	v.SetDefault("KAFKA.CLIENT_ID", "dm-go-client")
	v.SetDefault("KAFKA.WEBSOCKET_OUTGOING_TOPIC", "dm-websocket-outgoing")
	v.SetDefault("KAFKA.CONSUMER_GROUP", "dm-chat-server")
	v.SetDefault("KAFKA.PROTOCOL", "plaintext")

	v.SetDefault("FANOUT.MODE", FanoutLocal)

	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", 5432)
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "password")
	v.SetDefault("DATABASE.DB_NAME", "dm_go_db")
	v.SetDefault("DATABASE.SSL_MODE", "disable")
	v.SetDefault("DATABASE.DSN", "file:dm-go.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	v.SetDefault("DATABASE.LOG_LEVEL", "warn")

	v.SetDefault("STORAGE.TYPE", "local")
	v.SetDefault("STORAGE.LOCAL_PATH", "./uploads")
	v.SetDefault("STORAGE.BASE_URL", "/uploads")
	v.SetDefault("STORAGE.AUDIO_DIR", "audio")
	v.SetDefault("STORAGE.FILES_DIR", "files")
	v.SetDefault("STORAGE.MAX_FILE_SIZE_MB", 25)

	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 15*time.Minute)
	v.SetDefault("AUTH.ISSUER", "dm-go")

	v.SetDefault("REDIS.ENABLED", false)
	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)

	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 8192)
	v.SetDefault("WEBSOCKET.SEND_BUFFER_SIZE", 256)
	v.SetDefault("WEBSOCKET.INBOUND_RPS", 20)
	v.SetDefault("WEBSOCKET.INBOUND_BURST", 40)

	v.SetDefault("MESSAGING.EDIT_WINDOW", 12*time.Hour)
	v.SetDefault("MESSAGING.RATE_WINDOW", time.Minute)
	v.SetDefault("MESSAGING.RATE_LIMIT", 15)
	v.SetDefault("MESSAGING.RATE_MAX_SENDERS", 100000)
	v.SetDefault("MESSAGING.TYPING_TTL", 30*time.Second)
	v.SetDefault("MESSAGING.PRESENCE_MAX_ENTRIES", 100000)
	v.SetDefault("MESSAGING.SWEEP_INTERVAL", 30*time.Second)
	v.SetDefault("MESSAGING.MAX_CONTENT_LENGTH", 5000)

	v.SetDefault("MEDIA.FFMPEG_PATH", "ffmpeg")
	v.SetDefault("MEDIA.WORKERS", 2)
	v.SetDefault("MEDIA.TIMEOUT", 2*time.Minute)
	v.SetDefault("MEDIA.AUDIO_FILTER", "loudnorm=I=-16:LRA=11:TP=-1.5,agate=threshold=-55dB:ratio=1.2:attack=5:release=100")
	v.SetDefault("MEDIA.AUDIO_CODEC", "libopus")
	v.SetDefault("MEDIA.BITRATE", "32k")
	v.SetDefault("MEDIA.SAMPLE_RATE", 48000)
	v.SetDefault("MEDIA.FORMAT", "webm")
}
