package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the chat server's environment configuration. Every field is
// read from a CHAT_-prefixed environment variable.
type Config struct {
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:":8080"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"10000"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`

	PostgresDSN   string `envconfig:"POSTGRES_DSN" required:"true"`
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	NATSURL string `envconfig:"NATS_URL"`

	// Remote censorship vendor. When any of these is empty the server runs
	// on the local word filter only.
	CensorTokenURL     string        `envconfig:"CENSOR_TOKEN_URL"`
	CensorURL          string        `envconfig:"CENSOR_URL"`
	CensorClientID     string        `envconfig:"CENSOR_CLIENT_ID"`
	CensorClientSecret string        `envconfig:"CENSOR_CLIENT_SECRET"`
	CensorTimeout      time.Duration `envconfig:"CENSOR_TIMEOUT" default:"5s"`

	BreakerMaxErrors     int           `envconfig:"BREAKER_MAX_ERRORS" default:"5"`
	BreakerResetTime     time.Duration `envconfig:"BREAKER_RESET_TIME" default:"30m"`
	BreakerCheckInterval time.Duration `envconfig:"BREAKER_CHECK_INTERVAL" default:"5m"`

	WordsFile  string   `envconfig:"WORDS_FILE"`
	ImageHosts []string `envconfig:"IMAGE_HOSTS"`

	DefaultAvatar string  `envconfig:"DEFAULT_AVATAR"`
	AdminUserIDs  []int64 `envconfig:"ADMIN_USER_IDS"`

	GeoURL     string        `envconfig:"GEO_URL"`
	GeoTimeout time.Duration `envconfig:"GEO_TIMEOUT" default:"3s"`

	// Defaults for the runtime-togglable moderation switches, applied when
	// Redis is absent or the settings hash has no value yet.
	RemoteModerationDefault bool `envconfig:"REMOTE_MODERATION_DEFAULT" default:"true"`
	ManualReviewDefault     bool `envconfig:"MANUAL_REVIEW_DEFAULT" default:"false"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("chat", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
