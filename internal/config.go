package internal

import (
	"fmt"
	"hive-chat/runtime"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// ServerConfig configures hived.
type ServerConfig struct {
	Host            string        `env:"HOST,default=0.0.0.0"`
	Port            int           `env:"PORT,default=8080" validate:"min=1,max=65535"`
	HealthPort      int           `env:"HEALTH_PORT,default=8090" validate:"min=1,max=65535"`
	DebugPort       int           `env:"DEBUG_PORT,default=8081" validate:"min=1,max=65535"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
	Store           string        `env:"STORE,default=badger" validate:"oneof=badger postgres"`
	BadgerFilepath  string        `env:"BADGER_FILEPATH,default=./data/hive"`
	DatabaseURL     string        `env:"DATABASE_URL" validate:"required_if=Store postgres"`
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT,default=1s" validate:"gt=0"`
	SeedChannels    bool          `env:"SEED_CHANNELS,default=true"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ServerConfig) HealthAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HealthPort)
}

// ClientConfig configures the hive CLI and the realtime tunables it runs with.
type ClientConfig struct {
	ServerURL               string        `env:"HIVE_URL,default=ws://localhost:8080/realtime" validate:"required"`
	HealthAddr              string        `env:"HIVE_HEALTH_ADDR,default=localhost:8090" validate:"required"`
	IdentityPath            string        `env:"HIVE_IDENTITY_PATH,default=./data/identity"`
	LogLevel                string        `env:"LOG_LEVEL,default=WARN" validate:"oneof=DEBUG INFO WARN ERROR"`
	RequestTimeout          time.Duration `env:"HIVE_REQUEST_TIMEOUT,default=10s" validate:"gt=0"`
	VisibilityAttempts      int           `env:"VISIBILITY_ATTEMPTS,default=5" validate:"min=1"`
	VisibilityStep          time.Duration `env:"VISIBILITY_STEP,default=500ms" validate:"gt=0"`
	PresenceInitialDelay    time.Duration `env:"PRESENCE_INITIAL_DELAY,default=500ms" validate:"gte=0"`
	PresenceRefreshInterval time.Duration `env:"PRESENCE_REFRESH_INTERVAL,default=5s" validate:"gt=0"`
	ReconnectDelay          time.Duration `env:"RECONNECT_DELAY,default=3s" validate:"gt=0"`
	ReconnectRetryDelay     time.Duration `env:"RECONNECT_RETRY_DELAY,default=5s" validate:"gt=0"`
	HistoryLimit            int           `env:"HISTORY_LIMIT,default=50" validate:"min=1,max=1000"`
}

// Runtime maps the tunables onto a runtime.Config.
func (c ClientConfig) Runtime() runtime.Config {
	cfg := runtime.DefaultConfig()
	cfg.Visibility = runtime.VisibilityPolicy{Attempts: c.VisibilityAttempts, Step: c.VisibilityStep}
	cfg.PresenceInitialDelay = c.PresenceInitialDelay
	cfg.PresenceRefreshInterval = c.PresenceRefreshInterval
	cfg.ReconnectDelay = c.ReconnectDelay
	cfg.ReconnectRetryDelay = c.ReconnectRetryDelay
	cfg.HistoryLimit = c.HistoryLimit
	return cfg
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	return cfg, load(&cfg)
}

func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	return cfg, load(&cfg)
}

// load reads an optional .env file, then the environment, then validates.
func load(cfg any) error {
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
