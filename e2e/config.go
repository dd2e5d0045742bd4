package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// HIVE_URL is the realtime endpoint of a running hived; scenarios skip without it
	ServerURL  string `envconfig:"HIVE_URL"`
	HealthAddr string `envconfig:"HIVE_HEALTH_ADDR" default:"localhost:8090"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
