package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "CRAFTNEST_"

type Config struct {
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL  string `env:"DATABASE_URL"`
	JWTSecret    string `env:"JWT_SECRET"`
	AdminKey     string `env:"ADMIN_KEY"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`
	AutoMigrate  bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	PlanCatalogPath string `env:"PLAN_CATALOG_PATH"`

	PortMin           int    `env:"PORT_MIN" envDefault:"25565"`
	PortMax           int    `env:"PORT_MAX" envDefault:"30000"`
	PortProbeAttempts int    `env:"PORT_PROBE_ATTEMPTS" envDefault:"64"`
	PortSeed          uint64 `env:"PORT_SEED" envDefault:"0"`

	ProvisionDelay     time.Duration `env:"PROVISION_DELAY" envDefault:"5s"`
	TrialPeriod        time.Duration `env:"TRIAL_PERIOD" envDefault:"168h"`
	PlaceholderAddress string        `env:"PLACEHOLDER_ADDRESS" envDefault:"127.0.0.1"`

	SchedulerBackend      string        `env:"SCHEDULER_BACKEND" envDefault:"timer"`
	RedisURL              string        `env:"REDIS_URL"`
	SchedulerQueueKey     string        `env:"SCHEDULER_QUEUE_KEY" envDefault:"craftnest:scheduler:tasks"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"1s"`

	ReconcileInterval  time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileAfter     time.Duration `env:"RECONCILE_AFTER" envDefault:"2m"`
	ReconcileFailAfter time.Duration `env:"RECONCILE_FAIL_AFTER" envDefault:"30m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

var dotenvOnce sync.Once

// LoadFromEnv reads CRAFTNEST_* variables, after merging a .env file when one exists.
func LoadFromEnv() (Config, error) {
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, errors.Join(errors.New("parse config"), err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%sJWT_SECRET is required", envPrefix)
	}
	if c.AdminKey == "" {
		return fmt.Errorf("%sADMIN_KEY is required", envPrefix)
	}
	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("%sDATABASE_URL is required for the postgres store", envPrefix)
		}
	case "memory":
	default:
		return fmt.Errorf("%sSTORE_BACKEND must be one of postgres|memory", envPrefix)
	}
	switch c.SchedulerBackend {
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("%sREDIS_URL is required for the redis scheduler", envPrefix)
		}
	case "timer":
	default:
		return fmt.Errorf("%sSCHEDULER_BACKEND must be one of timer|redis", envPrefix)
	}
	if c.PortMin < 1 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		return fmt.Errorf("%sPORT_MIN..PORT_MAX must be a non-empty range within 1..65535", envPrefix)
	}
	if c.PortProbeAttempts <= 0 {
		return fmt.Errorf("%sPORT_PROBE_ATTEMPTS must be positive", envPrefix)
	}
	if c.ProvisionDelay <= 0 || c.TrialPeriod <= 0 {
		return fmt.Errorf("%sPROVISION_DELAY and %sTRIAL_PERIOD must be positive", envPrefix, envPrefix)
	}
	if c.ReconcileAfter <= 0 || c.ReconcileFailAfter <= c.ReconcileAfter {
		return fmt.Errorf("%sRECONCILE_FAIL_AFTER must exceed %sRECONCILE_AFTER", envPrefix, envPrefix)
	}
	return nil
}
