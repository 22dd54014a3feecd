// Package config loads process settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers. sqlite is the default and runs one transaction at a time
// across all clients; postgres locks per client and is the choice for
// concurrent writers; memory keeps nothing across restarts.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config stores all configuration for the server.
type Config struct {
	Port           string `mapstructure:"PORT"`
	DBDriver       string `mapstructure:"DB_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	ExpirySchedule string `mapstructure:"EXPIRY_SCHEDULE"` // cron expression, empty disables
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	ProgramFile    string `mapstructure:"PROGRAM_FILE"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"` // comma separated
}

var keys = []string{
	"PORT", "DB_DRIVER", "DATABASE_URL", "SQLITE_PATH", "JWT_SECRET",
	"EXPIRY_SCHEDULE", "LOG_LEVEL", "PROGRAM_FILE", "ALLOWED_ORIGINS",
}

// LoadConfig reads dir/.env (if present) into the environment, then
// resolves every key from the environment over the defaults.
func LoadConfig(dir string) (Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "./data/loyalty.db")
	v.SetDefault("EXPIRY_SCHEDULE", "@daily")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGINS", "*")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite, postgres or memory)", c.DBDriver)
	}
	return nil
}

// Origins splits AllowedOrigins for the CORS middleware.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
