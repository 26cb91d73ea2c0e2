// Package config loads the server configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	Listen  string `yaml:"listen" validate:"required"`
	RootDir string `yaml:"rootDir" validate:"required"`

	SaveDelay    time.Duration `yaml:"saveDelay"`
	PollInterval time.Duration `yaml:"pollInterval" validate:"gt=0"`
	CloseGrace   time.Duration `yaml:"closeGrace" validate:"gt=0"`
	SaveRetries  uint64        `yaml:"saveRetries"`
	CompactEvery int           `yaml:"compactEvery" validate:"gte=0"`
	SendBuffer   int           `yaml:"sendBuffer" validate:"gt=0"`

	// Session tokens live this long and at most MaxSessions are kept.
	SessionTTL  time.Duration `yaml:"sessionTTL" validate:"gt=0"`
	MaxSessions int           `yaml:"maxSessions" validate:"gt=0"`

	Store      StoreConfig `yaml:"store"`
	FileIDPath string      `yaml:"fileIDPath" validate:"required"`
	Redis      RedisConfig `yaml:"redis"`
	MDNS       MDNSConfig  `yaml:"mdns"`
	Log        LogConfig   `yaml:"log"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=sqlite bolt postgres none"`
	Path        string `yaml:"path" validate:"required_if=Backend sqlite,required_if=Backend bolt"`
	DatabaseURL string `yaml:"databaseURL" validate:"required_if=Backend postgres"`
}

// RedisConfig enables the Redis event sink when Addr is set.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel" validate:"required_with=Addr"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Service  string `yaml:"service" validate:"required_if=Enabled true"`
	Instance string `yaml:"instance"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:       ":8081",
		RootDir:      ".",
		SaveDelay:    time.Second,
		PollInterval: time.Second,
		CloseGrace:   time.Minute,
		SaveRetries:  3,
		SendBuffer:   256,
		SessionTTL:   24 * time.Hour,
		MaxSessions:  10000,
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    ".collab/updates.db",
		},
		FileIDPath: ".collab/fileid.db",
		Redis:      RedisConfig{Channel: "collab-events"},
		MDNS:       MDNSConfig{Service: "_collabtext._tcp"},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := getenv("COLLAB_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("COLLAB_ROOT_DIR"); v != "" {
		c.RootDir = v
	}
	if v := getenv("COLLAB_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("COLLAB_SAVE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: COLLAB_SAVE_DELAY: %w", err)
		}
		c.SaveDelay = d
	}
	if v := getenv("COLLAB_MDNS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: COLLAB_MDNS: %w", err)
		}
		c.MDNS.Enabled = b
	}
	if v := getenv("COLLAB_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
}
