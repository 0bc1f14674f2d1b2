package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Addr           string
	Players        int
	TickRate       int
	MinBatch       int
	ElideEmpty     bool
	ActionsPerSec  float64
	OutboxSize     int
	AdminAddr      string
	DatabaseURL    string
	LogLevel       string
	LogFormat      string
	ClientRockets  int
	ClientInterval time.Duration
}

func Default() Config {
	return Config{
		Addr:           "127.0.0.1:7777",
		Players:        2,
		TickRate:       30,
		OutboxSize:     64,
		LogLevel:       "info",
		LogFormat:      "console",
		ClientRockets:  15,
		ClientInterval: 200 * time.Millisecond,
	}
}

// TickInterval is the wall-clock duration of one server tick.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.TickRate)
}

// Load reads an optional .env file (files named in paths, or ./.env) and
// then overlays environment variables onto Default().
func Load(paths ...string) (Config, error) {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load env file: %w", err)
	}

	c := Default()
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
	boolean := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
	duration := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	str("MOONSHOT_ADDR", &c.Addr)
	integer("MOONSHOT_PLAYERS", &c.Players)
	integer("MOONSHOT_TICK_RATE", &c.TickRate)
	integer("MOONSHOT_MIN_BATCH", &c.MinBatch)
	boolean("MOONSHOT_ELIDE_EMPTY", &c.ElideEmpty)
	float("MOONSHOT_ACTIONS_PER_SEC", &c.ActionsPerSec)
	integer("MOONSHOT_OUTBOX", &c.OutboxSize)
	str("MOONSHOT_ADMIN_ADDR", &c.AdminAddr)
	str("MOONSHOT_DATABASE_URL", &c.DatabaseURL)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	integer("MOONSHOT_CLIENT_ROCKETS", &c.ClientRockets)
	duration("MOONSHOT_CLIENT_INTERVAL", &c.ClientInterval)

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("config: listen address is empty")
	case c.Players < 1:
		return fmt.Errorf("config: player count must be positive, got %d", c.Players)
	case c.TickRate < 1:
		return fmt.Errorf("config: tick rate must be positive, got %d", c.TickRate)
	case c.MinBatch < 0:
		return fmt.Errorf("config: min batch must not be negative, got %d", c.MinBatch)
	case c.ActionsPerSec < 0:
		return fmt.Errorf("config: actions per second must not be negative, got %v", c.ActionsPerSec)
	case c.OutboxSize < 1:
		return fmt.Errorf("config: outbox size must be positive, got %d", c.OutboxSize)
	}
	return nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}
	var zc zap.Config
	switch strings.ToLower(c.LogFormat) {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
