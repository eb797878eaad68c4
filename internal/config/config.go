package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Snapshot backends.
const (
	SnapshotNone     = "none"
	SnapshotRedis    = "redis"
	SnapshotPostgres = "postgres"
	SnapshotSQLite   = "sqlite"
)

// Config holds runtime configuration values for the alert service.
type Config struct {
	AppName         string
	AppEnv          string
	AppPort         string
	LogLevel        zerolog.Level
	DatabaseURL     string
	SQLitePath      string
	RedisURL        string
	NATSURL         string
	RealtimeChannel string

	SnapshotBackend  string
	SnapshotKey      string
	SnapshotInterval time.Duration

	SimulatorEnabled      bool
	SimulatorInterval     time.Duration
	SimulatorSeed         int64
	SimulatorSubjects     []string
	SimulatorCategoryDist string
	SimulatorPriorityDist string

	ActivityCacheTTL time.Duration
	StreamKeepAlive  time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// ActivityEnabled reports whether a database is configured for the activity trail.
func (c Config) ActivityEnabled() bool {
	return c.DatabaseURL != "" || c.SQLitePath != ""
}

// Database drivers returned by DatabaseDriver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseDriver picks the SQL driver and DSN to open. A gorm snapshot
// backend decides the driver; otherwise postgres wins over sqlite. An empty
// driver means no database is configured.
func (c Config) DatabaseDriver() (driver, dsn string) {
	switch {
	case c.SnapshotBackend == SnapshotSQLite && c.SQLitePath != "":
		return DriverSQLite, c.SQLitePath
	case c.SnapshotBackend == SnapshotPostgres && c.DatabaseURL != "":
		return DriverPostgres, c.DatabaseURL
	case c.DatabaseURL != "":
		return DriverPostgres, c.DatabaseURL
	case c.SQLitePath != "":
		return DriverSQLite, c.SQLitePath
	}
	return "", ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	v.SetDefault("app.name", "GEMA Alerts")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("realtime.channel", "gema")
	v.SetDefault("snapshot.backend", SnapshotNone)
	v.SetDefault("snapshot.key", "gema:alerts:snapshot")
	v.SetDefault("snapshot.interval", "1m")
	v.SetDefault("simulator.enabled", false)
	v.SetDefault("simulator.interval", "5s")
	v.SetDefault("simulator.seed", 0)
	v.SetDefault("simulator.subjects", "student-1,student-2,student-3")
	v.SetDefault("activity.cache_ttl", "45s")
	v.SetDefault("stream.keepalive", "30s")
	v.SetDefault("ratelimit.max", 30)
	v.SetDefault("ratelimit.window", "1m")

	level, err := zerolog.ParseLevel(strings.ToLower(v.GetString("log.level")))
	if err != nil {
		return Config{}, fmt.Errorf("invalid log level: %w", err)
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{"snapshot.interval", "simulator.interval", "activity.cache_ttl", "stream.keepalive", "ratelimit.window"} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed < 0 {
			return Config{}, fmt.Errorf("invalid %s: must not be negative", key)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                v.GetString("app.env"),
		AppPort:               v.GetString("app.port"),
		LogLevel:              level,
		DatabaseURL:           v.GetString("database.url"),
		SQLitePath:            v.GetString("sqlite.path"),
		RedisURL:              v.GetString("redis.url"),
		NATSURL:               v.GetString("nats.url"),
		RealtimeChannel:       v.GetString("realtime.channel"),
		SnapshotBackend:       strings.ToLower(strings.TrimSpace(v.GetString("snapshot.backend"))),
		SnapshotKey:           v.GetString("snapshot.key"),
		SnapshotInterval:      durations["snapshot.interval"],
		SimulatorEnabled:      v.GetBool("simulator.enabled"),
		SimulatorInterval:     durations["simulator.interval"],
		SimulatorSeed:         v.GetInt64("simulator.seed"),
		SimulatorSubjects:     splitList(v.GetString("simulator.subjects")),
		SimulatorCategoryDist: v.GetString("simulator.category_dist"),
		SimulatorPriorityDist: v.GetString("simulator.priority_dist"),
		ActivityCacheTTL:      durations["activity.cache_ttl"],
		StreamKeepAlive:       durations["stream.keepalive"],
		RateLimitMax:          v.GetInt("ratelimit.max"),
		RateLimitWindow:       durations["ratelimit.window"],
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.SnapshotBackend {
	case SnapshotNone:
	case SnapshotRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("snapshot backend redis requires redis.url")
		}
	case SnapshotPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("snapshot backend postgres requires database.url")
		}
	case SnapshotSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("snapshot backend sqlite requires sqlite.path")
		}
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.SnapshotBackend)
	}

	if c.SimulatorEnabled && c.SimulatorInterval <= 0 {
		return fmt.Errorf("simulator.interval must be positive when the simulator is enabled")
	}
	if c.SnapshotBackend != SnapshotNone && c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot.interval must be positive")
	}
	if c.RateLimitMax < 0 {
		return fmt.Errorf("ratelimit.max must not be negative")
	}

	return nil
}

func splitList(input string) []string {
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
