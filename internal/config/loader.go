package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/adlineage/internal/db"
)

// Pipeline holds the processing configuration surface.
type Pipeline struct {
	// Storage selects the backend: "postgres" or "memory".
	Storage string

	TrackedAttributes   []string
	CanonicalWindowDays int
	DefaultWindowDays   int
	PerSourceWindowDays map[string]int
	ConversionMetrics   []string
	LookbackDays        int
	EndOfTime           time.Time
	CloseOffset         time.Duration
	Workers             int
}

// Config is the full application configuration.
type Config struct {
	DB       db.Config
	Pipeline Pipeline
}

// Load reads config.yaml from configPath with environment overrides
// (ADL_ prefix), falling back to defaults when no file is present.
func Load(configPath string) (Config, error) {
	cfg := Config{
		DB: db.DefaultConfig(),
		Pipeline: Pipeline{
			Storage:             "postgres",
			TrackedAttributes:   []string{"name", "geo", "status", "parent_id"},
			CanonicalWindowDays: 7,
			LookbackDays:        7,
			EndOfTime:           time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC),
			Workers:             4,
			ConversionMetrics:   []string{"conversions"},
			PerSourceWindowDays: map[string]int{},
		},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()      // allow environment overrides
	v.SetEnvPrefix("ADL") // map env vars like ADL_DATABASE_HOST

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")

	if err := v.ReadInConfig(); err != nil {
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.DB.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.DB.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.DB.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.DB.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DB.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.DB.SSLMode = v.GetString("database.sslmode")
	}

	if v.IsSet("pipeline.storage") {
		cfg.Pipeline.Storage = v.GetString("pipeline.storage")
	}
	if v.IsSet("pipeline.tracked_attributes") {
		cfg.Pipeline.TrackedAttributes = v.GetStringSlice("pipeline.tracked_attributes")
	}
	if v.IsSet("pipeline.canonical_attribution_window_days") {
		cfg.Pipeline.CanonicalWindowDays = v.GetInt("pipeline.canonical_attribution_window_days")
	}
	if v.IsSet("pipeline.default_attribution_window_days") {
		cfg.Pipeline.DefaultWindowDays = v.GetInt("pipeline.default_attribution_window_days")
	}
	if v.IsSet("pipeline.conversion_metrics") {
		cfg.Pipeline.ConversionMetrics = v.GetStringSlice("pipeline.conversion_metrics")
	}
	if v.IsSet("pipeline.lookback_window_days") {
		cfg.Pipeline.LookbackDays = v.GetInt("pipeline.lookback_window_days")
	}
	if v.IsSet("pipeline.workers") {
		cfg.Pipeline.Workers = v.GetInt("pipeline.workers")
	}
	if v.IsSet("pipeline.close_offset") {
		offset, err := time.ParseDuration(v.GetString("pipeline.close_offset"))
		if err != nil {
			return cfg, fmt.Errorf("invalid pipeline.close_offset: %w", err)
		}
		cfg.Pipeline.CloseOffset = offset
	}
	if v.IsSet("pipeline.end_of_time") {
		sentinel, err := time.Parse(time.RFC3339, v.GetString("pipeline.end_of_time"))
		if err != nil {
			return cfg, fmt.Errorf("invalid pipeline.end_of_time: %w", err)
		}
		cfg.Pipeline.EndOfTime = sentinel.UTC()
	}
	if v.IsSet("pipeline.per_source_attribution_window_days") {
		raw := v.GetStringMapString("pipeline.per_source_attribution_window_days")
		perSource := make(map[string]int, len(raw))
		for source, value := range raw {
			days, err := strconv.Atoi(value)
			if err != nil {
				return cfg, fmt.Errorf("invalid attribution window for source %s: %w", source, err)
			}
			perSource[source] = days
		}
		cfg.Pipeline.PerSourceWindowDays = perSource
	}

	return cfg, nil
}
