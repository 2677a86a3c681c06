package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	StoreDriver string
	Location    *time.Location
	AutoMigrate bool
	JWTSecret   string
	CORSOrigin  string

	AllocationMaxAttempts        int
	RateLimitPerMinute           int
	DepartmentRateLimitPerMinute int

	NoShowGrace     time.Duration
	NoShowInterval  time.Duration
	NoShowBatchSize int

	AuditBufferSize    int
	AuditBatchSize     int
	AuditMaxAttempts   int
	AuditFlushInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("AUTO_MIGRATE", true)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("CORS_ORIGIN", "*")
	v.SetDefault("ALLOCATION_MAX_ATTEMPTS", 8)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("DEPARTMENT_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("NO_SHOW_GRACE_SECONDS", 0)
	v.SetDefault("NO_SHOW_SCAN_INTERVAL_SECONDS", 30)
	v.SetDefault("NO_SHOW_BATCH_SIZE", 100)
	v.SetDefault("AUDIT_BUFFER_SIZE", 1024)
	v.SetDefault("AUDIT_BATCH_SIZE", 50)
	v.SetDefault("AUDIT_MAX_ATTEMPTS", 3)
	v.SetDefault("AUDIT_FLUSH_INTERVAL_MS", 500)
}

// Load reads configuration from the environment and, when configFile is set,
// from that file. Environment values win over the file.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(configFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	location, err := time.LoadLocation(v.GetString("TIMEZONE"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	cfg := Config{
		Port:        v.GetString("PORT"),
		Env:         v.GetString("APP_ENV"),
		DatabaseURL: v.GetString("DB_DSN"),
		StoreDriver: strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		Location:    location,
		AutoMigrate: v.GetBool("AUTO_MIGRATE"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		CORSOrigin:  v.GetString("CORS_ORIGIN"),

		AllocationMaxAttempts:        v.GetInt("ALLOCATION_MAX_ATTEMPTS"),
		RateLimitPerMinute:           v.GetInt("RATE_LIMIT_PER_MIN"),
		DepartmentRateLimitPerMinute: v.GetInt("DEPARTMENT_RATE_LIMIT_PER_MIN"),

		NoShowGrace:     seconds(v.GetInt("NO_SHOW_GRACE_SECONDS")),
		NoShowInterval:  seconds(v.GetInt("NO_SHOW_SCAN_INTERVAL_SECONDS")),
		NoShowBatchSize: v.GetInt("NO_SHOW_BATCH_SIZE"),

		AuditBufferSize:    v.GetInt("AUDIT_BUFFER_SIZE"),
		AuditBatchSize:     v.GetInt("AUDIT_BATCH_SIZE"),
		AuditMaxAttempts:   v.GetInt("AUDIT_MAX_ATTEMPTS"),
		AuditFlushInterval: time.Duration(v.GetInt("AUDIT_FLUSH_INTERVAL_MS")) * time.Millisecond,
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DB_DSN is required for the %s store", DriverPostgres)
		}
	case DriverMemory:
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}
