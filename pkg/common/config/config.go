package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	// Server
	ServerPort string `toml:"server_port"`
	ServerHost string `toml:"server_host"`

	// Clinical store
	DBDriver       string `toml:"db_driver"` // mysql or postgres
	DBHost         string `toml:"db_host"`
	DBPort         string `toml:"db_port"`
	DBUser         string `toml:"db_user"`
	DBPassword     string `toml:"db_password"`
	DBName         string `toml:"db_name"`
	DBSSLMode      string `toml:"db_sslmode"`
	DBMaxOpenConns int    `toml:"db_max_open_conns"`
	DBMaxIdleConns int    `toml:"db_max_idle_conns"`

	// Redis
	RedisEnabled  bool          `toml:"redis_enabled"`
	RedisHost     string        `toml:"redis_host"`
	RedisPort     string        `toml:"redis_port"`
	RedisPassword string        `toml:"redis_password"`
	RedisDB       int           `toml:"redis_db"`
	CacheTTL      time.Duration `toml:"-"`
	CacheTTLText  string        `toml:"cache_ttl"`

	// Kafka
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`

	// Study runs
	OutputDir          string `toml:"output_dir"`
	StudyDir           string `toml:"study_dir"`
	IncludeICD9        bool   `toml:"include_icd9"`
	GroupWorkers       int    `toml:"group_workers"`
	EventWorkers       int    `toml:"event_workers"`
	TerminologyCatalog string `toml:"terminology_catalog"`
	LedgerEnabled      bool   `toml:"ledger_enabled"`
}

func Load() *Config {
	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8090"),
		ServerHost: getEnv("SERVER_HOST", "0.0.0.0"),

		DBDriver:       getEnv("DB_DRIVER", "mysql"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "3306"),
		DBUser:         getEnv("DB_USER", "eventchain"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "tnx"),
		DBSSLMode:      getEnv("DB_SSLMODE", "disable"),
		DBMaxOpenConns: getIntEnv("DB_MAX_OPEN_CONNS", 16),
		DBMaxIdleConns: getIntEnv("DB_MAX_IDLE_CONNS", 8),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		CacheTTL:      getDuration("CACHE_TTL", 24*time.Hour),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "eventchain.runs"),

		OutputDir:          getEnv("OUTPUT_DIR", "build"),
		StudyDir:           getEnv("STUDY_DIR", "config/study"),
		IncludeICD9:        getBoolEnv("INCLUDE_ICD9", true),
		GroupWorkers:       getIntEnv("GROUP_WORKERS", 4),
		EventWorkers:       getIntEnv("EVENT_WORKERS", 8),
		TerminologyCatalog: getEnv("TERMINOLOGY_CATALOG", ""),
		LedgerEnabled:      getBoolEnv("LEDGER_ENABLED", false),
	}
}

// LoadFile overlays the TOML file at path on top of the environment defaults.
// Keys missing from the file keep their environment value.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if cfg.CacheTTLText != "" {
		ttl, err := time.ParseDuration(cfg.CacheTTLText)
		if err != nil {
			return nil, fmt.Errorf("invalid cache_ttl %q: %w", cfg.CacheTTLText, err)
		}
		cfg.CacheTTL = ttl
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
		return items
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
