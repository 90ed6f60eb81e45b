package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxRenewalsCap is the highest renewal count a deployment may configure.
const maxRenewalsCap = 2

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port            string `yaml:"port"`
	LogLevel        string `yaml:"logLevel"`
	LogSQL          bool   `yaml:"logSQL"`
	DatabaseDialect string `yaml:"databaseDialect"`
	DatabaseURL     string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	// BasketStore is "memory" or "redis".
	BasketStore        string `yaml:"basketStore"`
	BasketKeyPrefix    string `yaml:"basketKeyPrefix"`
	BasketTTLHours     int    `yaml:"basketTtlHours"`
	BasketMaxUnits     int    `yaml:"basketMaxUnits"`
	BasketDebounceMS   int    `yaml:"basketDebounceMs"`
	RequestRateLimit   int    `yaml:"requestRateLimitPerMinute"`
	RateLimitKeyPrefix string `yaml:"rateLimitKeyPrefix"`

	LoanPeriodDays         int   `yaml:"loanPeriodDays"`
	RenewalExtensionDays   int   `yaml:"renewalExtensionDays"`
	MaxRenewals            int   `yaml:"maxRenewals"`
	OverdueRatePerDay      int64 `yaml:"overdueRatePerDay"`
	DamagedLightFee        int64 `yaml:"damagedLightFee"`
	DamagedHeavyFee        int64 `yaml:"damagedHeavyFee"`
	LostFee                int64 `yaml:"lostFee"`
	DefaultMaxActiveCopies int   `yaml:"defaultMaxActiveCopies"`
	MaxUnpaidDebt          int64 `yaml:"maxUnpaidDebt"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	// EventsBackend is "none", "redis" or "amqp".
	EventsBackend string `yaml:"eventsBackend"`
	EventsStream  string `yaml:"eventsStream"`
	AMQPURL       string `yaml:"amqpURL"`
	AMQPExchange  string `yaml:"amqpExchange"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCidrs"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("CIRCULATION_DATABASE_DIALECT"); v != "" {
		cfg.DatabaseDialect = strings.TrimSpace(v)
	}
	if v := os.Getenv("CIRCULATION_LOG_SQL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.LogSQL = b
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CIRCULATION_BASKET_STORE"); v != "" {
		cfg.BasketStore = strings.TrimSpace(v)
	}
	if v := os.Getenv("CIRCULATION_BASKET_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BasketDebounceMS = n
		}
	}
	if v := os.Getenv("CIRCULATION_REQUEST_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestRateLimit = n
		}
	}
	if v := os.Getenv("CIRCULATION_LOAN_PERIOD_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoanPeriodDays = n
		}
	}
	if v := os.Getenv("CIRCULATION_OVERDUE_RATE_PER_DAY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.OverdueRatePerDay = n
		}
	}
	if v := os.Getenv("CIRCULATION_MAX_UNPAID_DEBT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUnpaidDebt = n
		}
	}
	if v := os.Getenv("CIRCULATION_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("CIRCULATION_EVENTS_BACKEND"); v != "" {
		cfg.EventsBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("CIRCULATION_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("CIRCULATION_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	cfg.DatabaseDialect = strings.ToLower(strings.TrimSpace(cfg.DatabaseDialect))
	if cfg.DatabaseDialect == "" {
		cfg.DatabaseDialect = "postgres"
	}
	cfg.BasketStore = strings.ToLower(strings.TrimSpace(cfg.BasketStore))
	if cfg.BasketStore == "" {
		cfg.BasketStore = "memory"
	}
	cfg.EventsBackend = strings.ToLower(strings.TrimSpace(cfg.EventsBackend))
	if cfg.EventsBackend == "" {
		cfg.EventsBackend = "none"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.DatabaseDialect {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("config: databaseDialect %q is not supported (postgres, mysql, sqlite)", cfg.DatabaseDialect)
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or CIRCULATION_AUTH_JWKS_URL)")
	}
	switch cfg.BasketStore {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required when basketStore is redis")
		}
	default:
		return fmt.Errorf("config: basketStore %q is not supported (memory, redis)", cfg.BasketStore)
	}
	switch cfg.EventsBackend {
	case "none":
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required when eventsBackend is redis")
		}
	case "amqp":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required when eventsBackend is amqp (set in config.yaml or AMQP_URL)")
		}
	default:
		return fmt.Errorf("config: eventsBackend %q is not supported (none, redis, amqp)", cfg.EventsBackend)
	}
	if cfg.RequestRateLimit < 0 {
		return errors.New("config: requestRateLimitPerMinute must be >= 0")
	}
	if cfg.RequestRateLimit > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if cfg.LoanPeriodDays < 0 || cfg.RenewalExtensionDays < 0 || cfg.MaxRenewals < 0 || cfg.DefaultMaxActiveCopies < 0 || cfg.BasketMaxUnits < 0 {
		return errors.New("config: circulation limits must be >= 0")
	}
	if cfg.MaxRenewals > maxRenewalsCap {
		return fmt.Errorf("config: maxRenewals must be <= %d", maxRenewalsCap)
	}
	if cfg.OverdueRatePerDay < 0 || cfg.DamagedLightFee < 0 || cfg.DamagedHeavyFee < 0 || cfg.LostFee < 0 || cfg.MaxUnpaidDebt < 0 {
		return errors.New("config: fees must be >= 0")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoanPeriod returns the configured loan period, or zero for the default.
func (c FileConfig) LoanPeriod() time.Duration {
	return days(c.LoanPeriodDays)
}

// RenewalExtension returns the configured renewal step, or zero for the default.
func (c FileConfig) RenewalExtension() time.Duration {
	return days(c.RenewalExtensionDays)
}

// BasketDebounce converts basketDebounceMs; a negative value disables debouncing.
func (c FileConfig) BasketDebounce() time.Duration {
	return time.Duration(c.BasketDebounceMS) * time.Millisecond
}

// BasketTTL returns how long idle baskets are kept in Redis.
func (c FileConfig) BasketTTL() time.Duration {
	return time.Duration(c.BasketTTLHours) * time.Hour
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
