package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Chain     Chain     `mapstructure:"chain"`
	Analysis  Analysis  `mapstructure:"analysis"`
	Logger    Logger    `mapstructure:"logger"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Redis     Redis     `mapstructure:"redis"`
	Lifecycle Lifecycle `mapstructure:"lifecycle"`
	Reconcile Reconcile `mapstructure:"reconcile"`
}

// Chain holds the configuration for the on-chain signal registry.
type Chain struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	RegistryAddress  string        `mapstructure:"registry_address"`
	PrivateKey       string        `mapstructure:"private_key"`
	NetworkID        int64         `mapstructure:"network_id"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"`
	GasMarginPercent uint64        `mapstructure:"gas_margin_percent"`
	PriceDecimals    int32         `mapstructure:"price_decimals"`
}

// Analysis holds the configuration for the upstream analysis proposal API.
type Analysis struct {
	BaseURL        string        `mapstructure:"base_url"`
	ApiKey         string        `mapstructure:"apiKey"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Redis holds the configuration for the distributed per-signal claim.
// An empty Addr selects the in-process lock.
type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// Lifecycle holds the configuration for the signal lifecycle coordinator.
type Lifecycle struct {
	PortfolioPageSize int `mapstructure:"portfolio_page_size"`
}

// Reconcile holds the configuration for the background reconciliation sweep.
type Reconcile struct {
	Enabled              bool          `mapstructure:"enabled"`
	Schedule             string        `mapstructure:"schedule"`
	Concurrency          int           `mapstructure:"concurrency"`
	BatchSize            int           `mapstructure:"batch_size"`
	MaxCloseAttempts     int           `mapstructure:"max_close_attempts"`
	ExpireAfter          time.Duration `mapstructure:"expire_after"`
	CloseOnChainOnExpiry bool          `mapstructure:"close_on_chain_on_expiry"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.confirm_timeout", 2*time.Minute)
	v.SetDefault("chain.gas_margin_percent", 20)
	v.SetDefault("chain.price_decimals", 8)

	v.SetDefault("analysis.timeout", 10*time.Second)
	v.SetDefault("analysis.rate_limit", 10) // requests per second
	v.SetDefault("analysis.rate_limit_burst", 5)
	v.SetDefault("analysis.max_retries", 3)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "signals.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.prefix", "signal-anchor")
	v.SetDefault("redis.lock_ttl", 5*time.Minute)

	v.SetDefault("lifecycle.portfolio_page_size", 200)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "@every 30s")
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.max_close_attempts", 5)
}
