package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Tracker controls how submitted transactions are followed until they land.
type Tracker struct {
	Interval time.Duration // receipt poll interval
	Timeout  time.Duration // give up and treat the tx as lost
}

type Endpoints struct {
	RESTAPIURL string
	WSAPIURL   string
	RPCURL     string
}

type Config struct {
	Address    string
	PrivateKey string
	Markets    string // "*" or "TOKX/TOKY|USD/TOK"
	ConfigFile string

	Endpoints Endpoints
	Tracker   Tracker

	LogLevel string
	LogFile  string
	APIAddr  string

	BinanceDepthLevels int
}

func Default() Config {
	return Config{
		Markets:    "*",
		ConfigFile: "config.toml",
		Tracker: Tracker{
			Interval: 3 * time.Second,
			Timeout:  60 * time.Second,
		},
		LogLevel:           "info",
		BinanceDepthLevels: 5,
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Address = os.Getenv("ADDRESS")
	cfg.PrivateKey = os.Getenv("PRIVATE_KEY")
	cfg.Markets = getEnv("MARKETS", cfg.Markets)
	cfg.ConfigFile = getEnv("CONFIG_FILE", cfg.ConfigFile)

	cfg.Endpoints.RESTAPIURL = os.Getenv("REST_API_URL")
	cfg.Endpoints.WSAPIURL = os.Getenv("WS_API_URL")
	cfg.Endpoints.RPCURL = rpcURL(os.Getenv("RPC_URL"), os.Getenv("RPC_KEY"))

	if ms := os.Getenv("TRACKER_INTERVAL_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil {
			cfg.Tracker.Interval = time.Duration(v) * time.Millisecond
		}
	}
	if ms := os.Getenv("TRACKER_TIMEOUT_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil {
			cfg.Tracker.Timeout = time.Duration(v) * time.Millisecond
		}
	}
	if levels := os.Getenv("BINANCE_DEPTH_LEVELS"); levels != "" {
		if v, err := strconv.Atoi(levels); err == nil {
			cfg.BinanceDepthLevels = v
		}
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = os.Getenv("LOG_FILE")
	cfg.APIAddr = os.Getenv("API_ADDR")

	return cfg
}

// Validate reports the settings the maker cannot start without.
func (c Config) Validate() error {
	var missing []string
	if c.PrivateKey == "" {
		missing = append(missing, "PRIVATE_KEY")
	}
	if c.Endpoints.RESTAPIURL == "" {
		missing = append(missing, "REST_API_URL")
	}
	if c.Endpoints.WSAPIURL == "" {
		missing = append(missing, "WS_API_URL")
	}
	if c.Endpoints.RPCURL == "" {
		missing = append(missing, "RPC_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.Tracker.Interval <= 0 || c.Tracker.Timeout <= 0 {
		return errors.New("tracker interval and timeout must be positive")
	}
	return nil
}

// rpcURL joins the node url with an optional api key path segment.
func rpcURL(base, key string) string {
	if base == "" || key == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + key
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
