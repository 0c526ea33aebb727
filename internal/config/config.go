package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultCloudBaseURL is the vendor open API used outside dev mode.
const DefaultCloudBaseURL = "https://euopen.ttlock.com/v3"

// Config holds the application configuration
type Config struct {
	Port     string
	LogLevel string
	DevMode  bool

	JWTSecret            string
	SessionTTL           time.Duration
	EnforceSessionExpiry bool

	// StoreBackend is one of file, redis or memory.
	StoreBackend string
	StorePath    string
	RedisURL     string

	// DatabaseURL enables the provisioning run journal when set.
	DatabaseURL string

	CloudBaseURL     string
	CloudClientID    string
	CloudAccessToken string
	CloudKeyReceiver string

	InventoryBaseURL string
	InventoryAPIKey  string

	// BLEBackend is sim or hci.
	BLEBackend   string
	SimFleetFile string
	HCIDevice    int

	// SimCatalogFile replaces the dev-mode inventory's building catalogue.
	SimCatalogFile string

	MQTTBroker      string
	MQTTTopicPrefix string

	ConnectAttempts int
	HTTPAttempts    int
	LogSyncInterval time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:             "8080",
		LogLevel:         "info",
		SessionTTL:       8 * time.Hour,
		StoreBackend:     "file",
		StorePath:        "data/wizsmith.json",
		CloudKeyReceiver: "wizsmith_master_admin",
		BLEBackend:       "sim",
		MQTTTopicPrefix:  "wizsmith/provisioning",
		ConnectAttempts:  5,
		HTTPAttempts:     3,
		LogSyncInterval:  5 * time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	// JWT_SECRET (required)
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	var err error
	if cfg.SessionTTL, err = durationEnv("SESSION_TTL", cfg.SessionTTL); err != nil {
		return nil, err
	}
	cfg.EnforceSessionExpiry = os.Getenv("SESSION_ENFORCE_EXPIRY") == "true"

	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		cfg.StoreBackend = strings.ToLower(backend)
	}
	switch cfg.StoreBackend {
	case "file", "memory":
	case "redis":
		cfg.RedisURL = os.Getenv("REDIS_URL")
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	if path := os.Getenv("STORE_PATH"); path != "" {
		cfg.StorePath = path
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// Dev mode leaves it empty so the simulated cloud is served instead.
	cfg.CloudBaseURL = os.Getenv("CLOUD_BASE_URL")
	if cfg.CloudBaseURL == "" && !cfg.DevMode {
		cfg.CloudBaseURL = DefaultCloudBaseURL
	}
	cfg.CloudClientID = os.Getenv("CLOUD_CLIENT_ID")
	cfg.CloudAccessToken = os.Getenv("CLOUD_ACCESS_TOKEN")
	if v := os.Getenv("CLOUD_KEY_RECEIVER"); v != "" {
		cfg.CloudKeyReceiver = v
	}
	cfg.InventoryBaseURL = os.Getenv("INVENTORY_BASE_URL")
	cfg.InventoryAPIKey = os.Getenv("INVENTORY_API_KEY")

	// Outside dev mode both remote services must be configured.
	if !cfg.DevMode {
		if cfg.CloudClientID == "" || cfg.CloudAccessToken == "" {
			return nil, fmt.Errorf("CLOUD_CLIENT_ID and CLOUD_ACCESS_TOKEN are required unless DEV_MODE=true")
		}
		if cfg.InventoryBaseURL == "" {
			return nil, fmt.Errorf("INVENTORY_BASE_URL is required unless DEV_MODE=true")
		}
	}

	if v := os.Getenv("BLE_BACKEND"); v != "" {
		cfg.BLEBackend = strings.ToLower(v)
	}
	if cfg.BLEBackend != "sim" && cfg.BLEBackend != "hci" {
		return nil, fmt.Errorf("unknown BLE_BACKEND %q", cfg.BLEBackend)
	}
	cfg.SimFleetFile = os.Getenv("SIM_FLEET_FILE")
	cfg.SimCatalogFile = os.Getenv("SIM_CATALOG_FILE")
	if cfg.HCIDevice, err = intEnv("HCI_DEVICE", 0); err != nil {
		return nil, err
	}

	cfg.MQTTBroker = os.Getenv("MQTT_BROKER")
	if v := os.Getenv("MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTTTopicPrefix = strings.TrimSuffix(v, "/")
	}

	if cfg.ConnectAttempts, err = intEnv("CONNECT_ATTEMPTS", cfg.ConnectAttempts); err != nil {
		return nil, err
	}
	if cfg.HTTPAttempts, err = intEnv("HTTP_ATTEMPTS", cfg.HTTPAttempts); err != nil {
		return nil, err
	}
	if cfg.LogSyncInterval, err = durationEnv("LOG_SYNC_INTERVAL", cfg.LogSyncInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}
