package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Node struct {
	DataDir  string
	LogFile  string
	LogLevel string
	// JournalFile receives one JSON line per engine event. Empty disables it.
	JournalFile string
	// DeploymentFile is the optional YAML describing feeds, routers and keepers.
	DeploymentFile string
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Extensions struct {
	// Protocol is the order engine address allowed to drive fill hooks.
	Protocol common.Address
	// Owner manages router approvals, heartbeats and the keeper set.
	Owner common.Address
	// Custody is the account the stop-loss swap leg runs through.
	Custody common.Address

	DefaultHeartbeat  time.Duration
	CancellationDelay time.Duration
	MaxGasPriceGwei   uint64

	TwapWindow     time.Duration
	TwapRecency    time.Duration
	TwapMaxSamples int
}

type Keeper struct {
	Enabled  bool
	Address  common.Address
	Interval time.Duration
	MaxBatch int
}

type Config struct {
	Node       Node
	API        API
	Extensions Extensions
	Keeper     Keeper
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:     "data",
			LogFile:     "data/keeperd.log",
			LogLevel:    "info",
			JournalFile: "data/events.log",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Extensions: Extensions{
			Protocol:          common.HexToAddress("0x0000000000000000000000000000000000000B0B"),
			Owner:             common.HexToAddress("0x0000000000000000000000000000000000000A11"),
			Custody:           common.HexToAddress("0x0000000000000000000000000000000000000C0C"),
			DefaultHeartbeat:  4 * time.Hour,
			CancellationDelay: 30 * time.Second,
			MaxGasPriceGwei:   1000,
			TwapWindow:        300 * time.Second,
			TwapRecency:       120 * time.Second,
			TwapMaxSamples:    64,
		},
		Keeper: Keeper{
			Enabled:  true,
			Address:  common.HexToAddress("0x00000000000000000000000000000000000000CE"),
			Interval: 15 * time.Second,
			MaxBatch: 20,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults. Malformed values keep the default.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.DeploymentFile = getEnv("DEPLOYMENT_FILE", cfg.Node.DeploymentFile)
	if v, ok := os.LookupEnv("JOURNAL_FILE"); ok {
		cfg.Node.JournalFile = v
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	setAddress(&cfg.Extensions.Protocol, "PROTOCOL_ADDRESS")
	setAddress(&cfg.Extensions.Owner, "OWNER_ADDRESS")
	setAddress(&cfg.Extensions.Custody, "CUSTODY_ADDRESS")
	setSeconds(&cfg.Extensions.DefaultHeartbeat, "ORACLE_HEARTBEAT_SEC")
	setSeconds(&cfg.Extensions.CancellationDelay, "OCO_CANCELLATION_DELAY_SEC")
	if gwei := os.Getenv("OCO_MAX_GAS_PRICE_GWEI"); gwei != "" {
		if v, err := strconv.ParseUint(gwei, 10, 64); err == nil {
			cfg.Extensions.MaxGasPriceGwei = v
		}
	}
	setSeconds(&cfg.Extensions.TwapWindow, "TWAP_WINDOW_SEC")
	setSeconds(&cfg.Extensions.TwapRecency, "TWAP_RECENCY_SEC")
	setInt(&cfg.Extensions.TwapMaxSamples, "TWAP_MAX_SAMPLES")

	if enabled := os.Getenv("KEEPER_ENABLED"); enabled != "" {
		cfg.Keeper.Enabled = enabled == "true"
	}
	setAddress(&cfg.Keeper.Address, "KEEPER_ADDRESS")
	if ms := os.Getenv("KEEPER_INTERVAL_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			cfg.Keeper.Interval = time.Duration(v) * time.Millisecond
		}
	}
	setInt(&cfg.Keeper.MaxBatch, "KEEPER_MAX_BATCH")

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setAddress(dst *common.Address, key string) {
	if v := os.Getenv(key); common.IsHexAddress(v) {
		*dst = common.HexToAddress(v)
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			*dst = time.Duration(sec) * time.Second
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

// splitList parses "a, b,c" into trimmed, non-empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
