package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"
)

type Config struct {
	DBDialect string // postgres only
	DBDsn     string // DSN string passed to GORM driver
	Debug     bool

	// ChainID scopes key rotation: exactly one ACTIVE key exists per chain.
	ChainID string

	// GenesisSequence is the sequence number of the first block.
	GenesisSequence uint64

	// UptimeWindow is the number of most recent blocks used when recomputing
	// a validator's uptime ratio.
	UptimeWindow int

	// Retention/rotation policy. All background cadences are configuration,
	// not hard-coded.
	ArchiveInterval    time.Duration
	ArchiveRetention   time.Duration
	KeyRotateInterval  time.Duration
	KeyExpiryThreshold time.Duration
	KeyLifetime        time.Duration
	KeyAlgorithm       string
	AnalyticsInterval  time.Duration
	BridgeStuckTimeout time.Duration

	// Chain event feed (ingest). Ingest is disabled when RPCURL is empty.
	RPCURL string
	WSPath string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

func getenvUint(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case DatabaseSchemePostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DatabaseSchemePostgres, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

func Load() Config {
	cfg := Config{
		Debug:              getenvBool("DEBUG", false),
		ChainID:            getenv("CHAIN_ID", "mainnet"),
		GenesisSequence:    getenvUint("GENESIS_SEQUENCE", 1),
		UptimeWindow:       getenvInt("UPTIME_WINDOW_BLOCKS", 100),
		ArchiveInterval:    getenvDuration("ARCHIVE_INTERVAL", 10*time.Minute),
		ArchiveRetention:   getenvDuration("ARCHIVE_RETENTION", 720*time.Hour),
		KeyRotateInterval:  getenvDuration("KEY_ROTATE_INTERVAL", 5*time.Minute),
		KeyExpiryThreshold: getenvDuration("KEY_EXPIRY_THRESHOLD", 24*time.Hour),
		KeyLifetime:        getenvDuration("KEY_LIFETIME", 90*24*time.Hour),
		KeyAlgorithm:       getenv("KEY_ALGORITHM", "ML-DSA-65"),
		AnalyticsInterval:  getenvDuration("ANALYTICS_INTERVAL", 15*time.Minute),
		BridgeStuckTimeout: getenvDuration("BRIDGE_STUCK_TIMEOUT", time.Hour),
		RPCURL:             os.Getenv("RPC_URL"),
		WSPath:             getenv("WS_PATH", "/websocket"),
	}

	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		if dialect, dsn, err := parseDatabaseURL(dbURL); err == nil {
			cfg.DBDialect = dialect
			cfg.DBDsn = dsn
		} else {
			fmt.Fprintf(os.Stderr, "warning: invalid DATABASE_URL, disabling persistence: %v\n", err)
		}
	}

	return cfg
}

func (c Config) WSURL() string {
	// cometbft http client expects a separate ws endpoint path
	return c.WSPath
}

func (c Config) String() string {
	return fmt.Sprintf("chain=%s db=%s rpc=%s", c.ChainID, c.DBDialect, c.RPCURL)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"chain=%s db=%s dsn=%s rpc=%s ws_path=%s retention=%s key_threshold=%s analytics=%s",
		c.ChainID,
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		c.RPCURL,
		c.WSPath,
		c.ArchiveRetention,
		c.KeyExpiryThreshold,
		c.AnalyticsInterval,
	)
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				username := u.User.Username()
				u.User = url.User(username)
			}
			return u.String()
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			lower := strings.ToLower(p)
			if strings.HasPrefix(lower, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
