package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/version"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	AllowOrigin string // Access-Control-Allow-Origin and $allowOrigin
	NodeHost    string // externally reachable host name used in every generated URL
	URLScheme   string // scheme of generated URLs

	// Pool and provisioning
	PoolSize          int
	VolumeDriver      string
	VolumeDriverOpts  string // "key:value,key:value"
	ProvisionImages   string // empty disables the provisioner stack
	MinienvVersion    string
	StackDir          string
	EnvTemplate       string
	ProvisionTemplate string

	// External host ports: base + slot index * increment
	LogPortStart    int
	EditorPortStart int
	ProxyPortStart  int
	PortIncrement   int

	// Reconciliation
	CheckInterval    time.Duration
	IdleTimeout      time.Duration // Running without activity
	ClaimTimeout     time.Duration // Claimed without activity
	ProvisionTimeout time.Duration // Provisioning before the provisioner is forced out
	WaitPollInterval time.Duration // teardown and provisioner polling
	WaitTimeout      time.Duration

	// Repository retrieval and deployment
	RepoBranch    string
	FetchTimeout  time.Duration
	FetchRetries  int
	DeployTimeout time.Duration
	Whitelist     []domain.WhitelistRepo

	// Redis mirror, disabled when RedisAddr is empty
	RedisAddr           string
	RedisUser           string
	RedisPassword       string
	RedisDB             int
	RedisDT             time.Duration // dial timeout
	RedisRT             time.Duration // read timeout
	RedisWT             time.Duration // write timeout
	RedisPoolSize       int
	RedisConnectTimeout time.Duration // total time to retry connecting
	RedisRetryInterval  time.Duration // initial wait between retries, grows exponentially
	RedisMaxWait        time.Duration // max wait between retries
	RedisPingTimeout    time.Duration // timeout for each ping attempt

	// Access restrictions
	AllowedCIDRS    []string // optional, restrict operator endpoints (e.g. "10.0.0.0/8, 127.0.0.1")
	TrustProxy      bool     // true => trust X-Forwarded-For headers
	ClaimRateBurst  int
	ClaimRatePerMin int
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("MINIENV_LISTEN_PORT", defaultListenPort()),
		ShutdownTimeout: mustDuration("MINIENV_SHUTDOWN_TIMEOUT", 5*time.Second),

		// Logging
		LogLevel:  getenv("MINIENV_LOG_LEVEL", "info"),
		PrettyLog: mustBool("MINIENV_PRETTY_LOG", false),

		AllowOrigin: getenv("MINIENV_ALLOW_ORIGIN", "*"),
		NodeHost:    requireEnv("MINIENV_NODE_HOST_NAME"),
		URLScheme:   getenv("MINIENV_URL_SCHEME", "http"),

		// Pool and provisioning
		PoolSize:          max(getenvInt("MINIENV_PROVISION_COUNT", 1), 1),
		VolumeDriver:      getenv("MINIENV_PROVISION_VOLUME_DRIVER", ""),
		VolumeDriverOpts:  getenv("MINIENV_PROVISION_VOLUME_DRIVER_OPTS", ""),
		ProvisionImages:   getenv("MINIENV_PROVISION_IMAGES", ""),
		MinienvVersion:    getenv("MINIENV_VERSION", version.MinienvVersion),
		StackDir:          getenv("MINIENV_STACK_DIR", "."),
		EnvTemplate:       getenv("MINIENV_ENV_TEMPLATE", "./docker-compose-env.yml.template"),
		ProvisionTemplate: getenv("MINIENV_PROVISION_TEMPLATE", "./docker-compose-provision.yml.template"),

		LogPortStart:    getenvInt("MINIENV_EXTERNAL_LOG_PORT_START", 40000),
		EditorPortStart: getenvInt("MINIENV_EXTERNAL_EDITOR_PORT_START", 40001),
		ProxyPortStart:  getenvInt("MINIENV_EXTERNAL_PROXY_PORT_START", 40002),
		PortIncrement:   getenvInt("MINIENV_EXTERNAL_PORT_INCREMENT", 10),

		// Reconciliation
		CheckInterval:    mustDuration("MINIENV_CHECK_INTERVAL", 15*time.Second),
		IdleTimeout:      mustDuration("MINIENV_IDLE_TIMEOUT", 60*time.Second),
		ClaimTimeout:     mustDuration("MINIENV_CLAIM_TIMEOUT", 30*time.Second),
		ProvisionTimeout: mustDuration("MINIENV_PROVISION_TIMEOUT", 10*time.Minute),
		WaitPollInterval: mustDuration("MINIENV_WAIT_POLL_INTERVAL", 15*time.Second),
		WaitTimeout:      mustDuration("MINIENV_WAIT_TIMEOUT", 120*time.Second),

		// Repository retrieval and deployment
		RepoBranch:    getenv("MINIENV_REPO_BRANCH", "master"),
		FetchTimeout:  mustDuration("MINIENV_FETCH_TIMEOUT", 10*time.Second),
		FetchRetries:  getenvInt("MINIENV_FETCH_RETRIES", 2),
		DeployTimeout: mustDuration("MINIENV_DEPLOY_TIMEOUT", 5*time.Minute),
		Whitelist:     parseWhitelist(getenv("MINIENV_REPO_WHITELIST", "")),

		// Redis mirror
		RedisAddr:           getenv("MINIENV_REDIS_ADDR", ""),
		RedisUser:           getenv("MINIENV_REDIS_USERNAME", ""),
		RedisPassword:       getenv("MINIENV_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("MINIENV_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),

		// Access restrictions
		AllowedCIDRS:    parseAllowedIPs(getenv("MINIENV_ALLOWED_CIDRS", "")),
		TrustProxy:      mustBool("MINIENV_TRUST_PROXY", false),
		ClaimRateBurst:  getenvInt("MINIENV_CLAIM_RATE_BURST", 10),
		ClaimRatePerMin: getenvInt("MINIENV_CLAIM_RATE_PER_MIN", 30),
	}

	if cfg.PortIncrement < 3 {
		panic(fmt.Sprintf("❌ FATAL: MINIENV_EXTERNAL_PORT_INCREMENT must be >= 3, got %d", cfg.PortIncrement))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfgCopy.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// defaultListenPort honours $PORT as set by most PaaS runtimes.
func defaultListenPort() string {
	if p := os.Getenv("PORT"); p != "" {
		return ":" + p
	}
	return ":8080"
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

// parseWhitelist reads "name|url[|branch]" entries separated by commas.
// Entries without a name or url are skipped.
func parseWhitelist(s string) []domain.WhitelistRepo {
	entries := splitAndTrim(s)
	repos := make([]domain.WhitelistRepo, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, "|")
		if len(parts) < 2 {
			continue
		}
		repo := domain.WhitelistRepo{
			Name: strings.TrimSpace(parts[0]),
			URL:  strings.TrimSpace(parts[1]),
		}
		if len(parts) > 2 {
			repo.Branch = strings.TrimSpace(parts[2])
		}
		if repo.Name == "" || repo.URL == "" {
			continue
		}
		repos = append(repos, repo)
	}
	return repos
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
