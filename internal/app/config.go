package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"golang.org/x/crypto/bcrypt"
)

// Catalog sources.
const (
	CatalogSourceFile     = "file"
	CatalogSourcePostgres = "postgres"
)

// Config holds the complete application configuration, loadable from
// environment variables (GATEKEEPER_ prefix), flags, or YAML config files.
type Config struct {
	Addr string `default:"0.0.0.0:8080" usage:"API server listen address"`
	// DatabaseURL selects the PostgreSQL directory. Empty keeps accounts in
	// memory.
	DatabaseURL string `usage:"PostgreSQL connection URL (GATEKEEPER_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Token       TokenConfig
	Catalog     CatalogConfig
	Hasher      HasherConfig
	Directory   DirectoryConfig
	Revocation  RevocationConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// TokenConfig controls token issuance.
type TokenConfig struct {
	SigningKey string        `usage:"HMAC signing key, base64url or raw, at least 32 bytes" flag:"signing-key"`
	TTL        time.Duration `default:"1h" usage:"Token lifetime"`
	Issuer     string        `default:"gatekeeper" usage:"Value of the iss claim"`
}

// CatalogConfig controls where the role catalog is loaded from.
type CatalogConfig struct {
	Source         string        `default:"file" usage:"Role catalog source: file or postgres"`
	File           string        `default:"roles.yaml" usage:"Role catalog YAML file"`
	Watch          bool          `default:"true" usage:"Reload the catalog file when it changes"`
	ReloadInterval time.Duration `default:"1m" usage:"Reload interval for the postgres catalog, 0 disables" flag:"catalog-reload-interval"`
}

// HasherConfig controls secret hashing.
type HasherConfig struct {
	Cost int `default:"10" usage:"bcrypt cost"`
}

// DirectoryConfig controls calls into the account directory.
type DirectoryConfig struct {
	Timeout time.Duration `default:"3s" usage:"Deadline for each directory call"`
}

// RevocationConfig controls the token deny list.
type RevocationConfig struct {
	Enabled       bool          `default:"true" usage:"Enable token revocation"`
	Capacity      uint          `default:"10000" usage:"Expected number of revoked tokens"`
	PruneInterval time.Duration `default:"1m" usage:"Interval between deny list prunes" flag:"revocation-prune-interval"`
}

// RateLimitConfig controls the per-client sliding window rate limiter applied
// to the /api/auth/ routes.
type RateLimitConfig struct {
	Max    int           `default:"20" usage:"Max auth requests per window"`
	Window time.Duration `default:"1m" usage:"Rate limit window duration"`

	// TrustProxy keys the limiter on X-Forwarded-For / X-Real-IP. Without it
	// the connection address is used and forwarding headers are ignored.
	TrustProxy bool `default:"false" usage:"Key the limiter on X-Forwarded-For / X-Real-IP; enable only behind a trusted proxy" flag:"rate-limit-trust-proxy"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

func loaderConfig() aconfig.Config {
	return aconfig.Config{
		EnvPrefix: "GATEKEEPER",
		Files:     []string{"config.yaml", "/etc/gatekeeper/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	}
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(loaderConfig())
}

func loadConfig(lc aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, lc).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Token.TTL < time.Second {
		return errors.Errorf("token ttl %s is below one second", c.Token.TTL)
	}
	if c.Hasher.Cost < bcrypt.MinCost || c.Hasher.Cost > bcrypt.MaxCost {
		return errors.Errorf("bcrypt cost %d out of range [%d, %d]", c.Hasher.Cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.RateLimit.Max <= 0 {
		return errors.Errorf("rate limit max %d must be positive", c.RateLimit.Max)
	}
	if c.RateLimit.Window <= 0 {
		return errors.Errorf("rate limit window %s must be positive", c.RateLimit.Window)
	}
	switch c.Catalog.Source {
	case CatalogSourceFile:
		if c.Catalog.File == "" {
			return errors.New("catalog file is required for the file source")
		}
	case CatalogSourcePostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres catalog requires a database URL: set GATEKEEPER_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown catalog source %q", c.Catalog.Source)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's GATEKEEPER_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
