package orchestra

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/serenity-labs/orchestra/observe"
	"github.com/serenity-labs/orchestra/resilience"
)

// Config configures an Orchestrator. Zero values fall back to each
// component's defaults, so an empty Config is usable.
type Config struct {
	// ServiceName identifies the service in telemetry.
	// Default: "orchestra"
	ServiceName string
	Version     string

	Dispatch  DispatchConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Cache     CacheConfig
	Health    HealthConfig
	Auth      AuthConfig

	// Telemetry configures tracing, metrics and logging. Its
	// ServiceName is filled from the top-level one when empty.
	Telemetry observe.Config
}

// DispatchConfig configures the task distributor.
type DispatchConfig struct {
	Workers     int
	QueueDepth  int
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	TaskTimeout time.Duration
	Retention   time.Duration
}

// RateLimitConfig configures keyed admission control.
type RateLimitConfig struct {
	Capacity float64
	Refill   float64

	// Strategy selects the admission algorithm:
	// token-bucket, sliding-window or both. Empty means token-bucket.
	Strategy string

	WindowLimit int
	Window      time.Duration
	MinScale    float64

	// Adaptive ties the limiter to the health monitor so limits
	// tighten under load and downstream failures.
	Adaptive bool
}

// BreakerConfig configures per-collaborator circuit breaking.
type BreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
}

// CacheConfig configures the shared result cache.
type CacheConfig struct {
	MaxEntries    int
	TTL           time.Duration
	SweepInterval time.Duration
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Window           time.Duration
	TargetThroughput float64
}

// AuthConfig configures caller identity resolution. Submissions are
// anonymous when neither JWTKey nor APIKeys is set; JWTKey wins when
// both are.
type AuthConfig struct {
	// JWTKey is the HMAC verification key. Supports ${VAR} expansion so
	// the key itself stays out of config files.
	JWTKey string

	// Issuer, when set, is enforced on every token.
	Issuer string

	// APIKeys maps SHA-256 hex hashes of raw API keys to caller
	// subjects. Register hashes with caller.HashKey.
	APIKeys map[string]string
}

var limitStrategies = map[string]resilience.LimitStrategy{
	"":               resilience.StrategyTokenBucket,
	"token-bucket":   resilience.StrategyTokenBucket,
	"sliding-window": resilience.StrategySlidingWindow,
	"both":           resilience.StrategyBoth,
}

// Validate checks cross-field consistency and the embedded telemetry
// config.
func (c *Config) Validate() error {
	if _, ok := limitStrategies[c.RateLimit.Strategy]; !ok {
		return fmt.Errorf("orchestra: unknown rate limit strategy %q", c.RateLimit.Strategy)
	}
	tel := c.telemetry()
	return tel.Validate()
}

// ExpandEnv resolves ${VAR} references in credential-bearing fields,
// erroring on variables missing from the environment.
func (c *Config) ExpandEnv() error {
	key, err := expandEnvStrict(c.Auth.JWTKey)
	if err != nil {
		return fmt.Errorf("orchestra: auth jwt key: %w", err)
	}
	c.Auth.JWTKey = key
	return nil
}

func (c *Config) telemetry() observe.Config {
	tel := c.Telemetry
	if tel.ServiceName == "" {
		tel.ServiceName = c.ServiceName
	}
	if tel.ServiceName == "" {
		tel.ServiceName = "orchestra"
	}
	if tel.Version == "" {
		tel.Version = c.Version
	}
	return tel
}

func (c *Config) limitStrategy() resilience.LimitStrategy {
	return limitStrategies[c.RateLimit.Strategy]
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvStrict expands environment variables in s.
//
// Semantics:
//   - `$VAR` and `${VAR}` are expanded via os.ExpandEnv.
//   - If `${VAR}` is present but VAR is missing from the environment, it errors.
//   - `$$` emits a literal `$` (escape hatch).
func expandEnvStrict(s string) (string, error) {
	const dollarSentinel = "\x00ORCHESTRA_CONFIG_DOLLAR\x00"
	s = strings.ReplaceAll(s, "$$", dollarSentinel)

	missing := make(map[string]struct{})
	for _, match := range envVarPattern.FindAllStringSubmatch(s, -1) {
		key := match[1]
		if _, ok := os.LookupEnv(key); !ok {
			missing[key] = struct{}{}
		}
	}
	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", fmt.Errorf("missing required environment variables: %s", strings.Join(keys, ", "))
	}

	s = os.ExpandEnv(s)
	s = strings.ReplaceAll(s, dollarSentinel, "$")
	return s, nil
}
