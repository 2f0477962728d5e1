package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendAirtable = "airtable"
	BackendSQLite   = "sqlite"

	defaultRedirectURL = "https://chat.openai.com"
)

// Config is the full runtime configuration of the gateway.
type Config struct {
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	// APIKey is the shared secret clients present. Empty means misconfigured.
	APIKey string `yaml:"-"`

	Directory DirectoryConfig `yaml:"directory"`
	Stripe    StripeConfig    `yaml:"stripe"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// PlanPrices maps plan names to monthly prices for revenue estimates.
	PlanPrices map[string]float64 `yaml:"plan_prices"`

	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
}

type DirectoryConfig struct {
	Backend        string `yaml:"backend"`
	AirtableAPIKey string `yaml:"-"`
	AirtableBaseID string `yaml:"airtable_base_id"`
	AirtableTable  string `yaml:"airtable_table"`
	AirtableAPIURL string `yaml:"airtable_api_url"`
	DBPath         string `yaml:"db_path"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"-"`
	WebhookSecret string `yaml:"-"`
	PriceID       string `yaml:"price_id"`
	SuccessURL    string `yaml:"success_url"`
	CancelURL     string `yaml:"cancel_url"`
	ReturnURL     string `yaml:"return_url"`
}

type CORSConfig struct {
	FrontendURL    string   `yaml:"frontend_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RateLimitConfig struct {
	Window    time.Duration `yaml:"window"`
	Max       int           `yaml:"max"`
	KeyWindow time.Duration `yaml:"key_window"`
	KeyMax    int           `yaml:"key_max"`
	MaxKeys   int           `yaml:"max_keys"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:        "8080",
		Environment: "development",
		LogLevel:    "info",
		LogFormat:   "text",
		Directory: DirectoryConfig{
			AirtableTable:  "Users",
			AirtableAPIURL: "https://api.airtable.com/v0",
			DBPath:         "gptpaywall.db",
		},
		Stripe: StripeConfig{
			SuccessURL: defaultRedirectURL,
			CancelURL:  defaultRedirectURL,
			ReturnURL:  defaultRedirectURL,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"https://chat.openai.com", "https://chatgpt.com"},
		},
		RateLimit: RateLimitConfig{
			Window:    15 * time.Minute,
			Max:       100,
			KeyWindow: time.Minute,
			KeyMax:    30,
			MaxKeys:   10000,
		},
		PlanPrices: map[string]float64{
			"pro":        29,
			"premium":    49,
			"enterprise": 99,
		},
		UpstreamTimeout: 5 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in that order of precedence.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}

	if cfg.Directory.Backend == "" {
		if cfg.Directory.AirtableAPIKey != "" {
			cfg.Directory.Backend = BackendAirtable
		} else {
			cfg.Directory.Backend = BackendSQLite
		}
	}
	cfg.CORS.AllowedOrigins = addOrigins(cfg.CORS.AllowedOrigins, cfg.CORS.FrontendURL)
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	// Origins listed in the file extend the defaults rather than replace them.
	defaults := c.CORS.AllowedOrigins
	c.CORS.AllowedOrigins = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	c.CORS.AllowedOrigins = addOrigins(defaults, c.CORS.AllowedOrigins...)
	return nil
}

// addOrigins appends the origins not already in list.
func addOrigins(list []string, origins ...string) []string {
	out := slices.Clone(list)
	for _, o := range origins {
		if o != "" && !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) loadEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.Environment, "ENVIRONMENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.APIKey, "GPT_API_KEY")

	setString(&c.Directory.Backend, "DIRECTORY_BACKEND")
	setString(&c.Directory.AirtableAPIKey, "AIRTABLE_API_KEY")
	setString(&c.Directory.AirtableBaseID, "AIRTABLE_BASE_ID")
	setString(&c.Directory.AirtableTable, "AIRTABLE_TABLE")
	setString(&c.Directory.AirtableAPIURL, "AIRTABLE_API_URL")
	setString(&c.Directory.DBPath, "DB_PATH")

	setString(&c.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	setString(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&c.Stripe.PriceID, "STRIPE_PRICE_ID")
	setString(&c.Stripe.SuccessURL, "SUCCESS_URL")
	setString(&c.Stripe.CancelURL, "CANCEL_URL")
	setString(&c.Stripe.ReturnURL, "RETURN_URL")

	setString(&c.CORS.FrontendURL, "FRONTEND_URL")

	var errs []error
	errs = append(errs,
		setDuration(&c.RateLimit.Window, "RATE_LIMIT_WINDOW"),
		setInt(&c.RateLimit.Max, "RATE_LIMIT_MAX"),
		setDuration(&c.RateLimit.KeyWindow, "KEY_RATE_LIMIT_WINDOW"),
		setInt(&c.RateLimit.KeyMax, "KEY_RATE_LIMIT_MAX"),
		setInt(&c.RateLimit.MaxKeys, "RATE_LIMIT_MAX_KEYS"),
		setDuration(&c.UpstreamTimeout, "UPSTREAM_TIMEOUT"),
	)
	return errors.Join(errs...)
}

// Production reports whether the gateway runs in production mode.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate reports settings required for the configured backends. A missing
// API key is not reported here; the authenticator answers for it per request.
func (c Config) Validate() error {
	var errs []error
	switch c.Directory.Backend {
	case BackendAirtable:
		if c.Directory.AirtableAPIKey == "" {
			errs = append(errs, errors.New("AIRTABLE_API_KEY is required for the airtable backend"))
		}
		if c.Directory.AirtableBaseID == "" {
			errs = append(errs, errors.New("AIRTABLE_BASE_ID is required for the airtable backend"))
		}
	case BackendSQLite:
		if c.Directory.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DIRECTORY_BACKEND %q", c.Directory.Backend))
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.KeyMax <= 0 {
		errs = append(errs, errors.New("rate limit max must be positive"))
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.KeyWindow <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// setDuration accepts Go duration syntax or a bare number of milliseconds.
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
