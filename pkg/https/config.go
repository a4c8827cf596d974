package https

import (
	"time"

	"github.com/pion/logging"
)

type Config struct {
	Addr            string        `json:"addr"`
	Port            uint16        `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	KeepHosting     bool          `json:"keep_hosting"`
	RetryDelay      time.Duration `json:"retry_delay"`

	// InternalAPIKey, when set, is required on internal endpoints. Without
	// it internal endpoints are limited to TrustedNetworks (nil trusts
	// everyone).
	InternalAPIKey  string   `json:"-"`
	CertPath        string   `json:"-"`
	KeyFile         string   `json:"-"`
	TrustedNetworks []string `json:"-"`

	// requests per minute
	PublicRateLimit   int `json:"public_rate_limit"`
	InternalRateLimit int `json:"internal_rate_limit"`
	BurstSize         int `json:"burst_size"`

	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`

	StrictMode    bool `json:"strict_mode"`
	AllowWildcard bool `json:"allow_wildcard"`
	LogViolations bool `json:"log_violations"`
	MaxAge        int  `json:"max_age"`

	LoggerFactory logging.LoggerFactory `json:"-"`
}

func DefaultConfig() Config {
	c := Config{AllowWildcard: true}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "0.0.0.0"
	}

	if c.Port == 0 {
		c.Port = 8080
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}

	// websocket feeds are long lived, so no write timeout unless asked for

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}

	if c.PublicRateLimit == 0 {
		c.PublicRateLimit = 120
	}

	if c.InternalRateLimit == 0 {
		c.InternalRateLimit = 600
	}

	if c.BurstSize == 0 {
		c.BurstSize = 10
	}

	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}

	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = []string{"GET", "OPTIONS"}
	}

	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = []string{
			"Accept",
			"Accept-Language",
			"Content-Language",
			"Content-Type",
			"Authorization",
			"X-Requested-With",
			"X-Internal-API-Key",
		}
	}

	if len(c.ExposedHeaders) == 0 {
		c.ExposedHeaders = []string{
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
		}
	}

	if c.MaxAge == 0 {
		c.MaxAge = 86400
	}
}

func (c *Config) AddAllowedHeaders(headers ...string) {
	c.AllowedHeaders = append(c.AllowedHeaders, headers...)
}

func (c *Config) AddTrustedNetworks(networks ...string) {
	c.TrustedNetworks = append(c.TrustedNetworks, networks...)
}
