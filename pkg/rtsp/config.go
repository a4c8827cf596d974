package rtsp

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/pion/logging"

	"github.com/harshabose/hermes/pkg/metrics"
)

type Config struct {
	Port int
	// MountPath is the only path clients can play from.
	MountPath string
	StoreKey  string

	Height uint32
	Width  uint32
	FPS    int

	MaxClients           int
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	TLSConfig            *tls.Config
	ClientSessionTimeout time.Duration
	AllowLocalOnly       bool
	UDPRTPAddress        string
	UDPRTCPAddress       string
	WriteQueueSize       int
	ReServeAttempts      int
	ReServerDelay        time.Duration
	MetricsPrintInterval time.Duration

	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

func DefaultConfig() Config {
	c := Config{}
	c.SetDefaults()

	return c
}

func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 6969
	}

	if c.MountPath == "" {
		c.MountPath = "/hermes"
	}
	c.MountPath = "/" + strings.Trim(c.MountPath, "/")

	if c.StoreKey == "" {
		c.StoreKey = "tello"
	}

	if c.Height == 0 {
		c.Height = 720
	}

	if c.Width == 0 {
		c.Width = 960
	}

	if c.FPS <= 0 {
		c.FPS = 30
	}

	if c.MaxClients == 0 {
		c.MaxClients = 16
	}

	if c.ClientSessionTimeout == 0 {
		c.ClientSessionTimeout = 60 * time.Second
	}

	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = 256
	}

	// ReServeAttempts: 0 means no retry, negative retries forever.

	if c.ReServerDelay == 0 {
		c.ReServerDelay = 3 * time.Second
	}

	if c.MetricsPrintInterval == 0 {
		c.MetricsPrintInterval = 30 * time.Second
	}
}

// FrameDuration is the spacing of buffer timestamps, 1/FPS seconds.
func (c Config) FrameDuration() time.Duration {
	return time.Second / time.Duration(c.FPS)
}
