package server

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/bridgefall/bedrockd/pkg/commons/config"
	"github.com/bridgefall/bedrockd/pkg/protocol"
	"github.com/bridgefall/bedrockd/pkg/raknet"
)

const invalidConfigPrefix = "invalid config"

const (
	defaultListenAddr        = "0.0.0.0:19132"
	defaultMaxConnections    = 1024
	defaultMTU               = 1400
	defaultConnectionTimeout = 10 * time.Second
	defaultKeepAliveInterval = 2 * time.Second
	defaultCleanupInterval   = 5 * time.Second
	defaultTickInterval      = 20 * time.Millisecond
	defaultMaxPacketSize     = 65536
	defaultCompressionThresh = 256
	defaultMaxErrors         = 16
	defaultRateLimitPPS      = 20
	defaultRateLimitBurst    = 40
	defaultPacketRate        = 500
	defaultMetricsInterval   = 30 * time.Second
	defaultCookieRotation    = 30 * time.Second
	defaultMOTD              = "bedrockd"
)

// FileConfig is the on-disk form of Config, read from JSON or YAML.
type FileConfig struct {
	ListenAddr           string          `json:"listen_addr" yaml:"listen_addr"`
	MaxConnections       int             `json:"max_connections" yaml:"max_connections"`
	MTU                  int             `json:"mtu" yaml:"mtu"`
	ConnectionTimeout    config.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	KeepAliveInterval    config.Duration `json:"keepalive_interval" yaml:"keepalive_interval"`
	CleanupInterval      config.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	TickInterval         config.Duration `json:"tick_interval" yaml:"tick_interval"`
	MaxPacketSize        int             `json:"max_packet_size" yaml:"max_packet_size"`
	EnableRakNet         *bool           `json:"enable_raknet" yaml:"enable_raknet"`
	EnableJava           bool            `json:"enable_java" yaml:"enable_java"`
	OnlineMode           bool            `json:"online_mode" yaml:"online_mode"`
	Encryption           *bool           `json:"encryption" yaml:"encryption"`
	Compression          string          `json:"compression" yaml:"compression"`
	CompressionThreshold int             `json:"compression_threshold" yaml:"compression_threshold"`
	Cookies              bool            `json:"cookies" yaml:"cookies"`
	MaxErrors            int             `json:"max_errors" yaml:"max_errors"`
	RateLimitPPS         int             `json:"rate_limit_pps" yaml:"rate_limit_pps"`
	RateLimitBurst       int             `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	PacketRate           float64         `json:"packet_rate" yaml:"packet_rate"`
	EnableStats          bool            `json:"enable_stats" yaml:"enable_stats"`
	StatsPath            string          `json:"stats_path" yaml:"stats_path"`
	MetricsInterval      config.Duration `json:"metrics_interval" yaml:"metrics_interval"`
	LogLevel             string          `json:"log_level" yaml:"log_level"`
	LogFormat            string          `json:"log_format" yaml:"log_format"`
	MOTD                 string          `json:"motd" yaml:"motd"`
	BanDB                string          `json:"ban_db" yaml:"ban_db"`
	Verbose              bool            `json:"verbose" yaml:"verbose"`
}

// Config is the validated server configuration.
type Config struct {
	ListenAddr        string
	MaxConnections    int
	MTU               int
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	CleanupInterval   time.Duration
	TickInterval      time.Duration
	MaxPacketSize     int
	EnableRakNet      bool
	// EnableJava keeps the Java family available to the auth service. There
	// is no Java listener; the flag only matters to embedders.
	EnableJava           bool
	OnlineMode           bool
	Encryption           bool
	Compression          string
	CompressionThreshold int
	Cookies              bool
	MaxErrors            int
	RateLimitPPS         int
	RateLimitBurst       int
	PacketRate           float64
	EnableStats          bool
	StatsPath            string
	MetricsInterval      time.Duration
	LogLevel             string
	LogFormat            string
	MOTD                 string
	BanDB                string
	// TrustedRootKey overrides the Bedrock identity root, for tests.
	TrustedRootKey string
}

// ToServerConfig converts the file config into a validated Config.
func (c FileConfig) ToServerConfig() (Config, error) {
	logLevel := c.LogLevel
	if logLevel == "" && c.Verbose {
		logLevel = "debug"
	}
	cfg := Config{
		ListenAddr:           c.ListenAddr,
		MaxConnections:       c.MaxConnections,
		MTU:                  c.MTU,
		ConnectionTimeout:    c.ConnectionTimeout.Duration,
		KeepAliveInterval:    c.KeepAliveInterval.Duration,
		CleanupInterval:      c.CleanupInterval.Duration,
		TickInterval:         c.TickInterval.Duration,
		MaxPacketSize:        c.MaxPacketSize,
		EnableRakNet:         resolveBool(c.EnableRakNet, true),
		EnableJava:           c.EnableJava,
		OnlineMode:           c.OnlineMode,
		Encryption:           resolveBool(c.Encryption, true),
		Compression:          c.Compression,
		CompressionThreshold: c.CompressionThreshold,
		Cookies:              c.Cookies,
		MaxErrors:            c.MaxErrors,
		RateLimitPPS:         c.RateLimitPPS,
		RateLimitBurst:       c.RateLimitBurst,
		PacketRate:           c.PacketRate,
		EnableStats:          c.EnableStats,
		StatsPath:            c.StatsPath,
		MetricsInterval:      c.MetricsInterval.Duration,
		LogLevel:             logLevel,
		LogFormat:            c.LogFormat,
		MOTD:                 c.MOTD,
		BanDB:                c.BanDB,
	}
	return normalizeConfig(cfg)
}

// LoadConfig reads and validates a JSON or YAML config file.
func LoadConfig(path string) (Config, error) {
	var fileCfg FileConfig
	if err := config.LoadFile(path, &fileCfg); err != nil {
		return Config{}, err
	}
	return fileCfg.ToServerConfig()
}

func resolveBool(val *bool, fallback bool) bool {
	if val == nil {
		return fallback
	}
	return *val
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if _, err := netip.ParseAddrPort(cfg.ListenAddr); err != nil {
		return Config{}, fmt.Errorf("%s: listen_addr: %w", invalidConfigPrefix, err)
	}
	if !cfg.EnableRakNet && !cfg.EnableJava {
		return Config{}, fmt.Errorf("%s: at least one of enable_raknet and enable_java must be set", invalidConfigPrefix)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.MTU < raknet.MinMTU || cfg.MTU > raknet.MaxMTU {
		return Config{}, fmt.Errorf("%s: mtu must be between %d and %d", invalidConfigPrefix, raknet.MinMTU, raknet.MaxMTU)
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.KeepAliveInterval >= cfg.ConnectionTimeout {
		return Config{}, fmt.Errorf("%s: keepalive_interval must be shorter than connection_timeout", invalidConfigPrefix)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = defaultMaxPacketSize
	}
	if cfg.MaxPacketSize < cfg.MTU || cfg.MaxPacketSize > 65536 {
		return Config{}, fmt.Errorf("%s: max_packet_size must be between mtu and 65536", invalidConfigPrefix)
	}
	if _, err := protocol.CompressionByName(cfg.Compression); err != nil {
		return Config{}, fmt.Errorf("%s: compression: %w", invalidConfigPrefix, err)
	}
	if cfg.Compression == "" {
		cfg.Compression = "flate"
	}
	if cfg.CompressionThreshold < 0 || cfg.CompressionThreshold > 65535 {
		return Config{}, fmt.Errorf("%s: compression_threshold must be between 0 and 65535", invalidConfigPrefix)
	}
	if cfg.CompressionThreshold == 0 {
		cfg.CompressionThreshold = defaultCompressionThresh
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = defaultMaxErrors
	}
	if cfg.RateLimitPPS < 0 || cfg.RateLimitBurst < 0 || cfg.PacketRate < 0 {
		return Config{}, fmt.Errorf("%s: rate limits must not be negative", invalidConfigPrefix)
	}
	if cfg.RateLimitPPS == 0 {
		cfg.RateLimitPPS = defaultRateLimitPPS
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.PacketRate == 0 {
		cfg.PacketRate = defaultPacketRate
	}
	if cfg.EnableStats && cfg.StatsPath == "" {
		return Config{}, fmt.Errorf("%s: enable_stats needs stats_path", invalidConfigPrefix)
	}
	if cfg.MetricsInterval < 0 {
		return Config{}, fmt.Errorf("%s: metrics_interval must not be negative", invalidConfigPrefix)
	}
	if cfg.MetricsInterval == 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "", "error", "warn", "info", "debug":
	default:
		return Config{}, fmt.Errorf("%s: log_level must be 'error', 'warn', 'info' or 'debug'", invalidConfigPrefix)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return Config{}, fmt.Errorf("%s: log_format must be 'text' or 'json'", invalidConfigPrefix)
	}
	if cfg.MOTD == "" {
		cfg.MOTD = defaultMOTD
	}
	if strings.Contains(cfg.MOTD, ";") {
		return Config{}, fmt.Errorf("%s: motd must not contain ';'", invalidConfigPrefix)
	}
	return cfg, nil
}
