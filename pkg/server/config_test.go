package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bridgefall/bedrockd/pkg/commons/config"
)

func boolPtr(v bool) *bool { return &v }

func TestFileConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		cfg     FileConfig
		wantErr bool
	}{
		{name: "defaults", cfg: FileConfig{}},
		{name: "explicit listen", cfg: FileConfig{ListenAddr: "[::]:19133"}},
		{name: "bad listen", cfg: FileConfig{ListenAddr: "localhost"}, wantErr: true},
		{name: "mtu too small", cfg: FileConfig{MTU: 400}, wantErr: true},
		{name: "mtu too large", cfg: FileConfig{MTU: 9000}, wantErr: true},
		{name: "both families off", cfg: FileConfig{EnableRakNet: boolPtr(false)}, wantErr: true},
		{name: "java only", cfg: FileConfig{EnableRakNet: boolPtr(false), EnableJava: true}},
		{
			name: "keepalive not below timeout",
			cfg: FileConfig{
				ConnectionTimeout: config.Duration{Duration: time.Second},
				KeepAliveInterval: config.Duration{Duration: time.Second},
			},
			wantErr: true,
		},
		{name: "packet size below mtu", cfg: FileConfig{MaxPacketSize: 1000, MTU: 1400}, wantErr: true},
		{name: "packet size too large", cfg: FileConfig{MaxPacketSize: 70000}, wantErr: true},
		{name: "unknown compression", cfg: FileConfig{Compression: "lz4"}, wantErr: true},
		{name: "snappy", cfg: FileConfig{Compression: "snappy"}},
		{name: "threshold too large", cfg: FileConfig{CompressionThreshold: 70000}, wantErr: true},
		{name: "negative rate", cfg: FileConfig{RateLimitPPS: -1}, wantErr: true},
		{name: "stats without path", cfg: FileConfig{EnableStats: true}, wantErr: true},
		{name: "stats with path", cfg: FileConfig{EnableStats: true, StatsPath: "stats.cbor"}},
		{name: "bad log level", cfg: FileConfig{LogLevel: "trace"}, wantErr: true},
		{name: "bad log format", cfg: FileConfig{LogFormat: "xml"}, wantErr: true},
		{name: "motd separator", cfg: FileConfig{MOTD: "a;b"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.ToServerConfig()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil && !strings.HasPrefix(err.Error(), invalidConfigPrefix) {
				t.Fatalf("error %q lacks the %q prefix", err, invalidConfigPrefix)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := FileConfig{Verbose: true}.ToServerConfig()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.MTU != defaultMTU || cfg.MaxConnections != defaultMaxConnections {
		t.Fatalf("network defaults = %+v", cfg)
	}
	if !cfg.EnableRakNet || !cfg.Encryption || cfg.OnlineMode {
		t.Fatalf("feature defaults = %+v", cfg)
	}
	if cfg.Compression != "flate" || cfg.CompressionThreshold != defaultCompressionThresh {
		t.Fatalf("compression defaults = %q %d", cfg.Compression, cfg.CompressionThreshold)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("verbose should select debug, got %q", cfg.LogLevel)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bedrockd.yaml")
	doc := `listen_addr: "127.0.0.1:19140"
max_connections: 20
connection_timeout: 15s
keepalive_interval: 3s
encryption: false
compression: none
motd: "Test Realm"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:19140" || cfg.MaxConnections != 20 || cfg.MOTD != "Test Realm" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ConnectionTimeout != 15*time.Second || cfg.KeepAliveInterval != 3*time.Second {
		t.Fatalf("durations = %v %v", cfg.ConnectionTimeout, cfg.KeepAliveInterval)
	}
	if cfg.Encryption || cfg.Compression != "none" {
		t.Fatalf("encryption=%v compression=%q", cfg.Encryption, cfg.Compression)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bedrockd.json")
	doc := `{"listen_addr": "0.0.0.0:19132", "online_mode": true, "cleanup_interval": "1s", "rate_limit_pps": 5}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.OnlineMode || cfg.CleanupInterval != time.Second || cfg.RateLimitPPS != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
