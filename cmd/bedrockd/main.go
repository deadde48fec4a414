package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bridgefall/bedrockd/pkg/commons/logger"
	"github.com/bridgefall/bedrockd/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to JSON or YAML config file")
	listenAddr := flag.String("listen", "0.0.0.0:19132", "UDP listen address")
	maxConns := flag.Int("max-conns", 1024, "maximum concurrent connections")
	mtu := flag.Int("mtu", 1400, "maximum RakNet MTU")
	timeout := flag.Duration("timeout", 10*time.Second, "idle connection timeout")
	keepAlive := flag.Duration("keepalive", 2*time.Second, "RakNet keepalive interval")
	onlineMode := flag.Bool("online-mode", false, "require a trusted identity chain")
	encryption := flag.Bool("encryption", true, "enable the encrypted login handshake")
	compression := flag.String("compression", "flate", "batch compression (flate|snappy|none)")
	cookies := flag.Bool("cookies", false, "require RakNet open-connection cookies")
	motd := flag.String("motd", "bedrockd", "message of the day shown in the server list")
	banDB := flag.String("ban-db", "", "path to the SQLite ban database")
	statsPath := flag.String("stats", "", "write CBOR stats snapshots to this path")
	metricsInterval := flag.Duration("metrics-interval", 30*time.Second, "metrics log interval")
	logLevel := flag.String("log-level", "", "log level (debug|info|warn|error)")
	logFormat := flag.String("log-format", "text", "log format (text|json)")
	verbose := flag.Bool("verbose", false, "enable verbose diagnostic logging")
	flag.Parse()

	var fileCfg server.FileConfig
	cfg, err := fileCfg.ToServerConfig()
	if *configPath != "" {
		cfg, err = server.LoadConfig(*configPath)
	}
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	overrides := map[string]func(){
		"listen":           func() { cfg.ListenAddr = *listenAddr },
		"max-conns":        func() { cfg.MaxConnections = *maxConns },
		"mtu":              func() { cfg.MTU = *mtu },
		"timeout":          func() { cfg.ConnectionTimeout = *timeout },
		"keepalive":        func() { cfg.KeepAliveInterval = *keepAlive },
		"online-mode":      func() { cfg.OnlineMode = *onlineMode },
		"encryption":       func() { cfg.Encryption = *encryption },
		"compression":      func() { cfg.Compression = *compression },
		"cookies":          func() { cfg.Cookies = *cookies },
		"motd":             func() { cfg.MOTD = *motd },
		"ban-db":           func() { cfg.BanDB = *banDB },
		"metrics-interval": func() { cfg.MetricsInterval = *metricsInterval },
		"log-level":        func() { cfg.LogLevel = *logLevel },
		"log-format":       func() { cfg.LogFormat = *logFormat },
		"verbose": func() {
			if *verbose && *logLevel == "" {
				cfg.LogLevel = "debug"
			}
		},
		"stats": func() {
			cfg.StatsPath = *statsPath
			cfg.EnableStats = *statsPath != ""
		},
	}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	logr := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	srv, err := server.NewServer(cfg, server.NopHandler{}, server.WithLogger(logr))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-srv.Ready()
		logr.Info("bedrock server listening", "addr", srv.Addr().String())
	}()

	if err := srv.Serve(ctx); err != nil {
		logr.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
