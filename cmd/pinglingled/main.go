// pinglingled is the ping latency monitor daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/KaiEkkrin/pinglingle/internal/app"
	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/loader"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pinglingled: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// CLI flags
	cfgPath := flag.String("config", "pinglingle.yaml", "config file path")
	envPath := flag.String("env", ".env", "dotenv file loaded before the config")
	listen := flag.String("listen", "", "listen address (overrides config)")
	driver := flag.String("driver", "", "store driver: duckdb or pgx (overrides config)")
	dsn := flag.String("dsn", "", "store DSN (overrides config)")
	method := flag.String("probe", "", "probe method: icmp or snmp (overrides config)")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return nil
	}

	// A missing .env is normal.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envPath, err)
	}

	// Load config
	cfg, err := loader.Load(*cfgPath)
	configPath := *cfgPath
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		cfg = loader.DefaultConfig()
		configPath = ""
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	if *method != "" {
		cfg.Probe.Method = *method
	}
	if *noTLS {
		cfg.TLS.CertFile = ""
		cfg.TLS.KeyFile = ""
	}
	if *tlsCert != "" {
		cfg.TLS.CertFile = *tlsCert
	}
	if *tlsKey != "" {
		cfg.TLS.KeyFile = *tlsKey
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := loader.Validate(cfg); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Logging.Format == "json")

	log := logging.Component("main")
	log.Info("pinglingled starting", "version", Version)
	if configPath == "" {
		log.Info("no config file found, using defaults", "path", *cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{Config: cfg, ConfigPath: configPath})
	if err != nil {
		return err
	}

	log.Info("listening", "addr", a.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info("shut down cleanly")
	return nil
}
