package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/NicolasHaas/chatrelay/pkg/audit"
	"github.com/NicolasHaas/chatrelay/pkg/event"
	"github.com/NicolasHaas/chatrelay/pkg/logging"
	"github.com/NicolasHaas/chatrelay/pkg/server"
	"github.com/NicolasHaas/chatrelay/pkg/version"
)

// serveFlags holds flag values. A flag only overrides the file and
// environment when it was set on the command line.
type serveFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	address          string
	port             int
	maxClients       int
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	maxLineBytes     int
	malformedPolicy  string
	ratePerSecond    float64
	rateBurst        int
	metricsAddr      string
	auditDB          string
}

func newRootCmd() *cobra.Command {
	f := &serveFlags{}
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "TCP chat relay for named clients",
		Version:       version.Get().Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, f)
		},
	}
	bindServeFlags(root, f)

	root.AddCommand(newVersionCmd(), newAuditCmd())
	return root
}

func bindServeFlags(cmd *cobra.Command, f *serveFlags) {
	def := server.DefaultConfig()
	fl := cmd.Flags()

	fl.StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	fl.StringVar(&f.envFile, "env-file", ".env", "dotenv file with CHATRELAY_* overrides (ignored if missing)")
	fl.StringVar(&f.logLevel, "log-level", def.LogLevel, "log level: "+logging.LevelNames())
	fl.StringVar(&f.logFormat, "log-format", def.LogFormat, "log format: text or json")

	fl.StringVarP(&f.address, "address", "a", def.Address, "bind host")
	fl.IntVarP(&f.port, "port", "p", def.Port, "bind port")
	fl.IntVarP(&f.maxClients, "max-clients", "m", def.MaxClients, "maximum concurrent clients")
	fl.DurationVar(&f.handshakeTimeout, "handshake-timeout", def.HandshakeTimeout, "time allowed to send the username")
	fl.DurationVar(&f.writeTimeout, "write-timeout", def.WriteTimeout, "time allowed for one frame write (0 = none)")
	fl.IntVar(&f.maxLineBytes, "max-line-bytes", def.MaxLineBytes, "longest accepted protocol line")
	fl.StringVar(&f.malformedPolicy, "malformed-policy", string(def.MalformedPolicy), "reply or drop")
	fl.Float64Var(&f.ratePerSecond, "rate", def.RateLimit.PerSecond, "commands per second per session (0 = unlimited)")
	fl.IntVar(&f.rateBurst, "rate-burst", def.RateLimit.Burst, "command burst per session")
	fl.StringVar(&f.metricsAddr, "metrics", def.MetricsAddr, "HTTP bind address for /metrics (empty to disable)")
	fl.StringVar(&f.auditDB, "audit-db", def.AuditDB, "SQLite event ledger path (empty to disable)")
}

// loadConfig layers defaults, the config file, the environment and changed
// flags, in that order.
func loadConfig(cmd *cobra.Command, f *serveFlags, lookup func(string) (string, bool)) (server.Config, error) {
	cfg := server.DefaultConfig()
	var err error
	if f.configPath != "" {
		if cfg, err = server.LoadConfigFile(f.configPath, cfg); err != nil {
			return cfg, err
		}
	}
	if cfg, err = server.ApplyEnv(cfg, lookup); err != nil {
		return cfg, err
	}

	fl := cmd.Flags()
	if fl.Changed("address") {
		cfg.Address = f.address
	}
	if fl.Changed("port") {
		cfg.Port = f.port
	}
	if fl.Changed("max-clients") {
		cfg.MaxClients = f.maxClients
	}
	if fl.Changed("handshake-timeout") {
		cfg.HandshakeTimeout = f.handshakeTimeout
	}
	if fl.Changed("write-timeout") {
		cfg.WriteTimeout = f.writeTimeout
	}
	if fl.Changed("max-line-bytes") {
		cfg.MaxLineBytes = f.maxLineBytes
	}
	if fl.Changed("malformed-policy") {
		cfg.MalformedPolicy = server.MalformedPolicy(f.malformedPolicy)
	}
	if fl.Changed("rate") {
		cfg.RateLimit.PerSecond = f.ratePerSecond
	}
	if fl.Changed("rate-burst") {
		cfg.RateLimit.Burst = f.rateBurst
	}
	if fl.Changed("metrics") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if fl.Changed("audit-db") {
		cfg.AuditDB = f.auditDB
	}
	if fl.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fl.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	return cfg, cfg.Validate()
}

// loadEnvFile exports the dotenv file without overriding variables already
// set in the process environment.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, f *serveFlags) error {
	if err := loadEnvFile(f.envFile); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, f, os.LookupEnv)
	if err != nil {
		return err
	}
	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	sinks := event.Multi{event.NewLineSink(cmd.OutOrStdout())}
	if cfg.AuditDB != "" {
		ledger, err := audit.Open(cfg.AuditDB)
		if err != nil {
			return err
		}
		defer func() {
			if err := ledger.Close(); err != nil {
				slog.Warn("close audit ledger", "err", err)
			}
		}()
		sinks = append(sinks, ledger)
		slog.Info("audit ledger enabled", "path", cfg.AuditDB)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting chatrelay", "version", version.Get().String())
	srv := server.New(cfg, server.Dependencies{
		Events: sinks,
		Logger: slog.Default(),
	})
	return srv.Run(ctx)
}
