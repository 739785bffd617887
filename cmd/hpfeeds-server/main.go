// Copyright 2024 The hpfeeds-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package main is the entrypoint for the hpfeeds broker.
package main

import (
	"context"
	cryptotls "crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/hpfeeds-go/pkg/auth"
	"github.com/turtacn/hpfeeds-go/pkg/broker"
	"github.com/turtacn/hpfeeds-go/pkg/config"
	"github.com/turtacn/hpfeeds-go/pkg/logger"
	"github.com/turtacn/hpfeeds-go/pkg/metrics"
	"github.com/turtacn/hpfeeds-go/pkg/monitor"
	"github.com/turtacn/hpfeeds-go/pkg/tls"
)

var version = "dev"

const healthInterval = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hpfeeds-server",
		Short:         "HPFeeds publish/subscribe broker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				return err
			}
			logger.Setup(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			if err := run(cmd.Context(), cfg); err != nil {
				slog.Error("broker stopped", "error", err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("config", "", "Path to a YAML or JSON configuration file")
	f.String("name", "", "Broker name announced in the Info frame")
	f.String("host", "", "Address to listen on")
	f.Int("port", 0, "Port to listen on")
	f.Int("metrics-port", 0, "Port for the Prometheus endpoint (-1 disables it)")
	f.Int("queue-size", 0, "Per-subscriber queue size in frames")
	f.StringArray("auth", nil, "Add an ident:secret pair allowed on every channel (repeatable)")
	f.String("users-file", "", "YAML or JSON users file, watched for changes")
	f.String("auth-backend", "", "Credential backend: memory, file, postgres or mysql")
	f.String("dsn", "", "Database DSN for the postgres and mysql backends")
	f.String("tls-cert", "", "PEM certificate chain; enables TLS together with --tls-key")
	f.String("tls-key", "", "PEM private key")
	f.Bool("json", false, "Log JSON lines instead of text")
	f.String("log-level", "", "Log level: debug, info, warn or error")
	return cmd
}

// loadConfig merges the configuration file, environment and the flags that
// have no direct configuration key.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := config.Load(path, f)
	if err != nil {
		return nil, err
	}

	creds, _ := f.GetStringArray("auth")
	for _, pair := range creds {
		if err := cfg.AddCredential(pair); err != nil {
			return nil, err
		}
	}
	if f.Changed("users-file") && !f.Changed("auth-backend") {
		cfg.Auth.Backend = config.BackendFile
	}
	if f.Changed("metrics-port") {
		port, _ := f.GetInt("metrics-port")
		if port < 0 {
			cfg.Metrics.Enabled = false
		} else {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Addr = ":" + strconv.Itoa(port)
		}
	}
	if asJSON, _ := f.GetBool("json"); asJSON {
		cfg.Log.Format = "json"
	}
	return cfg, nil
}

// run serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	backend, err := cfg.BuildStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open credential backend: %w", err)
	}
	defer backend.Close() //nolint:errcheck

	engine := auth.NewEngine(backend.Store, cfg.EngineOptions(log))
	b := broker.New(engine, cfg.BrokerOptions(log))

	var (
		tlsConfig *cryptotls.Config
		certs     *tls.CertificateManager
	)
	if cfg.TLS.Enabled() {
		certs, err = tls.NewCertificateManager(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		tlsConfig = certs.TLSConfig()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.ListenAndServe(gctx, cfg.Addr(), tlsConfig)
	})
	if cfg.Metrics.Enabled {
		health := monitor.NewHealthChecker(version)
		health.RegisterCheck("auth-backend", backend.Ping, true)
		g.Go(func() error {
			return health.Run(gctx, healthInterval)
		})
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, monitor.NewHealthServer(health, b).RegisterRoutes)
		})
	}
	if backend.File != nil {
		// Cached ACLs must not outlive an edit of the users file.
		backend.File.OnChange(engine.Purge)
		g.Go(func() error {
			return backend.File.Watch(gctx)
		})
	}
	g.Go(func() error {
		reloadOnHangup(gctx, certs, backend.File)
		return nil
	})
	return g.Wait()
}

// reloadOnHangup re-reads the TLS certificate and users file on SIGHUP.
func reloadOnHangup(ctx context.Context, certs *tls.CertificateManager, users *auth.FileStore) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reloading")
			if certs != nil {
				if err := certs.Reload(); err != nil {
					slog.Error("failed to reload TLS certificate", "error", err)
				}
			}
			if users != nil {
				if err := users.Reload(); err != nil {
					slog.Error("failed to reload users file", "error", err)
				}
			}
		}
	}
}
