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


// Package main is the entrypoint of the hpfeeds collector, which relays the
// publishes of one or more channels to an external sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/turtacn/hpfeeds-go/pkg/collector"
	"github.com/turtacn/hpfeeds-go/pkg/connector"
	"github.com/turtacn/hpfeeds-go/pkg/logger"
	"github.com/turtacn/hpfeeds-go/pkg/tls"
)

var version = "dev"

// envPrefix prefixes environment overrides, e.g. HPFEEDS_COLLECTOR_SECRET.
const envPrefix = "HPFEEDS_COLLECTOR"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// settings is the merged view of flags, environment and config file.
type settings struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	Ident       string   `mapstructure:"ident"`
	Secret      string   `mapstructure:"secret"`
	Channels    []string `mapstructure:"channels"`
	TLS         bool     `mapstructure:"tls"`
	TLSCA       string   `mapstructure:"tls-ca"`
	TLSInsecure bool     `mapstructure:"tls-insecure"`

	BatchSize     int           `mapstructure:"batch-size"`
	FlushInterval time.Duration `mapstructure:"flush-interval"`
	QueueSize     int           `mapstructure:"queue-size"`
	LogLevel      string        `mapstructure:"log-level"`
	JSON          bool          `mapstructure:"json"`

	Sink connector.Config `mapstructure:"sink"`
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "hpfeeds-collector",
		Short:         "Relay hpfeeds channels to an external sink",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v, cmd)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				return err
			}
			format := "text"
			if s.JSON {
				format = "json"
			}
			logger.Setup(cmd.ErrOrStderr(), s.LogLevel, format)
			if err := run(cmd.Context(), s, connector.DefaultRegistry()); err != nil {
				slog.Error("collector stopped", "error", err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("config", "", "YAML or JSON file with the same keys as the flags")
	f.String("host", "127.0.0.1", "Broker host")
	f.Int("port", 10000, "Broker port")
	f.StringP("ident", "i", "", "Identity to authenticate as")
	f.StringP("secret", "s", "", "Secret for --ident")
	f.StringSliceP("channels", "c", nil, "Channels to collect (repeatable or comma separated)")
	f.Bool("tls", false, "Connect over TLS")
	f.String("tls-ca", "", "CA certificate used to verify the broker")
	f.Bool("tls-insecure", false, "Skip broker certificate verification")

	f.StringP("output", "o", connector.TypeConsole, "Sink type: "+strings.Join(connector.DefaultRegistry().Types(), ", "))
	f.String("path", "", "Output file of the file sink")
	f.String("url", "", "URL of the redis, nats, mqtt or http sink")
	f.StringSlice("brokers", nil, "Kafka bootstrap servers")
	f.String("driver", "", "SQL driver of the postgres and mysql sinks")
	f.String("dsn", "", "DSN of the postgres and mysql sinks")
	f.String("table", "", "Destination table of the SQL sinks")
	f.String("topic", "", "Redis key or channel, Kafka topic, or NATS/MQTT prefix")
	f.String("mode", "", "Redis mode (publish, rpush) or http mode (json, splunk)")
	f.String("token", "", "Bearer or Splunk HEC token of the http sink")
	f.Uint8("qos", 0, "MQTT publish QoS, 0 or 1")

	f.Int("batch-size", collector.DefaultBatchSize, "Flush after this many events")
	f.Duration("flush-interval", collector.DefaultFlushInterval, "Flush at least this often")
	f.Int("queue-size", collector.DefaultQueueSize, "Events buffered before the oldest is dropped")
	f.String("log-level", "info", "Log level: debug, info, warn or error")
	f.Bool("json", false, "Log JSON lines instead of text")
	return cmd
}

// sinkFlags maps sink flags to their keys under "sink".
var sinkFlags = map[string]string{
	"output":  "sink.type",
	"path":    "sink.path",
	"url":     "sink.url",
	"brokers": "sink.brokers",
	"driver":  "sink.driver",
	"dsn":     "sink.dsn",
	"table":   "sink.table",
	"topic":   "sink.topic",
	"mode":    "sink.mode",
	"token":   "sink.token",
	"qos":     "sink.qos",
}

func loadSettings(v *viper.Viper, cmd *cobra.Command) (*settings, error) {
	f := cmd.Flags()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for name, key := range sinkFlags {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			return nil, err
		}
	}
	if err := v.BindPFlags(f); err != nil {
		return nil, err
	}
	if path, _ := f.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	// Flags arrive as strings from the environment and config file alike.
	s.Channels = splitList(v.GetStringSlice("channels"))
	s.Sink.Brokers = splitList(v.GetStringSlice("sink.brokers"))

	if s.Ident == "" {
		return nil, errors.New("--ident is required")
	}
	if len(s.Channels) == 0 {
		return nil, errors.New("at least one --channels entry is required")
	}
	return &s, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// run connects the sink and relays until ctx is cancelled.
func run(ctx context.Context, s *settings, sinks *connector.Registry) error {
	opts := collector.Options{
		Addr:          net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Ident:         s.Ident,
		Secret:        s.Secret,
		Channels:      s.Channels,
		BatchSize:     s.BatchSize,
		FlushInterval: s.FlushInterval,
		QueueSize:     s.QueueSize,
		Logger:        slog.Default(),
	}
	if s.TLS {
		var err error
		if opts.TLS, err = tls.ClientConfig(s.TLSCA, s.Host, s.TLSInsecure); err != nil {
			return err
		}
	}

	sink, err := sinks.New(ctx, s.Sink)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Error("failed to close sink", "sink", sink.Name(), "error", err)
		}
	}()

	c, err := collector.New(sink, opts)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
