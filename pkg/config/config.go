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


// Package config loads and validates the hpfeeds-server configuration: broker
// settings, credential backend, TLS, metrics and logging.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/turtacn/hpfeeds-go/pkg/auth"
	"github.com/turtacn/hpfeeds-go/pkg/broker"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes environment overrides, e.g. HPFEEDS_BROKER_PORT.
const EnvPrefix = "HPFEEDS"

// Credential backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

// BrokerConfig holds listener and fan-out settings.
type BrokerConfig struct {
	Name                string        `mapstructure:"name" yaml:"name" json:"name"`
	Host                string        `mapstructure:"host" yaml:"host" json:"host"`
	Port                int           `mapstructure:"port" yaml:"port" json:"port"`
	SubscriberQueueSize int           `mapstructure:"subscriber_queue_size" yaml:"subscriber_queue_size" json:"subscriber_queue_size"`
	BatchLimit          int           `mapstructure:"batch_limit" yaml:"batch_limit" json:"batch_limit"`
	Shards              int           `mapstructure:"shards" yaml:"shards" json:"shards"`
	AuthTimeout         time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout" json:"auth_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	NotifyLag           bool          `mapstructure:"notify_lag" yaml:"notify_lag" json:"notify_lag"`
}

// AuthConfig selects the credential backend. Users listed inline are always
// consulted before the backend.
type AuthConfig struct {
	Backend   string            `mapstructure:"backend" yaml:"backend" json:"backend"`
	Users     []auth.UserRecord `mapstructure:"users" yaml:"users" json:"users"`
	UsersFile string            `mapstructure:"users_file" yaml:"users_file" json:"users_file"`
	DSN       string            `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	CacheTTL  time.Duration     `mapstructure:"cache_ttl" yaml:"cache_ttl" json:"cache_ttl"`
	CacheSize int               `mapstructure:"cache_size" yaml:"cache_size" json:"cache_size"`
}

// TLSConfig enables TLS on the broker listener when both files are set.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" yaml:"cert_file" json:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file" json:"key_file"`
}

// Enabled reports whether a certificate is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" json:"addr"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// Config holds the complete configuration
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker" yaml:"broker" json:"broker"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth" json:"auth"`
	TLS     TLSConfig     `mapstructure:"tls" yaml:"tls" json:"tls"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Log     LogConfig     `mapstructure:"log" yaml:"log" json:"log"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Name:                "hpfeeds",
			Host:                "127.0.0.1",
			Port:                10000,
			SubscriberQueueSize: 4096,
			BatchLimit:          128,
			Shards:              64,
			AuthTimeout:         5 * time.Second,
			NotifyLag:           true,
		},
		Auth: AuthConfig{
			Backend:   BackendMemory,
			CacheTTL:  auth.DefaultCacheTTL,
			CacheSize: auth.DefaultCacheSize,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9431",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// flagKeys maps command-line flag names to configuration keys. Flags that are
// not registered on the flag set are skipped.
var flagKeys = map[string]string{
	"name":         "broker.name",
	"host":         "broker.host",
	"port":         "broker.port",
	"queue-size":   "broker.subscriber_queue_size",
	"users-file":   "auth.users_file",
	"auth-backend": "auth.backend",
	"dsn":          "auth.dsn",
	"tls-cert":     "tls.cert_file",
	"tls-key":      "tls.key_file",
	"metrics-addr": "metrics.addr",
	"log-level":    "log.level",
}

// Load builds the configuration from, in increasing precedence: defaults, the
// file at path (if not empty), HPFEEDS_* environment variables and the
// changed flags of fs (if not nil).
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if path != "" {
		slog.Info("configuration loaded", "path", path)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("broker.name", d.Broker.Name)
	v.SetDefault("broker.host", d.Broker.Host)
	v.SetDefault("broker.port", d.Broker.Port)
	v.SetDefault("broker.subscriber_queue_size", d.Broker.SubscriberQueueSize)
	v.SetDefault("broker.batch_limit", d.Broker.BatchLimit)
	v.SetDefault("broker.shards", d.Broker.Shards)
	v.SetDefault("broker.auth_timeout", d.Broker.AuthTimeout)
	v.SetDefault("broker.write_timeout", d.Broker.WriteTimeout)
	v.SetDefault("broker.notify_lag", d.Broker.NotifyLag)

	v.SetDefault("auth.backend", d.Auth.Backend)
	v.SetDefault("auth.users_file", d.Auth.UsersFile)
	v.SetDefault("auth.dsn", d.Auth.DSN)
	v.SetDefault("auth.cache_ttl", d.Auth.CacheTTL)
	v.SetDefault("auth.cache_size", d.Auth.CacheSize)

	v.SetDefault("tls.cert_file", d.TLS.CertFile)
	v.SetDefault("tls.key_file", d.TLS.KeyFile)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold secrets.
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	b := config.Broker
	if b.Name == "" {
		return fmt.Errorf("broker.name cannot be empty")
	}
	if len(b.Name) > 255 {
		return fmt.Errorf("broker.name is longer than 255 bytes")
	}
	if b.Port < 0 || b.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", b.Port)
	}
	if b.SubscriberQueueSize <= 0 {
		return fmt.Errorf("broker.subscriber_queue_size must be positive")
	}
	if b.BatchLimit <= 0 {
		return fmt.Errorf("broker.batch_limit must be positive")
	}
	if b.Shards <= 0 {
		return fmt.Errorf("broker.shards must be positive")
	}
	if b.AuthTimeout < 0 || b.WriteTimeout < 0 {
		return fmt.Errorf("broker timeouts cannot be negative")
	}

	a := config.Auth
	switch a.Backend {
	case BackendMemory:
	case BackendFile:
		if a.UsersFile == "" {
			return fmt.Errorf("auth.users_file is required for the file backend")
		}
	case BackendPostgres, BackendMySQL:
		if a.DSN == "" {
			return fmt.Errorf("auth.dsn is required for the %s backend", a.Backend)
		}
	default:
		return fmt.Errorf("unsupported auth backend: %q (supported: memory, file, postgres, mysql)", a.Backend)
	}
	idents := make(map[string]bool)
	for i, u := range a.Users {
		if u.Ident == "" {
			return fmt.Errorf("user %d: ident cannot be empty", i)
		}
		if idents[u.Ident] {
			return fmt.Errorf("duplicate ident: %s", u.Ident)
		}
		idents[u.Ident] = true
	}

	if (config.TLS.CertFile == "") != (config.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	switch strings.ToLower(config.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %q (supported: text, json)", config.Log.Format)
	}
	return nil
}

// Addr returns the broker listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Broker.Host, strconv.Itoa(c.Broker.Port))
}

// AddUser adds an identity allowed to publish and subscribe to pub and sub.
func (c *Config) AddUser(ident, secret string, pub, sub []string) error {
	if ident == "" {
		return fmt.Errorf("ident cannot be empty")
	}
	for _, u := range c.Auth.Users {
		if u.Ident == ident {
			return fmt.Errorf("user %s already exists", ident)
		}
	}
	c.Auth.Users = append(c.Auth.Users, auth.UserRecord{
		Ident:       ident,
		Secret:      secret,
		PubChannels: pub,
		SubChannels: sub,
	})
	return nil
}

// AddCredential parses an "ident:secret" pair as given to --auth and adds it
// with access to every channel.
func (c *Config) AddCredential(pair string) error {
	ident, secret, ok := strings.Cut(pair, ":")
	if !ok || ident == "" {
		return fmt.Errorf("invalid credential %q, want ident:secret", pair)
	}
	wildcard := []string{auth.Wildcard}
	return c.AddUser(ident, secret, wildcard, wildcard)
}

// BrokerOptions converts the broker section.
func (c *Config) BrokerOptions(logger *slog.Logger) broker.Options {
	opts := broker.DefaultOptions()
	opts.Name = c.Broker.Name
	opts.QueueSize = c.Broker.SubscriberQueueSize
	opts.BatchLimit = c.Broker.BatchLimit
	opts.Shards = c.Broker.Shards
	opts.AuthTimeout = c.Broker.AuthTimeout
	opts.WriteTimeout = c.Broker.WriteTimeout
	opts.NotifyLag = c.Broker.NotifyLag
	opts.Logger = logger
	return opts
}

// EngineOptions converts the cache settings of the auth section.
func (c *Config) EngineOptions(logger *slog.Logger) auth.EngineOptions {
	return auth.EngineOptions{
		CacheSize: c.Auth.CacheSize,
		CacheTTL:  c.Auth.CacheTTL,
		Logger:    logger,
	}
}

// AuthBackend is the credential store built from an AuthConfig.
type AuthBackend struct {
	// Store is what the auth engine consults: the inline users followed by
	// the configured backend.
	Store auth.Store
	// Admin edits the configured backend.
	Admin auth.Admin
	// File is set for the file backend so callers can watch it.
	File *auth.FileStore

	closer io.Closer
}

// Close releases the backend's resources.
func (ab *AuthBackend) Close() error {
	if ab.closer == nil {
		return nil
	}
	return ab.closer.Close()
}

// Ping checks that the backend can answer. Backends without a remote
// dependency always succeed.
func (ab *AuthBackend) Ping(ctx context.Context) error {
	if p, ok := ab.closer.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// BuildStore opens the configured credential backend.
func (c *Config) BuildStore(ctx context.Context) (*AuthBackend, error) {
	inline := auth.NewMemoryStore(c.Auth.Users...)
	ab := &AuthBackend{}

	var backend interface {
		auth.Store
		auth.Admin
	}
	switch c.Auth.Backend {
	case BackendMemory, "":
		ab.Store = inline
		ab.Admin = inline
		return ab, nil
	case BackendFile:
		fs, err := auth.NewFileStore(c.Auth.UsersFile)
		if err != nil {
			return nil, err
		}
		ab.File = fs
		backend = fs
	case BackendPostgres, BackendMySQL:
		driver := auth.DriverPostgres
		if c.Auth.Backend == BackendMySQL {
			driver = auth.DriverMySQL
		}
		s, err := auth.NewSQLStore(ctx, driver, c.Auth.DSN)
		if err != nil {
			return nil, err
		}
		ab.closer = s
		backend = s
	default:
		return nil, fmt.Errorf("unsupported auth backend: %q", c.Auth.Backend)
	}

	ab.Admin = backend
	if inline.Count() == 0 {
		ab.Store = backend
	} else {
		ab.Store = auth.NewChain(inline, backend)
	}
	return ab, nil
}
