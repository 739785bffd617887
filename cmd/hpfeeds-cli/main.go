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


// Package main provides a command-line client for hpfeeds brokers and a
// credential administration tool.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/turtacn/hpfeeds-go/pkg/logger"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// connFlags are shared by the commands that talk to a broker.
type connFlags struct {
	host        string
	port        int
	ident       string
	secret      string
	tls         bool
	tlsCA       string
	tlsInsecure bool
}

func newRootCmd() *cobra.Command {
	var (
		cf       connFlags
		logLevel string
	)
	cmd := &cobra.Command{
		Use:     "hpfeeds-cli",
		Short:   "Publish to, subscribe to and administer an hpfeeds broker",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logger.Setup(cmd.ErrOrStderr(), logLevel, "text")
		},
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cf.host, "host", "127.0.0.1", "Broker host")
	pf.IntVar(&cf.port, "port", 10000, "Broker port")
	pf.StringVarP(&cf.ident, "ident", "i", "", "Identity to authenticate as")
	pf.StringVarP(&cf.secret, "secret", "s", "", "Secret for --ident")
	pf.BoolVar(&cf.tls, "tls", false, "Connect over TLS")
	pf.StringVar(&cf.tlsCA, "tls-ca", "", "CA certificate used to verify the broker")
	pf.BoolVar(&cf.tlsInsecure, "tls-insecure", false, "Skip broker certificate verification")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error")

	cmd.AddCommand(newSubCmd(&cf), newPubCmd(&cf), newAdminCmd())
	return cmd
}
