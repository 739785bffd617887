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


package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/hpfeeds-go/pkg/client"
	"github.com/turtacn/hpfeeds-go/pkg/connector"
	"github.com/turtacn/hpfeeds-go/pkg/tls"
)

func (cf *connFlags) dial(ctx context.Context) (*client.Client, error) {
	if cf.ident == "" {
		return nil, errors.New("--ident is required")
	}
	var opts []client.Option
	if cf.tls {
		cfg, err := tls.ClientConfig(cf.tlsCA, cf.host, cf.tlsInsecure)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTLS(cfg))
	}
	addr := net.JoinHostPort(cf.host, strconv.Itoa(cf.port))
	return client.Dial(ctx, addr, cf.ident, cf.secret, opts...)
}

func newSubCmd(cf *connFlags) *cobra.Command {
	var (
		count  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "sub CHANNEL...",
		Short: "Subscribe to channels and print what is published",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := cf.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			stop := context.AfterFunc(ctx, func() { c.Close() })
			defer stop()

			if err := c.Subscribe(args...); err != nil {
				return err
			}
			return printPublishes(ctx, c, cmd.OutOrStdout(), cmd.ErrOrStderr(), count, asJSON)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages (0 runs until interrupted)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON event per line")
	return cmd
}

// printPublishes writes count publishes to w, or every publish when count is
// zero. Error frames from the broker are reported on errw.
func printPublishes(ctx context.Context, c *client.Client, w, errw io.Writer, count int, asJSON bool) error {
	enc := json.NewEncoder(w)
	for n := 0; count == 0 || n < count; n++ {
		msg, err := c.ReadPublish()
		if err != nil {
			var serr *client.ServerError
			if errors.As(err, &serr) {
				fmt.Fprintln(errw, "broker:", serr.Message)
				n--
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if asJSON {
			ev := connector.Event{
				Timestamp: time.Now().UTC(),
				Channel:   msg.Channel,
				Ident:     msg.Ident,
				Payload:   msg.Payload,
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", msg.Channel, msg.Ident, msg.Payload)
	}
	return nil
}

func newPubCmd(cf *connFlags) *cobra.Command {
	var (
		channel string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "pub",
		Short: "Publish one message, read from --payload or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data := []byte(payload)
			if !cmd.Flags().Changed("payload") {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
			}
			c, err := cf.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Publish(channel, data)
		},
	}
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "Channel to publish to")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Payload; stdin is read when omitted")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}
