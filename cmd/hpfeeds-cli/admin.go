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
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turtacn/hpfeeds-go/pkg/auth"
)

type adminFlags struct {
	usersFile string
	driver    string
	dsn       string
}

// open returns the credential backend selected by the flags and a function
// releasing it.
func (af *adminFlags) open(ctx context.Context) (auth.Admin, func(), error) {
	switch {
	case af.usersFile != "" && af.dsn != "":
		return nil, nil, errors.New("--users-file and --dsn are mutually exclusive")
	case af.usersFile != "":
		fs, err := auth.NewFileStore(af.usersFile)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	case af.dsn != "":
		s, err := auth.NewSQLStore(ctx, af.driver, af.dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, errors.New("one of --users-file or --dsn is required")
	}
}

func newAdminCmd() *cobra.Command {
	af := &adminFlags{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage identities and channel permissions",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&af.usersFile, "users-file", "", "YAML or JSON users file")
	pf.StringVar(&af.driver, "driver", auth.DriverPostgres, "SQL driver: postgres or mysql")
	pf.StringVar(&af.dsn, "dsn", "", "SQL data source name")

	// withAdmin runs fn against the opened backend.
	withAdmin := func(fn func(ctx context.Context, a auth.Admin, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := af.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return fn(cmd.Context(), a, cmd, args)
		}
	}

	addUser := &cobra.Command{
		Use:   "add-user IDENT SECRET",
		Short: "Create an identity or change its secret",
		Args:  cobra.ExactArgs(2),
		RunE: withAdmin(func(ctx context.Context, a auth.Admin, cmd *cobra.Command, args []string) error {
			if err := a.AddUser(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", args[0])
			return nil
		}),
	}

	var canPub, canSub bool
	addACL := &cobra.Command{
		Use:   "add-acl IDENT CHANNEL",
		Short: "Allow an identity to publish and/or subscribe to a channel (\"*\" for all)",
		Args:  cobra.ExactArgs(2),
		RunE: withAdmin(func(ctx context.Context, a auth.Admin, cmd *cobra.Command, args []string) error {
			if !canPub && !canSub {
				return errors.New("at least one of --pub or --sub is required")
			}
			if err := a.AddPermission(ctx, args[0], args[1], canPub, canSub); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "permission on %s granted to %s\n", args[1], args[0])
			return nil
		}),
	}
	addACL.Flags().BoolVar(&canPub, "pub", false, "Grant publish")
	addACL.Flags().BoolVar(&canSub, "sub", false, "Grant subscribe")

	listUsers := &cobra.Command{
		Use:   "list-users",
		Short: "List identities and their channels",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(ctx context.Context, a auth.Admin, cmd *cobra.Command, _ []string) error {
			users, err := a.ListUsers(ctx)
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No users configured")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IDENT\tPUBLISH\tSUBSCRIBE")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\n", u.Ident, channelList(u.PubChannels), channelList(u.SubChannels))
			}
			return w.Flush()
		}),
	}

	removeUser := &cobra.Command{
		Use:   "remove-user IDENT",
		Short: "Delete an identity and its permissions",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(ctx context.Context, a auth.Admin, cmd *cobra.Command, args []string) error {
			if err := a.RemoveUser(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s removed\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(addUser, addACL, listUsers, removeUser)
	return cmd
}

func channelList(chs []string) string {
	if len(chs) == 0 {
		return "-"
	}
	return strings.Join(chs, ",")
}
