// Copyright 2026 The Logvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command logvisor controls a logvisord instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gdamore/logvisor"
	"github.com/gdamore/logvisor/auth"
	"github.com/gdamore/logvisor/gateway"
	"github.com/gdamore/logvisor/internal/logging"
	"github.com/gdamore/logvisor/rest"
)

var (
	flagServer  string
	flagToken   string
	flagTimeout time.Duration
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	root := &cobra.Command{
		Use:           "logvisor",
		Short:         "Control services supervised by logvisord",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagServer, "server", "s", envOr("LOGVISOR_SERVER", "http://127.0.0.1:8080"), "logvisord base URL")
	root.PersistentFlags().StringVarP(&flagToken, "token", "t", os.Getenv("LOGVISOR_TOKEN"), "bearer token")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(servicesCmd(), statusCmd(), runningCmd(), tailCmd(), tokenCmd())
	for _, a := range []string{"start", "stop", "restart", "kill", "delete"} {
		root.AddCommand(actionCmd(a))
	}

	logging.Init(logging.Config{Level: "warn", Format: "console", Output: os.Stderr})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "logvisor:", err)
		os.Exit(1)
	}
}

func client() *rest.Client {
	c := rest.NewClient(nil, flagServer)
	c.SetToken(flagToken)
	return c
}

func parseID(s string) (logvisor.ServiceID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid service id %q", s)
	}
	return logvisor.ServiceID(n), nil
}

func printServices(svcs []*rest.ServiceInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPID\tAUTO")
	for _, s := range svcs {
		pid := "-"
		if s.Pid != 0 {
			pid = strconv.Itoa(s.Pid)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\n", s.ID, s.Name, s.Status, pid, s.AutoRestart)
	}
	w.Flush()
}

func servicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()
			svcs, err := client().Services(ctx)
			if err != nil {
				return err
			}
			printServices(svcs)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ID...",
		Short: "Show services in detail",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]logvisor.ServiceID, len(args))
			for i, a := range args {
				id, err := parseID(a)
				if err != nil {
					return err
				}
				ids[i] = id
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()
			c := client()
			svcs := make([]*rest.ServiceInfo, len(ids))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(8)
			for i, id := range ids {
				g.Go(func() error {
					s, err := c.GetService(gctx, id)
					if err != nil {
						return fmt.Errorf("service %d: %w", id, err)
					}
					svcs[i] = s
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			for _, s := range svcs {
				fmt.Printf("%d: %s (%s)\n", s.ID, s.Name, s.Status)
				if s.Description != "" {
					fmt.Printf("  description: %s\n", s.Description)
				}
				fmt.Printf("  directory:   %s\n", s.WorkingDirectory)
				fmt.Printf("  command:     %s\n", s.StartCommand)
				if s.StopCommand != "" {
					fmt.Printf("  stop:        %s\n", s.StopCommand)
				}
				if s.Running {
					fmt.Printf("  pid:         %d\n", s.Pid)
					if s.StartedAt != nil {
						fmt.Printf("  uptime:      %s\n", time.Since(*s.StartedAt).Round(time.Second))
					}
				}
			}
			return nil
		},
	}
}

func runningCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "running",
		Short: "List supervised processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()
			l, err := client().Running(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPID\tSTARTED")
			for _, r := range l {
				fmt.Fprintf(w, "%d\t%d\t%s\n", r.ID, r.Pid, r.StartedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func actionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ID",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()

			c := client()
			var res *rest.ActionResult
			switch action {
			case "start":
				res, err = c.StartService(ctx, id)
			case "stop":
				res, err = c.StopService(ctx, id)
			case "restart":
				res, err = c.RestartService(ctx, id)
			case "kill":
				res, err = c.KillService(ctx, id)
			case "delete":
				res, err = c.DeleteService(ctx, id)
			}
			if err != nil {
				return err
			}
			if res.Pid != 0 {
				fmt.Printf("%s (pid %d)\n", res.Message, res.Pid)
			} else {
				fmt.Println(res.Message)
			}
			return nil
		},
	}
}

func tailCmd() *cobra.Command {
	var stderrOnly bool
	cmd := &cobra.Command{
		Use:   "tail ID",
		Short: "Follow the live output of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			err = client().Tail(ctx, id, func(msg *gateway.Outbound) error {
				switch msg.LogType {
				case string(logvisor.ChannelStderr):
					_, err := os.Stderr.WriteString(msg.Data)
					return err
				case string(logvisor.ChannelSystem):
					_, err := fmt.Fprintf(os.Stderr, "[%s] %s", msg.Timestamp, msg.Data)
					return err
				default:
					if stderrOnly {
						return nil
					}
					_, err := os.Stdout.WriteString(msg.Data)
					return err
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&stderrOnly, "stderr", false, "show only stderr and system messages")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		secret string
		user   string
		role   string
		uid    int64
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token with the daemon's secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := auth.NewJWT(secret, ttl)
			if err != nil {
				return err
			}
			tok, err := j.Issue(logvisor.Identity{ID: uid, Username: user, Role: role})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("LOGVISOR_JWT_SECRET"), "signing secret")
	cmd.Flags().StringVar(&user, "user", envOr("USER", "admin"), "user name")
	cmd.Flags().StringVar(&role, "role", "admin", "role (viewer tokens are read only)")
	cmd.Flags().Int64Var(&uid, "uid", 1, "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "validity")
	return cmd
}
