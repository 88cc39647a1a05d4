// Copyright 2025 Tom Barlow
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

package tools

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/toolbridge/internal/app"
	"github.com/tombee/toolbridge/internal/commands/shared"
	"github.com/tombee/toolbridge/internal/config"
)

// DefaultWatchInterval is how often watch refreshes the status table.
const DefaultWatchInterval = 30 * time.Second

func newWatchCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep connections open and follow configuration changes",
		Long: `Connect to every configured server and print the status table every
--interval until interrupted. Edits to the configuration file are picked
up without a restart: added servers are connected on the next refresh and
removed or changed ones are closed.

Examples:
  toolbridge tools watch
  toolbridge tools watch --interval 5s --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := shared.GetConfigPath()
			if path == "" {
				p, err := config.ConfigPath()
				if err != nil {
					return shared.NewConfigError("cannot resolve configuration path", err)
				}
				path = p
			}

			a, err := shared.OpenApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Watch(path); err != nil {
				return shared.NewConfigError("cannot watch configuration", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), a, shared.GetPrincipal(), interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", DefaultWatchInterval, "Time between status refreshes")

	return cmd
}

func runWatch(ctx context.Context, out io.Writer, a *app.App, principal string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := runStatus(ctx, out, a, principal, nil); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
