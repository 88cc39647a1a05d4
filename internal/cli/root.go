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

package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/toolbridge/internal/commands/shared"
	"github.com/tombee/toolbridge/internal/log"
	"github.com/tombee/toolbridge/internal/tracing"
)

// shutdownTimeout bounds the final span flush.
const shutdownTimeout = 5 * time.Second

var provider *tracing.Provider

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for toolbridge
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolbridge",
		Short: "toolbridge - resilient client for MCP tool servers and REST APIs",
		Long: `toolbridge talks to MCP tool servers over stdio or HTTP and to REST APIs
on behalf of a principal. Connections are rebuilt after transport failures,
API calls are cached, paced and retried, and per-user OAuth tokens are kept
encrypted and refreshed automatically.

Run 'toolbridge tools list' to see the tools your configured servers offer.
Run 'toolbridge token set <service> --principal <user>' to store a token.`,
		SilenceUsage:      true, // Don't show usage on errors
		SilenceErrors:     true, // We handle errors ourselves for proper exit codes
		PersistentPreRunE: setup,
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()
	principal, trace := shared.RegisterSessionFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/toolbridge/config.yaml)")
	cmd.PersistentFlags().StringVarP(principal, "principal", "p", "", "Principal to act for (default: $"+shared.PrincipalEnv+")")
	cmd.PersistentFlags().BoolVar(trace, "trace", false, "Write OpenTelemetry spans to stderr")

	return cmd
}

// setup installs the logger, the tracer provider and a correlation ID
// before any subcommand runs. A valid $TOOLBRIDGE_CORRELATION_ID is reused.
func setup(cmd *cobra.Command, _ []string) error {
	lc := log.FromEnv()
	switch {
	case shared.GetVerbose():
		lc.Level = "debug"
	case shared.GetQuiet():
		lc.Level = "error"
	}
	if os.Getenv("LOG_FORMAT") == "" {
		lc.Format = log.FormatText
	}
	lc.Output = cmd.ErrOrStderr()
	logger := log.New(lc)

	ctx := cmd.Context()
	if id := tracing.CorrelationID(os.Getenv(tracing.EnvCorrelationID)); id.IsValid() {
		ctx = tracing.ToContext(ctx, id)
	}
	ctx = tracing.ToContext(ctx, tracing.FromContext(ctx))
	shared.SetLogger(tracing.Logger(ctx, logger))

	if shared.GetTrace() && provider == nil {
		v, _, _ := shared.GetVersion()
		p, err := tracing.NewProvider("toolbridge", v, cmd.ErrOrStderr())
		if err != nil {
			return shared.NewExecutionError("failed to start tracing", err)
		}
		provider = p
	}

	cmd.SetContext(ctx)
	return nil
}

// Shutdown flushes spans recorded with --trace.
func Shutdown() {
	if provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = provider.Shutdown(ctx)
	provider = nil
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
