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
	"encoding/json"
	"fmt"
	"io"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/tombee/toolbridge/internal/app"
	"github.com/tombee/toolbridge/internal/commands/shared"
	"github.com/tombee/toolbridge/internal/mcp"
)

// CallResponse is the JSON response for tools call.
type CallResponse struct {
	shared.JSONResponse
	Server   string                `json:"server"`
	Tool     string                `json:"tool"`
	Outcome  string                `json:"outcome"`
	Attempts int                   `json:"attempts"`
	Result   *mcpgo.CallToolResult `json:"result,omitempty"`
	Error    *shared.JSONError     `json:"error,omitempty"`
}

func newCallCommand() *cobra.Command {
	var (
		argsJSON string
		pairs    []string
	)

	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Call a tool",
		Long: `Call a tool and print its text content.

Arguments are given as a JSON object with --args, as key=value pairs
with --arg, or both; --arg values override keys from --args. A value
given with --arg that parses as JSON is sent as that JSON value.

Examples:
  toolbridge tools call files read_file --arg path=README.md
  toolbridge tools call search query --args '{"q":"golang","limit":5}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseArgs(argsJSON, pairs)
			if err != nil {
				return err
			}
			a, err := shared.OpenApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return runCall(cmd.Context(), cmd.OutOrStdout(), a, mcp.Key{Server: args[0], Principal: shared.GetPrincipal()}, args[1], toolArgs)
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	cmd.Flags().StringArrayVarP(&pairs, "arg", "a", nil, "Tool argument as key=value (repeatable)")

	return cmd
}

func parseArgs(argsJSON string, pairs []string) (map[string]any, error) {
	args := make(map[string]any)
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, &shared.ExitError{Code: shared.ExitFailed, Message: "--args must be a JSON object", Cause: err}
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, &shared.ExitError{Code: shared.ExitFailed, Message: fmt.Sprintf("invalid --arg %q (want key=value)", p)}
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			args[k] = decoded
		} else {
			args[k] = v
		}
	}
	return args, nil
}

func runCall(ctx context.Context, out io.Writer, a *app.App, key mcp.Key, tool string, args map[string]any) error {
	res := a.Manager.CallTool(ctx, key, tool, args)
	callErr := res.Error()
	if res.Outcome == mcp.OutcomeToolError {
		callErr = shared.NewToolError(fmt.Sprintf("tool %s failed", tool), callErr)
	} else if callErr != nil {
		callErr = shared.Classify(fmt.Sprintf("failed to call %s on %s", tool, key.Server), callErr)
	}

	if shared.GetJSON() {
		resp := CallResponse{
			JSONResponse: shared.NewJSONResponse("tools call"),
			Server:       key.Server,
			Tool:         tool,
			Outcome:      res.Outcome.String(),
			Attempts:     res.Attempts,
			Result:       res.Response,
		}
		if callErr != nil {
			resp.Success = false
			jerr := shared.ErrorToJSON(callErr)
			resp.Error = &jerr
		}
		if err := shared.EmitJSONTo(out, resp); err != nil {
			return err
		}
		return callErr
	}

	if text := res.Text(); text != "" {
		fmt.Fprintln(out, text)
	}
	return callErr
}
