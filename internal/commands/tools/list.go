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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/toolbridge/internal/app"
	"github.com/tombee/toolbridge/internal/commands/shared"
	"github.com/tombee/toolbridge/internal/mcp"
)

// ServerTools is the catalog of one server in list output.
type ServerTools struct {
	Server string               `json:"server"`
	Tools  []mcp.ToolDefinition `json:"tools"`
	Error  string               `json:"error,omitempty"`
}

// ListResponse is the JSON response for tools list.
type ListResponse struct {
	shared.JSONResponse
	Servers []ServerTools `json:"servers"`
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [server...]",
		Short: "List tools from one or all servers",
		Long: `List the tools each server exposes. Without arguments every configured
server is queried; a server that cannot be reached is reported and the
rest are still listed.

Examples:
  toolbridge tools list
  toolbridge tools list files --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := shared.OpenApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return runList(cmd.Context(), cmd.OutOrStdout(), a, shared.GetPrincipal(), args)
		},
	}
}

func runList(ctx context.Context, out io.Writer, a *app.App, principal string, servers []string) error {
	if len(servers) == 0 {
		servers = a.Manager.Servers()
	}

	resp := ListResponse{JSONResponse: shared.NewJSONResponse("tools list")}
	var firstErr error
	for _, server := range servers {
		entry := ServerTools{Server: server, Tools: []mcp.ToolDefinition{}}
		defs, err := a.Manager.ListTools(ctx, mcp.Key{Server: server, Principal: principal})
		if err != nil {
			entry.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
		} else {
			entry.Tools = defs
		}
		resp.Servers = append(resp.Servers, entry)
	}
	failed := firstErr != nil && countErrors(resp.Servers) == len(resp.Servers)
	resp.Success = !failed

	if shared.GetJSON() {
		if err := shared.EmitJSONTo(out, resp); err != nil {
			return err
		}
	} else {
		printList(out, resp.Servers)
	}

	if failed {
		return shared.Classify("failed to list tools", firstErr)
	}
	return nil
}

func countErrors(servers []ServerTools) int {
	n := 0
	for _, s := range servers {
		if s.Error != "" {
			n++
		}
	}
	return n
}

func printList(out io.Writer, servers []ServerTools) {
	if len(servers) == 0 {
		fmt.Fprintln(out, "No servers configured.")
		return
	}
	for i, s := range servers {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, shared.Header.Render(s.Server))
		if s.Error != "" {
			fmt.Fprintln(out, "  "+shared.RenderError(s.Error))
			continue
		}
		if len(s.Tools) == 0 {
			fmt.Fprintln(out, "  "+shared.Muted.Render("no tools"))
			continue
		}
		for _, t := range s.Tools {
			fmt.Fprintf(out, "  %-24s %s\n", t.Name, firstLine(t.Description))
		}
	}
	if n := countErrors(servers); n > 0 && n < len(servers) {
		fmt.Fprintln(out)
		fmt.Fprintln(out, shared.RenderWarn(fmt.Sprintf("%d of %d servers unreachable", n, len(servers))))
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
