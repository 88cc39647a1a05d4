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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/toolbridge/internal/app"
	"github.com/tombee/toolbridge/internal/commands/shared"
	"github.com/tombee/toolbridge/internal/mcp"
)

// ServerStatus is one row of status output.
type ServerStatus struct {
	Server          string    `json:"server"`
	State           string    `json:"state"`
	SessionID       string    `json:"session_id,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	ServerName      string    `json:"server_name,omitempty"`
	ServerVersion   string    `json:"server_version,omitempty"`
	ToolCount       int       `json:"tool_count"`
	LastError       string    `json:"last_error,omitempty"`
	LastActivity    time.Time `json:"last_activity,omitzero"`
}

// StatusResponse is the JSON response for tools status.
type StatusResponse struct {
	shared.JSONResponse
	Servers []ServerStatus `json:"servers"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [server...]",
		Short: "Connect to servers and show connection state",
		Long: `Connect to each server, fetch its catalog and report the negotiated
session: state, protocol version, server identity and tool count.

Examples:
  toolbridge tools status
  toolbridge tools status files --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := shared.OpenApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return runStatus(cmd.Context(), cmd.OutOrStdout(), a, shared.GetPrincipal(), args)
		},
	}
}

func runStatus(ctx context.Context, out io.Writer, a *app.App, principal string, servers []string) error {
	if len(servers) == 0 {
		servers = a.Manager.Servers()
	}

	resp := StatusResponse{JSONResponse: shared.NewJSONResponse("tools status")}
	for _, server := range servers {
		key := mcp.Key{Server: server, Principal: principal}
		row := ServerStatus{Server: server, State: "unavailable"}
		_, err := a.Manager.ListTools(ctx, key)
		if st, ok := lookupStatus(a, key); ok {
			row = ServerStatus{
				Server:          server,
				State:           string(st.State),
				SessionID:       st.SessionID,
				ProtocolVersion: st.ProtocolVersion,
				ServerName:      st.ServerInfo.Name,
				ServerVersion:   st.ServerInfo.Version,
				ToolCount:       st.ToolCount,
				LastError:       st.LastError,
				LastActivity:    st.LastActivity,
			}
		}
		if err != nil && row.LastError == "" {
			row.LastError = err.Error()
		}
		resp.Servers = append(resp.Servers, row)
	}

	if shared.GetJSON() {
		return shared.EmitJSONTo(out, resp)
	}

	fmt.Fprintf(out, "%-20s %-14s %-12s %-6s %s\n", "SERVER", "STATE", "PROTOCOL", "TOOLS", "INFO")
	fmt.Fprintln(out, strings.Repeat("-", 70))
	for _, s := range resp.Servers {
		info := s.ServerName
		if s.ServerVersion != "" {
			info += " " + s.ServerVersion
		}
		if s.LastError != "" {
			info = shared.StatusError.Render(s.LastError)
		}
		fmt.Fprintf(out, "%-20s %s %-12s %-6d %s\n", s.Server, shared.RenderState(s.State, 14), s.ProtocolVersion, s.ToolCount, info)
	}
	return nil
}

// lookupStatus finds the open connection for key. Shared servers are
// keyed without a principal.
func lookupStatus(a *app.App, key mcp.Key) (mcp.Status, bool) {
	if st, ok := a.Manager.Status(key); ok {
		return st, true
	}
	return a.Manager.Status(mcp.Key{Server: key.Server})
}
