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

// Package tools implements the tools command group: list catalogs, call
// tools and show connection state for configured MCP servers.
package tools

import (
	"github.com/spf13/cobra"
)

// NewCommand creates the tools command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and call tools on MCP servers",
		Long: `List and call tools exposed by the MCP servers in the configuration.

Connections are opened on demand. A server marked per_user gets one
connection per principal; pass --principal or set TOOLBRIDGE_PRINCIPAL.

Commands:
  list      List tools from one or all servers
  call      Call a tool
  status    Connect to servers and show connection state
  watch     Keep connections open and follow configuration changes`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newCallCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newWatchCommand())

	return cmd
}
