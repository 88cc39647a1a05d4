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

package main

import (
	"github.com/tombee/toolbridge/internal/cli"
	"github.com/tombee/toolbridge/internal/commands/api"
	"github.com/tombee/toolbridge/internal/commands/token"
	"github.com/tombee/toolbridge/internal/commands/tools"
	versioncmd "github.com/tombee/toolbridge/internal/commands/version"
	"github.com/tombee/toolbridge/internal/mcp"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)
	mcp.ClientVersion = version

	rootCmd := cli.NewRootCommand()

	rootCmd.AddCommand(tools.NewCommand())
	rootCmd.AddCommand(api.NewCommand())
	rootCmd.AddCommand(token.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	err := rootCmd.Execute()
	cli.Shutdown()
	if err != nil {
		cli.HandleExitError(err)
	}
}
