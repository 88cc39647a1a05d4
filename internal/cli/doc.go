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

/*
Package cli provides the root command for the toolbridge CLI.

It owns version information, the persistent flags and centralized exit
handling. Commands live in the internal/commands subpackages.

# Command Tree

	toolbridge
	├── tools     List, call and inspect tools on MCP servers
	├── api       Send requests through the resilient executor
	├── token     Store, inspect and delete per-principal tokens
	├── version   Show version
	└── help      Show help

# Global Flags

	--verbose, -v     Enable debug logging
	--quiet, -q       Only log errors
	--json            Output in JSON format
	--config          Path to config file
	--principal, -p   Principal to act for
	--trace           Write OpenTelemetry spans to stderr

# Exit Codes

  - 0: Success
  - 1: General error
  - 2: Configuration error
  - 3: Authentication error
  - 4: Tool reported an error
  - 69: Remote service unavailable

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	err := rootCmd.Execute()
	cli.Shutdown()
	if err != nil {
	    cli.HandleExitError(err)
	}
*/
package cli
