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

package testing

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// HelperEnv selects the helper behavior when a test binary re-executes
// itself as a tool server.
const HelperEnv = "TOOLBRIDGE_TEST_HELPER"

const (
	// HelperServe runs a stdio tool server.
	HelperServe = "serve"
	// HelperExit exits immediately with status 3.
	HelperExit = "exit"
	// HelperSilent reads stdin forever without answering.
	HelperSilent = "silent"
)

// MaybeRunHelper turns the current process into a helper when HelperEnv is
// set. Call it first thing in TestMain; it returns only when the variable
// is unset.
func MaybeRunHelper() {
	switch os.Getenv(HelperEnv) {
	case "":
		return
	case HelperServe:
		fmt.Fprintln(os.Stderr, "helper server ready")
		if err := server.ServeStdio(NewToolServer()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	case HelperExit:
		os.Exit(3)
	case HelperSilent:
		_, _ = io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	default:
		os.Exit(2)
	}
}

// HelperCommand returns the path of the running test binary.
func HelperCommand() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}

// NewToolServer builds the tool server used by subprocess and HTTP tests.
//
// Tools:
//   - echo(text): returns text
//   - getenv(name): returns the variable or "<unset>"
//   - cwd(): returns the working directory
//   - fail(message): returns an isError result
//   - crash(): exits the process (stdio only)
func NewToolServer() *server.MCPServer {
	s := server.NewMCPServer("toolbridge-helper", "1.0.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("echo", mcp.WithDescription("Echo text back"), mcp.WithString("text", mcp.Required())),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(req.GetString("text", "")), nil
		})

	s.AddTool(mcp.NewTool("getenv", mcp.WithString("name", mcp.Required())),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			v, ok := os.LookupEnv(req.GetString("name", ""))
			if !ok {
				v = "<unset>"
			}
			return mcp.NewToolResultText(v), nil
		})

	s.AddTool(mcp.NewTool("cwd"),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			dir, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(dir), nil
		})

	s.AddTool(mcp.NewTool("fail", mcp.WithString("message")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError(req.GetString("message", "failed")), nil
		})

	s.AddTool(mcp.NewTool("crash"),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			os.Exit(1)
			return nil, nil
		})

	return s
}

// NewHTTPToolServer serves NewToolServer over streamable HTTP.
func NewHTTPToolServer() *httptest.Server {
	return server.NewTestStreamableHTTPServer(NewToolServer())
}
