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
Package mcp is a resilient client for Model Context Protocol tool servers.

A tool server is reached over a transport (a child process speaking
newline-delimited JSON-RPC on stdio, or JSON-RPC over HTTP POST; see the
transport subpackage). On top of that this package layers three pieces:

  - Session: one handshake-bound connection. Connect performs the
    initialize exchange; ListTools and CallTool run against it. Any
    transport failure leaves the session failed and it is never reused.
  - Facade: a long-lived, thread-safe handle for one server. Every request
    is serialized through a single worker goroutine. Retryable transport
    failures drop the session and reconnect, up to MaxAttempts in total,
    after which the facade fails with MAX_RETRIES.
  - Manager: owns facades keyed by server and principal, builds their
    transports from configuration and closes them on reload or shutdown.

# Calling a tool

	mgr := mcp.NewManager(mcp.ManagerConfig{Servers: cfg.Servers, Logger: logger})
	defer mgr.Close()

	res := mgr.CallTool(ctx, mcp.Key{Server: "github"}, "search", map[string]any{"q": "mcp"})
	switch res.Outcome {
	case mcp.OutcomeOK:
	    fmt.Println(res.Text())
	case mcp.OutcomeToolError:
	    // the server ran the tool and reported a failure; not retried
	case mcp.OutcomeTransportError:
	    // res.Err is a transport.Error or an MCPError such as MAX_RETRIES
	}

Tool failures come back as values in Result. Only connection-level
problems are retried.
*/
package mcp
