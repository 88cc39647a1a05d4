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

package mcp

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Outcome tags a Result.
type Outcome int

const (
	// OutcomeOK means the tool ran and Response holds its payload.
	OutcomeOK Outcome = iota
	// OutcomeToolError means the tool reported a failure; see ToolErr.
	OutcomeToolError
	// OutcomeTransportError means the server could not be reached; see Err.
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeToolError:
		return "tool_error"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Result is the outcome of one tool call. Callers switch on Outcome rather
// than inspecting error types.
type Result struct {
	Outcome Outcome

	// Response is the raw tool result. Set for OutcomeOK, and for
	// OutcomeToolError when the server flagged a result with isError.
	Response *mcp.CallToolResult

	// ToolErr describes a tool-level failure.
	ToolErr *ToolError

	// Err is the connection-level failure for OutcomeTransportError. For a
	// facade that exhausted its budget it is a MAX_RETRIES MCPError.
	Err error

	// Attempts is how many times the call was sent, counting reconnects.
	Attempts int
}

// Error returns the failure carried by r, or nil on success.
func (r Result) Error() error {
	switch r.Outcome {
	case OutcomeToolError:
		return r.ToolErr
	case OutcomeTransportError:
		return r.Err
	default:
		return nil
	}
}

// Text concatenates the text content of the response.
func (r Result) Text() string {
	if r.Response == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Response.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func okResult(res *mcp.CallToolResult) Result {
	return Result{Outcome: OutcomeOK, Response: res, Attempts: 1}
}

func toolErrorResult(res *mcp.CallToolResult, terr *ToolError) Result {
	return Result{Outcome: OutcomeToolError, Response: res, ToolErr: terr, Attempts: 1}
}

func transportErrorResult(err error) Result {
	return Result{Outcome: OutcomeTransportError, Err: err, Attempts: 1}
}
