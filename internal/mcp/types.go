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
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolDefinition describes a tool exposed by a server, as returned by
// tools/list.
type ToolDefinition struct {
	// Name is the unique identifier for this tool
	Name string `json:"name"`

	// Description explains what the tool does
	Description string `json:"description,omitempty"`

	// InputSchema defines the expected input parameters using JSON Schema
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerInfo identifies the remote implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes what features a server supports.
type ServerCapabilities struct {
	// Tools indicates if the server provides tools
	Tools *ToolsCapability `json:"tools,omitempty"`

	// Resources indicates if the server provides resources
	Resources *ResourcesCapability `json:"resources,omitempty"`

	// Prompts indicates if the server provides prompts
	Prompts *PromptsCapability `json:"prompts,omitempty"`

	// Logging indicates if the server accepts logging/setLevel
	Logging bool `json:"logging,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	// ListChanged indicates if the server sends notifications when tools change
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes resource-related capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability describes prompt-related capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

func capabilitiesFrom(caps mcp.ServerCapabilities) ServerCapabilities {
	var out ServerCapabilities
	if caps.Tools != nil {
		out.Tools = &ToolsCapability{ListChanged: caps.Tools.ListChanged}
	}
	if caps.Resources != nil {
		out.Resources = &ResourcesCapability{
			Subscribe:   caps.Resources.Subscribe,
			ListChanged: caps.Resources.ListChanged,
		}
	}
	if caps.Prompts != nil {
		out.Prompts = &PromptsCapability{ListChanged: caps.Prompts.ListChanged}
	}
	out.Logging = caps.Logging != nil
	return out
}

// toolDefinition converts a catalog entry, preserving a raw input schema
// when the server sent one.
func toolDefinition(tool mcp.Tool) (ToolDefinition, error) {
	def := ToolDefinition{Name: tool.Name, Description: tool.Description}

	if len(tool.RawInputSchema) > 0 {
		def.InputSchema = append(json.RawMessage(nil), tool.RawInputSchema...)
		return def, nil
	}

	schema, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return ToolDefinition{}, fmt.Errorf("failed to marshal input schema for %s: %w", tool.Name, err)
	}
	def.InputSchema = schema
	return def, nil
}
