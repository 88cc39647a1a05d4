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

// Package api implements the api command, which sends one request through
// the resilient executor configured for a service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/toolbridge/internal/app"
	"github.com/tombee/toolbridge/internal/commands/shared"
	"github.com/tombee/toolbridge/internal/executor"
)

// Response is the JSON response for the api command.
type Response struct {
	shared.JSONResponse
	Service    string            `json:"service"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	StatusCode int               `json:"status_code,omitempty"`
	FromCache  bool              `json:"from_cache"`
	Attempts   int               `json:"attempts"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Error      *shared.JSONError `json:"error,omitempty"`
}

// Options holds the parsed flags of one api invocation.
type Options struct {
	Method  string
	Data    string
	Params  []string
	Headers []string
	NoCache bool
}

// NewCommand creates the api command.
func NewCommand() *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "api <service> <path>",
		Short: "Send requests through the resilient executor",
		Long: `Send one request to a configured REST API on behalf of the principal.

The request goes through the same executor tools use: the principal's
token is attached (and refreshed when expired), reads are served from
the short-lived cache, 429 responses pause every caller of the service
until Retry-After has passed, and network and 5xx failures are retried
with exponential backoff.

Examples:
  toolbridge api github /user -p alice
  toolbridge api github /search/repositories -P q=toolbridge -P per_page=5
  toolbridge api github /repos/o/r/issues -X POST -d '{"title":"bug"}' -p alice`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(args[1], opts)
			if err != nil {
				return err
			}
			a, err := shared.OpenApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd.Context(), cmd.OutOrStdout(), a, args[0], shared.GetPrincipal(), req)
		},
	}

	cmd.Flags().StringVarP(&opts.Method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "JSON request body")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "P", nil, "Query parameter as key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.Headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "Skip the response cache")

	return cmd
}

func buildRequest(path string, opts Options) (executor.Request, error) {
	req := executor.Request{
		Method:  strings.ToUpper(opts.Method),
		Path:    path,
		NoCache: opts.NoCache,
	}

	if len(opts.Params) > 0 {
		req.Params = url.Values{}
		for _, p := range opts.Params {
			k, v, ok := strings.Cut(p, "=")
			if !ok || k == "" {
				return req, &shared.ExitError{Code: shared.ExitFailed, Message: fmt.Sprintf("invalid --param %q (want key=value)", p)}
			}
			req.Params.Add(k, v)
		}
	}

	if len(opts.Headers) > 0 {
		req.Header = http.Header{}
		for _, h := range opts.Headers {
			k, v, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(k) == "" {
				return req, &shared.ExitError{Code: shared.ExitFailed, Message: fmt.Sprintf("invalid --header %q (want 'Name: value')", h)}
			}
			req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}

	if opts.Data != "" {
		if !json.Valid([]byte(opts.Data)) {
			return req, &shared.ExitError{Code: shared.ExitFailed, Message: "--data must be valid JSON"}
		}
		req.Body = json.RawMessage(opts.Data)
	}
	return req, nil
}

func run(ctx context.Context, out io.Writer, a *app.App, service, principal string, req executor.Request) error {
	e, err := a.Executor(service, principal)
	if err != nil {
		return shared.Classify("failed to prepare request", err)
	}

	res, err := e.Execute(ctx, req)
	if err != nil {
		err = shared.Classify(fmt.Sprintf("%s %s failed", req.Method, req.Path), err)
	}

	if shared.GetJSON() {
		resp := Response{
			JSONResponse: shared.NewJSONResponse("api"),
			Service:      service,
			Method:       req.Method,
			Path:         req.Path,
		}
		if res != nil {
			resp.StatusCode = res.StatusCode
			resp.FromCache = res.FromCache
			resp.Attempts = res.Attempts
			if json.Valid(res.Body) {
				resp.Body = res.Body
			}
		}
		if err != nil {
			resp.Success = false
			jerr := shared.ErrorToJSON(err)
			resp.Error = &jerr
		}
		if encErr := shared.EmitJSONTo(out, resp); encErr != nil {
			return encErr
		}
		return err
	}

	if err != nil {
		return err
	}
	writeBody(out, res.Body)
	return nil
}

// writeBody pretty-prints JSON bodies and writes anything else unchanged.
func writeBody(out io.Writer, body []byte) {
	if len(body) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, _ = out.Write(body)
		fmt.Fprintln(out)
		return
	}
	buf.WriteByte('\n')
	_, _ = buf.WriteTo(out)
}
