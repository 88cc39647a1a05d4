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

// Package token implements the token command group for the encrypted
// per-principal credential store.
package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tombee/toolbridge/internal/app"
	"github.com/tombee/toolbridge/internal/commands/shared"
	"github.com/tombee/toolbridge/internal/credentials"
	"github.com/tombee/toolbridge/internal/log"
)

// NewCommand creates the token command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Store, inspect and delete per-principal tokens",
		Long: `Manage the OAuth tokens toolbridge uses on behalf of a principal.

Tokens are encrypted at rest and keyed by (principal, service, app).
A token for one principal is never returned for another. Expired tokens
with a refresh token are renewed on first use.

Every command acts for --principal (or TOOLBRIDGE_PRINCIPAL).

Commands:
  set       Store a token read from stdin or a prompt
  get       Show a token, refreshing it if expired
  delete    Remove a token
  list      List services with a stored token
  login     Run the OAuth authorization code flow`,
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newLoginCommand())

	return cmd
}

// TokenInfo describes a stored token in command output. AccessToken is
// masked unless --show is given.
type TokenInfo struct {
	Principal   string     `json:"principal"`
	Service     string     `json:"service"`
	App         string     `json:"app,omitempty"`
	AccessToken string     `json:"access_token,omitempty"`
	TokenType   string     `json:"token_type,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Refreshable bool       `json:"refreshable"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitzero"`
}

// TokenResponse is the JSON response for set, get, delete and login.
type TokenResponse struct {
	shared.JSONResponse
	Token *TokenInfo `json:"token,omitempty"`
}

// ListResponse is the JSON response for token list.
type ListResponse struct {
	shared.JSONResponse
	Principal string      `json:"principal"`
	Tokens    []TokenInfo `json:"tokens"`
}

func info(rec *credentials.TokenRecord, show bool) *TokenInfo {
	ti := &TokenInfo{
		Principal:   rec.Principal,
		Service:     rec.Service,
		App:         rec.App,
		AccessToken: log.SanitizeToken(rec.AccessToken),
		TokenType:   rec.TokenType,
		Scopes:      rec.Scopes,
		Refreshable: rec.RefreshToken != "",
		UpdatedAt:   rec.UpdatedAt,
	}
	if show {
		ti.AccessToken = rec.AccessToken
	}
	if !rec.ExpiresAt.IsZero() {
		exp := rec.ExpiresAt
		ti.ExpiresAt = &exp
	}
	return ti
}

func printInfo(out io.Writer, ti *TokenInfo) {
	fmt.Fprintf(out, "%s %s\n", shared.Muted.Render("Principal:"), ti.Principal)
	fmt.Fprintf(out, "%s %s\n", shared.Muted.Render("Service:  "), ti.Service)
	if ti.App != "" {
		fmt.Fprintf(out, "%s %s\n", shared.Muted.Render("App:      "), ti.App)
	}
	fmt.Fprintf(out, "%s %s\n", shared.Muted.Render("Token:    "), ti.AccessToken)
	if len(ti.Scopes) > 0 {
		fmt.Fprintf(out, "%s %s\n", shared.Muted.Render("Scopes:   "), strings.Join(ti.Scopes, " "))
	}
	expires := "never"
	if ti.ExpiresAt != nil {
		expires = ti.ExpiresAt.Local().Format(time.RFC3339)
	}
	fmt.Fprintf(out, "%s %s\n", shared.Muted.Render("Expires:  "), expires)
	fmt.Fprintf(out, "%s %t\n", shared.Muted.Render("Refresh:  "), ti.Refreshable)
}

func emit(out io.Writer, command string, ti *TokenInfo, text string) error {
	if shared.GetJSON() {
		return shared.EmitJSONTo(out, TokenResponse{JSONResponse: shared.NewJSONResponse(command), Token: ti})
	}
	if text != "" {
		fmt.Fprintln(out, shared.RenderOK(text))
	}
	if ti != nil && !shared.GetQuiet() {
		printInfo(out, ti)
	}
	return nil
}

// fail reports err as a failed envelope in JSON mode and returns it so the
// exit code still follows the error.
func fail(out io.Writer, command string, err error) error {
	if shared.GetJSON() {
		if encErr := shared.EmitJSONError(out, command, []shared.JSONError{shared.ErrorToJSON(err)}); encErr != nil {
			return encErr
		}
	}
	return err
}

// withStore opens the application and its credential store for the
// duration of fn.
func withStore(fn func(a *app.App, store *credentials.Store, principal string) error) error {
	principal, err := shared.RequirePrincipal()
	if err != nil {
		return err
	}
	a, err := shared.OpenApp()
	if err != nil {
		return err
	}
	defer a.Close()
	store, err := a.Store()
	if err != nil {
		return shared.Classify("failed to open credential store", err)
	}
	return fn(a, store, principal)
}

func newSetCommand() *cobra.Command {
	var (
		appName      string
		refreshToken bool
		tokenType    string
		scopes       []string
		expiresIn    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "set <service>",
		Short: "Store a token read from stdin or a prompt",
		Long: `Store an access token for the principal and service, replacing any
existing one. The token is read from a hidden prompt on a terminal and
from the first line of stdin otherwise, so it never appears in shell
history.

With --refresh-token a second value is read the same way and used to
renew the access token once --expires-in has passed.

Examples:
  toolbridge token set github --principal alice
  echo "$GITHUB_TOKEN" | toolbridge token set github -p alice --scopes repo`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(_ *app.App, store *credentials.Store, principal string) error {
				in := credentials.TokenInput{
					TokenType: tokenType,
					Scopes:    scopes,
					ExpiresIn: expiresIn,
					App:       appName,
				}
				var err error
				stdin := cmd.InOrStdin()
				if in.AccessToken, err = shared.ReadSecret(stdin, "Access token: "); err != nil {
					return err
				}
				if refreshToken {
					if in.RefreshToken, err = shared.ReadSecret(stdin, "Refresh token: "); err != nil {
						return err
					}
				}
				return runSet(cmd.Context(), cmd.OutOrStdout(), store, principal, args[0], in)
			})
		},
	}

	cmd.Flags().StringVar(&appName, "app", "", "OAuth application name when a service has several")
	cmd.Flags().BoolVar(&refreshToken, "refresh-token", false, "Also read a refresh token")
	cmd.Flags().StringVar(&tokenType, "token-type", "Bearer", "Token type")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "Granted scopes")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Lifetime of the access token (0 = never expires)")

	return cmd
}

func runSet(ctx context.Context, out io.Writer, store *credentials.Store, principal, service string, in credentials.TokenInput) error {
	if in.AccessToken == "" {
		return fail(out, "token set", &shared.ExitError{Code: shared.ExitFailed, Message: "no access token given"})
	}
	rec, err := store.StoreToken(ctx, principal, service, in)
	if err != nil {
		return fail(out, "token set", shared.Classify("failed to store token", err))
	}
	return emit(out, "token set", info(rec, false), fmt.Sprintf("Stored token for %s/%s", principal, service))
}

func newGetCommand() *cobra.Command {
	var (
		appName string
		show    bool
	)

	cmd := &cobra.Command{
		Use:   "get <service>",
		Short: "Show a token, refreshing it if expired",
		Long: `Show the stored token for the principal and service. An expired token
is refreshed first; if that fails the token is reported as unusable.

The access token is masked unless --show is given.

Examples:
  toolbridge token get github -p alice
  toolbridge token get github -p alice --show --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(_ *app.App, store *credentials.Store, principal string) error {
				return runGet(cmd.Context(), cmd.OutOrStdout(), store, principal, args[0], appName, show)
			})
		},
	}

	cmd.Flags().StringVar(&appName, "app", "", "OAuth application name")
	cmd.Flags().BoolVar(&show, "show", false, "Print the full access token")

	return cmd
}

func runGet(ctx context.Context, out io.Writer, store *credentials.Store, principal, service, appName string, show bool) error {
	rec, err := store.GetToken(ctx, principal, service, credentials.WithApp(appName))
	if err != nil {
		if errors.Is(err, credentials.ErrTokenNotFound) {
			err = &shared.ExitError{
				Code:    shared.ExitAuthError,
				Message: fmt.Sprintf("no token stored for %s/%s", principal, service),
			}
			return fail(out, "token get", err)
		}
		return fail(out, "token get", shared.Classify("failed to get token", err))
	}
	return emit(out, "token get", info(rec, show), "")
}

func newDeleteCommand() *cobra.Command {
	var appName string

	cmd := &cobra.Command{
		Use:   "delete <service>",
		Short: "Remove a token",
		Long: `Remove the stored token for the principal and service. Deleting a
token that does not exist succeeds.

Examples:
  toolbridge token delete github -p alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(_ *app.App, store *credentials.Store, principal string) error {
				return runDelete(cmd.Context(), cmd.OutOrStdout(), store, principal, args[0], appName)
			})
		},
	}

	cmd.Flags().StringVar(&appName, "app", "", "OAuth application name")

	return cmd
}

func runDelete(ctx context.Context, out io.Writer, store *credentials.Store, principal, service, appName string) error {
	if err := store.DeleteToken(ctx, principal, service, credentials.WithApp(appName)); err != nil {
		return fail(out, "token delete", shared.Classify("failed to delete token", err))
	}
	return emit(out, "token delete", nil, fmt.Sprintf("Deleted token for %s/%s", principal, service))
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List services with a stored token",
		Long: `List the services the principal has a stored token for. Tokens are not
decrypted. The keychain backend cannot enumerate entries.

Examples:
  toolbridge token list -p alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(_ *app.App, store *credentials.Store, principal string) error {
				return runList(cmd.Context(), cmd.OutOrStdout(), store, principal)
			})
		},
	}
}

func runList(ctx context.Context, out io.Writer, store *credentials.Store, principal string) error {
	keys, err := store.ListTokens(ctx, principal)
	if err != nil {
		return fail(out, "token list", shared.Classify("failed to list tokens", err))
	}

	resp := ListResponse{
		JSONResponse: shared.NewJSONResponse("token list"),
		Principal:    principal,
		Tokens:       make([]TokenInfo, 0, len(keys)),
	}
	for _, k := range keys {
		resp.Tokens = append(resp.Tokens, TokenInfo{Principal: k.Principal, Service: k.Service, App: k.App})
	}

	if shared.GetJSON() {
		return shared.EmitJSONTo(out, resp)
	}
	if len(resp.Tokens) == 0 {
		fmt.Fprintf(out, "No tokens stored for %s.\n", principal)
		return nil
	}
	fmt.Fprintf(out, "%-24s %s\n", "SERVICE", "APP")
	fmt.Fprintln(out, strings.Repeat("-", 40))
	for _, t := range resp.Tokens {
		fmt.Fprintf(out, "%-24s %s\n", t.Service, t.App)
	}
	return nil
}

func newLoginCommand() *cobra.Command {
	var appName string

	cmd := &cobra.Command{
		Use:   "login <service>",
		Short: "Run the OAuth authorization code flow",
		Long: `Print the consent page URL for the service's configured OAuth client,
then read the authorization code from a prompt or stdin and exchange it
for a token. PKCE is always used. Without a terminal (or with
TOOLBRIDGE_NON_INTERACTIVE=true) only the URL is printed to stderr.

Examples:
  toolbridge token login github -p alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(a *app.App, store *credentials.Store, principal string) error {
				return runLogin(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), cmd.OutOrStdout(), a, store, principal, args[0], appName)
			})
		},
	}

	cmd.Flags().StringVar(&appName, "app", "", "OAuth application name")

	return cmd
}

func runLogin(ctx context.Context, in io.Reader, prompt, out io.Writer, a *app.App, store *credentials.Store, principal, service, appName string) error {
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	url, err := a.AuthCodeURL(service, appName, state, verifier)
	if err != nil {
		return shared.Classify("failed to start login", err)
	}

	if shared.IsNonInteractive() {
		// Bare URL so scripts can capture it.
		fmt.Fprintln(prompt, url)
	} else {
		fmt.Fprintf(prompt, "Open this URL to authorize %s:\n\n  %s\n\n", service, url)
	}
	code, err := shared.ReadSecret(in, "Authorization code: ")
	if err != nil {
		return err
	}
	if code == "" {
		return &shared.ExitError{Code: shared.ExitAuthError, Message: "no authorization code given"}
	}

	rec, err := store.Exchange(ctx, principal, service, code, verifier, credentials.WithApp(appName))
	if err != nil {
		return shared.Classify("login failed", err)
	}
	return emit(out, "token login", info(rec, false), fmt.Sprintf("Logged in to %s as %s", service, principal))
}
