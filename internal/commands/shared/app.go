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

package shared

import (
	"log/slog"

	"github.com/tombee/toolbridge/internal/app"
	"github.com/tombee/toolbridge/internal/config"
	"github.com/tombee/toolbridge/internal/log"
)

var logger *slog.Logger

// SetLogger installs the logger commands pass to the application.
func SetLogger(l *slog.Logger) {
	logger = l
}

// Logger returns the installed logger or slog.Default.
func Logger() *slog.Logger {
	return log.OrDefault(logger)
}

// OpenApp loads the configuration named by --config and builds the
// application around it. Callers must Close the result.
func OpenApp() (*app.App, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	a, err := app.New(app.Options{Config: cfg, Logger: Logger()})
	if err != nil {
		return nil, NewExecutionError("failed to initialize", err)
	}
	return a, nil
}

// RequirePrincipal returns the principal from --principal or
// TOOLBRIDGE_PRINCIPAL, or a config error naming both.
func RequirePrincipal() (string, error) {
	p := GetPrincipal()
	if p == "" {
		return "", &ExitError{
			Code:    ExitConfigError,
			Message: "no principal given (use --principal or set " + PrincipalEnv + ")",
		}
	}
	return p, nil
}
