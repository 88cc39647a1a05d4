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

package config

import (
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/tombee/toolbridge/internal/log"
)

// envRefPattern matches a value that is exactly one ${NAME} reference.
var envRefPattern = regexp.MustCompile(`^\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}$`)

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(name string) (string, bool)

// EnvRef returns the variable name when value is exactly of the form
// ${NAME}.
func EnvRef(value string) (string, bool) {
	m := envRefPattern.FindStringSubmatch(value)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ResolveValue substitutes value when it is a whole ${NAME} reference.
// ok is false only when the reference names an unset variable; literal
// values are returned unchanged.
func ResolveValue(value string, lookup LookupFunc) (resolved string, ok bool) {
	name, isRef := EnvRef(value)
	if !isRef {
		return value, true
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return lookup(name)
}

// ResolveMap applies ResolveValue to every entry. Entries referencing an
// unset variable are dropped with a warning that names the variable but
// never a value.
func ResolveMap(values map[string]string, lookup LookupFunc, logger *slog.Logger) map[string]string {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		resolved, ok := ResolveValue(value, lookup)
		if !ok {
			name, _ := EnvRef(value)
			logger.Warn("environment variable not set, omitting entry",
				"key", key,
				"variable", name,
			)
			continue
		}
		out[key] = resolved
	}
	return out
}

// EnvList renders an environment map as sorted KEY=VALUE entries.
func EnvList(values map[string]string) []string {
	out := make([]string, 0, len(values))
	for k, v := range values {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// sensitiveKeyPatterns are patterns that indicate a sensitive value.
var sensitiveKeyPatterns = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH",
}

// IsSensitiveKey returns true if the key appears to name sensitive data.
func IsSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upper, pattern) {
			return true
		}
	}
	return false
}

// RedactMap returns a copy of values with sensitive entries masked.
func RedactMap(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if IsSensitiveKey(k) {
			out[k] = log.SanitizeSecret(v)
			continue
		}
		out[k] = v
	}
	return out
}
