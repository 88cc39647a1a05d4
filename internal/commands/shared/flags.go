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

import "os"

// PrincipalEnv supplies the default --principal.
const PrincipalEnv = "TOOLBRIDGE_PRINCIPAL"

var (
	verboseFlag   bool
	quietFlag     bool
	jsonFlag      bool
	configFlag    string
	principalFlag string
	traceFlag     bool

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to the output flags for
// registration with cobra.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &verboseFlag, &quietFlag, &jsonFlag, &configFlag
}

// RegisterSessionFlagPointers returns pointers to the --principal and
// --trace flags.
func RegisterSessionFlagPointers() (*string, *bool) {
	return &principalFlag, &traceFlag
}

// SetVersion sets the build-time version information.
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

func GetVerbose() bool {
	return verboseFlag
}

func GetQuiet() bool {
	return quietFlag
}

func GetJSON() bool {
	return jsonFlag
}

func GetConfigPath() string {
	return configFlag
}

func GetTrace() bool {
	return traceFlag
}

// GetPrincipal returns --principal, falling back to TOOLBRIDGE_PRINCIPAL.
func GetPrincipal() string {
	if principalFlag != "" {
		return principalFlag
	}
	return os.Getenv(PrincipalEnv)
}

// GetVersion returns version, commit and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// SetConfigPathForTest overrides --config.
func SetConfigPathForTest(path string) {
	configFlag = path
}

// SetPrincipalForTest overrides --principal.
func SetPrincipalForTest(principal string) {
	principalFlag = principal
}
