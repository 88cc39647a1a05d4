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

// Error codes for JSON output
const (
	// Configuration errors (E200-E299)
	ErrorCodeInvalidConfig = "E202"

	// Credential errors (E300-E399)
	ErrorCodeAuth = "E301"

	// Remote errors (E400-E499)
	ErrorCodeNotFound    = "E401"
	ErrorCodeInternal    = "E402"
	ErrorCodeToolFailed  = "E403"
	ErrorCodeUnavailable = "E404"
)

func mapExitErrorToCode(exitErr *ExitError) string {
	if exitErr == nil {
		return ""
	}

	switch exitErr.Code {
	case ExitConfigError:
		return ErrorCodeInvalidConfig
	case ExitAuthError:
		return ErrorCodeAuth
	case ExitToolError:
		return ErrorCodeToolFailed
	case ExitUnavailable:
		return ErrorCodeUnavailable
	default:
		return ErrorCodeInternal
	}
}
