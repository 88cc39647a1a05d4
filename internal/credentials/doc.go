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

// Package credentials stores OAuth tokens per (principal, service[, app]).
//
// Records are encrypted by a Cipher before they reach a Backend, and the
// cipher binds every ciphertext to its key so a row copied under another
// principal fails to decrypt. Lookups are exact: nothing ever searches
// across principals.
//
// Access to one key is serialized, so concurrent GetToken calls that find
// an expired token collapse into a single refresh exchange. Different keys
// never contend.
//
// Usage:
//
//	store, err := credentials.NewStore(credentials.StoreConfig{
//	    Backend:   backend,
//	    Cipher:    cipher,
//	    Refresher: credentials.NewOAuthRefresher(clients, httpClient),
//	})
//	rec, err := store.GetToken(ctx, "alice", "github")
//	if errors.Is(err, credentials.ErrTokenNotFound) {
//	    // ask alice to authorize
//	}
package credentials
