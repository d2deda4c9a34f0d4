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

// Package secrets stores and resolves sensitive values such as the
// backing server's API key.
//
// Three backends are provided, queried in priority order by the
// Resolver: the system keychain, WARDEN_SECRET_* environment variables
// (read-only), and an AES-256-GCM encrypted file keyed by a master key.
// Config values of the form secret://<key> resolve through this chain.
package secrets
