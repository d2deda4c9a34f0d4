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

// Package client talks to the backing tool server and forwards invocations
// to it.
//
// Client is a thin HTTP client over the server's catalog (GET /tools) and
// invocation (POST /tools/{name}) endpoints; payloads and response bodies
// pass through untouched.
//
// Forwarder layers readiness and retry policy on top: every call goes
// through the supervisor's EnsureRunning first, transport failures earn
// exactly one retry after a fresh EnsureRunning, and non-2xx answers come
// back as UpstreamError with the status and body verbatim, never retried.
// Outcomes can be recorded to the invocation history and traced.
package client
