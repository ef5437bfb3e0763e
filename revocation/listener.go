// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package revocation defines the boundary the payload worker calls into
// when a revocation notification arrives for the agent's UUID. Subscribing
// to an actual notification transport (ZeroMQ, message queue, polling
// endpoint) is out of scope here; this package only fixes the contract a
// future subscriber must satisfy.
package revocation

import "context"

// Listener runs until ctx is cancelled, reacting to revocation
// notifications as they arrive.
type Listener interface {
	Run(ctx context.Context) error
}

// NoopListener is a Listener that never fires; it blocks until ctx is
// cancelled. It is the default wired into the agent until a concrete
// subscriber is implemented.
type NoopListener struct{}

// Run implements Listener.
func (NoopListener) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
