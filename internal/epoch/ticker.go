//
// Copyright 2025 The Kubewarden Authors.
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

// Package epoch runs the 1Hz tick that feeds the engine's deadline
// interruption (spec.md §4.6), a direct port of the Rust tokio::time::interval
// loop in original_source/src/lib.rs.
package epoch

import (
	"context"
	"time"
)

// Incrementer is the one method the ticker needs from the engine.
type Incrementer interface {
	IncrementEpoch()
}

// Run increments engine's epoch once a second until ctx is cancelled. It is
// the only component allowed to advance the epoch (spec.md §4.6, §5).
func Run(ctx context.Context, engine Incrementer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.IncrementEpoch()
		}
	}
}
