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

package epoch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingIncrementer struct {
	count atomic.Int64
}

func (c *countingIncrementer) IncrementEpoch() {
	c.count.Add(1)
}

func TestRunIncrementsUntilCancelled(t *testing.T) {
	inc := &countingIncrementer{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Run(ctx, inc)
		close(done)
	}()

	time.Sleep(2200 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	require.GreaterOrEqual(t, inc.count.Load(), int64(2))
}

func TestRunStopsImmediatelyOnAlreadyCancelledContext(t *testing.T) {
	inc := &countingIncrementer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		Run(ctx, inc)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return immediately for a pre-cancelled context")
	}
}
