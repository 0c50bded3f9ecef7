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

package callback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kubewarden/policy-server/internal/config"
)

func TestGVRAllowed(t *testing.T) {
	allowed := []config.GroupVersionResource{
		{Group: "", Version: "v1", Resource: "pods"},
		{Group: "apps", Version: "v1", Resource: "deployments"},
	}

	require.True(t, gvrAllowed(schema.GroupVersionResource{Version: "v1", Resource: "pods"}, allowed))
	require.True(t, gvrAllowed(schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}, allowed))
	require.False(t, gvrAllowed(schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "statefulsets"}, allowed))
	require.False(t, gvrAllowed(schema.GroupVersionResource{Version: "v1", Resource: "secrets"}, allowed))
}

func TestBusUnknownRequestKindErrors(t *testing.T) {
	bus, err := New(Options{})
	require.NoError(t, err)

	go bus.Run(context.Background())

	req := Request{Kind: RequestKind(999), Reply: make(chan Response, 1)}
	bus.Sender() <- req

	select {
	case resp := <-req.Reply:
		require.Error(t, resp.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback bus reply")
	}
}

func TestBusResourceRequestsFailWithoutClusterAccess(t *testing.T) {
	bus, err := New(Options{})
	require.NoError(t, err)

	go bus.Run(context.Background())

	req := Request{
		Kind:                        KindClusterResourceList,
		GVR:                         schema.GroupVersionResource{Version: "v1", Resource: "pods"},
		CallerContextAwareResources: []config.GroupVersionResource{{Version: "v1", Resource: "pods"}},
		Reply:                       make(chan Response, 1),
	}
	bus.Sender() <- req

	select {
	case resp := <-req.Reply:
		require.Error(t, resp.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback bus reply")
	}
}
