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
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/require"
)

// countingHelper counts how many times Get was actually invoked, so tests
// can assert the TTL cache is doing its job rather than calling through.
type countingHelper struct {
	calls int
	user  string
	pass  string
}

func (h *countingHelper) Get(serverURL string) (string, string, error) {
	h.calls++
	return h.user, h.pass, nil
}

func newTestCache(t *testing.T, helper credentialHelper, ttl time.Duration) *ecrCredentialCache {
	t.Helper()
	cache, err := lru.New[string, registryCredential](8)
	require.NoError(t, err)
	return &ecrCredentialCache{
		cache:  cache,
		helper: helper,
		ttl:    ttl,
		expiry: make(map[string]time.Time),
	}
}

func TestEcrCredentialCacheCachesWithinTTL(t *testing.T) {
	helper := &countingHelper{user: "AWS", pass: "token"}
	c := newTestCache(t, helper, time.Minute)

	user, pass, err := c.Get("123456789.dkr.ecr.us-east-1.amazonaws.com")
	require.NoError(t, err)
	require.Equal(t, "AWS", user)
	require.Equal(t, "token", pass)
	require.Equal(t, 1, helper.calls)

	_, _, err = c.Get("123456789.dkr.ecr.us-east-1.amazonaws.com")
	require.NoError(t, err)
	require.Equal(t, 1, helper.calls, "second lookup within ttl must not re-invoke the helper")
}

func TestEcrCredentialCacheRefetchesAfterExpiry(t *testing.T) {
	helper := &countingHelper{user: "AWS", pass: "token"}
	c := newTestCache(t, helper, -time.Second) // already expired on arrival

	_, _, err := c.Get("registry.example.com")
	require.NoError(t, err)
	_, _, err = c.Get("registry.example.com")
	require.NoError(t, err)

	require.Equal(t, 2, helper.calls, "expired entries must be re-fetched")
}

func TestEcrCredentialCacheIsolatesServers(t *testing.T) {
	helper := &countingHelper{user: "AWS", pass: "token"}
	c := newTestCache(t, helper, time.Minute)

	_, _, err := c.Get("a.dkr.ecr.us-east-1.amazonaws.com")
	require.NoError(t, err)
	_, _, err = c.Get("b.dkr.ecr.us-east-1.amazonaws.com")
	require.NoError(t, err)

	require.Equal(t, 2, helper.calls)
}
