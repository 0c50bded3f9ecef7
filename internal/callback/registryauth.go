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
	"errors"
	"io"
	"sync"
	"time"

	ecr "github.com/awslabs/amazon-ecr-credential-helper/ecr-login"
	lru "github.com/hashicorp/golang-lru/v2"
)

// registryCredential is a username/password pair for one registry server,
// the shape the "registry credential lookup" callback-bus capability returns.
type registryCredential struct {
	ServerURL string
	Username  string
	Password  string
}

// errCredentialsNotFound is returned when no helper has credentials for a server.
var errCredentialsNotFound = errors.New("credentials not found")

// credentialHelper is the lookup interface the cache calls through; the ECR
// helper adapter is its only production implementation.
type credentialHelper interface {
	Get(serverURL string) (string, string, error)
}

// ecrCredentialCache wraps the ECR credential helper with a bounded,
// TTL-expiring LRU cache so a long-running process doesn't either leak
// memory or hammer STS on every lookup.
type ecrCredentialCache struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, registryCredential]
	helper credentialHelper
	ttl    time.Duration
	expiry map[string]time.Time
}

type ecrHelperAdapter struct {
	helper *ecr.ECRHelper
}

func (a *ecrHelperAdapter) Get(serverURL string) (string, string, error) {
	return a.helper.Get(serverURL)
}

// newECRCredentialCache creates a credential cache bounded to cacheSize
// entries, each valid for ttl before being re-fetched from ECR.
func newECRCredentialCache(cacheSize int, ttl time.Duration) (*ecrCredentialCache, error) {
	cache, err := lru.New[string, registryCredential](cacheSize)
	if err != nil {
		return nil, err
	}

	ecrHelper := ecr.NewECRHelper(ecr.WithLogger(io.Discard))

	return &ecrCredentialCache{
		cache:  cache,
		helper: &ecrHelperAdapter{helper: ecrHelper},
		ttl:    ttl,
		expiry: make(map[string]time.Time),
	}, nil
}

func (c *ecrCredentialCache) Get(serverURL string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if creds, ok := c.cache.Get(serverURL); ok {
		if expiry, exists := c.expiry[serverURL]; exists && now.Before(expiry) {
			return creds.Username, creds.Password, nil
		}
		c.cache.Remove(serverURL)
		delete(c.expiry, serverURL)
	}

	username, password, err := c.helper.Get(serverURL)
	if err != nil {
		return "", "", errors.Join(errCredentialsNotFound, err)
	}

	c.cache.Add(serverURL, registryCredential{ServerURL: serverURL, Username: username, Password: password})
	c.expiry[serverURL] = now.Add(c.ttl)

	return username, password, nil
}

const (
	credentialCacheSize = 512
	credentialCacheTTL  = 10 * time.Minute
)
