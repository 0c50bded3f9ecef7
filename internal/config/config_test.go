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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
addr: ":8443"
readinessProbeAddr: ":8081"
poolSize: 4
policiesDownloadDir: /tmp/kubewarden/policies
sigstoreCacheDir: /tmp/kubewarden/sigstore
policies:
  privileged-pods:
    url: registry://ghcr.io/kubewarden/policies/privileged-pods:v0.2.0
    mode: protect
    allowedToMutate: false
  safe-labels:
    url: registry://ghcr.io/kubewarden/policies/safe-labels:v0.1.0
    allowedToMutate: true
  pod-checks:
    expression: "privileged-pods AND safe-labels"
    message: "pod did not satisfy the pod-checks group"
    policies:
      privileged-pods:
        url: registry://ghcr.io/kubewarden/policies/privileged-pods:v0.2.0
      safe-labels:
        url: registry://ghcr.io/kubewarden/policies/safe-labels:v0.1.0
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy-server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadParsesSingleAndGroupPolicies(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Policies, 3)

	privileged := cfg.Policies["privileged-pods"]
	require.False(t, privileged.IsGroup())
	require.Equal(t, "registry://ghcr.io/kubewarden/policies/privileged-pods:v0.2.0", privileged.Ref.URL)
	require.Equal(t, ModeProtect, privileged.Ref.EffectiveMode())
	require.False(t, privileged.Ref.EffectiveAllowedToMutate())

	safeLabels := cfg.Policies["safe-labels"]
	require.True(t, safeLabels.Ref.EffectiveAllowedToMutate())

	group := cfg.Policies["pod-checks"]
	require.True(t, group.IsGroup())
	require.Equal(t, "privileged-pods AND safe-labels", group.Group.Expression)
	require.Len(t, group.Group.Members, 2)
}

func TestAllURLsDedupsAcrossTopLevelAndGroupMembers(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	urls := cfg.AllURLs()
	require.Len(t, urls, 2)
	require.Contains(t, urls, "registry://ghcr.io/kubewarden/policies/privileged-pods:v0.2.0")
	require.Contains(t, urls, "registry://ghcr.io/kubewarden/policies/safe-labels:v0.1.0")
}

func TestLoadToleratesGroupMemberAllowedToMutate(t *testing.T) {
	path := writeConfig(t, `
addr: ":8443"
readinessProbeAddr: ":8081"
poolSize: 1
policies:
  bad-group:
    expression: "a"
    message: "nope"
    policies:
      a:
        url: registry://example.test/a:v1
        allowedToMutate: true
`)
	// Load must not reject this: the field is silently forced to false at
	// evaluation time rather than validated at config time.
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, *cfg.Policies["bad-group"].Group.Members["a"].AllowedToMutate)
}

func TestValidateRejectsInvalidAddr(t *testing.T) {
	path := writeConfig(t, `
addr: "not-a-valid-addr"
readinessProbeAddr: ":8081"
poolSize: 1
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsNonPositivePoolSize(t *testing.T) {
	path := writeConfig(t, `
addr: ":8443"
readinessProbeAddr: ":8081"
poolSize: 0
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRequiresBothCertAndKey(t *testing.T) {
	path := writeConfig(t, `
addr: ":8443"
readinessProbeAddr: ":8081"
poolSize: 1
tlsConfig:
  certFile: /tmp/cert.pem
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestDefaultsAppliedWhenFieldsOmitted(t *testing.T) {
	path := writeConfig(t, "policies: {}\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8443", cfg.Addr)
	require.Equal(t, ":8081", cfg.ReadinessProbeAddr)
	require.Equal(t, 100, cfg.PoolSize)
}
