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

package download

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/config"
)

func TestAllSourcesCombinesAllOfAndAnyOf(t *testing.T) {
	v := &config.VerificationConfig{
		AllOf: []config.VerificationSource{{KeylessIssuer: "https://issuer.example"}},
		AnyOf: &config.AnyOfVerification{
			MinimumMatches: 1,
			Sources:        []config.VerificationSource{{PubKeyPEM: "pem-data"}},
		},
	}

	sources := allSources(v)
	require.Len(t, sources, 2)
}

func TestAllSourcesHandlesNilAnyOf(t *testing.T) {
	v := &config.VerificationConfig{
		AllOf: []config.VerificationSource{{KeylessIssuer: "https://issuer.example"}},
	}
	require.Len(t, allSources(v), 1)
}

func TestDownloadAllSkipsAlreadyMemoizedURL(t *testing.T) {
	d := New(nil, nil)
	d.results["registry://example.test/already:v1"] = FetchResult{
		Artifact: FetchedArtifact{LocalPath: "/tmp/cached.wasm", Digest: "sha256:abc"},
	}

	out := d.DownloadAll(context.Background(), []string{"registry://example.test/already:v1"}, t.TempDir(), nil)
	require.NoError(t, out["registry://example.test/already:v1"].Err)
	require.Equal(t, "/tmp/cached.wasm", out["registry://example.test/already:v1"].Artifact.LocalPath)
}

func TestDownloadAllFailsClosedWhenDirUncreatable(t *testing.T) {
	d := New(nil, nil)
	// A path nested under a regular file can never be mkdir'd.
	blocker := t.TempDir() + "/not-a-dir"
	require.NoError(t, writeFile(blocker))

	out := d.DownloadAll(context.Background(), []string{"registry://example.test/a:v1"}, blocker+"/nested", nil)
	require.Error(t, out["registry://example.test/a:v1"].Err)
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0o600)
}
