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

// Package download implements the policy downloader (SPEC_FULL.md §4.2):
// fetches policy artifacts, content-addressed by registry digest, into a
// local cache directory and optionally verifies their signature against a
// trust root before handing back the local path.
//
// Grounded on the Rust policy_downloader module (original_source/src/lib.rs)
// and on the teacher's go-containerregistry/cosign usage for resolving and
// verifying OCI references.
package download

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sigstore/cosign/v2/pkg/cosign"
	ociremote "github.com/sigstore/cosign/v2/pkg/oci/remote"
	rekor "github.com/sigstore/rekor/pkg/client"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"
	"go.uber.org/zap"

	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/trustroot"
)

// VerificationOutcome records whether signature verification ran and passed.
type VerificationOutcome struct {
	Attempted bool
	Passed    bool
}

// FetchedArtifact is one resolved, on-disk policy artifact (spec.md §3).
type FetchedArtifact struct {
	LocalPath   string
	Digest      string
	Verification VerificationOutcome
}

// FetchResult is either a FetchedArtifact or the error that prevented it.
type FetchResult struct {
	Artifact FetchedArtifact
	Err      error
}

// Downloader fetches and verifies policy artifacts, de-duplicating by URL.
type Downloader struct {
	logger    *zap.SugaredLogger
	trustRoot *trustroot.Root
	keychain  authn.Keychain

	mu      sync.Mutex
	results map[string]FetchResult // memoised by URL
}

// New constructs a Downloader. trustRoot may be nil (verification requests
// then fail deterministically per URL, spec.md §4.1 contract).
func New(logger *zap.SugaredLogger, trustRoot *trustroot.Root) *Downloader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Downloader{
		logger:    logger,
		trustRoot: trustRoot,
		keychain:  authn.DefaultKeychain,
		results:   make(map[string]FetchResult),
	}
}

// DownloadAll fetches every URL exactly once into dir, verifying against
// verification when non-nil, and returns a result per URL (spec.md §4.2).
func (d *Downloader) DownloadAll(ctx context.Context, urls []string, dir string, verification *config.VerificationConfig) map[string]FetchResult {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		out := make(map[string]FetchResult, len(urls))
		for _, u := range urls {
			out[u] = FetchResult{Err: fmt.Errorf("cannot create download dir %s: %w", dir, err)}
		}
		return out
	}

	var wg sync.WaitGroup
	for _, u := range urls {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.downloadOne(ctx, u, dir, verification)
		}()
	}
	wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]FetchResult, len(d.results))
	for k, v := range d.results {
		out[k] = v
	}
	return out
}

func (d *Downloader) downloadOne(ctx context.Context, url string, dir string, verification *config.VerificationConfig) {
	d.mu.Lock()
	if _, done := d.results[url]; done {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	artifact, err := d.fetch(ctx, url, dir)
	result := FetchResult{Artifact: artifact, Err: err}
	if err == nil && verification != nil {
		outcome, verr := d.verify(ctx, url, verification)
		result.Artifact.Verification = outcome
		switch {
		case verr != nil:
			result = FetchResult{Err: fmt.Errorf("signature verification failed for %s: %w", url, verr)}
		case !outcome.Passed:
			result = FetchResult{Err: fmt.Errorf("signature verification failed for %s: no configured source matched", url)}
		}
	}

	d.mu.Lock()
	d.results[url] = result
	d.mu.Unlock()
}

// fetch resolves url as an OCI reference, pulls the image's last layer, and
// writes its uncompressed content to a path under dir addressed by the
// image's manifest digest (dir/<digest-hex>.wasm).
func (d *Downloader) fetch(ctx context.Context, url string, dir string) (FetchedArtifact, error) {
	ref, err := name.ParseReference(strings.TrimPrefix(url, "registry://"))
	if err != nil {
		return FetchedArtifact{}, fmt.Errorf("invalid artifact url %q: %w", url, err)
	}

	image, err := remote.Image(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(d.keychain))
	if err != nil {
		return FetchedArtifact{}, fmt.Errorf("cannot fetch artifact %q: %w", url, err)
	}
	digest, err := image.Digest()
	if err != nil {
		return FetchedArtifact{}, fmt.Errorf("cannot resolve digest for %q: %w", url, err)
	}

	localPath := filepath.Join(dir, digest.Hex+".wasm")
	if _, statErr := os.Stat(localPath); statErr == nil {
		return FetchedArtifact{LocalPath: localPath, Digest: digest.String()}, nil
	}

	layers, err := image.Layers()
	if err != nil || len(layers) == 0 {
		return FetchedArtifact{}, fmt.Errorf("artifact %q has no layers", url)
	}
	rc, err := layers[len(layers)-1].Uncompressed()
	if err != nil {
		return FetchedArtifact{}, fmt.Errorf("cannot read artifact %q: %w", url, err)
	}
	defer rc.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return FetchedArtifact{}, fmt.Errorf("cannot create cache file for %q: %w", url, err)
	}
	defer f.Close()
	if _, err := f.ReadFrom(rc); err != nil {
		return FetchedArtifact{}, fmt.Errorf("cannot write cache file for %q: %w", url, err)
	}

	return FetchedArtifact{LocalPath: localPath, Digest: digest.String()}, nil
}

func (d *Downloader) verify(ctx context.Context, url string, verification *config.VerificationConfig) (VerificationOutcome, error) {
	if d.trustRoot == nil {
		return VerificationOutcome{Attempted: true}, fmt.Errorf("verification requested but no trust root is available")
	}

	ref, err := name.ParseReference(strings.TrimPrefix(url, "registry://"))
	if err != nil {
		return VerificationOutcome{Attempted: true}, err
	}

	rootPool := x509.NewCertPool()
	for _, cert := range d.trustRoot.FulcioCerts {
		rootPool.AddCert(cert)
	}
	rekorClient, err := rekor.GetRekorClient("https://rekor.sigstore.dev")
	if err != nil {
		return VerificationOutcome{Attempted: true}, err
	}

	registryOpts := []ociremote.Option{ociremote.WithRemoteOptions(remote.WithContext(ctx), remote.WithAuthFromKeychain(d.keychain))}

	var verified bool
	var keylessIdentities []cosign.Identity

	for _, source := range allSources(verification) {
		if verified {
			break
		}
		if source.PubKeyPEM != "" {
			pubKey, err := cryptoutils.UnmarshalPEMToPublicKey([]byte(source.PubKeyPEM))
			if err != nil {
				return VerificationOutcome{Attempted: true}, fmt.Errorf("cannot parse public key for %s: %w", url, err)
			}
			verifier, err := signature.LoadVerifier(pubKey, crypto.SHA256)
			if err != nil {
				return VerificationOutcome{Attempted: true}, fmt.Errorf("cannot build verifier for %s: %w", url, err)
			}
			_, ok, err := cosign.VerifyImageSignatures(ctx, ref, &cosign.CheckOpts{
				SigVerifier:        verifier,
				RekorClient:        rekorClient,
				RegistryClientOpts: registryOpts,
			})
			if err == nil && ok {
				verified = true
			}
			continue
		}
		if source.KeylessIssuer != "" {
			keylessIdentities = append(keylessIdentities, cosign.Identity{
				Issuer:  source.KeylessIssuer,
				Subject: source.KeylessSubject,
			})
		}
	}

	if !verified && len(keylessIdentities) > 0 {
		_, ok, err := cosign.VerifyImageSignatures(ctx, ref, &cosign.CheckOpts{
			RootCerts:          rootPool,
			RekorClient:        rekorClient,
			RegistryClientOpts: registryOpts,
			Identities:         keylessIdentities,
		})
		if err == nil && ok {
			verified = true
		}
	}

	return VerificationOutcome{Attempted: true, Passed: verified}, nil
}

func allSources(v *config.VerificationConfig) []config.VerificationSource {
	var out []config.VerificationSource
	out = append(out, v.AllOf...)
	if v.AnyOf != nil {
		out = append(out, v.AnyOf.Sources...)
	}
	return out
}
