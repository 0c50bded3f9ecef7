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

// Package trustroot materialises the signature-transparency trust root used
// to verify policy artifacts: Fulcio signing certificates and Rekor
// verification keys, backed by a local TUF mirror cache.
//
// Grounded on the teacher's pkg/tuf and on the Rust create_sigstore_trustroot
// in original_source/src/lib.rs, which builds a sigstore-go ManualTrustRoot
// from a SigstoreTrustRoot TUF repository.
package trustroot

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/sigstore/sigstore/pkg/tuf"
)

// Root is the immutable trust material used by signature verification.
// Safe for concurrent read once returned by Load; never mutated afterwards.
type Root struct {
	FulcioCerts []*x509.Certificate
	RekorKeys   [][]byte
}

// Load fetches (or reuses the on-disk cache of) the sigstore TUF repository
// rooted at cacheDir and extracts the Fulcio certificates and Rekor keys.
//
// On any failure the caller is expected to log a warning and continue with a
// nil *Root: downstream verification that requires the trust root then fails
// deterministically (spec.md §4.1 contract), it does not abort boot.
func Load(ctx context.Context, cacheDir string) (*Root, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create sigstore cache dir %s: %w", cacheDir, err)
	}

	opts := tuf.DefaultOptions()
	opts.CachePath = cacheDir
	client, err := tuf.New(opts)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize TUF client: %w", err)
	}

	fulcioPEM, err := client.GetTarget("fulcio_v1.crt.pem")
	if err != nil {
		return nil, fmt.Errorf("cannot fetch Fulcio certificate from TUF repository: %w", err)
	}
	fulcioCerts, err := parseCertificates(fulcioPEM)
	if err != nil {
		return nil, fmt.Errorf("cannot parse Fulcio certificate: %w", err)
	}

	rekorPub, err := client.GetTarget("rekor.pub")
	if err != nil {
		return nil, fmt.Errorf("cannot fetch Rekor key from TUF repository: %w", err)
	}

	return &Root{
		FulcioCerts: fulcioCerts,
		RekorKeys:   [][]byte{rekorPub},
	}, nil
}

func parseCertificates(pemBytes []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return certs, nil
}
