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

package tlsmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubewarden/policy-server/internal/config"
)

func writeKeypair(t *testing.T, dir string) (certPath, keyPath string) {
	return writeNamedKeypair(t, dir, "tls")
}

func writeNamedKeypair(t *testing.T, dir, name string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "policy-server-test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	defer certOut.Close()
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))

	keyBytes, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	defer keyOut.Close()
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))

	return certPath, keyPath
}

func TestNewLoadsInitialKeypair(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeypair(t, dir)

	mgr, err := New(config.TLSConfig{CertFile: certPath, KeyFile: keyPath}, zap.NewNop().Sugar())
	require.NoError(t, err)

	tlsCfg, err := mgr.GetConfigForClient(nil)
	require.NoError(t, err)
	require.Len(t, tlsCfg.Certificates, 1)
}

func TestNewFailsOnMissingFiles(t *testing.T) {
	_, err := New(config.TLSConfig{CertFile: "/no/such/cert", KeyFile: "/no/such/key"}, zap.NewNop().Sugar())
	require.Error(t, err)
}

func TestReadyToRebuildRequiresBothCertAndKey(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeypair(t, dir)
	mgr, err := New(config.TLSConfig{CertFile: certPath, KeyFile: keyPath}, zap.NewNop().Sugar())
	require.NoError(t, err)

	mgr.markDirty(certPath)
	require.False(t, mgr.readyToRebuild())

	mgr.markDirty(keyPath)
	require.True(t, mgr.readyToRebuild())
}

func TestReadyToRebuildOnClientCAAlone(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeypair(t, dir)
	caPath, _ := writeNamedKeypair(t, dir, "ca")
	mgr, err := New(config.TLSConfig{CertFile: certPath, KeyFile: keyPath, ClientCAFile: caPath}, zap.NewNop().Sugar())
	require.NoError(t, err)

	mgr.markDirty(caPath)
	require.True(t, mgr.readyToRebuild())
}

func TestReadyToRebuildWithheldWhileKeypairRewriteInFlight(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeypair(t, dir)
	caPath, _ := writeNamedKeypair(t, dir, "ca")
	mgr, err := New(config.TLSConfig{CertFile: certPath, KeyFile: keyPath, ClientCAFile: caPath}, zap.NewNop().Sugar())
	require.NoError(t, err)

	// Only the cert half of the keypair has been rewritten so far; a CA event
	// arriving in the middle of that rewrite must not trigger a rebuild that
	// would serve the new cert paired with the still-old key.
	mgr.markDirty(certPath)
	mgr.markDirty(caPath)
	require.False(t, mgr.readyToRebuild())

	mgr.markDirty(keyPath)
	require.True(t, mgr.readyToRebuild())
}
