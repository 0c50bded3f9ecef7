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

// Package callback implements the host-capability callback bus
// (SPEC_FULL.md §4.4): a single long-lived goroutine that is the only
// component allowed to hold the cluster client, the OCI/registry client and
// the signature verifier. Sandboxes never perform I/O directly; they send a
// Request down the bus's channel and block on a one-shot reply channel,
// grounded on the Rust CallbackHandler/CallbackHandlerBuilder described in
// original_source/src/lib.rs and on the teacher's registryauth/k8schain
// wiring for the registry-credential and OCI capabilities.
package callback

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/authn/k8schain"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sigstore/cosign/v2/pkg/cosign"
	ociremote "github.com/sigstore/cosign/v2/pkg/oci/remote"
	rekor "github.com/sigstore/rekor/pkg/client"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/trustroot"
)

// RequestKind identifies the shape of a sandbox-originated host-capability
// request, matching the four kinds enumerated in spec.md §4.4.
type RequestKind int

const (
	KindSignatureVerification RequestKind = iota
	KindOCIManifestFetch
	KindOCIManifestDigest
	KindClusterResourceList
	KindClusterResourceGet
	KindRegistryCredentialLookup
)

// Request is what a sandbox sends down the bus's channel. Kind selects which
// of the embedded fields are populated; Reply carries back exactly one
// Response before being closed.
type Request struct {
	Kind RequestKind

	// Common to the image-shaped requests.
	ImageRef string

	// KindSignatureVerification.
	Verification *config.VerificationConfig

	// KindClusterResourceList / KindClusterResourceGet.
	GVR       schema.GroupVersionResource
	Namespace string
	Name      string

	// CallerContextAwareResources gates which GVRs (D) honours for the
	// policy that originated this request (spec.md §3 invariants).
	CallerContextAwareResources []config.GroupVersionResource

	Reply chan Response
}

// Response is the bus's answer to a Request. Exactly one of the payload
// fields is meaningful, selected by the Request's Kind; Err is set on
// failure (spec.md §7 item 8: the failure is surfaced back into the sandbox
// as a failed host-call, the policy decides what to do with it).
type Response struct {
	Verified       bool
	ManifestBytes  []byte
	Digest         string
	ResourceList   []unstructured.Unstructured
	Resource       *unstructured.Unstructured
	Credential     RegistryCredential
	Err            error
}

// RegistryCredential is an optional username/password pair.
type RegistryCredential struct {
	Found    bool
	Username string
	Password string
}

// Bus is the single consumer of Request values. Construct with New, start
// the consumer loop with Run, and obtain a send handle for evaluation
// sandboxes with Sender.
type Bus struct {
	logger *zap.SugaredLogger

	requests chan Request

	kubeClient    kubernetes.Interface
	dynamicClient dynamic.Interface
	trustRoot     *trustroot.Root

	ecrCache *ecrCredentialCache
}

// Options configures a Bus.
type Options struct {
	Logger        *zap.SugaredLogger
	KubeClient    kubernetes.Interface // nil when ignore_kubernetes_connection_failure and no cluster was reachable
	DynamicClient dynamic.Interface
	TrustRoot     *trustroot.Root
}

// New constructs a Bus. It does not start the consumer loop; call Run in its
// own goroutine for that.
func New(opts Options) (*Bus, error) {
	ecrCache, err := newECRCredentialCache(credentialCacheSize, credentialCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("cannot create registry credential cache: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Bus{
		logger:        logger,
		requests:      make(chan Request, 64),
		kubeClient:    opts.KubeClient,
		dynamicClient: opts.DynamicClient,
		trustRoot:     opts.TrustRoot,
		ecrCache:      ecrCache,
	}, nil
}

// Sender returns the channel sandboxes (via the evaluation environment)
// submit Requests on. Safe to share across every concurrently running
// sandbox instance; the bus itself is the only reader.
func (b *Bus) Sender() chan<- Request {
	return b.requests
}

// Run is the bus's consumer loop. It returns when ctx is cancelled, after
// finishing any request already pulled off the channel; callers drain HTTP
// before cancelling ctx (spec.md §5 graceful shutdown).
func (b *Bus) Run(ctx context.Context) {
	b.logger.Info("callback bus: starting")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("callback bus: stopping")
			return
		case req := <-b.requests:
			b.handle(ctx, req)
		}
	}
}

func (b *Bus) handle(ctx context.Context, req Request) {
	var resp Response
	switch req.Kind {
	case KindSignatureVerification:
		resp = b.handleSignatureVerification(ctx, req)
	case KindOCIManifestFetch:
		resp = b.handleManifestFetch(ctx, req)
	case KindOCIManifestDigest:
		resp = b.handleManifestDigest(ctx, req)
	case KindClusterResourceList:
		resp = b.handleResourceList(ctx, req)
	case KindClusterResourceGet:
		resp = b.handleResourceGet(ctx, req)
	case KindRegistryCredentialLookup:
		resp = b.handleCredentialLookup(req)
	default:
		resp = Response{Err: fmt.Errorf("unknown callback request kind %d", req.Kind)}
	}
	req.Reply <- resp
	close(req.Reply)
}

func (b *Bus) keychain(ctx context.Context, ref name.Reference) (authn.Keychain, error) {
	if b.kubeClient == nil {
		return authn.DefaultKeychain, nil
	}
	kc, err := k8schain.New(ctx, b.kubeClient, k8schain.Options{})
	if err != nil {
		return nil, fmt.Errorf("cannot build keychain: %w", err)
	}
	return authn.NewMultiKeychain(kc, authn.DefaultKeychain), nil
}

func (b *Bus) handleManifestFetch(ctx context.Context, req Request) Response {
	ref, err := name.ParseReference(req.ImageRef)
	if err != nil {
		return Response{Err: fmt.Errorf("invalid image reference %q: %w", req.ImageRef, err)}
	}
	kc, err := b.keychain(ctx, ref)
	if err != nil {
		return Response{Err: err}
	}
	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(kc))
	if err != nil {
		return Response{Err: fmt.Errorf("cannot fetch manifest for %q: %w", req.ImageRef, err)}
	}
	return Response{ManifestBytes: desc.Manifest, Digest: desc.Digest.String()}
}

func (b *Bus) handleManifestDigest(ctx context.Context, req Request) Response {
	ref, err := name.ParseReference(req.ImageRef)
	if err != nil {
		return Response{Err: fmt.Errorf("invalid image reference %q: %w", req.ImageRef, err)}
	}
	kc, err := b.keychain(ctx, ref)
	if err != nil {
		return Response{Err: err}
	}
	digest, err := ociremote.ResolveDigest(ref, ociremote.WithRemoteOptions(remote.WithContext(ctx), remote.WithAuthFromKeychain(kc)))
	if err != nil {
		return Response{Err: fmt.Errorf("cannot resolve digest for %q: %w", req.ImageRef, err)}
	}
	return Response{Digest: digest.DigestStr()}
}

func (b *Bus) handleSignatureVerification(ctx context.Context, req Request) Response {
	if b.trustRoot == nil {
		return Response{Err: fmt.Errorf("signature verification requested but no trust root is available")}
	}
	ref, err := name.ParseReference(req.ImageRef)
	if err != nil {
		return Response{Err: fmt.Errorf("invalid image reference %q: %w", req.ImageRef, err)}
	}
	kc, err := b.keychain(ctx, ref)
	if err != nil {
		return Response{Err: err}
	}

	rootPool := x509.NewCertPool()
	for _, cert := range b.trustRoot.FulcioCerts {
		rootPool.AddCert(cert)
	}

	rekorClient, err := rekor.GetRekorClient("https://rekor.sigstore.dev")
	if err != nil {
		return Response{Err: fmt.Errorf("cannot build rekor client: %w", err)}
	}

	checkOpts := &cosign.CheckOpts{
		RootCerts:         rootPool,
		RekorClient:       rekorClient,
		RegistryClientOpts: []ociremote.Option{ociremote.WithRemoteOptions(remote.WithContext(ctx), remote.WithAuthFromKeychain(kc))},
	}
	_, verified, err := cosign.VerifyImageSignatures(ctx, ref, checkOpts)
	if err != nil || !verified {
		return Response{Verified: false, Err: err}
	}
	return Response{Verified: true}
}

func (b *Bus) handleCredentialLookup(req Request) Response {
	username, password, err := b.ecrCache.Get(req.ImageRef)
	if err != nil {
		return Response{Credential: RegistryCredential{Found: false}}
	}
	return Response{Credential: RegistryCredential{Found: true, Username: username, Password: password}}
}

func (b *Bus) handleResourceList(ctx context.Context, req Request) Response {
	if !gvrAllowed(req.GVR, req.CallerContextAwareResources) {
		return Response{Err: fmt.Errorf("policy is not allowed to read resource %s", req.GVR.String())}
	}
	if b.dynamicClient == nil {
		return Response{Err: fmt.Errorf("no cluster connection available")}
	}
	var list *unstructured.UnstructuredList
	var err error
	if req.Namespace != "" {
		list, err = b.dynamicClient.Resource(req.GVR).Namespace(req.Namespace).List(ctx, metav1.ListOptions{})
	} else {
		list, err = b.dynamicClient.Resource(req.GVR).List(ctx, metav1.ListOptions{})
	}
	if err != nil {
		return Response{Err: fmt.Errorf("cannot list %s: %w", req.GVR.String(), err)}
	}
	return Response{ResourceList: list.Items}
}

func (b *Bus) handleResourceGet(ctx context.Context, req Request) Response {
	if !gvrAllowed(req.GVR, req.CallerContextAwareResources) {
		return Response{Err: fmt.Errorf("policy is not allowed to read resource %s", req.GVR.String())}
	}
	if b.dynamicClient == nil {
		return Response{Err: fmt.Errorf("no cluster connection available")}
	}
	var obj *unstructured.Unstructured
	var err error
	if req.Namespace != "" {
		obj, err = b.dynamicClient.Resource(req.GVR).Namespace(req.Namespace).Get(ctx, req.Name, metav1.GetOptions{})
	} else {
		obj, err = b.dynamicClient.Resource(req.GVR).Get(ctx, req.Name, metav1.GetOptions{})
	}
	if err != nil {
		return Response{Err: fmt.Errorf("cannot get %s/%s: %w", req.GVR.String(), req.Name, err)}
	}
	return Response{Resource: obj}
}

func gvrAllowed(gvr schema.GroupVersionResource, allowed []config.GroupVersionResource) bool {
	for _, a := range allowed {
		if a.Group == gvr.Group && a.Version == gvr.Version && a.Resource == gvr.Resource {
			return true
		}
	}
	return false
}
