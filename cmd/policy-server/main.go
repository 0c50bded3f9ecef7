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

// Command policy-server boots the admission server: it loads configuration,
// fetches and precompiles every configured policy, starts the host-capability
// callback bus, and serves the TLS admission surface and the plain-HTTP
// readiness probe until told to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/kubewarden/policy-server/internal/api"
	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/download"
	"github.com/kubewarden/policy-server/internal/epoch"
	"github.com/kubewarden/policy-server/internal/evaluation"
	"github.com/kubewarden/policy-server/internal/logging"
	"github.com/kubewarden/policy-server/internal/precompile"
	"github.com/kubewarden/policy-server/internal/tlsmanager"
	"github.com/kubewarden/policy-server/internal/trustroot"
	"github.com/kubewarden/policy-server/internal/wasmengine"
)

func main() {
	configPath := flag.String("config-path", "/etc/kubewarden/policy-server.yaml", "path to the policy server configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("cannot load configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFmt, NoColor: cfg.LogNoColor})
	if err != nil {
		return fmt.Errorf("cannot build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	ctx = logging.WithLogger(ctx, logger)

	logger.Infow("booting policy server", "config", configPath)

	// Loaded unconditionally: the callback bus's signature-verification
	// capability can be reached by a policy at runtime even when no top-level
	// verification_config is configured (original_source/src/lib.rs calls
	// create_sigstore_trustroot unconditionally for the same reason).
	trustRoot, err := trustroot.Load(ctx, cfg.SigstoreCacheDir)
	if err != nil {
		logger.Warnw("continuing without a sigstore trust root; signature verification will fail", "error", err)
	}

	downloader := download.New(logger, trustRoot)
	fetched := downloader.DownloadAll(ctx, cfg.AllURLs(), cfg.PoliciesDownloadDir, cfg.VerificationConfig)
	for url, result := range fetched {
		if result.Err != nil {
			if !cfg.ContinueOnErrors {
				return fmt.Errorf("cannot fetch policy %q: %w", url, result.Err)
			}
			logger.Warnw("policy fetch failed, continuing", "url", url, "error", result.Err)
		}
	}

	engine, err := wasmengine.NewEngine(cfg.PolicyEvaluationLimitSeconds != nil)
	if err != nil {
		return fmt.Errorf("cannot create wasm engine: %w", err)
	}
	if cfg.PolicyEvaluationLimitSeconds != nil {
		go epoch.Run(ctx, engine)
	}

	compiled := precompile.All(engine, fetched, logger)

	kubeClient, dynamicClient, err := buildKubeClients(cfg, logger)
	if err != nil {
		return err
	}

	bus, err := callback.New(callback.Options{
		Logger:        logger,
		KubeClient:    kubeClient,
		DynamicClient: dynamicClient,
		TrustRoot:     trustRoot,
	})
	if err != nil {
		return fmt.Errorf("cannot create callback bus: %w", err)
	}
	// The bus gets its own cancellation, independent of the signal context:
	// it must keep running until the HTTP surface has finished draining,
	// not merely until a shutdown signal arrives (spec.md §5).
	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		bus.Run(busCtx)
	}()

	builder := evaluation.NewBuilder(engine, compiled, bus.Sender()).
		WithContinueOnErrors(cfg.ContinueOnErrors)
	if cfg.AlwaysAcceptAdmissionReviewsOnNamespace != nil {
		builder = builder.WithAlwaysAcceptAdmissionReviewsOnNamespace(*cfg.AlwaysAcceptAdmissionReviewsOnNamespace)
	}
	if cfg.PolicyEvaluationLimitSeconds != nil {
		builder = builder.WithPolicyEvaluationLimitSeconds(*cfg.PolicyEvaluationLimitSeconds)
	}
	env, err := builder.Build(cfg.Policies)
	if err != nil {
		return fmt.Errorf("cannot build evaluation environment: %w", err)
	}

	apiServer := api.New(api.Options{
		Environment: env,
		Logger:      logger,
		PoolSize:    cfg.PoolSize,
		EnablePprof: cfg.EnablePprof,
	})

	admissionSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: apiServer.Handler(),
	}
	readinessSrv := &http.Server{
		Addr:    cfg.ReadinessProbeAddr,
		Handler: api.ReadinessHandler(),
	}

	var tlsStop chan struct{}
	if cfg.TLSConfig != nil {
		mgr, err := tlsmanager.New(*cfg.TLSConfig, logger)
		if err != nil {
			return fmt.Errorf("cannot load tls configuration: %w", err)
		}
		admissionSrv.TLSConfig = mgr.ServerTLSConfig()
		tlsStop = make(chan struct{})
		go mgr.Watch(tlsStop)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infow("readiness probe listening", "addr", cfg.ReadinessProbeAddr)
		if err := readinessSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("readiness server: %w", err)
		}
	}()
	go func() {
		logger.Infow("admission server listening", "addr", cfg.Addr, "tls", cfg.TLSConfig != nil)
		var err error
		if cfg.TLSConfig != nil {
			err = admissionSrv.ListenAndServeTLS("", "")
		} else {
			err = admissionSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admission server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Errorw("server failed, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_ = admissionSrv.Shutdown(shutdownCtx)
	_ = readinessSrv.Shutdown(shutdownCtx)
	if tlsStop != nil {
		close(tlsStop)
	}

	logger.Info("admission surface drained, stopping callback bus")
	cancelBus()
	<-busDone

	return nil
}

// buildKubeClients builds the cluster clients the callback bus uses for
// context-aware resource lookups and registry keychain resolution. A missing
// or unreachable cluster is tolerated when ignore_kubernetes_connection_failure
// is set (spec.md §4.4), in which case each client that could not be built is
// nil and any request needing it fails deterministically.
func buildKubeClients(cfg *config.Config, logger *zap.SugaredLogger) (kubernetes.Interface, dynamic.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		if cfg.IgnoreKubernetesConnectionFailure {
			logger.Warnw("no in-cluster kubernetes configuration available, continuing without cluster access", "error", err)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("cannot load in-cluster kubernetes configuration: %w", err)
	}

	kubeClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		if cfg.IgnoreKubernetesConnectionFailure {
			logger.Warnw("cannot build kubernetes client, continuing without cluster access", "error", err)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("cannot build kubernetes client: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		if cfg.IgnoreKubernetesConnectionFailure {
			logger.Warnw("cannot build dynamic kubernetes client, continuing without cluster access", "error", err)
			return kubeClient, nil, nil
		}
		return nil, nil, fmt.Errorf("cannot build dynamic kubernetes client: %w", err)
	}

	return kubeClient, dynamicClient, nil
}
