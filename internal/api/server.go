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

// Package api is the HTTP admission surface (SPEC_FULL.md §4.7, §4.9):
// /validate/{policy_id}, /validate_raw/{policy_id} and /audit/{policy_id} on
// the TLS listener, plus a plain-HTTP readiness probe. Concurrency is capped
// with golang.org/x/sync/semaphore the same way
// other_examples/…kubewarden-controller…/internal/scanner/scanner.go bounds
// its parallel resource audits, grounding the choice in the same project
// family this server belongs to.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kubewarden/policy-server/internal/admission"
	"github.com/kubewarden/policy-server/internal/evaluation"
)

// maxRequestBodyBytes caps the admission review body the server will read,
// guarding against a misbehaving or malicious caller exhausting memory.
const maxRequestBodyBytes = 8 << 20

// Server is the HTTP admission surface.
type Server struct {
	env    *evaluation.Environment
	logger *zap.SugaredLogger
	sem    *semaphore.Weighted

	enablePprof bool
}

// Options configures a Server.
type Options struct {
	Environment *evaluation.Environment
	Logger      *zap.SugaredLogger
	PoolSize    int
	EnablePprof bool
}

// New builds the admission server's handler tree.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Server{
		env:         opts.Environment,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(poolSize)),
		enablePprof: opts.EnablePprof,
	}
}

// Handler returns the TLS-side mux: the three evaluation routes and,
// optionally, pprof (spec.md §4.9, enable_pprof).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate/{policy_id}", s.withConcurrencyLimit(s.handleValidate))
	mux.HandleFunc("POST /validate_raw/{policy_id}", s.withConcurrencyLimit(s.handleValidateRaw))
	mux.HandleFunc("POST /audit/{policy_id}", s.withConcurrencyLimit(s.handleAudit))

	if s.enablePprof {
		mux.HandleFunc("GET /debug/pprof/", pprof.Index)
		mux.HandleFunc("GET /debug/pprof/cpu", pprof.Profile)
		mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
	}

	return mux
}

// ReadinessHandler returns the plain-HTTP readiness mux (spec.md §4.9): a
// bare 200 once the server has finished booting (all artifacts fetched and
// compiled, trust root load attempted).
func ReadinessHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /readiness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// withConcurrencyLimit bounds the number of requests evaluated concurrently
// to pool_size, queueing the rest behind the semaphore (spec.md §4.7
// invariant: the server never runs more than pool_size sandboxes at once).
func (s *Server) withConcurrencyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sem.Acquire(r.Context(), 1); err != nil {
			http.Error(w, "request cancelled while waiting for a free evaluation slot", http.StatusServiceUnavailable)
			return
		}
		defer s.sem.Release(1)
		next(w, r)
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	s.serveEvaluation(w, r, s.env.Validate)
}

func (s *Server) handleValidateRaw(w http.ResponseWriter, r *http.Request) {
	s.serveEvaluation(w, r, s.env.ValidateRaw)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	s.serveEvaluation(w, r, s.env.Audit)
}

type evaluator func(policyID string, review admission.Review) *admission.Response

func (s *Server) serveEvaluation(w http.ResponseWriter, r *http.Request, eval evaluator) {
	policyID := r.PathValue("policy_id")

	var review admission.Review
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&review); err != nil {
		s.writeUnprocessable(w, fmt.Errorf("malformed admission review: %w", err))
		return
	}
	if review.Request == nil {
		s.writeUnprocessable(w, errors.New("admission review is missing \"request\""))
		return
	}

	if _, found := s.env.Lookup(policyID); !found {
		http.Error(w, fmt.Sprintf("unknown policy %q", policyID), http.StatusNotFound)
		return
	}

	resp := eval(policyID, review)
	review.Request = nil
	review.Response = resp

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(review); err != nil {
		s.logger.Errorw("cannot encode admission response", "policy_id", policyID, "error", err)
	}
}

func (s *Server) writeUnprocessable(w http.ResponseWriter, err error) {
	s.logger.Debugw("rejecting malformed request", "error", err)
	http.Error(w, err.Error(), http.StatusUnprocessableEntity)
}
