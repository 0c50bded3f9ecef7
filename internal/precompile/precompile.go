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

// Package precompile runs the data-parallel compile pass over every fetched
// artifact (SPEC_FULL.md §4.3), porting the Rust precompile_policies
// (rayon::par_iter, original_source/src/lib.rs) to a bounded worker pool.
package precompile

import (
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/kubewarden/policy-server/internal/download"
	"github.com/kubewarden/policy-server/internal/wasmengine"
)

// Result is either a compiled Module or the error that prevented it, keyed
// by artifact URL in the map returned by All.
type Result struct {
	Module *wasmengine.Module
	Err    error
}

// All compiles every successfully-fetched artifact in fetched, in parallel,
// order-independent. A URL whose fetch failed passes that error through
// unchanged (spec.md §4.3).
func All(engine *wasmengine.Engine, fetched map[string]download.FetchResult, logger *zap.SugaredLogger) map[string]Result {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	type job struct {
		url    string
		fetch  download.FetchResult
	}
	jobs := make(chan job, len(fetched))
	for url, fr := range fetched {
		jobs <- job{url: url, fetch: fr}
	}
	close(jobs)

	results := make(map[string]Result, len(fetched))
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if workers > len(fetched) && len(fetched) > 0 {
		workers = len(fetched)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				result := compileOne(engine, j.fetch)
				logger.Debugw("module compiled", "url", j.url, "error", result.Err)
				mu.Lock()
				results[j.url] = result
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return results
}

func compileOne(engine *wasmengine.Engine, fetch download.FetchResult) Result {
	if fetch.Err != nil {
		return Result{Err: fetch.Err}
	}
	wasmBytes, err := os.ReadFile(fetch.Artifact.LocalPath)
	if err != nil {
		return Result{Err: err}
	}
	mod, err := engine.CompileModule(wasmBytes)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Module: mod}
}
