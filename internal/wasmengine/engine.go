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

// Package wasmengine is the thin layer between this server and the bytecode
// engine. Per spec.md §1 the engine internals are out of scope; this package
// only exposes the construction/instantiate/call/epoch surface the rest of
// the core consumes, grounded on original_source/src/lib.rs's use of
// wasmtime::{Engine, Config, Module} and epoch_interruption, backed here by
// the real github.com/bytecodealliance/wasmtime-go/v28 (see SPEC_FULL.md §3
// for why this dependency, absent from the teacher, is nonetheless grounded).
package wasmengine

import (
	"errors"
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v28"
)

// Engine wraps one wasmtime.Engine, shared by every precompiled module and
// every sandbox instantiated from them.
type Engine struct {
	inner              *wasmtime.Engine
	epochInterruption  bool
}

// NewEngine constructs the shared engine. epochInterruption should be true
// iff policy_evaluation_limit_seconds is configured (spec.md §4.6).
func NewEngine(epochInterruption bool) (*Engine, error) {
	cfg := wasmtime.NewConfig()
	if epochInterruption {
		cfg.SetEpochInterruption(true)
	}
	inner := wasmtime.NewEngineWithConfig(cfg)
	return &Engine{inner: inner, epochInterruption: epochInterruption}, nil
}

// IncrementEpoch advances the shared epoch counter by one tick. Only the
// epoch ticker (component F) calls this.
func (e *Engine) IncrementEpoch() {
	e.inner.IncrementEpoch()
}

// CompileModule parses wasm bytes into a reusable Module. Construction may
// fail (captured as a per-URL error that propagates lazily, spec.md §3).
func (e *Engine) CompileModule(wasmBytes []byte) (*Module, error) {
	mod, err := wasmtime.NewModule(e.inner, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("cannot compile module: %w", err)
	}
	return &Module{inner: mod, engine: e}, nil
}

// Module is an immutable compiled representation of one artifact, shareable
// across all instantiations (spec.md §3).
type Module struct {
	inner  *wasmtime.Module
	engine *Engine
}

// HostCallback is invoked synchronously from inside the guest whenever a
// policy performs a host capability call; the sandbox blocks until it
// returns (spec.md §5: "no suspension is allowed" inside a sandbox from the
// guest's point of view — the blocking happens in the host function, not in
// guest code).
type HostCallback func(payload []byte) ([]byte, error)

// Instance is a one-shot executable sandbox tied to a single request
// (spec.md §3 "Sandbox instance").
type Instance struct {
	store    *wasmtime.Store
	instance *wasmtime.Instance
	memory   *wasmtime.Memory
}

// Instantiate materialises a fresh sandbox from Module, wiring callback as
// the import the guest uses to reach the callback bus. settingsJSON is
// accepted but not copied into the guest: the sandbox it returns carries no
// policy settings. deadlineEpochs is the number of 1Hz ticks this
// invocation is allowed to run for before the engine interrupts it; zero
// means unlimited (policy_evaluation_limit_seconds unset).
func (m *Module) Instantiate(settingsJSON []byte, callback HostCallback, deadlineEpochs uint64) (*Instance, error) {
	store := wasmtime.NewStore(m.engine.inner)
	if m.engine.epochInterruption && deadlineEpochs > 0 {
		store.SetEpochDeadline(deadlineEpochs)
	}

	linker := wasmtime.NewLinker(m.engine.inner)
	if err := linker.DefineFunc(store, "kubewarden", "host_callback", func(caller *wasmtime.Caller, ptr, length int32) int32 {
		mem := caller.GetExport("memory").Memory()
		data := mem.UnsafeData(store)
		payload := make([]byte, length)
		copy(payload, data[ptr:ptr+length])
		_, err := callback(payload)
		if err != nil {
			return -1
		}
		return 0
	}); err != nil {
		return nil, fmt.Errorf("cannot define host_callback import: %w", err)
	}

	instance, err := linker.Instantiate(store, m.inner)
	if err != nil {
		return nil, fmt.Errorf("cannot instantiate module: %w", err)
	}

	var memory *wasmtime.Memory
	if export := instance.GetExport(store, "memory"); export != nil {
		memory = export.Memory()
	}

	return &Instance{store: store, instance: instance, memory: memory}, nil
}

// ErrDeadlineExceeded is returned by Call when the engine's epoch interrupt
// fired mid-invocation (spec.md §4.5 step 7, §4.6).
var ErrDeadlineExceeded = fmt.Errorf("execution deadline exceeded")

// Call invokes the named guest export (validate or validate_raw, matching the
// HTTP route that triggered the evaluation; the audit route uses validate)
// with requestJSON and returns the guest's raw response bytes.
func (i *Instance) Call(export string, requestJSON []byte) ([]byte, error) {
	fn := i.instance.GetFunc(i.store, export)
	if fn == nil {
		return nil, fmt.Errorf("policy does not export %q", export)
	}

	ptr, err := i.writeGuestBuffer(requestJSON)
	if err != nil {
		return nil, err
	}

	result, err := fn.Call(i.store, ptr, int32(len(requestJSON)))
	if err != nil {
		if isEpochInterrupt(err) {
			return nil, ErrDeadlineExceeded
		}
		return nil, fmt.Errorf("guest execution failed: %w", err)
	}

	packed, ok := result.(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected guest return shape")
	}
	outPtr := int32(packed >> 32)
	outLen := int32(packed & 0xffffffff)
	return i.readGuestBuffer(outPtr, outLen)
}

func (i *Instance) writeGuestBuffer(data []byte) (int32, error) {
	alloc := i.instance.GetFunc(i.store, "wapc_guest_alloc")
	if alloc == nil {
		return 0, fmt.Errorf("policy does not export an allocator")
	}
	raw, err := alloc.Call(i.store, int32(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest allocation failed: %w", err)
	}
	ptr, ok := raw.(int32)
	if !ok {
		return 0, fmt.Errorf("unexpected allocator return shape")
	}
	mem := i.memory.UnsafeData(i.store)
	copy(mem[ptr:], data)
	return ptr, nil
}

// isEpochInterrupt reports whether err was raised by the engine's epoch
// interrupt rather than a genuine guest trap.
func isEpochInterrupt(err error) bool {
	var wasmErr *wasmtime.Error
	if !errors.As(err, &wasmErr) {
		return false
	}
	trap := wasmErr.Trap()
	return trap != nil && trap.Code() != nil && *trap.Code() == wasmtime.InterruptCode
}

func (i *Instance) readGuestBuffer(ptr, length int32) ([]byte, error) {
	if i.memory == nil {
		return nil, fmt.Errorf("policy does not export linear memory")
	}
	mem := i.memory.UnsafeData(i.store)
	out := make([]byte, length)
	copy(out, mem[ptr:ptr+length])
	return out, nil
}
