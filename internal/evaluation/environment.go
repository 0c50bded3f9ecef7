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

// Package evaluation is the evaluation environment (SPEC_FULL.md §4.5): a
// read-only, once-built mapping from PolicyId to either a precompiled module
// or a policy group, that materialises a fresh sandbox per request and
// dispatches to the entry point matching the HTTP route.
package evaluation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kubewarden/policy-server/internal/admission"
	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/config"
	"github.com/kubewarden/policy-server/internal/precompile"
	"github.com/kubewarden/policy-server/internal/wasmengine"
)

// entryPoint is the policy guest export invoked for a given HTTP route
// (spec.md §4.5 step 5).
type entryPoint string

const (
	entryValidate    entryPoint = "validate"
	entryValidateRaw entryPoint = "validate_raw"
	entryAudit       entryPoint = "validate" // audit is semantically identical to validate (spec.md §4.5)
)

// policyEntry is a single, standalone PolicyId resolvable to a module.
type policyEntry struct {
	ref        config.PolicyRef
	module     *wasmengine.Module
	compileErr error
}

// groupEntry is an addressable policy group: no module of its own, an
// expression over named members each carrying their own policyEntry.
type groupEntry struct {
	group   config.PolicyGroup
	expr    expr
	members map[string]policyEntry
}

// Environment is the read-only, boot-time-constructed mapping from PolicyId
// to policy or group (spec.md §3).
type Environment struct {
	policies map[string]policyEntry
	groups   map[string]groupEntry

	engine                 *wasmengine.Engine
	callbackSender         chan<- callback.Request
	continueOnErrors       bool
	alwaysAcceptNamespace  *string
	evaluationLimitSeconds *uint64
}

// Builder constructs an Environment once at boot, mirroring the Rust
// EvaluationEnvironmentBuilder's fluent-options shape.
type Builder struct {
	engine                 *wasmengine.Engine
	precompiled            map[string]precompile.Result
	callbackSender         chan<- callback.Request
	continueOnErrors       bool
	alwaysAcceptNamespace  *string
	evaluationLimitSeconds *uint64
}

// NewBuilder constructs a Builder from the engine, the precompiled-module map
// keyed by artifact URL, and the callback bus's send handle.
func NewBuilder(engine *wasmengine.Engine, precompiled map[string]precompile.Result, callbackSender chan<- callback.Request) *Builder {
	return &Builder{engine: engine, precompiled: precompiled, callbackSender: callbackSender}
}

func (b *Builder) WithContinueOnErrors(v bool) *Builder {
	b.continueOnErrors = v
	return b
}

func (b *Builder) WithAlwaysAcceptAdmissionReviewsOnNamespace(ns string) *Builder {
	b.alwaysAcceptNamespace = &ns
	return b
}

func (b *Builder) WithPolicyEvaluationLimitSeconds(limit uint64) *Builder {
	b.evaluationLimitSeconds = &limit
	return b
}

// Build resolves policies (PolicyId -> config.Policy) against the
// precompiled-module map and returns the finished Environment.
func (b *Builder) Build(policies map[string]config.Policy) (*Environment, error) {
	env := &Environment{
		policies:               make(map[string]policyEntry),
		groups:                 make(map[string]groupEntry),
		engine:                 b.engine,
		callbackSender:         b.callbackSender,
		continueOnErrors:       b.continueOnErrors,
		alwaysAcceptNamespace:  b.alwaysAcceptNamespace,
		evaluationLimitSeconds: b.evaluationLimitSeconds,
	}

	for id, policy := range policies {
		if policy.IsGroup() {
			continue
		}
		entry, err := b.resolvePolicyEntry(*policy.Ref)
		if err != nil {
			if !b.continueOnErrors {
				return nil, fmt.Errorf("policy %q: %w", id, err)
			}
			entry = policyEntry{ref: *policy.Ref, compileErr: err}
		}
		env.policies[id] = entry
	}

	for id, policy := range policies {
		if !policy.IsGroup() {
			continue
		}
		ge, err := b.resolveGroupEntry(*policy.Group)
		if err != nil {
			return nil, fmt.Errorf("policy group %q: %w", id, err)
		}
		env.groups[id] = ge
	}

	return env, nil
}

func (b *Builder) resolvePolicyEntry(ref config.PolicyRef) (policyEntry, error) {
	result, ok := b.precompiled[ref.URL]
	if !ok {
		return policyEntry{}, fmt.Errorf("no fetched/compiled artifact for url %q", ref.URL)
	}
	if result.Err != nil {
		return policyEntry{ref: ref, compileErr: result.Err}, nil
	}
	return policyEntry{ref: ref, module: result.Module}, nil
}

func (b *Builder) resolveGroupEntry(group config.PolicyGroup) (groupEntry, error) {
	tree, err := parseExpression(group.Expression)
	if err != nil {
		return groupEntry{}, err
	}

	members := make(map[string]policyEntry, len(group.Members))
	for name, member := range group.Members {
		ref := member.PolicyRef
		forced := false
		ref.AllowedToMutate = &forced
		entry, err := b.resolvePolicyEntry(ref)
		if err != nil {
			if !b.continueOnErrors {
				return groupEntry{}, fmt.Errorf("member %q: %w", name, err)
			}
			entry = policyEntry{ref: ref, compileErr: err}
		}
		members[name] = entry
	}

	return groupEntry{group: group, expr: tree, members: members}, nil
}

// ErrGroupMutationForbidden is the deterministic error message emitted
// whenever a policy-group member produces a mutation (spec.md §3, §7 item 7).
const ErrGroupMutationForbidden = "mutation is not allowed inside of policy group"

// Lookup reports which kind of entry id resolves to, if any.
func (e *Environment) Lookup(id string) (isGroup, found bool) {
	if _, ok := e.groups[id]; ok {
		return true, true
	}
	if _, ok := e.policies[id]; ok {
		return false, true
	}
	return false, false
}

// Validate implements the "validate" entry point (spec.md §4.5).
func (e *Environment) Validate(id string, review admission.Review) *admission.Response {
	return e.dispatch(id, review, entryValidate)
}

// ValidateRaw implements the "validate_raw" entry point.
func (e *Environment) ValidateRaw(id string, review admission.Review) *admission.Response {
	return e.dispatch(id, review, entryValidateRaw)
}

// Audit implements the "audit" entry point: semantically identical to
// validate (spec.md §4.5).
func (e *Environment) Audit(id string, review admission.Review) *admission.Response {
	return e.dispatch(id, review, entryAudit)
}

func (e *Environment) dispatch(id string, review admission.Review, ep entryPoint) *admission.Response {
	uid := ""
	if review.Request != nil {
		uid = review.Request.UID
	}

	if group, ok := e.groups[id]; ok {
		return e.evaluateGroup(group, review, uid, ep)
	}
	entry, ok := e.policies[id]
	if !ok {
		return nil // caller (HTTP layer) turns this into 404
	}
	return e.evaluatePolicy(entry, review, uid, ep)
}

func (e *Environment) evaluatePolicy(entry policyEntry, review admission.Review, uid string, ep entryPoint) *admission.Response {
	if entry.compileErr != nil {
		return admission.Deny(uid, 500, entry.compileErr.Error())
	}

	if e.alwaysAcceptNamespace != nil && review.Request != nil && review.Request.Namespace == *e.alwaysAcceptNamespace {
		return admission.Allow(uid)
	}

	resp, err := e.invoke(entry, review, ep)
	if err != nil {
		if err == wasmengine.ErrDeadlineExceeded {
			return admission.Deny(uid, 500, "execution deadline exceeded")
		}
		return admission.Deny(uid, 500, err.Error())
	}
	resp.UID = uid

	if !entry.ref.EffectiveAllowedToMutate() {
		resp.Patch = nil
		resp.PatchType = nil
	}

	if entry.ref.EffectiveMode() == config.ModeMonitor && !resp.Allowed {
		msg := ""
		if resp.Status != nil {
			msg = resp.Status.Message
		}
		resp.Allowed = true
		resp.Status = nil
		resp.WithWarning(msg)
	}

	return resp
}

func (e *Environment) evaluateGroup(group groupEntry, review admission.Review, uid string, ep entryPoint) *admission.Response {
	results := make(map[string]bool, len(group.members))
	var causes []admission.Cause
	var warnings []string

	names := make([]string, 0, len(group.members))
	for name := range group.members {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic evaluation order for predictable tracing

	for _, name := range names {
		entry := group.members[name]
		memberResp := e.evaluateGroupMember(entry, review, ep)
		results[name] = memberResp.Allowed
		warnings = append(warnings, memberResp.Warnings...)
		if !memberResp.Allowed {
			msg := ErrGroupMutationForbidden
			if memberResp.Status != nil && memberResp.Status.Message != "" {
				msg = memberResp.Status.Message
			}
			causes = append(causes, admission.Cause{Message: msg})
		}
	}

	allowed := group.expr.eval(results)
	resp := &admission.Response{UID: uid, Allowed: allowed}
	resp.Warnings = warnings
	if !allowed {
		resp.Status = &admission.Status{
			Message: group.group.Message,
			Code:    400,
			Details: &admission.Details{Causes: causes},
		}
	}
	return resp
}

// evaluateGroupMember runs one member with mutation unconditionally forced
// off; any mutation it produces is dropped and surfaced as a deny with the
// fixed group-mutation message (spec.md §4.5, invariant).
func (e *Environment) evaluateGroupMember(entry policyEntry, review admission.Review, ep entryPoint) *admission.Response {
	if entry.compileErr != nil {
		return admission.Deny("", 500, entry.compileErr.Error())
	}

	resp, err := e.invoke(entry, review, ep)
	if err != nil {
		if err == wasmengine.ErrDeadlineExceeded {
			return admission.Deny("", 500, "execution deadline exceeded")
		}
		return admission.Deny("", 500, err.Error())
	}

	if len(resp.Patch) > 0 {
		return admission.Deny("", 500, ErrGroupMutationForbidden)
	}

	return resp
}

// invoke instantiates a fresh sandbox from entry's module and runs ep,
// unmarshalling the guest's raw JSON reply into an admission.Response.
func (e *Environment) invoke(entry policyEntry, review admission.Review, ep entryPoint) (*admission.Response, error) {
	reqJSON, err := json.Marshal(review)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal admission review: %w", err)
	}

	settingsJSON, err := json.Marshal(entry.ref.Settings)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal policy settings: %w", err)
	}

	hostCallback := func(payload []byte) ([]byte, error) {
		return e.dispatchCallback(entry.ref, payload)
	}

	var deadlineEpochs uint64
	if e.evaluationLimitSeconds != nil {
		deadlineEpochs = *e.evaluationLimitSeconds
	}

	instance, err := entry.module.Instantiate(settingsJSON, hostCallback, deadlineEpochs)
	if err != nil {
		return nil, fmt.Errorf("cannot instantiate sandbox: %w", err)
	}

	outJSON, err := instance.Call(string(ep), reqJSON)
	if err != nil {
		return nil, err
	}

	var resp admission.Response
	if err := json.Unmarshal(outJSON, &resp); err != nil {
		return nil, fmt.Errorf("cannot parse guest response: %w", err)
	}
	return &resp, nil
}

// dispatchCallback forwards a guest-originated host-capability request to
// the callback bus and blocks for the reply (spec.md §4.4, §5: suspension is
// confined to this host-side function, never visible to guest code).
func (e *Environment) dispatchCallback(ref config.PolicyRef, payload []byte) ([]byte, error) {
	var req callback.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed host capability request: %w", err)
	}
	req.CallerContextAwareResources = ref.ContextAwareResources
	req.Reply = make(chan callback.Response, 1)

	e.callbackSender <- req
	resp := <-req.Reply
	if resp.Err != nil {
		return nil, resp.Err
	}
	return json.Marshal(resp)
}
