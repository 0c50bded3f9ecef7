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

// Package admission is the wire shape of the cluster's admission review
// envelope (SPEC_FULL.md §6), carried verbatim between the HTTP surface and
// the evaluation environment.
package admission

import "encoding/json"

// Review is the top-level envelope posted to /validate, /validate_raw and
// /audit, and returned (with Response populated) in the HTTP reply.
type Review struct {
	APIVersion string    `json:"apiVersion"`
	Kind       string    `json:"kind"`
	Request    *Request  `json:"request,omitempty"`
	Response   *Response `json:"response,omitempty"`
}

// Request is the part of the envelope describing the object under review.
// Object/OldObject are kept as raw JSON since this server never needs to
// interpret them structurally, only hand them to the policy guest.
type Request struct {
	UID       string          `json:"uid"`
	Kind      GroupVersionKind `json:"kind"`
	Namespace string          `json:"namespace,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Object    json.RawMessage `json:"object,omitempty"`
	OldObject json.RawMessage `json:"oldObject,omitempty"`
}

// GroupVersionKind is the {group, version, kind} triple of the reviewed object.
type GroupVersionKind struct {
	Group   string `json:"group"`
	Version string `json:"version"`
	Kind    string `json:"kind"`
}

// Response is the verdict returned for a Request (spec.md §6 wire format).
type Response struct {
	UID       string   `json:"uid"`
	Allowed   bool     `json:"allowed"`
	Status    *Status  `json:"status,omitempty"`
	Patch     []byte   `json:"patch,omitempty"`
	PatchType *string  `json:"patchType,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Status carries the rejection message/code, and (for policy groups) the
// per-member causes of a deny (spec.md §4.5).
type Status struct {
	Message string   `json:"message,omitempty"`
	Code    int32    `json:"code,omitempty"`
	Details *Details `json:"details,omitempty"`
}

// Details holds the group-evaluation causes.
type Details struct {
	Causes []Cause `json:"causes,omitempty"`
}

// Cause is one denying policy-group member's contribution to a deny.
type Cause struct {
	Message string `json:"message,omitempty"`
}

// JSONPatchType is the only patch type this server ever emits (spec.md §6).
const JSONPatchType = "JSONPatch"

// Allow builds a bare allow response echoing uid.
func Allow(uid string) *Response {
	return &Response{UID: uid, Allowed: true}
}

// Deny builds a reject response with the given status code and message.
func Deny(uid string, code int32, message string) *Response {
	return &Response{
		UID:     uid,
		Allowed: false,
		Status:  &Status{Message: message, Code: code},
	}
}

// WithPatch attaches a JSONPatch mutation to an allow response.
func (r *Response) WithPatch(patch []byte) *Response {
	if len(patch) == 0 {
		return r
	}
	pt := JSONPatchType
	r.Patch = patch
	r.PatchType = &pt
	return r
}

// WithWarning appends a warning message.
func (r *Response) WithWarning(msg string) *Response {
	if msg == "" {
		return r
	}
	r.Warnings = append(r.Warnings, msg)
	return r
}
