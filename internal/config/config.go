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

// Package config holds the boot-time configuration surface of the policy
// server (SPEC_FULL.md §6), loaded once from a YAML file via sigs.k8s.io/yaml
// the way the teacher's pkg/apis/policy types are (un)marshalled.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"sigs.k8s.io/yaml"
)

// Mode is whether a deny verdict is surfaced as a rejection (Protect) or
// downgraded to an allow + warning (Monitor).
type Mode string

const (
	ModeProtect Mode = "protect"
	ModeMonitor Mode = "monitor"
)

// GroupVersionResource identifies a cluster resource kind a policy may read
// via the callback bus, when allowed by its context_aware_resources set.
type GroupVersionResource struct {
	Group    string `json:"group"`
	Version  string `json:"version"`
	Resource string `json:"resource"`
}

// PolicyRef is a single policy entry (spec.md §3).
type PolicyRef struct {
	URL                  string                  `json:"url"`
	Mode                 Mode                    `json:"mode,omitempty"`
	AllowedToMutate       *bool                  `json:"allowedToMutate,omitempty"`
	Settings             map[string]interface{}  `json:"settings,omitempty"`
	ContextAwareResources []GroupVersionResource  `json:"contextAwareResources,omitempty"`
}

// EffectiveMode returns ModeProtect when unset.
func (p *PolicyRef) EffectiveMode() Mode {
	if p.Mode == "" {
		return ModeProtect
	}
	return p.Mode
}

// EffectiveAllowedToMutate returns false when unset.
func (p *PolicyRef) EffectiveAllowedToMutate() bool {
	return p.AllowedToMutate != nil && *p.AllowedToMutate
}

// PolicyGroupMember is a PolicyRef that lives only inside a group's parallel
// inner namespace; its AllowedToMutate is always forced to false at
// evaluation time regardless of what is configured here (spec.md §4.5).
type PolicyGroupMember struct {
	PolicyRef `json:",inline"`
}

// PolicyGroup is a named boolean expression over member policies (spec.md §3).
type PolicyGroup struct {
	Members    map[string]PolicyGroupMember `json:"policies"`
	Expression string                       `json:"expression"`
	Message    string                       `json:"message"`
}

// Policy is either a PolicyRef or a PolicyGroup. Exactly one of the two
// pointers is populated after UnmarshalJSON.
type Policy struct {
	Ref   *PolicyRef
	Group *PolicyGroup
}

// IsGroup reports whether this entry is a policy group.
func (p *Policy) IsGroup() bool { return p.Group != nil }

// UnmarshalJSON distinguishes a single policy from a group by presence of the
// "policies" field, the way the Rust source's serde(untagged) enum does.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var probe struct {
		Policies map[string]PolicyGroupMember `json:"policies"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Policies != nil {
		var group PolicyGroup
		if err := yaml.Unmarshal(data, &group); err != nil {
			return err
		}
		p.Group = &group
		return nil
	}
	var ref PolicyRef
	if err := yaml.Unmarshal(data, &ref); err != nil {
		return err
	}
	p.Ref = &ref
	return nil
}

// MarshalJSON re-emits whichever of Ref/Group is set.
func (p Policy) MarshalJSON() ([]byte, error) {
	if p.Group != nil {
		return json.Marshal(p.Group)
	}
	return json.Marshal(p.Ref)
}

// VerificationConfig is the signature-verification policy forwarded to the
// downloader (SPEC_FULL.md §3, component B).
type VerificationConfig struct {
	AllOf []VerificationSource `json:"allOf,omitempty"`
	AnyOf *AnyOfVerification   `json:"anyOf,omitempty"`
}

type AnyOfVerification struct {
	MinimumMatches int                   `json:"minimumMatches"`
	Sources        []VerificationSource `json:"signatures"`
}

// VerificationSource describes one acceptable signature (keyless or
// public-key based), mirroring cosign's own verification options.
type VerificationSource struct {
	PubKeyPEM             string `json:"pubKey,omitempty"`
	KeylessIssuer         string `json:"issuer,omitempty"`
	KeylessSubject        string `json:"subject,omitempty"`
	CertificateChainPEM   string `json:"certificateChain,omitempty"`
	Annotations           map[string]string `json:"annotations,omitempty"`
}

// SourcesConfig is the registry auth/mirroring config forwarded to the
// callback bus (component D).
type SourcesConfig struct {
	InsecureSources []string                     `json:"insecureSources,omitempty"`
	SourceAuthorities map[string]RegistryAuth     `json:"sourceAuthorities,omitempty"`
}

type RegistryAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// TLSConfig describes the server keypair and optional mTLS client CA
// (component H).
type TLSConfig struct {
	CertFile     string `json:"certFile"`
	KeyFile      string `json:"keyFile"`
	ClientCAFile string `json:"clientCaFile,omitempty"`
}

// Config is the full boot-time configuration surface (SPEC_FULL.md §6).
type Config struct {
	Addr                 string            `json:"addr"`
	ReadinessProbeAddr   string            `json:"readinessProbeAddr"`
	PoolSize             int               `json:"poolSize"`
	Policies             map[string]Policy `json:"policies"`
	PoliciesDownloadDir  string            `json:"policiesDownloadDir"`
	SigstoreCacheDir     string            `json:"sigstoreCacheDir"`
	Sources              *SourcesConfig    `json:"sources,omitempty"`
	TLSConfig            *TLSConfig        `json:"tlsConfig,omitempty"`
	VerificationConfig   *VerificationConfig `json:"verificationConfig,omitempty"`
	PolicyEvaluationLimitSeconds *uint64   `json:"policyEvaluationLimitSeconds,omitempty"`
	ContinueOnErrors     bool              `json:"continueOnErrors"`
	AlwaysAcceptAdmissionReviewsOnNamespace *string `json:"alwaysAcceptAdmissionReviewsOnNamespace,omitempty"`
	IgnoreKubernetesConnectionFailure bool  `json:"ignoreKubernetesConnectionFailure"`

	LogLevel   string `json:"logLevel"`
	LogFmt     string `json:"logFmt"`
	LogNoColor bool   `json:"logNoColor"`
	MetricsEnabled bool `json:"metricsEnabled"`
	EnablePprof    bool `json:"enablePprof"`
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Addr:                ":8443",
		ReadinessProbeAddr:  ":8081",
		PoolSize:            100,
		PoliciesDownloadDir: "/tmp/kubewarden/policies",
		SigstoreCacheDir:    "/tmp/kubewarden/sigstore",
		LogLevel:            "info",
		LogFmt:              "json",
	}
}

// Validate enforces the config-surface invariants: listener addresses must
// parse and pool_size must be positive (spec.md §3 invariants). A group
// member's allowedToMutate is not validated here: it is silently forced to
// false at evaluation time (internal/evaluation's resolveGroupEntry),
// matching the Rust source, which never rejects the field, only ignores it.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid addr %q: %w", c.Addr, err)
	}
	if _, _, err := net.SplitHostPort(c.ReadinessProbeAddr); err != nil {
		return fmt.Errorf("invalid readinessProbeAddr %q: %w", c.ReadinessProbeAddr, err)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("poolSize must be a positive integer, got %d", c.PoolSize)
	}
	if c.TLSConfig != nil {
		if c.TLSConfig.CertFile == "" || c.TLSConfig.KeyFile == "" {
			return fmt.Errorf("tlsConfig requires both certFile and keyFile")
		}
	}

	return nil
}

// AllURLs returns every artifact URL referenced by the config, both
// top-level policies and policy-group members, de-duplicated. This is the
// input to the downloader (component B): members are not addressable from
// HTTP but their artifacts are fetched and compiled exactly like any other
// PolicyRef (spec.md §3 invariants; §4.2 de-dup contract).
func (c *Config) AllURLs() []string {
	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	for _, policy := range c.Policies {
		if policy.IsGroup() {
			for _, member := range policy.Group.Members {
				add(member.URL)
			}
			continue
		}
		add(policy.Ref.URL)
	}
	return urls
}
