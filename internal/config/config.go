// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config implements the scheduling configuration data model.
//
// A SchedulerConfig is parsed fresh from the repository's ci.yaml for
// every scheduling decision and is immutable for the duration of one
// scheduling pass. A configuration that fails validation is rejected
// wholesale; no targets from it are ever scheduled.
package config

import (
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// DefaultTimeout applies to targets that do not declare one.
const DefaultTimeout = 30 * time.Minute

// SchedulerSystem identifies which system owns triggering and retries
// for a target.
type SchedulerSystem string

const (
	// SystemCocoon targets are fully owned by this service: it triggers
	// them and it retries them.
	SystemCocoon SchedulerSystem = "cocoon"
	// SystemLuci targets are triggered postsubmit by the LUCI mirror of
	// the repository; this service only manages retries and presubmit.
	SystemLuci SchedulerSystem = "luci"
	// SystemGoogleInternal targets are triggered externally and are only
	// observed here.
	SystemGoogleInternal SchedulerSystem = "google_internal"
)

// TriggerPolicy describes what this service is allowed to do for a
// target of a given scheduler system.
type TriggerPolicy struct {
	// TriggersPresubmit is true if this service issues the presubmit
	// build requests for the target.
	TriggersPresubmit bool
	// TriggersPostsubmit is true if this service issues the first
	// postsubmit build request for the target.
	TriggersPostsubmit bool
	// ManagesRetries is true if backfill and rerun requests for the
	// target originate here.
	ManagesRetries bool
}

var policies = map[SchedulerSystem]TriggerPolicy{
	SystemCocoon:         {TriggersPresubmit: true, TriggersPostsubmit: true, ManagesRetries: true},
	SystemLuci:           {TriggersPresubmit: true, TriggersPostsubmit: false, ManagesRetries: true},
	SystemGoogleInternal: {},
}

// Policy returns the trigger policy of the system.
func (s SchedulerSystem) Policy() TriggerPolicy {
	return policies[s]
}

func (s SchedulerSystem) valid() bool {
	_, ok := policies[s]
	return ok
}

// Tag is a key/value categorization label on a target.
type Tag struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Target is one schedulable unit of CI work.
type Target struct {
	// Name uniquely identifies the target within its config.
	Name string
	// Builder is the Buildbucket builder the target is bound to. Defaults
	// to Name.
	Builder string
	// Dependencies names targets in the same config that must succeed
	// before this one runs. Ordering and fan-out are the scheduler's
	// responsibility, not this package's.
	Dependencies []string
	// Bringup targets are under stabilization: failures are advisory and
	// the target is excluded from presubmit.
	Bringup bool
	// Timeout is enforced by the executor, not by this service.
	Timeout time.Duration
	// Platform is the named testbed the target runs on.
	Platform string
	// Properties is the free-form property bag forwarded to the builder,
	// already merged with the config's platform properties.
	Properties map[string]string
	// Scheduler is the system owning the target's triggering.
	Scheduler SchedulerSystem
	// Presubmit and Postsubmit gate the target's eligibility per mode.
	Presubmit  bool
	Postsubmit bool
	// RunIf lists path globs; when non-empty the target runs in presubmit
	// only if the change touches a matching path.
	RunIf []string
	// EnabledBranches, when non-empty, supersedes the config's enabled
	// branches for this target.
	EnabledBranches []string
	// Tags categorize the target.
	Tags []Tag
}

// SchedulerConfig is the scheduling configuration of one repository
// branch. Target names are unique within a config.
type SchedulerConfig struct {
	EnabledBranches    []string
	PlatformProperties map[string]map[string]string
	Targets            []*Target

	byName map[string]*Target
}

// TargetByName returns the named target, or nil.
func (c *SchedulerConfig) TargetByName(name string) *Target {
	return c.byName[name]
}

type targetYAML struct {
	Name            string            `yaml:"name"`
	Builder         string            `yaml:"builder"`
	Dependencies    []string          `yaml:"dependencies"`
	Bringup         bool              `yaml:"bringup"`
	Timeout         int               `yaml:"timeout"`
	Platform        string            `yaml:"platform"`
	Properties      map[string]string `yaml:"properties"`
	Scheduler       string            `yaml:"scheduler"`
	Presubmit       *bool             `yaml:"presubmit"`
	Postsubmit      *bool             `yaml:"postsubmit"`
	RunIf           []string          `yaml:"run_if"`
	EnabledBranches []string          `yaml:"enabled_branches"`
	Tags            []Tag             `yaml:"tags"`
}

type configYAML struct {
	EnabledBranches    []string                                `yaml:"enabled_branches"`
	PlatformProperties map[string]map[string]map[string]string `yaml:"platform_properties"`
	Targets            []targetYAML                            `yaml:"targets"`
}

// Load parses and validates a serialized scheduling configuration.
//
// Unknown fields are ignored for forward compatibility; missing optional
// fields take their documented defaults. Any validation failure rejects
// the whole configuration.
func Load(raw []byte) (*SchedulerConfig, error) {
	var cy configYAML
	if err := yaml.Unmarshal(raw, &cy); err != nil {
		return nil, errors.Annotate(err, "decoding scheduler config").Err()
	}

	cfg := &SchedulerConfig{
		EnabledBranches:    cy.EnabledBranches,
		PlatformProperties: map[string]map[string]string{},
		Targets:            make([]*Target, 0, len(cy.Targets)),
		byName:             make(map[string]*Target, len(cy.Targets)),
	}
	for platform, bags := range cy.PlatformProperties {
		cfg.PlatformProperties[platform] = bags["properties"]
	}
	if len(cfg.EnabledBranches) == 0 {
		return nil, errors.Reason("scheduler config declares no enabled branches").Err()
	}

	for _, ty := range cy.Targets {
		t, err := newTarget(cfg, ty)
		if err != nil {
			return nil, err
		}
		if cfg.byName[t.Name] != nil {
			return nil, errors.Reason("duplicate target name %q", t.Name).Err()
		}
		cfg.Targets = append(cfg.Targets, t)
		cfg.byName[t.Name] = t
	}

	if err := cfg.validateDependencies(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newTarget(cfg *SchedulerConfig, ty targetYAML) (*Target, error) {
	if ty.Name == "" {
		return nil, errors.Reason("target with empty name").Err()
	}
	t := &Target{
		Name:            ty.Name,
		Builder:         ty.Builder,
		Dependencies:    ty.Dependencies,
		Bringup:         ty.Bringup,
		Timeout:         time.Duration(ty.Timeout) * time.Minute,
		Platform:        ty.Platform,
		Scheduler:       SchedulerSystem(ty.Scheduler),
		Presubmit:       true,
		Postsubmit:      true,
		RunIf:           ty.RunIf,
		EnabledBranches: ty.EnabledBranches,
		Tags:            ty.Tags,
	}
	if t.Builder == "" {
		t.Builder = t.Name
	}
	if ty.Timeout == 0 {
		t.Timeout = DefaultTimeout
	} else if ty.Timeout < 0 {
		return nil, errors.Reason("target %q: negative timeout", t.Name).Err()
	}
	if t.Platform == "" {
		t.Platform = leadingWord(t.Name)
	}
	if t.Scheduler == "" {
		t.Scheduler = SystemCocoon
	}
	if !t.Scheduler.valid() {
		return nil, errors.Reason("target %q: unknown scheduler system %q", t.Name, t.Scheduler).Err()
	}
	if ty.Presubmit != nil {
		t.Presubmit = *ty.Presubmit
	}
	if ty.Postsubmit != nil {
		t.Postsubmit = *ty.Postsubmit
	}

	t.Properties = map[string]string{}
	for k, v := range cfg.PlatformProperties[t.Platform] {
		t.Properties[k] = v
	}
	for k, v := range ty.Properties {
		t.Properties[k] = v
	}
	return t, nil
}

func leadingWord(name string) string {
	for i, r := range name {
		if r == ' ' {
			return name[:i]
		}
	}
	return name
}

// validateDependencies checks that every dependency name resolves and
// that the dependency graph is acyclic.
func (c *SchedulerConfig) validateDependencies() error {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)
	color := make(map[string]int, len(c.Targets))

	var visit func(t *Target) error
	visit = func(t *Target) error {
		color[t.Name] = gray
		for _, dep := range t.Dependencies {
			d := c.byName[dep]
			if d == nil {
				return errors.Reason("target %q depends on unknown target %q", t.Name, dep).Err()
			}
			switch color[dep] {
			case gray:
				return errors.Reason("dependency cycle through target %q", dep).Err()
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		color[t.Name] = black
		return nil
	}

	for _, t := range c.Targets {
		if color[t.Name] == white {
			if err := visit(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// TargetNames returns the set of target names in the config.
func (c *SchedulerConfig) TargetNames() stringset.Set {
	names := stringset.New(len(c.Targets))
	for _, t := range c.Targets {
		names.Add(t.Name)
	}
	return names
}
