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

package config

import (
	"strings"

	"github.com/bmatcuk/doublestar"
)

// AppliesToBranch reports whether the target runs on the given branch.
// A target-level enabled_branches list supersedes the config's; entries
// may be exact branch names or doublestar globs (release branch lists
// like "flutter-*" rely on this).
func (t *Target) AppliesToBranch(cfg *SchedulerConfig, branch string) bool {
	branches := cfg.EnabledBranches
	if len(t.EnabledBranches) > 0 {
		branches = t.EnabledBranches
	}
	for _, b := range branches {
		if b == branch {
			return true
		}
		if ok, err := doublestar.Match(b, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// runIfMatches reports whether a change touching changedPaths selects
// the target. An empty run_if list always matches. A glob ending in "/"
// is shorthand for everything under that directory.
func (t *Target) runIfMatches(changedPaths []string) bool {
	if len(t.RunIf) == 0 {
		return true
	}
	for _, glob := range t.RunIf {
		if strings.HasSuffix(glob, "/") {
			glob += "**"
		}
		for _, path := range changedPaths {
			if ok, err := doublestar.Match(glob, path); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// PresubmitTargets resolves the targets to run against a pull request
// whose base branch is branch and whose diff touches changedPaths.
//
// Bringup targets are excluded; so are targets whose scheduler system
// does not let this service trigger presubmit builds.
func (c *SchedulerConfig) PresubmitTargets(branch string, changedPaths []string) []*Target {
	var out []*Target
	for _, t := range c.Targets {
		switch {
		case !t.Presubmit || t.Bringup:
		case !t.Scheduler.Policy().TriggersPresubmit:
		case !t.AppliesToBranch(c, branch):
		case !t.runIfMatches(changedPaths):
		default:
			out = append(out, t)
		}
	}
	return out
}

// PostsubmitTargets resolves the targets eligible to run against a
// landed commit on branch. Targets whose system only observes
// (google_internal) are excluded; luci-mirrored targets are included
// because their retries are managed here even though their first
// trigger is not.
func (c *SchedulerConfig) PostsubmitTargets(branch string) []*Target {
	var out []*Target
	for _, t := range c.Targets {
		p := t.Scheduler.Policy()
		switch {
		case !t.Postsubmit:
		case !p.TriggersPostsubmit && !p.ManagesRetries:
		case !t.AppliesToBranch(c, branch):
		default:
			out = append(out, t)
		}
	}
	return out
}
