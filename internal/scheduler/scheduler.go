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

// Package scheduler turns "a commit landed" and "a pull request was
// updated" into build requests. Presubmit is delegated wholly to the
// checks bridge; postsubmit is handled here. The scheduler itself never
// retries: first-trigger failures surface to the caller, gap-filling
// belongs to the backfiller.
package scheduler

import (
	"context"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/cocoon/internal/builds"
	"go.chromium.org/cocoon/internal/config"
	"go.chromium.org/cocoon/internal/model"
)

// Scheduler is the single entry point for scheduling decisions.
type Scheduler struct {
	Configs config.Provider
	Builds  *builds.Service
}

// AddCommit records a landed commit and schedules its postsubmit
// targets.
//
// One task is created per resolved target that does not have one yet;
// build requests are then issued for the targets whose scheduler system
// lets this service trigger postsubmit. Targets whose first trigger
// belongs to the LUCI mirror still get tasks, so that the backfiller
// and the notification path can track them. Targets with dependencies
// are held back: ScheduleDependents releases them as their
// dependencies succeed.
func (s *Scheduler) AddCommit(ctx context.Context, commit *model.Commit) error {
	slug, err := commit.Slug()
	if err != nil {
		return err
	}
	cfg, err := s.Configs.GetConfig(ctx, slug, commit.Sha)
	if err != nil {
		return errors.Annotate(err, "resolving config for %s@%s", slug, commit.Sha).Err()
	}
	targets := cfg.PostsubmitTargets(commit.Branch)
	logging.Infof(ctx, "Commit %s@%s on %q resolves to %d postsubmit targets", slug, commit.Sha, commit.Branch, len(targets))

	tasks, created, err := s.ensureTasks(ctx, commit, targets)
	if err != nil {
		return err
	}

	var reqs []*builds.PostsubmitRequest
	for _, target := range targets {
		if !target.Scheduler.Policy().TriggersPostsubmit {
			continue
		}
		if !created.Has(target.Name) {
			// The task predates this delivery, so the build request went out
			// already (or the backfiller owns it now). Re-triggering here
			// would double-build on every webhook redelivery.
			continue
		}
		if !DependenciesSatisfied(target, tasks) {
			continue
		}
		reqs = append(reqs, &builds.PostsubmitRequest{
			Target:   target,
			Task:     tasks[target.Name],
			Commit:   commit,
			Priority: builds.PriorityDefault,
		})
	}
	if failed := s.Builds.SchedulePostsubmitBuilds(ctx, reqs); len(failed) > 0 {
		return errors.Reason("failed to enqueue %d of %d postsubmit builds for %s@%s",
			len(failed), len(reqs), slug, commit.Sha).Err()
	}
	return nil
}

// ensureTasks stores the commit and creates missing tasks in one
// transaction, so that two deliveries of the same commit event cannot
// double-create rows. Existing tasks are returned as found; the names
// of the tasks created by this call are returned separately.
func (s *Scheduler) ensureTasks(ctx context.Context, commit *model.Commit, targets []*config.Target) (map[string]*model.Task, stringset.Set, error) {
	now := clock.Now(ctx).UTC()
	tasks := make(map[string]*model.Task, len(targets))
	created := stringset.New(len(targets))
	err := datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		created = stringset.New(len(targets))
		if err := datastore.Put(ctx, commit); err != nil {
			return err
		}
		var toPut []*model.Task
		for _, target := range targets {
			task := &model.Task{ID: target.Name, Commit: commit.Key(ctx)}
			switch err := datastore.Get(ctx, task); {
			case err == datastore.ErrNoSuchEntity:
				task = model.NewTask(ctx, commit, target.Name, target.Builder, target.Bringup, now)
				toPut = append(toPut, task)
				created.Add(target.Name)
			case err != nil:
				return err
			}
			tasks[target.Name] = task
		}
		if len(toPut) == 0 {
			return nil
		}
		return datastore.Put(ctx, toPut)
	}, nil)
	if err != nil {
		return nil, nil, errors.Annotate(err, "creating tasks for %s", commit.ID).Err()
	}
	return tasks, created, nil
}

// DependenciesSatisfied reports whether every dependency of the target
// has succeeded on the commit the tasks belong to. A dependency without
// a task row is not tracked postsubmit here and cannot gate anything.
func DependenciesSatisfied(target *config.Target, tasks map[string]*model.Task) bool {
	for _, dep := range target.Dependencies {
		if task := tasks[dep]; task != nil && task.Status != model.TaskSucceeded {
			return false
		}
	}
	return true
}

func dependsOn(target *config.Target, name string) bool {
	for _, dep := range target.Dependencies {
		if dep == name {
			return true
		}
	}
	return false
}

// ScheduleDependents issues the build requests that were waiting on the
// named target to succeed against the commit. The notification path
// calls this whenever a task reaches Succeeded.
//
// A dependent goes out only once all of its dependencies have
// succeeded. Each is claimed (New -> In Progress) in the commit's
// entity group first, so a redelivered success notification cannot
// double-build it; a claim whose build request fails is reverted and
// the backfiller finds the gap later.
func (s *Scheduler) ScheduleDependents(ctx context.Context, slug model.RepositorySlug, sha, succeeded string) error {
	commit := &model.Commit{ID: model.CommitID(slug, sha)}
	switch err := datastore.Get(ctx, commit); {
	case err == datastore.ErrNoSuchEntity:
		logging.Warningf(ctx, "No commit row for %s@%s; nothing depends on %q here", slug, sha, succeeded)
		return nil
	case err != nil:
		return err
	}
	cfg, err := s.Configs.GetConfig(ctx, slug, commit.Sha)
	if err != nil {
		return errors.Annotate(err, "resolving config for %s@%s", slug, commit.Sha).Err()
	}

	var dependents []*config.Target
	for _, target := range cfg.PostsubmitTargets(commit.Branch) {
		if target.Scheduler.Policy().TriggersPostsubmit && dependsOn(target, succeeded) {
			dependents = append(dependents, target)
		}
	}
	if len(dependents) == 0 {
		return nil
	}

	claimed, err := s.claimReadyDependents(ctx, commit, dependents)
	if err != nil {
		return err
	}
	var reqs []*builds.PostsubmitRequest
	for _, target := range dependents {
		if task := claimed[target.Name]; task != nil {
			reqs = append(reqs, &builds.PostsubmitRequest{
				Target:   target,
				Task:     task,
				Commit:   commit,
				Priority: builds.PriorityDefault,
			})
		}
	}
	if len(reqs) == 0 {
		return nil
	}
	failed := s.Builds.SchedulePostsubmitBuilds(ctx, reqs)
	for _, req := range failed {
		if uerr := s.unclaimDependent(ctx, req.Task); uerr != nil {
			logging.Errorf(ctx, "Failed to unclaim %q at %s: %s", req.Task.Name(), commit.Sha, uerr)
		}
	}
	if len(failed) > 0 {
		return errors.Reason("failed to enqueue %d of %d dependent builds for %s@%s",
			len(failed), len(reqs), slug, commit.Sha).Err()
	}
	return nil
}

// claimReadyDependents flips the released dependents New -> In Progress
// in one transaction and returns them by target name. Dependents still
// waiting on another dependency, already claimed, or already attempted
// are left alone.
func (s *Scheduler) claimReadyDependents(ctx context.Context, commit *model.Commit, dependents []*config.Target) (map[string]*model.Task, error) {
	var claimed map[string]*model.Task
	err := datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		claimed = make(map[string]*model.Task, len(dependents))
		tasks, err := model.TasksForCommit(ctx, commit)
		if err != nil {
			return err
		}
		byName := make(map[string]*model.Task, len(tasks))
		for _, t := range tasks {
			byName[t.Name()] = t
		}
		var toPut []*model.Task
		for _, target := range dependents {
			task := byName[target.Name]
			if task == nil || task.Status != model.TaskNew {
				continue
			}
			if !DependenciesSatisfied(target, byName) {
				continue
			}
			task.Status = model.TaskInProgress
			toPut = append(toPut, task)
			claimed[target.Name] = task
		}
		if len(toPut) == 0 {
			return nil
		}
		return datastore.Put(ctx, toPut)
	}, nil)
	if err != nil {
		return nil, errors.Annotate(err, "claiming dependents of %s", commit.ID).Err()
	}
	return claimed, nil
}

// unclaimDependent reverts a claim whose build request could not be
// issued, returning the task to the pool the backfiller draws from.
func (s *Scheduler) unclaimDependent(ctx context.Context, task *model.Task) error {
	return datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		current := &model.Task{ID: task.ID, Commit: task.Commit}
		if err := datastore.Get(ctx, current); err != nil {
			return err
		}
		if current.Status != model.TaskInProgress {
			return nil
		}
		current.Status = model.TaskNew
		return datastore.Put(ctx, current)
	}, nil)
}
