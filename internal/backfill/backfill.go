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

// Package backfill fills gaps in postsubmit build history. A periodic
// pass scans the recent commits of each tracked repository, finds
// targets with neither a running nor a completed attempt, and schedules
// the most recent untested attempt of each under a per-pass budget.
// The pass is best-effort: it must never crash the cron trigger, and
// anything it cannot schedule is simply found again by the next pass.
package backfill

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/cocoon/internal/builds"
	"go.chromium.org/cocoon/internal/config"
	"go.chromium.org/cocoon/internal/model"
	"go.chromium.org/cocoon/internal/scheduler"
)

const (
	// DefaultCommitWindow bounds how far back a pass looks.
	DefaultCommitWindow = 50
	// DefaultBatchLimit caps how many builds one pass may schedule per
	// repository.
	DefaultBatchLimit = 75
)

var candidateCounter = metric.NewCounter(
	"cocoon/backfill/candidates",
	"The number of backfill candidates processed, by repository and outcome.",
	nil,
	field.String("repository"),
	// "scheduled", "lost_claim", "exhausted"
	field.String("outcome"),
)

// Backfiller runs the periodic gap-filling pass.
type Backfiller struct {
	Builds  *builds.Service
	Configs config.Provider
	// Repos are the repositories the pass operates on.
	Repos []model.RepositorySlug
	// CommitWindow and BatchLimit default when zero.
	CommitWindow int32
	BatchLimit   int
}

// Cron runs one backfill pass over every tracked repository. Passes for
// different repositories run concurrently and independently; a failing
// repository never fails the handler.
func (b *Backfiller) Cron(ctx context.Context) error {
	var eg errgroup.Group
	for _, slug := range b.Repos {
		slug := slug
		eg.Go(func() error {
			if err := b.backfillRepository(ctx, slug); err != nil {
				logging.Errorf(ctx, "Backfill pass over %s failed: %s", slug, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// candidate is one target/task pair eligible for backfilling, with the
// priority the pass decided for it.
type candidate struct {
	target   *config.Target
	task     *model.FullTask
	priority int32
}

func (b *Backfiller) backfillRepository(ctx context.Context, slug model.RepositorySlug) error {
	window := b.CommitWindow
	if window == 0 {
		window = DefaultCommitWindow
	}
	commits, err := model.RecentCommits(ctx, slug, window)
	if err != nil {
		return errors.Annotate(err, "loading recent commits").Err()
	}
	if len(commits) == 0 {
		return nil
	}
	// The tip commit's config decides what is backfillable. A commit
	// that landed before a target existed simply has no task for it.
	cfg, err := b.Configs.GetConfig(ctx, slug, commits[0].Sha)
	if err != nil {
		return errors.Annotate(err, "loading config").Err()
	}

	tasksByCommit := make(map[string]map[string]*model.Task, len(commits))
	for _, commit := range commits {
		tasks, err := model.TasksForCommit(ctx, commit)
		if err != nil {
			return errors.Annotate(err, "loading tasks of %s", commit.ID).Err()
		}
		byName := make(map[string]*model.Task, len(tasks))
		for _, t := range tasks {
			byName[t.Name()] = t
		}
		tasksByCommit[commit.ID] = byName
	}

	var candidates []*candidate
	for _, target := range cfg.Targets {
		if c := pickCandidate(cfg, target, commits, tasksByCommit); c != nil {
			candidates = append(candidates, c)
		}
	}

	limit := b.BatchLimit
	if limit == 0 {
		limit = DefaultBatchLimit
	}
	selected := rankAndTruncate(ctx, candidates, limit)
	return b.submit(ctx, slug, selected)
}

// pickCandidate applies the eligibility rules to one target's task
// history over the recent window, newest commit first.
//
// A target with any attempt currently in progress is skipped entirely,
// so one builder never accumulates more concurrent backfill work. The
// candidate is the most recent never-attempted task whose dependencies
// have all succeeded on the same commit; the priority depends on the
// most recent completed attempt: a fresh signal after a failure beats
// routine gap-filling.
func pickCandidate(cfg *config.SchedulerConfig, target *config.Target, commits []*model.Commit, tasksByCommit map[string]map[string]*model.Task) *candidate {
	if !target.Postsubmit || !target.Scheduler.Policy().ManagesRetries {
		return nil
	}
	var newest *model.FullTask
	priority := builds.PriorityBackfill
	prioritized := false
	for _, commit := range commits {
		if !target.AppliesToBranch(cfg, commit.Branch) {
			continue
		}
		task := tasksByCommit[commit.ID][target.Name]
		if task == nil {
			continue
		}
		switch {
		case task.Status == model.TaskInProgress:
			return nil
		case task.Status == model.TaskNew && newest == nil:
			if scheduler.DependenciesSatisfied(target, tasksByCommit[commit.ID]) {
				newest = &model.FullTask{Task: task, Commit: commit}
			}
		case task.Status.Terminal() && !prioritized:
			prioritized = true
			if task.Status == model.TaskFailed {
				priority = builds.PriorityRerun
			}
		}
	}
	if newest == nil {
		return nil
	}
	return &candidate{target: target, task: newest, priority: priority}
}

// rankAndTruncate orders rerun-priority candidates ahead of backfill
// ones and cuts the list to limit. Each group is shuffled first so that
// no target is starved indefinitely by lexical or temporal ordering
// when the budget is tight.
func rankAndTruncate(ctx context.Context, candidates []*candidate, limit int) []*candidate {
	var rerun, backfill []*candidate
	for _, c := range candidates {
		if c.priority >= builds.PriorityRerun {
			rerun = append(rerun, c)
		} else {
			backfill = append(backfill, c)
		}
	}
	rnd := mathrand.Get(ctx)
	rnd.Shuffle(len(rerun), func(i, j int) { rerun[i], rerun[j] = rerun[j], rerun[i] })
	rnd.Shuffle(len(backfill), func(i, j int) { backfill[i], backfill[j] = backfill[j], backfill[i] })

	out := append(rerun, backfill...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// submit claims and schedules the selected candidates.
//
// The claim is committed before the build request goes out, so a
// concurrent pass over the same window cannot double-schedule a target;
// losing the claim race just drops the candidate. Submission is retried
// with backoff, narrowing each attempt to the still-failing subset.
// Exhausting the retries unclaims whatever could not be scheduled and
// ends the pass quietly; the next pass starts from the same state.
func (b *Backfiller) submit(ctx context.Context, slug model.RepositorySlug, selected []*candidate) error {
	var pending []*builds.PostsubmitRequest
	for _, c := range selected {
		switch claimed, err := b.claim(ctx, c.task.Task); {
		case err != nil:
			return errors.Annotate(err, "claiming %q at %s", c.target.Name, c.task.Commit.Sha).Err()
		case !claimed:
			candidateCounter.Add(ctx, 1, slug.String(), "lost_claim")
		default:
			pending = append(pending, &builds.PostsubmitRequest{
				Target:   c.target,
				Task:     c.task.Task,
				Commit:   c.task.Commit,
				Priority: c.priority,
			})
		}
	}
	if len(pending) == 0 {
		return nil
	}
	total := len(pending)

	var failed []*builds.PostsubmitRequest
	err := retry.Retry(ctx, transient.Only(retryFactory), func() error {
		failed = b.Builds.SchedulePostsubmitBuilds(ctx, pending)
		if len(failed) == 0 {
			return nil
		}
		pending = failed
		return errors.Reason("%d of %d backfill builds failed to enqueue", len(failed), total).
			Tag(transient.Tag).Err()
	}, func(err error, d time.Duration) {
		logging.Warningf(ctx, "Backfill submission for %s: %s; retrying in %s", slug, err, d)
	})

	scheduled := int64(total - len(failed))
	candidateCounter.Add(ctx, scheduled, slug.String(), "scheduled")
	if err != nil {
		logging.Errorf(ctx, "Giving up on %d backfill builds for %s: %s", len(failed), slug, err)
		candidateCounter.Add(ctx, int64(len(failed)), slug.String(), "exhausted")
		for _, req := range failed {
			if uerr := b.unclaim(ctx, req.Task); uerr != nil {
				logging.Errorf(ctx, "Failed to unclaim %q at %s: %s", req.Task.Name(), req.Commit.Sha, uerr)
			}
		}
	}
	return nil
}

func retryFactory() retry.Iterator {
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   500 * time.Millisecond,
			Retries: 3,
		},
		MaxDelay:   10 * time.Second,
		Multiplier: 2,
	}
}

// claim durably marks a task in progress before its build is requested.
// Reports false if another pass got there first.
func (b *Backfiller) claim(ctx context.Context, task *model.Task) (claimed bool, err error) {
	err = datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		claimed = false
		current := &model.Task{ID: task.ID, Commit: task.Commit}
		if err := datastore.Get(ctx, current); err != nil {
			return err
		}
		if current.Status != model.TaskNew {
			return nil
		}
		current.Status = model.TaskInProgress
		claimed = true
		return datastore.Put(ctx, current)
	}, nil)
	return claimed, err
}

// unclaim reverts a claim whose build request could not be issued. This
// is the one permitted regression of a task status; it returns the
// candidate to the pool the next pass draws from.
func (b *Backfiller) unclaim(ctx context.Context, task *model.Task) error {
	return datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		current := &model.Task{ID: task.ID, Commit: task.Commit}
		if err := datastore.Get(ctx, current); err != nil {
			return err
		}
		if current.Status != model.TaskInProgress || len(current.BuildNumbers) != len(task.BuildNumbers) {
			// Executor feedback arrived in the meantime; leave it alone.
			return nil
		}
		current.Status = model.TaskNew
		return datastore.Put(ctx, current)
	}, nil)
}
