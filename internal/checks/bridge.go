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

// Package checks keeps GitHub check runs synchronized with remote build
// state. It is driven by two independent event streams: check suite and
// check run webhooks from GitHub, and the executor's push notifications
// for builds this service scheduled.
package checks

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"

	bbv1 "go.chromium.org/luci/common/api/buildbucket/buildbucket/v1"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/cocoon/internal/builds"
	"go.chromium.org/cocoon/internal/githubapp"
	"go.chromium.org/cocoon/internal/model"
	"go.chromium.org/cocoon/internal/scheduler"
)

var notificationCounter = metric.NewCounter(
	"cocoon/checks/notifications",
	"The number of build push notifications received, by outcome.",
	nil,
	// "not_ours", "malformed", "stale", "check_run_updated",
	// "task_updated", "unknown_task"
	field.String("outcome"),
)

// Bridge reconciles executor build state into the code-review UI.
type Bridge struct {
	Builds    *builds.Service
	GitHub    githubapp.Client
	Scheduler *scheduler.Scheduler
}

// checkRunStatus maps an executor build status to a GitHub check run
// status. Total over the executor enumeration; anything else is a
// contract change that must fail loudly.
func checkRunStatus(status string) string {
	switch status {
	case bbv1.StatusScheduled:
		return githubapp.CheckRunQueued
	case bbv1.StatusStarted:
		return githubapp.CheckRunInProgress
	case bbv1.StatusCompleted:
		return githubapp.CheckRunCompleted
	}
	panic(fmt.Sprintf("unknown buildbucket status %q", status))
}

// checkRunConclusion maps an executor build result to a GitHub check
// run conclusion. A canceled attempt is deliberately surfaced as a
// failure so that a human can still re-run it from the UI instead of
// the run silently disappearing as neutral.
func checkRunConclusion(result string) string {
	switch result {
	case bbv1.ResultSuccess:
		return githubapp.ConclusionSuccess
	case bbv1.ResultFailure, bbv1.ResultCanceled:
		return githubapp.ConclusionFailure
	}
	panic(fmt.Sprintf("unknown buildbucket result %q", result))
}

// HandleBuildNotification applies one executor push notification.
//
// Notifications without a correlation payload are not ours and are
// dropped; malformed payloads are dropped with a log line rather than
// applied to an unrelated run. Both are acked (nil) so the bus does not
// redeliver them forever.
func (b *Bridge) HandleBuildNotification(ctx context.Context, msg *builds.BuildMessage) error {
	if msg.UserData == "" {
		notificationCounter.Add(ctx, 1, "not_ours")
		return nil
	}
	ud, err := builds.DecodeUserData(msg.UserData)
	if err != nil {
		logging.Warningf(ctx, "Dropping uncorrelated notification for build %d: %s", msg.Build.Id, err)
		notificationCounter.Add(ctx, 1, "malformed")
		return nil
	}
	slug := model.RepositorySlug{Owner: ud.RepoOwner, Repo: ud.RepoName}
	if ud.CheckRunID != 0 {
		return b.updateCheckRun(ctx, slug, ud.CheckRunID, msg)
	}
	return b.updateTask(ctx, slug, ud, msg)
}

func (b *Bridge) updateCheckRun(ctx context.Context, slug model.RepositorySlug, id int64, msg *builds.BuildMessage) error {
	status := checkRunStatus(msg.Build.Status)

	// Notifications may arrive out of order or twice. A completed run is
	// terminal: nothing about it, the details URL included, may change
	// afterwards.
	current, err := b.GitHub.GetCheckRun(ctx, slug, id)
	if err != nil {
		return err
	}
	if current.GetStatus() == githubapp.CheckRunCompleted {
		logging.Infof(ctx, "Check run %d on %s is already completed; ignoring %s notification", id, slug, msg.Build.Status)
		notificationCounter.Add(ctx, 1, "stale")
		return nil
	}

	opts := github.UpdateCheckRunOptions{Status: github.String(status)}
	if url := msg.Build.Url; url != "" {
		opts.DetailsURL = github.String(url)
	}
	if status == githubapp.CheckRunCompleted {
		conclusion := checkRunConclusion(msg.Build.Result)
		opts.Conclusion = github.String(conclusion)
		opts.CompletedAt = &github.Timestamp{Time: clock.Now(ctx).UTC()}
		if conclusion == githubapp.ConclusionFailure {
			opts.Output = &github.CheckRunOutput{
				Title:   github.String(current.GetName()),
				Summary: github.String(b.failureSummary(ctx, msg.Build.Id)),
			}
		}
	}
	if _, err := b.GitHub.UpdateCheckRun(ctx, slug, id, opts); err != nil {
		return err
	}
	notificationCounter.Add(ctx, 1, "check_run_updated")
	return nil
}

// failureSummary fetches a short human-readable explanation of a failed
// build for the check run output. The summary must never be empty: a
// failed run with no text is indistinguishable from a reporting bug.
func (b *Bridge) failureSummary(ctx context.Context, buildID int64) string {
	build, err := b.Builds.GetTryBuild(ctx, buildID, "summary_markdown")
	if err != nil {
		logging.Warningf(ctx, "Failed to fetch summary of build %d: %s", buildID, err)
	} else if s := build.GetSummaryMarkdown(); s != "" {
		return s
	}
	return fmt.Sprintf("Build %d failed; see the details link.", buildID)
}

// updateTask records executor feedback on a postsubmit task. Executor
// feedback is the only thing that moves a task to a terminal status,
// and a success is what releases the targets depending on the task.
func (b *Bridge) updateTask(ctx context.Context, slug model.RepositorySlug, ud *builds.UserData, msg *builds.BuildMessage) error {
	newStatus := builds.TaskStatusForBuild(msg.Build.Status, msg.Build.Result)
	now := clock.Now(ctx).UTC()

	var missing, stale bool
	err := datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		missing, stale = false, false
		task := &model.Task{
			ID:     ud.TaskName,
			Commit: datastore.MakeKey(ctx, "Commit", model.CommitID(slug, ud.CommitSha)),
		}
		switch err := datastore.Get(ctx, task); {
		case err == datastore.ErrNoSuchEntity:
			missing = true
			return nil
		case err != nil:
			return err
		}
		if task.Status.Terminal() && !newStatus.Terminal() {
			stale = true
			return nil
		}
		// The backfiller claims a task (New -> In Progress) before its
		// build exists, so attempts are counted per distinct build id,
		// not per status transition.
		if id := msg.Build.Id; id != 0 && !containsInt64(task.BuildNumbers, id) {
			task.BuildNumbers = append(task.BuildNumbers, id)
			task.Attempts++
		}
		if newStatus == model.TaskInProgress && task.Status != model.TaskInProgress {
			task.StartTime = now
		}
		if newStatus.Terminal() {
			task.EndTime = now
		}
		task.Status = newStatus
		return datastore.Put(ctx, task)
	}, nil)
	switch {
	case err != nil:
		return err
	case missing:
		logging.Warningf(ctx, "Notification for unknown task %q at %s/%s; dropping", ud.TaskName, slug, ud.CommitSha)
		notificationCounter.Add(ctx, 1, "unknown_task")
	case stale:
		notificationCounter.Add(ctx, 1, "stale")
	default:
		notificationCounter.Add(ctx, 1, "task_updated")
		if newStatus == model.TaskSucceeded {
			return b.Scheduler.ScheduleDependents(ctx, slug, ud.CommitSha, ud.TaskName)
		}
	}
	return nil
}

func containsInt64(xs []int64, x int64) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
