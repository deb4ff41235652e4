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

package checks

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/google/go-github/v57/github"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/cocoon/internal/builds"
	"go.chromium.org/cocoon/internal/model"
)

// BuildbucketPubSubHandler is the push endpoint for the executor's
// build notifications.
func (b *Bridge) BuildbucketPubSubHandler(rc *router.Context) {
	ctx := rc.Request.Context()
	if err := b.handlePubSub(ctx, rc.Request); err != nil {
		logging.Errorf(ctx, "Error processing build notification: %s", err)
		writeStatus(rc, err)
		return
	}
	rc.Writer.WriteHeader(http.StatusOK)
}

func (b *Bridge) handlePubSub(ctx context.Context, r *http.Request) error {
	msg, err := builds.DecodePushMessage(r.Body)
	if err != nil {
		return err
	}
	return b.HandleBuildNotification(ctx, msg)
}

// GitHubWebhookHandler dispatches check suite and check run events from
// GitHub. Event kinds this service does not subscribe to are acked and
// ignored.
func (b *Bridge) GitHubWebhookHandler(rc *router.Context) {
	ctx := rc.Request.Context()
	payload, err := io.ReadAll(rc.Request.Body)
	if err == nil {
		var event any
		if event, err = github.ParseWebHook(github.WebHookType(rc.Request), payload); err == nil {
			switch ev := event.(type) {
			case *github.CheckSuiteEvent:
				err = b.HandleCheckSuiteEvent(ctx, ev)
			case *github.CheckRunEvent:
				err = b.HandleCheckRunEvent(ctx, ev)
			default:
				logging.Debugf(ctx, "Ignoring webhook event %q", github.WebHookType(rc.Request))
			}
		}
	}
	if err != nil {
		logging.Errorf(ctx, "Error processing webhook: %s", err)
		writeStatus(rc, err)
		return
	}
	rc.Writer.WriteHeader(http.StatusOK)
}

// writeStatus acks non-transient failures so the sender does not
// redeliver an event we will never be able to process.
func writeStatus(rc *router.Context, err error) {
	if transient.Tag.In(err) {
		rc.Writer.WriteHeader(http.StatusInternalServerError)
	} else {
		rc.Writer.WriteHeader(http.StatusAccepted)
	}
}

// HandleCheckSuiteEvent triggers presubmit targets for a new check
// suite, or re-triggers the currently failed builds of an existing one.
func (b *Bridge) HandleCheckSuiteEvent(ctx context.Context, ev *github.CheckSuiteEvent) error {
	slug := model.RepositorySlug{
		Owner: ev.GetRepo().GetOwner().GetLogin(),
		Repo:  ev.GetRepo().GetName(),
	}
	suite := ev.GetCheckSuite()
	if len(suite.PullRequests) == 0 {
		logging.Infof(ctx, "Check suite %d on %s has no pull request; ignoring", suite.GetID(), slug)
		return nil
	}
	// Check runs attach to the head sha, so one pass through the first
	// pull request covers every pull request sharing this suite.
	pr := suite.PullRequests[0]
	for _, extra := range suite.PullRequests[1:] {
		logging.Infof(ctx, "Check suite %d also covers %s#%d; handling through #%d", suite.GetID(), slug, extra.GetNumber(), pr.GetNumber())
	}

	switch ev.GetAction() {
	case "requested":
		return b.Builds.ScheduleTryBuilds(ctx, &builds.TryBuildsRequest{
			Slug:         slug,
			PullNumber:   pr.GetNumber(),
			HeadSha:      suite.GetHeadSHA(),
			Branch:       pr.GetBase().GetRef(),
			TriggerEvent: "check_suite.requested",
		})
	case "rerequested":
		return b.rerunFailedBuilds(ctx, slug, pr.GetNumber(), suite.GetHeadSHA(), pr.GetBase().GetRef())
	default:
		logging.Debugf(ctx, "Ignoring check_suite action %q", ev.GetAction())
		return nil
	}
}

// rerunFailedBuilds recomputes the failed builds of the head commit and
// re-triggers only those, each against its original check run.
func (b *Bridge) rerunFailedBuilds(ctx context.Context, slug model.RepositorySlug, pullNumber int, headSha, branch string) error {
	failed, err := b.Builds.FailedBuilds(ctx, slug, pullNumber, headSha)
	if err != nil {
		return err
	}
	logging.Infof(ctx, "Re-running %d failed builds for %s#%d", len(failed), slug, pullNumber)

	var merr errors.MultiError
	for _, build := range failed {
		checkRunID, err := strconv.ParseInt(builds.BuildTag(build, "github_checkrun"), 10, 64)
		if err != nil {
			// A failed build without our check run tag was not scheduled
			// through this service; skip it rather than guess.
			logging.Warningf(ctx, "Failed build %d has no github_checkrun tag; skipping", build.GetId())
			continue
		}
		err = b.Builds.RescheduleTryBuild(ctx, &builds.RescheduleRequest{
			Slug:         slug,
			PullNumber:   pullNumber,
			HeadSha:      headSha,
			TargetName:   builds.BuildTag(build, "target_name"),
			Branch:       branch,
			CheckRunID:   checkRunID,
			TriggerEvent: "check_suite.rerequested",
		})
		if err != nil {
			merr = append(merr, errors.Annotate(err, "build %d", build.GetId()).Err())
		}
	}
	return merr.AsError()
}

// HandleCheckRunEvent re-triggers exactly one build when a human asks
// for a re-run of a single check.
func (b *Bridge) HandleCheckRunEvent(ctx context.Context, ev *github.CheckRunEvent) error {
	if ev.GetAction() != "rerequested" {
		logging.Debugf(ctx, "Ignoring check_run action %q", ev.GetAction())
		return nil
	}
	slug := model.RepositorySlug{
		Owner: ev.GetRepo().GetOwner().GetLogin(),
		Repo:  ev.GetRepo().GetName(),
	}
	run := ev.GetCheckRun()
	if len(run.PullRequests) == 0 {
		logging.Infof(ctx, "Check run %d on %s has no pull request; ignoring", run.GetID(), slug)
		return nil
	}
	// The run attaches to the head sha; one reschedule covers every
	// pull request sharing it.
	pr := run.PullRequests[0]
	for _, extra := range run.PullRequests[1:] {
		logging.Infof(ctx, "Check run %d also covers %s#%d; handling through #%d", run.GetID(), slug, extra.GetNumber(), pr.GetNumber())
	}
	return b.Builds.RescheduleTryBuild(ctx, &builds.RescheduleRequest{
		Slug:         slug,
		PullNumber:   pr.GetNumber(),
		HeadSha:      run.GetHeadSHA(),
		TargetName:   run.GetName(),
		Branch:       pr.GetBase().GetRef(),
		CheckRunID:   run.GetID(),
		TriggerEvent: "check_run.rerequested",
	})
}
