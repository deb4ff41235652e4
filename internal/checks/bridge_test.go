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
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	bbpb "go.chromium.org/luci/buildbucket/proto"
	bbv1 "go.chromium.org/luci/common/api/buildbucket/buildbucket/v1"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/tsmon"
	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/cocoon/internal/buildbucket"
	"go.chromium.org/cocoon/internal/builds"
	"go.chromium.org/cocoon/internal/config"
	"go.chromium.org/cocoon/internal/githubapp"
	"go.chromium.org/cocoon/internal/model"
	"go.chromium.org/cocoon/internal/scheduler"
)

const testConfig = `
enabled_branches:
  - master
targets:
  - name: Linux analyze
  - name: Linux engine
  - name: Linux packaging
    presubmit: false
    dependencies:
      - Linux analyze
`

func testContext() context.Context {
	ctx := memory.Use(context.Background())
	datastore.GetTestable(ctx).AutoIndex(true)
	datastore.GetTestable(ctx).Consistent(true)
	ctx, _ = testclock.UseTime(ctx, testclock.TestRecentTimeUTC)
	ctx, _ = tsmon.WithDummyInMemory(ctx)
	return ctx
}

func newTestBridge() (*Bridge, *buildbucket.Fake, *githubapp.Fake) {
	parsed, err := config.Load([]byte(testConfig))
	So(err, ShouldBeNil)
	bb := buildbucket.NewFake()
	gh := githubapp.NewFake()
	svc := &builds.Service{
		Buildbucket: bb,
		GitHub:      gh,
		Configs:     &config.Static{Config: parsed},
		Project:     "flutter",
		TryBucket:   "try",
		ProdBucket:  "prod",
		PubsubTopic: "projects/flutter-dashboard/topics/build-updates",
	}
	sched := &scheduler.Scheduler{Configs: svc.Configs, Builds: svc}
	return &Bridge{Builds: svc, GitHub: gh, Scheduler: sched}, bb, gh
}

func notification(id int64, status, result string, ud *builds.UserData) *builds.BuildMessage {
	msg := &builds.BuildMessage{
		Build: &bbv1.LegacyApiCommonBuildMessage{
			Id:     id,
			Status: status,
			Result: result,
			Url:    "https://ci.example.com/b/87654321",
		},
		Hostname: "cr-buildbucket.appspot.com",
	}
	if ud != nil {
		raw, err := ud.Encode()
		So(err, ShouldBeNil)
		msg.UserData = string(raw)
	}
	return msg
}

func TestHandleBuildNotification(t *testing.T) {
	t.Parallel()

	Convey("HandleBuildNotification", t, func() {
		ctx := testContext()
		bridge, bb, gh := newTestBridge()
		slug := model.RepositorySlug{Owner: "flutter", Repo: "engine"}

		Convey("ignores builds it did not schedule", func() {
			So(bridge.HandleBuildNotification(ctx, notification(1, bbv1.StatusStarted, "", nil)), ShouldBeNil)
			So(gh.Updates, ShouldBeEmpty)
		})

		Convey("drops an uncorrelatable payload without touching anything", func() {
			msg := notification(1, bbv1.StatusStarted, "", nil)
			msg.UserData = "not even base64"
			So(bridge.HandleBuildNotification(ctx, msg), ShouldBeNil)
			So(gh.Updates, ShouldBeEmpty)
		})

		Convey("check run path", func() {
			run, err := gh.CreateCheckRun(ctx, slug, "Linux analyze", "abc123")
			So(err, ShouldBeNil)
			ud := &builds.UserData{RepoOwner: "flutter", RepoName: "engine", CheckRunID: run.GetID()}

			Convey("a started build moves the run to in_progress", func() {
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusStarted, "", ud)), ShouldBeNil)
				got := gh.Run(run.GetID())
				So(got.GetStatus(), ShouldEqual, githubapp.CheckRunInProgress)
				So(got.GetDetailsURL(), ShouldEqual, "https://ci.example.com/b/87654321")
			})

			Convey("a successful build completes the run", func() {
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultSuccess, ud)), ShouldBeNil)
				got := gh.Run(run.GetID())
				So(got.GetStatus(), ShouldEqual, githubapp.CheckRunCompleted)
				So(got.GetConclusion(), ShouldEqual, githubapp.ConclusionSuccess)
			})

			Convey("a failed build completes the run with a summary", func() {
				bb.PutBuild(&bbpb.Build{Id: 7, SummaryMarkdown: "compile error in shell.cc"})
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultFailure, ud)), ShouldBeNil)
				got := gh.Run(run.GetID())
				So(got.GetConclusion(), ShouldEqual, githubapp.ConclusionFailure)
				So(got.GetOutput().GetSummary(), ShouldEqual, "compile error in shell.cc")
			})

			Convey("the failure summary is never empty", func() {
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultFailure, ud)), ShouldBeNil)
				So(gh.Run(run.GetID()).GetOutput().GetSummary(), ShouldNotBeEmpty)
			})

			Convey("a canceled build surfaces as a failure", func() {
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultCanceled, ud)), ShouldBeNil)
				So(gh.Run(run.GetID()).GetConclusion(), ShouldEqual, githubapp.ConclusionFailure)
			})

			Convey("a completed run is frozen", func() {
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultSuccess, ud)), ShouldBeNil)
				updates := len(gh.Updates)

				// Late and duplicate notifications change nothing.
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusStarted, "", ud)), ShouldBeNil)
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultSuccess, ud)), ShouldBeNil)
				So(gh.Updates, ShouldHaveLength, updates)
				So(gh.Run(run.GetID()).GetConclusion(), ShouldEqual, githubapp.ConclusionSuccess)
			})
		})

		Convey("task path", func() {
			commit := &model.Commit{
				ID:         model.CommitID(slug, "def456"),
				Sha:        "def456",
				Branch:     "master",
				Repository: slug.String(),
			}
			So(datastore.Put(ctx, commit), ShouldBeNil)
			task := model.NewTask(ctx, commit, "Linux analyze", "Linux analyze", false, clock.Now(ctx).UTC())
			So(datastore.Put(ctx, task), ShouldBeNil)
			ud := &builds.UserData{RepoOwner: "flutter", RepoName: "engine", CommitSha: "def456", TaskName: "Linux analyze"}

			reload := func() *model.Task {
				got := &model.Task{ID: task.ID, Commit: task.Commit}
				So(datastore.Get(ctx, got), ShouldBeNil)
				return got
			}

			Convey("a started build marks the task in progress and counts the attempt", func() {
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusStarted, "", ud)), ShouldBeNil)
				got := reload()
				So(got.Status, ShouldEqual, model.TaskInProgress)
				So(got.Attempts, ShouldEqual, 1)
				So(got.BuildNumbers, ShouldResemble, []int64{7})
				So(got.StartTime.IsZero(), ShouldBeFalse)
			})

			Convey("completion is terminal", func() {
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusStarted, "", ud)), ShouldBeNil)
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultSuccess, ud)), ShouldBeNil)
				got := reload()
				So(got.Status, ShouldEqual, model.TaskSucceeded)
				// Same build, still one attempt.
				So(got.Attempts, ShouldEqual, 1)
				So(got.EndTime.IsZero(), ShouldBeFalse)

				// A late started notification does not reopen it.
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusStarted, "", ud)), ShouldBeNil)
				So(reload().Status, ShouldEqual, model.TaskSucceeded)
			})

			Convey("a second build of the same task is a second attempt", func() {
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultFailure, ud)), ShouldBeNil)
				So(bridge.HandleBuildNotification(ctx, notification(8, bbv1.StatusCompleted, bbv1.ResultSuccess, ud)), ShouldBeNil)
				got := reload()
				So(got.Status, ShouldEqual, model.TaskSucceeded)
				So(got.Attempts, ShouldEqual, 2)
				So(got.BuildNumbers, ShouldResemble, []int64{7, 8})
			})

			Convey("a success releases the targets waiting on the task", func() {
				dependent := model.NewTask(ctx, commit, "Linux packaging", "Linux packaging", false, clock.Now(ctx).UTC())
				So(datastore.Put(ctx, dependent), ShouldBeNil)

				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultSuccess, ud)), ShouldBeNil)

				scheduled := bb.ScheduledRequests()
				So(scheduled, ShouldHaveLength, 1)
				So(scheduled[0].GetBuilder().GetBuilder(), ShouldEqual, "Linux packaging")
				So(scheduled[0].GetBuilder().GetBucket(), ShouldEqual, "prod")

				got := &model.Task{ID: "Linux packaging", Commit: commit.Key(ctx)}
				So(datastore.Get(ctx, got), ShouldBeNil)
				So(got.Status, ShouldEqual, model.TaskInProgress)
			})

			Convey("a failure keeps the dependents parked", func() {
				dependent := model.NewTask(ctx, commit, "Linux packaging", "Linux packaging", false, clock.Now(ctx).UTC())
				So(datastore.Put(ctx, dependent), ShouldBeNil)

				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusCompleted, bbv1.ResultFailure, ud)), ShouldBeNil)

				So(bb.ScheduledRequests(), ShouldBeEmpty)
				got := &model.Task{ID: "Linux packaging", Commit: commit.Key(ctx)}
				So(datastore.Get(ctx, got), ShouldBeNil)
				So(got.Status, ShouldEqual, model.TaskNew)
			})

			Convey("a notification for an unknown task is dropped", func() {
				stray := &builds.UserData{RepoOwner: "flutter", RepoName: "engine", CommitSha: "def456", TaskName: "Windows nonexistent"}
				So(bridge.HandleBuildNotification(ctx, notification(7, bbv1.StatusStarted, "", stray)), ShouldBeNil)
				tasks, err := model.TasksForCommit(ctx, commit)
				So(err, ShouldBeNil)
				So(tasks, ShouldHaveLength, 1)
			})
		})
	})
}
