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
	"fmt"
	"testing"

	"github.com/google/go-github/v57/github"
	. "github.com/smartystreets/goconvey/convey"

	bbpb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/cocoon/internal/builds"
	"go.chromium.org/cocoon/internal/model"
)

func checkSuiteEvent(action, headSha string, prNumber int) *github.CheckSuiteEvent {
	return &github.CheckSuiteEvent{
		Action: github.String(action),
		Repo: &github.Repository{
			Name:  github.String("engine"),
			Owner: &github.User{Login: github.String("flutter")},
		},
		CheckSuite: &github.CheckSuite{
			ID:      github.Int64(555),
			HeadSHA: github.String(headSha),
			PullRequests: []*github.PullRequest{{
				Number: github.Int(prNumber),
				Base:   &github.PullRequestBranch{Ref: github.String("master")},
			}},
		},
	}
}

func TestHandleCheckSuiteEvent(t *testing.T) {
	t.Parallel()

	Convey("HandleCheckSuiteEvent", t, func() {
		ctx := testContext()
		bridge, bb, gh := newTestBridge()
		slug := model.RepositorySlug{Owner: "flutter", Repo: "engine"}

		Convey("requested triggers the presubmit targets", func() {
			So(bridge.HandleCheckSuiteEvent(ctx, checkSuiteEvent("requested", "abc123", 123)), ShouldBeNil)
			So(bb.ScheduledRequests(), ShouldHaveLength, 2)
			So(gh.Runs(), ShouldHaveLength, 2)
		})

		Convey("a suite spanning several pull requests schedules once", func() {
			ev := checkSuiteEvent("requested", "abc123", 123)
			ev.CheckSuite.PullRequests = append(ev.CheckSuite.PullRequests, &github.PullRequest{
				Number: github.Int(124),
				Base:   &github.PullRequestBranch{Ref: github.String("master")},
			})
			So(bridge.HandleCheckSuiteEvent(ctx, ev), ShouldBeNil)

			// The runs attach to the head sha both pull requests share, so
			// one pass covers them without duplicate check runs.
			So(bb.ScheduledRequests(), ShouldHaveLength, 2)
			So(gh.Runs(), ShouldHaveLength, 2)
		})

		Convey("a suite without a pull request is ignored", func() {
			ev := checkSuiteEvent("requested", "abc123", 123)
			ev.CheckSuite.PullRequests = nil
			So(bridge.HandleCheckSuiteEvent(ctx, ev), ShouldBeNil)
			So(bb.ScheduledRequests(), ShouldBeEmpty)
		})

		Convey("rerequested re-runs only the failed builds", func() {
			// Two check runs from the original round; one target passed,
			// one failed, one build is foreign (no check run tag).
			analyze, err := gh.CreateCheckRun(ctx, slug, "Linux analyze", "abc123")
			So(err, ShouldBeNil)
			engine, err := gh.CreateCheckRun(ctx, slug, "Linux engine", "abc123")
			So(err, ShouldBeNil)
			tagsFor := func(run *github.CheckRun, name string) []*bbpb.StringPair {
				return []*bbpb.StringPair{
					{Key: "github_checkrun", Value: fmt.Sprint(run.GetID())},
					{Key: "target_name", Value: name},
				}
			}
			bb.SearchResults = []*bbpb.Build{
				{Id: 1, Status: bbpb.Status_SUCCESS, Tags: tagsFor(analyze, "Linux analyze")},
				{Id: 2, Status: bbpb.Status_FAILURE, Tags: tagsFor(engine, "Linux engine")},
				{Id: 3, Status: bbpb.Status_INFRA_FAILURE},
			}

			So(bridge.HandleCheckSuiteEvent(ctx, checkSuiteEvent("rerequested", "abc123", 123)), ShouldBeNil)

			// Exactly the one failed correlated build went out again,
			// against its original check run.
			scheduled := bb.ScheduledRequests()
			So(scheduled, ShouldHaveLength, 1)
			ud, err := builds.DecodeUserData(string(scheduled[0].GetNotify().GetUserData()))
			So(err, ShouldBeNil)
			So(ud.CheckRunID, ShouldEqual, engine.GetID())
			So(gh.Runs(), ShouldHaveLength, 2)
		})

		Convey("unhandled actions are acked", func() {
			So(bridge.HandleCheckSuiteEvent(ctx, checkSuiteEvent("completed", "abc123", 123)), ShouldBeNil)
			So(bb.ScheduledRequests(), ShouldBeEmpty)
		})
	})
}

func TestHandleCheckRunEvent(t *testing.T) {
	t.Parallel()

	Convey("HandleCheckRunEvent", t, func() {
		ctx := testContext()
		bridge, bb, gh := newTestBridge()
		slug := model.RepositorySlug{Owner: "flutter", Repo: "engine"}

		run, err := gh.CreateCheckRun(ctx, slug, "Linux analyze", "abc123")
		So(err, ShouldBeNil)
		event := func(action string) *github.CheckRunEvent {
			return &github.CheckRunEvent{
				Action: github.String(action),
				Repo: &github.Repository{
					Name:  github.String("engine"),
					Owner: &github.User{Login: github.String("flutter")},
				},
				CheckRun: &github.CheckRun{
					ID:      run.ID,
					Name:    run.Name,
					HeadSHA: run.HeadSHA,
					PullRequests: []*github.PullRequest{{
						Number: github.Int(123),
						Base:   &github.PullRequestBranch{Ref: github.String("master")},
					}},
				},
			}
		}

		Convey("rerequested re-runs exactly that check", func() {
			So(bridge.HandleCheckRunEvent(ctx, event("rerequested")), ShouldBeNil)
			scheduled := bb.ScheduledRequests()
			So(scheduled, ShouldHaveLength, 1)
			ud, err := builds.DecodeUserData(string(scheduled[0].GetNotify().GetUserData()))
			So(err, ShouldBeNil)
			So(ud.CheckRunID, ShouldEqual, run.GetID())
		})

		Convey("other actions are ignored", func() {
			So(bridge.HandleCheckRunEvent(ctx, event("created")), ShouldBeNil)
			So(bb.ScheduledRequests(), ShouldBeEmpty)
		})
	})
}
