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

// Package main implements the HTTP server orchestrating CI builds for
// GitHub-hosted repositories: it turns pull request and commit events
// into Buildbucket builds, reflects build results back into GitHub
// check runs, and periodically backfills skipped postsubmit coverage.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"go.chromium.org/luci/auth/identity"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	luciserver "go.chromium.org/luci/server"
	"go.chromium.org/luci/server/auth"
	"go.chromium.org/luci/server/auth/openid"
	"go.chromium.org/luci/server/cron"
	"go.chromium.org/luci/server/gaeemulation"
	"go.chromium.org/luci/server/module"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/cocoon/internal/backfill"
	"go.chromium.org/cocoon/internal/buildbucket"
	"go.chromium.org/cocoon/internal/builds"
	"go.chromium.org/cocoon/internal/checks"
	"go.chromium.org/cocoon/internal/config"
	"go.chromium.org/cocoon/internal/githubapp"
	"go.chromium.org/cocoon/internal/model"
	"go.chromium.org/cocoon/internal/scheduler"
)

var (
	buildbucketHost = flag.String("buildbucket-host", "cr-buildbucket.appspot.com",
		"Hostname of the Buildbucket service to schedule builds on.")
	buildbucketProject = flag.String("buildbucket-project", "flutter",
		"Buildbucket project builds are scheduled under.")
	tryBucket = flag.String("try-bucket", "try",
		"Bucket for presubmit builds.")
	prodBucket = flag.String("prod-bucket", "prod",
		"Bucket for postsubmit builds.")
	pubsubTopic = flag.String("pubsub-topic", "",
		"Fully qualified Pub/Sub topic Buildbucket publishes our build updates to.")
	trackedRepos = flag.String("tracked-repos", "",
		"Comma-separated owner/name repositories the backfiller watches.")
)

func parseRepos(raw string) ([]model.RepositorySlug, error) {
	var slugs []model.RepositorySlug
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		slug, err := model.ParseRepositorySlug(s)
		if err != nil {
			return nil, err
		}
		slugs = append(slugs, slug)
	}
	return slugs, nil
}

func newGitHubClient(srv *luciserver.Server) (githubapp.Client, error) {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return nil, errors.Reason("GITHUB_TOKEN is not set").Err()
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return githubapp.NewClient(github.NewClient(oauth2.NewClient(srv.Context, ts))), nil
}

func main() {
	modules := []module.Module{
		cron.NewModuleFromFlags(),
		gaeemulation.NewModuleFromFlags(),
	}

	luciserver.Main(nil, modules, func(srv *luciserver.Server) error {
		repos, err := parseRepos(*trackedRepos)
		if err != nil {
			return errors.Annotate(err, "-tracked-repos").Err()
		}

		gh, err := newGitHubClient(srv)
		if err != nil {
			return err
		}
		bb, err := buildbucket.NewClient(srv.Context, *buildbucketHost)
		if err != nil {
			return err
		}
		configs := &config.GitHubProvider{GitHub: gh}
		buildsService := &builds.Service{
			Buildbucket: bb,
			GitHub:      gh,
			Configs:     configs,
			Project:     *buildbucketProject,
			TryBucket:   *tryBucket,
			ProdBucket:  *prodBucket,
			PubsubTopic: *pubsubTopic,
		}
		sched := &scheduler.Scheduler{Configs: configs, Builds: buildsService}
		bridge := &checks.Bridge{Builds: buildsService, GitHub: gh, Scheduler: sched}
		backfiller := &backfill.Backfiller{Builds: buildsService, Configs: configs, Repos: repos}

		// GitHub delivers check suite, check run and push events here.
		// Signature verification happens upstream at the ingress.
		srv.Routes.POST("/webhooks/github", router.NewMiddlewareChain(), bridge.GitHubWebhookHandler)
		srv.Routes.POST("/webhooks/github/push", router.NewMiddlewareChain(), pushHandler(sched))

		// Build update push endpoint, restricted to the Buildbucket
		// publisher's service account.
		pubsubMwc := router.NewMiddlewareChain(
			auth.Authenticate(&openid.GoogleIDTokenAuthMethod{
				AudienceCheck: openid.AudienceMatchesHost,
			}),
		)
		pusherID := identity.Identity(fmt.Sprintf("user:buildbucket-pubsub@%s.iam.gserviceaccount.com", srv.Options.CloudProject))
		srv.Routes.POST("/_ah/push-handlers/buildbucket", pubsubMwc, func(rc *router.Context) {
			ctx := rc.Request.Context()
			if got := auth.CurrentIdentity(ctx); got != pusherID {
				logging.Errorf(ctx, "Expecting ID token of %q, got %q", pusherID, got)
				rc.Writer.WriteHeader(http.StatusForbidden)
				return
			}
			bridge.BuildbucketPubSubHandler(rc)
		})

		cron.RegisterHandler("backfill", backfiller.Cron)

		return nil
	})
}

// pushHandler records newly landed commits and schedules their
// postsubmit targets.
func pushHandler(sched *scheduler.Scheduler) router.Handler {
	return func(rc *router.Context) {
		ctx := rc.Request.Context()
		payload, err := io.ReadAll(rc.Request.Body)
		if err == nil {
			var event any
			if event, err = github.ParseWebHook(github.WebHookType(rc.Request), payload); err == nil {
				if push, ok := event.(*github.PushEvent); ok {
					err = handlePush(ctx, sched, push)
				}
			}
		}
		if err != nil {
			logging.Errorf(ctx, "Error processing push webhook: %s", err)
			rc.Writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		rc.Writer.WriteHeader(http.StatusOK)
	}
}

func handlePush(ctx context.Context, sched *scheduler.Scheduler, push *github.PushEvent) error {
	for _, commit := range scheduler.CommitsFromPush(ctx, push) {
		if err := sched.AddCommit(ctx, commit); err != nil {
			return errors.Annotate(err, "commit %s", commit.Sha).Err()
		}
	}
	return nil
}
