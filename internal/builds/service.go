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

// Package builds implements the build service: it issues build
// requests to the remote executor, computes priorities, looks builds
// up, and decodes the executor's push notifications into normalized
// states. It performs no implicit retries; transient errors are tagged
// and propagate to the caller that owns the retry policy.
package builds

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
	"google.golang.org/protobuf/types/known/structpb"

	bbpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/cocoon/internal/buildbucket"
	"go.chromium.org/cocoon/internal/config"
	"go.chromium.org/cocoon/internal/githubapp"
	"go.chromium.org/cocoon/internal/model"
)

const userAgentTag = "cocoon"

// Service is the build-execution bridge. One instance is constructed at
// startup and shared by the scheduler, the checks bridge and the
// backfiller.
type Service struct {
	Buildbucket buildbucket.Client
	GitHub      githubapp.Client
	Configs     config.Provider

	// Project is the LUCI project builds are scheduled into.
	Project string
	// TryBucket and ProdBucket hold presubmit and postsubmit builders.
	TryBucket  string
	ProdBucket string
	// PubsubTopic receives the executor's push notifications for builds
	// scheduled here.
	PubsubTopic string
}

// TryBuildsRequest asks for presubmit builds on one pull request head.
type TryBuildsRequest struct {
	Slug       model.RepositorySlug
	PullNumber int
	HeadSha    string
	// Branch is the base branch of the pull request.
	Branch string
	// TriggerEvent records what caused the request, for build tags.
	TriggerEvent string
}

// ScheduleTryBuilds resolves the presubmit targets for the pull request
// and issues one build per target. Each build gets its own check run
// first; the run's identity travels in the request metadata so the
// notification path can find it again.
//
// Errors are accumulated per target and returned as a MultiError; the
// caller decides whether to retry. This is a user-triggered path, so
// failures must surface rather than vanish.
func (s *Service) ScheduleTryBuilds(ctx context.Context, req *TryBuildsRequest) error {
	cfg, err := s.Configs.GetConfig(ctx, req.Slug, req.HeadSha)
	if err != nil {
		return err
	}
	changed, err := s.GitHub.ListChangedFiles(ctx, req.Slug, req.PullNumber)
	if err != nil {
		return err
	}
	targets := cfg.PresubmitTargets(req.Branch, changed)
	logging.Infof(ctx, "Scheduling %d try builds for %s#%d at %s", len(targets), req.Slug, req.PullNumber, req.HeadSha)

	var merr errors.MultiError
	for _, target := range targets {
		if err := s.scheduleTryBuild(ctx, req, target); err != nil {
			merr = append(merr, errors.Annotate(err, "target %q", target.Name).Err())
		}
	}
	return merr.AsError()
}

func (s *Service) scheduleTryBuild(ctx context.Context, req *TryBuildsRequest, target *config.Target) error {
	run, err := s.GitHub.CreateCheckRun(ctx, req.Slug, target.Name, req.HeadSha)
	if err != nil {
		return err
	}
	return s.scheduleTryForCheckRun(ctx, req.Slug, req.PullNumber, req.HeadSha, req.TriggerEvent, target, run.GetID())
}

func (s *Service) scheduleTryForCheckRun(ctx context.Context, slug model.RepositorySlug, pullNumber int, headSha, triggerEvent string, target *config.Target, checkRunID int64) error {
	userData, err := (&UserData{
		RepoOwner:  slug.Owner,
		RepoName:   slug.Repo,
		CheckRunID: checkRunID,
	}).Encode()
	if err != nil {
		return err
	}
	props, err := targetProperties(target)
	if err != nil {
		return err
	}
	_, err = s.Buildbucket.ScheduleBuild(ctx, &bbpb.ScheduleBuildRequest{
		RequestId: uuid.New().String(),
		Builder: &bbpb.BuilderID{
			Project: s.Project,
			Bucket:  s.TryBucket,
			Builder: target.Builder,
		},
		Properties: props,
		Tags: []*bbpb.StringPair{
			{Key: "buildset", Value: fmt.Sprintf("pr/git/github.com/%s/pull/%d", slug, pullNumber)},
			{Key: "buildset", Value: "sha/git/" + headSha},
			{Key: "github_checkrun", Value: fmt.Sprint(checkRunID)},
			{Key: "target_name", Value: target.Name},
			{Key: "trigger_event", Value: triggerEvent},
			{Key: "user_agent", Value: userAgentTag},
		},
		Priority: buildbucketPriority(PriorityDefault),
		Notify: &bbpb.NotificationConfig{
			PubsubTopic: s.PubsubTopic,
			UserData:    userData,
		},
	})
	return err
}

// RescheduleRequest re-issues the build behind one existing check run.
type RescheduleRequest struct {
	Slug       model.RepositorySlug
	PullNumber int
	HeadSha    string
	// TargetName is the check run's name, which is the target name.
	TargetName string
	// Branch is the base branch of the pull request.
	Branch string
	// CheckRunID is the run whose identity must be preserved.
	CheckRunID int64
	// TriggerEvent records what caused the request.
	TriggerEvent string
}

// RescheduleTryBuild re-triggers one previously created check run,
// resetting the existing run to queued instead of creating a duplicate
// row in the UI.
func (s *Service) RescheduleTryBuild(ctx context.Context, req *RescheduleRequest) error {
	cfg, err := s.Configs.GetConfig(ctx, req.Slug, req.HeadSha)
	if err != nil {
		return err
	}
	target := cfg.TargetByName(req.TargetName)
	if target == nil {
		return errors.Reason("check run %q does not match any configured target", req.TargetName).Err()
	}
	if _, err := s.GitHub.UpdateCheckRun(ctx, req.Slug, req.CheckRunID, githubapp.ResetToQueued()); err != nil {
		return err
	}
	return s.scheduleTryForCheckRun(ctx, req.Slug, req.PullNumber, req.HeadSha, req.TriggerEvent, target, req.CheckRunID)
}

// failedBuildMask keeps failed-build queries to what rescheduling
// needs.
var failedBuildMask = &bbpb.BuildMask{
	Fields: &fieldmaskpb.FieldMask{
		Paths: []string{"builds.*.id", "builds.*.builder", "builds.*.status", "builds.*.tags"},
	},
}

// FailedBuilds returns the builds on the pull request head whose result
// was failure or cancellation. Callers use it to scope a "re-run failed
// only" request.
func (s *Service) FailedBuilds(ctx context.Context, slug model.RepositorySlug, pullNumber int, headSha string) ([]*bbpb.Build, error) {
	resp, err := s.Buildbucket.SearchBuilds(ctx, &bbpb.SearchBuildsRequest{
		Predicate: &bbpb.BuildPredicate{
			Builder: &bbpb.BuilderID{Project: s.Project, Bucket: s.TryBucket},
			Tags: []*bbpb.StringPair{
				{Key: "buildset", Value: fmt.Sprintf("pr/git/github.com/%s/pull/%d", slug, pullNumber)},
				{Key: "buildset", Value: "sha/git/" + headSha},
			},
		},
		Mask: failedBuildMask,
	})
	if err != nil {
		return nil, errors.Annotate(err, "searching builds of %s#%d", slug, pullNumber).Err()
	}
	var failed []*bbpb.Build
	for _, b := range resp.GetBuilds() {
		switch b.GetStatus() {
		case bbpb.Status_FAILURE, bbpb.Status_INFRA_FAILURE, bbpb.Status_CANCELED:
			failed = append(failed, b)
		}
	}
	return failed, nil
}

// GetTryBuild is a field-masked point lookup of one build.
func (s *Service) GetTryBuild(ctx context.Context, id int64, fields ...string) (*bbpb.Build, error) {
	return s.Buildbucket.GetBuild(ctx, &bbpb.GetBuildRequest{
		Id:   id,
		Mask: &bbpb.BuildMask{Fields: &fieldmaskpb.FieldMask{Paths: fields}},
	})
}

// BuildTag returns the value of the first tag with the given key.
func BuildTag(b *bbpb.Build, key string) string {
	for _, t := range b.GetTags() {
		if t.GetKey() == key {
			return t.GetValue()
		}
	}
	return ""
}

func targetProperties(target *config.Target) (*structpb.Struct, error) {
	props := make(map[string]any, len(target.Properties)+3)
	for k, v := range target.Properties {
		props[k] = v
	}
	props["bringup"] = target.Bringup
	props["task_timeout_minutes"] = int(target.Timeout.Minutes())
	if len(target.Dependencies) > 0 {
		// Presubmit builds have no task rows to gate on, so the builder
		// gets the names and owns the wait for its dependencies there.
		deps := make([]any, len(target.Dependencies))
		for i, d := range target.Dependencies {
			deps[i] = d
		}
		props["dependencies"] = deps
	}
	s, err := structpb.NewStruct(props)
	if err != nil {
		return nil, errors.Annotate(err, "building properties of %q", target.Name).Err()
	}
	return s, nil
}
