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

package builds

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	bbpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/cocoon/internal/config"
	"go.chromium.org/cocoon/internal/model"
)

// PostsubmitRequest asks for one build of a target against a landed
// commit. The explicit fields replace the target/task/priority triples
// the scheduler and backfiller shuffle around.
type PostsubmitRequest struct {
	Target   *config.Target
	Task     *model.Task
	Commit   *model.Commit
	Priority int32
}

// SchedulePostsubmitBuilds issues one build request per entry and
// returns the subset that failed to enqueue, so the caller can retry
// exactly those. It never gives up on first failure.
func (s *Service) SchedulePostsubmitBuilds(ctx context.Context, reqs []*PostsubmitRequest) []*PostsubmitRequest {
	var failed []*PostsubmitRequest
	for _, req := range reqs {
		if err := s.schedulePostsubmitBuild(ctx, req); err != nil {
			logging.Warningf(ctx, "Failed to enqueue %q at %s: %s", req.Target.Name, req.Commit.Sha, err)
			failed = append(failed, req)
		}
	}
	return failed
}

func (s *Service) schedulePostsubmitBuild(ctx context.Context, req *PostsubmitRequest) error {
	slug, err := req.Commit.Slug()
	if err != nil {
		return err
	}
	userData, err := (&UserData{
		RepoOwner: slug.Owner,
		RepoName:  slug.Repo,
		CommitSha: req.Commit.Sha,
		TaskName:  req.Task.Name(),
	}).Encode()
	if err != nil {
		return err
	}
	props, err := targetProperties(req.Target)
	if err != nil {
		return err
	}
	_, err = s.Buildbucket.ScheduleBuild(ctx, &bbpb.ScheduleBuildRequest{
		RequestId: uuid.New().String(),
		Builder: &bbpb.BuilderID{
			Project: s.Project,
			Bucket:  s.ProdBucket,
			Builder: req.Target.Builder,
		},
		Properties: props,
		Tags: []*bbpb.StringPair{
			{Key: "buildset", Value: fmt.Sprintf("commit/git/%s", req.Commit.Sha)},
			{Key: "buildset", Value: "sha/git/" + req.Commit.Sha},
			{Key: "target_name", Value: req.Target.Name},
			{Key: "repository", Value: slug.String()},
			{Key: "user_agent", Value: userAgentTag},
		},
		Priority: buildbucketPriority(req.Priority),
		Notify: &bbpb.NotificationConfig{
			PubsubTopic: s.PubsubTopic,
			UserData:    userData,
		},
	})
	return err
}
