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

package scheduler

import (
	"context"
	"strings"

	"github.com/google/go-github/v57/github"

	"go.chromium.org/luci/common/clock"

	"go.chromium.org/cocoon/internal/model"
)

// CommitsFromPush converts a push event into commit entities, oldest
// first, so that create times follow landing order. Pushes to refs that
// are not branches (tags, notes) yield nothing.
func CommitsFromPush(ctx context.Context, push *github.PushEvent) []*model.Commit {
	branch, ok := strings.CutPrefix(push.GetRef(), "refs/heads/")
	if !ok {
		return nil
	}
	slug := model.RepositorySlug{
		Owner: push.GetRepo().GetOwner().GetLogin(),
		Repo:  push.GetRepo().GetName(),
	}
	now := clock.Now(ctx).UTC()

	commits := make([]*model.Commit, 0, len(push.Commits))
	for _, hc := range push.Commits {
		commits = append(commits, &model.Commit{
			ID:         model.CommitID(slug, hc.GetID()),
			Sha:        hc.GetID(),
			Branch:     branch,
			Author:     hc.GetAuthor().GetLogin(),
			Message:    hc.GetMessage(),
			Repository: slug.String(),
			CreateTime: now,
		})
	}
	return commits
}
