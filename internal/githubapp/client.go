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

// Package githubapp wraps the subset of the GitHub API this service
// needs: the Checks API and a couple of repository reads. Production
// code talks to GitHub through the Client interface so that tests can
// substitute a fake.
package githubapp

import (
	"context"

	"github.com/google/go-github/v57/github"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/cocoon/internal/model"
)

// Check run statuses and conclusions as the GitHub API spells them.
const (
	CheckRunQueued     = "queued"
	CheckRunInProgress = "in_progress"
	CheckRunCompleted  = "completed"

	ConclusionSuccess = "success"
	ConclusionFailure = "failure"
)

// Client is the narrow GitHub surface used by the scheduling core.
type Client interface {
	// CreateCheckRun creates a queued check run named name on the head
	// sha and returns it.
	CreateCheckRun(ctx context.Context, slug model.RepositorySlug, name, headSha string) (*github.CheckRun, error)
	// GetCheckRun returns the current state of a check run.
	GetCheckRun(ctx context.Context, slug model.RepositorySlug, id int64) (*github.CheckRun, error)
	// UpdateCheckRun applies opts to an existing check run.
	UpdateCheckRun(ctx context.Context, slug model.RepositorySlug, id int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error)
	// ListChangedFiles returns the paths touched by a pull request.
	ListChangedFiles(ctx context.Context, slug model.RepositorySlug, number int) ([]string, error)
	// GetFileContents reads a file from the repository at ref.
	GetFileContents(ctx context.Context, slug model.RepositorySlug, path, ref string) ([]byte, error)
}

// ResetToQueued returns the update that puts an existing check run back
// in the queued state, preserving its identity for a re-run.
func ResetToQueued() github.UpdateCheckRunOptions {
	return github.UpdateCheckRunOptions{Status: github.String(CheckRunQueued)}
}

// NewClient wraps a go-github client.
func NewClient(gh *github.Client) Client {
	return &prodClient{gh: gh}
}

type prodClient struct {
	gh *github.Client
}

func (c *prodClient) CreateCheckRun(ctx context.Context, slug model.RepositorySlug, name, headSha string) (*github.CheckRun, error) {
	run, _, err := c.gh.Checks.CreateCheckRun(ctx, slug.Owner, slug.Repo, github.CreateCheckRunOptions{
		Name:    name,
		HeadSHA: headSha,
		Status:  github.String(CheckRunQueued),
	})
	if err != nil {
		return nil, errors.Annotate(err, "creating check run %q on %s@%s", name, slug, headSha).Err()
	}
	return run, nil
}

func (c *prodClient) GetCheckRun(ctx context.Context, slug model.RepositorySlug, id int64) (*github.CheckRun, error) {
	run, _, err := c.gh.Checks.GetCheckRun(ctx, slug.Owner, slug.Repo, id)
	if err != nil {
		return nil, errors.Annotate(err, "getting check run %d on %s", id, slug).Err()
	}
	return run, nil
}

func (c *prodClient) UpdateCheckRun(ctx context.Context, slug model.RepositorySlug, id int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error) {
	run, _, err := c.gh.Checks.UpdateCheckRun(ctx, slug.Owner, slug.Repo, id, opts)
	if err != nil {
		return nil, errors.Annotate(err, "updating check run %d on %s", id, slug).Err()
	}
	return run, nil
}

func (c *prodClient) ListChangedFiles(ctx context.Context, slug model.RepositorySlug, number int) ([]string, error) {
	var paths []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, slug.Owner, slug.Repo, number, opts)
		if err != nil {
			return nil, errors.Annotate(err, "listing files of %s#%d", slug, number).Err()
		}
		for _, f := range files {
			paths = append(paths, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return paths, nil
}

func (c *prodClient) GetFileContents(ctx context.Context, slug model.RepositorySlug, path, ref string) ([]byte, error) {
	file, _, _, err := c.gh.Repositories.GetContents(ctx, slug.Owner, slug.Repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, errors.Annotate(err, "fetching %s@%s from %s", path, ref, slug).Err()
	}
	if file == nil {
		return nil, errors.Reason("%s@%s in %s is not a file", path, ref, slug).Err()
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, errors.Annotate(err, "decoding %s@%s from %s", path, ref, slug).Err()
	}
	return []byte(content), nil
}
