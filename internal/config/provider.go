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

package config

import (
	"context"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/cocoon/internal/githubapp"
	"go.chromium.org/cocoon/internal/model"
)

// DefaultPath is where tracked repositories keep their scheduling
// configuration.
const DefaultPath = ".ci.yaml"

// Provider loads the scheduling configuration of a repository at a ref.
type Provider interface {
	GetConfig(ctx context.Context, slug model.RepositorySlug, ref string) (*SchedulerConfig, error)
}

// GitHubProvider reads the configuration file out of the repository
// itself, pinned to the ref being scheduled so that a commit is always
// judged against the config it landed with.
type GitHubProvider struct {
	GitHub githubapp.Client
	// Path of the config file; DefaultPath when empty.
	Path string
}

// GetConfig implements Provider.
func (p *GitHubProvider) GetConfig(ctx context.Context, slug model.RepositorySlug, ref string) (*SchedulerConfig, error) {
	path := p.Path
	if path == "" {
		path = DefaultPath
	}
	raw, err := p.GitHub.GetFileContents(ctx, slug, path, ref)
	if err != nil {
		return nil, errors.Annotate(err, "loading %s from %s@%s", path, slug, ref).Err()
	}
	cfg, err := Load(raw)
	if err != nil {
		return nil, errors.Annotate(err, "invalid %s in %s@%s", path, slug, ref).Err()
	}
	return cfg, nil
}

// Static is a Provider that always returns the same config; tests and
// single-repository deployments use it.
type Static struct {
	Config *SchedulerConfig
	Err    error
}

// GetConfig implements Provider.
func (s *Static) GetConfig(ctx context.Context, slug model.RepositorySlug, ref string) (*SchedulerConfig, error) {
	return s.Config, s.Err
}
