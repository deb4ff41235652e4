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

package githubapp

import (
	"context"
	"sync"

	"github.com/google/go-github/v57/github"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/cocoon/internal/model"
)

// Fake is an in-memory Client for tests.
type Fake struct {
	mu     sync.Mutex
	nextID int64
	runs   map[int64]*github.CheckRun

	// ChangedFiles is returned by ListChangedFiles for any pull request.
	ChangedFiles []string
	// Files maps path to content for GetFileContents, ignoring ref.
	Files map[string][]byte

	// Updates records every UpdateCheckRun call in order.
	Updates []github.UpdateCheckRunOptions
}

var _ Client = (*Fake)(nil)

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{runs: map[int64]*github.CheckRun{}, Files: map[string][]byte{}}
}

// Run returns the stored check run with the given id, or nil.
func (f *Fake) Run(id int64) *github.CheckRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

// Runs returns all stored check runs keyed by id.
func (f *Fake) Runs() map[int64]*github.CheckRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]*github.CheckRun, len(f.runs))
	for id, r := range f.runs {
		out[id] = r
	}
	return out
}

func (f *Fake) CreateCheckRun(ctx context.Context, slug model.RepositorySlug, name, headSha string) (*github.CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	run := &github.CheckRun{
		ID:      github.Int64(f.nextID),
		Name:    github.String(name),
		HeadSHA: github.String(headSha),
		Status:  github.String(CheckRunQueued),
	}
	f.runs[f.nextID] = run
	return run, nil
}

func (f *Fake) GetCheckRun(ctx context.Context, slug model.RepositorySlug, id int64) (*github.CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, errors.Reason("no check run %d", id).Err()
	}
	return run, nil
}

func (f *Fake) UpdateCheckRun(ctx context.Context, slug model.RepositorySlug, id int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, errors.Reason("no check run %d", id).Err()
	}
	if opts.Status != nil {
		run.Status = opts.Status
	}
	if opts.Conclusion != nil {
		run.Conclusion = opts.Conclusion
	}
	if opts.DetailsURL != nil {
		run.DetailsURL = opts.DetailsURL
	}
	if opts.Output != nil {
		run.Output = &github.CheckRunOutput{Title: opts.Output.Title, Summary: opts.Output.Summary}
	}
	f.Updates = append(f.Updates, opts)
	return run, nil
}

func (f *Fake) ListChangedFiles(ctx context.Context, slug model.RepositorySlug, number int) ([]string, error) {
	return f.ChangedFiles, nil
}

func (f *Fake) GetFileContents(ctx context.Context, slug model.RepositorySlug, path, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.Files[path]
	if !ok {
		return nil, errors.Reason("no file %q", path).Err()
	}
	return content, nil
}
