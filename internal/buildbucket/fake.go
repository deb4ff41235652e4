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

package buildbucket

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bbpb "go.chromium.org/luci/buildbucket/proto"
)

// Fake is an in-memory Client for tests. Schedule requests are recorded
// in order; per-builder failures can be injected and cleared to script
// transient-error scenarios.
type Fake struct {
	mu        sync.Mutex
	nextID    int64
	builds    map[int64]*bbpb.Build
	scheduled []*bbpb.ScheduleBuildRequest
	failing   map[string]codes.Code

	// SearchResults is returned by SearchBuilds verbatim.
	SearchResults []*bbpb.Build
}

var _ Client = (*Fake)(nil)

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{
		builds:  map[int64]*bbpb.Build{},
		failing: map[string]codes.Code{},
	}
}

// ScheduledRequests returns all ScheduleBuild requests seen so far.
func (f *Fake) ScheduledRequests() []*bbpb.ScheduleBuildRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*bbpb.ScheduleBuildRequest(nil), f.scheduled...)
}

// FailBuilder makes ScheduleBuild fail with code for the named builder.
func (f *Fake) FailBuilder(builder string, code codes.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[builder] = code
}

// HealBuilder clears an injected failure.
func (f *Fake) HealBuilder(builder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failing, builder)
}

// PutBuild stores a build for GetBuild lookups.
func (f *Fake) PutBuild(b *bbpb.Build) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[b.Id] = b
}

func (f *Fake) ScheduleBuild(ctx context.Context, req *bbpb.ScheduleBuildRequest) (*bbpb.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code, ok := f.failing[req.GetBuilder().GetBuilder()]; ok {
		err := status.Errorf(code, "builder %q is failing", req.GetBuilder().GetBuilder())
		return nil, tagTransient(err)
	}
	f.nextID++
	b := &bbpb.Build{
		Id:      f.nextID,
		Builder: req.GetBuilder(),
		Status:  bbpb.Status_SCHEDULED,
		Tags:    req.GetTags(),
	}
	f.builds[b.Id] = b
	f.scheduled = append(f.scheduled, req)
	return b, nil
}

func (f *Fake) GetBuild(ctx context.Context, req *bbpb.GetBuildRequest) (*bbpb.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[req.GetId()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no build %d", req.GetId())
	}
	return b, nil
}

func (f *Fake) SearchBuilds(ctx context.Context, req *bbpb.SearchBuildsRequest) (*bbpb.SearchBuildsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &bbpb.SearchBuildsResponse{Builds: append([]*bbpb.Build(nil), f.SearchResults...)}, nil
}
