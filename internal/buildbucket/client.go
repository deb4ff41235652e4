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

// Package buildbucket provides the client for talking to the remote
// build executor. The rest of the service depends on the Client
// interface, never on the pRPC stub directly.
package buildbucket

import (
	"context"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	bbpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/grpc/grpcutil"
	"go.chromium.org/luci/grpc/prpc"
	"go.chromium.org/luci/server/auth"
)

// Client is the executor surface used by the scheduling core.
type Client interface {
	ScheduleBuild(ctx context.Context, req *bbpb.ScheduleBuildRequest) (*bbpb.Build, error)
	GetBuild(ctx context.Context, req *bbpb.GetBuildRequest) (*bbpb.Build, error)
	SearchBuilds(ctx context.Context, req *bbpb.SearchBuildsRequest) (*bbpb.SearchBuildsResponse, error)
}

// NewClient returns a Client talking to the Buildbucket host as the
// service's own identity.
func NewClient(ctx context.Context, host string) (Client, error) {
	t, err := auth.GetRPCTransport(ctx, auth.AsSelf)
	if err != nil {
		return nil, err
	}
	return &prodClient{
		builds: bbpb.NewBuildsPRPCClient(&prpc.Client{
			C:    &http.Client{Transport: t},
			Host: host,
		}),
	}, nil
}

type prodClient struct {
	builds bbpb.BuildsClient
}

// tagTransient marks retriable backend errors so that callers owning a
// retry policy can tell them apart from fatal ones.
func tagTransient(err error) error {
	if err == nil {
		return nil
	}
	if code := status.Code(err); grpcutil.IsTransientCode(code) || code == codes.DeadlineExceeded {
		return transient.Tag.Apply(err)
	}
	return err
}

func (c *prodClient) ScheduleBuild(ctx context.Context, req *bbpb.ScheduleBuildRequest) (*bbpb.Build, error) {
	b, err := c.builds.ScheduleBuild(ctx, req)
	return b, tagTransient(err)
}

func (c *prodClient) GetBuild(ctx context.Context, req *bbpb.GetBuildRequest) (*bbpb.Build, error) {
	b, err := c.builds.GetBuild(ctx, req)
	return b, tagTransient(err)
}

func (c *prodClient) SearchBuilds(ctx context.Context, req *bbpb.SearchBuildsRequest) (*bbpb.SearchBuildsResponse, error) {
	resp, err := c.builds.SearchBuilds(ctx, req)
	return resp, tagTransient(err)
}
