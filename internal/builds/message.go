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
	"encoding/base64"
	"encoding/json"
	"io"

	bbv1 "go.chromium.org/luci/common/api/buildbucket/buildbucket/v1"
	"go.chromium.org/luci/common/errors"
)

// BuildMessage is the executor's push notification for one build, as
// delivered on the pubsub topic named in the ScheduleBuild notify
// config.
type BuildMessage struct {
	Build    *bbv1.LegacyApiCommonBuildMessage `json:"build"`
	Hostname string                            `json:"hostname"`
	// UserData is the opaque correlation payload this service attached
	// when scheduling the build; empty for builds it did not schedule.
	UserData string `json:"user_data"`
}

type pushEnvelope struct {
	Message struct {
		Data       []byte         `json:"data"`
		Attributes map[string]any `json:"attributes"`
	} `json:"message"`
}

// DecodePushMessage decodes the pubsub push envelope of a build
// notification.
func DecodePushMessage(body io.Reader) (*BuildMessage, error) {
	var env pushEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return nil, errors.Annotate(err, "decoding pubsub envelope").Err()
	}
	var msg BuildMessage
	if err := json.Unmarshal(env.Message.Data, &msg); err != nil {
		return nil, errors.Annotate(err, "decoding build message").Err()
	}
	if msg.Build == nil {
		return nil, errors.Reason("build message carries no build").Err()
	}
	return &msg, nil
}

// UserData is the correlation payload round-tripped through the
// executor's request metadata. A presubmit build carries the check run
// it reports to; a postsubmit build carries the task it updates.
type UserData struct {
	RepoOwner  string `json:"repo_owner"`
	RepoName   string `json:"repo_name"`
	CheckRunID int64  `json:"check_run_id,omitempty"`
	CommitSha  string `json:"commit_sha,omitempty"`
	TaskName   string `json:"task_name,omitempty"`
}

// Encode serializes the payload for a notify config.
func (u *UserData) Encode() ([]byte, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// DecodeUserData decodes a correlation payload, failing closed: any
// decode error or missing required key means the notification cannot be
// correlated and must not be applied to anything.
func DecodeUserData(s string) (*UserData, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Annotate(err, "user data is not base64").Err()
	}
	var u UserData
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, errors.Annotate(err, "user data is not a JSON mapping").Err()
	}
	switch {
	case u.RepoOwner == "" || u.RepoName == "":
		return nil, errors.Reason("user data misses repository keys").Err()
	case u.CheckRunID == 0 && (u.CommitSha == "" || u.TaskName == ""):
		return nil, errors.Reason("user data correlates to neither a check run nor a task").Err()
	}
	return &u, nil
}
