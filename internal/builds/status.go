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
	"fmt"

	bbv1 "go.chromium.org/luci/common/api/buildbucket/buildbucket/v1"

	"go.chromium.org/cocoon/internal/model"
)

// TaskStatusForBuild maps an executor status/result pair to the task
// status it implies.
//
// The mapping is total over the executor's enumeration; any value
// outside it means the executor contract changed underneath us and must
// not be silently absorbed.
func TaskStatusForBuild(status, result string) model.TaskStatus {
	switch status {
	case bbv1.StatusScheduled, bbv1.StatusStarted:
		return model.TaskInProgress
	case bbv1.StatusCompleted:
		switch result {
		case bbv1.ResultSuccess:
			return model.TaskSucceeded
		case bbv1.ResultFailure, bbv1.ResultCanceled:
			return model.TaskFailed
		}
	}
	panic(fmt.Sprintf("unknown buildbucket status %q / result %q", status, result))
}
