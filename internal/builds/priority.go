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

// Scheduling priorities, higher value wins within this service's own
// ranking. A target whose last completed attempt failed is rescheduled
// at PriorityRerun so a fresh signal arrives ahead of routine backfill
// noise.
const (
	PriorityDefault  int32 = 30
	PriorityBackfill int32 = 35
	PriorityRerun    int32 = 40
)

// buildbucketPriority converts a scheduling priority to the value sent
// in the ScheduleBuild request. Buildbucket treats lower numbers as
// more urgent (range [20..255], interactive default 30), so the scale
// inverts at this boundary. Rerun stays ahead of backfill, exactly as
// the constants above rank them; interactive requests keep the
// Buildbucket default and outrank both, because an explicit
// human-triggered build must not queue behind automated gap-filling.
func buildbucketPriority(p int32) int32 {
	switch {
	case p >= PriorityRerun:
		return 35
	case p >= PriorityBackfill:
		return 40
	default:
		return 30
	}
}
