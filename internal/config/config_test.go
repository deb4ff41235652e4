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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	. "go.chromium.org/luci/common/testing/assertions"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	Convey("Load", t, func() {
		Convey("applies defaults", func() {
			cfg, err := Load([]byte(`
enabled_branches:
  - master
targets:
  - name: Linux analyze
`))
			So(err, ShouldBeNil)
			So(cfg.Targets, ShouldHaveLength, 1)
			target := cfg.Targets[0]
			So(target.Builder, ShouldEqual, "Linux analyze")
			So(target.Platform, ShouldEqual, "Linux")
			So(target.Timeout, ShouldEqual, 30*time.Minute)
			So(target.Scheduler, ShouldEqual, SystemCocoon)
			So(target.Presubmit, ShouldBeTrue)
			So(target.Postsubmit, ShouldBeTrue)
			So(target.Bringup, ShouldBeFalse)
		})

		Convey("explicit false survives the pointer defaults", func() {
			cfg, err := Load([]byte(`
enabled_branches:
  - master
targets:
  - name: Linux analyze
    presubmit: false
    postsubmit: false
`))
			So(err, ShouldBeNil)
			So(cfg.Targets[0].Presubmit, ShouldBeFalse)
			So(cfg.Targets[0].Postsubmit, ShouldBeFalse)
		})

		Convey("merges platform properties under target properties", func() {
			cfg, err := Load([]byte(`
enabled_branches:
  - master
platform_properties:
  Mac:
    properties:
      os: Mac-13
      xcode: "15a240d"
targets:
  - name: Mac build_tests
    properties:
      xcode: "14e300c"
`))
			So(err, ShouldBeNil)
			target := cfg.Targets[0]
			So(target.Properties["os"], ShouldEqual, "Mac-13")
			So(target.Properties["xcode"], ShouldEqual, "14e300c")
		})

		Convey("ignores unknown fields", func() {
			_, err := Load([]byte(`
enabled_branches:
  - master
some_future_section:
  key: value
targets:
  - name: Linux analyze
    some_future_field: 12
`))
			So(err, ShouldBeNil)
		})

		Convey("rejects empty target name", func() {
			_, err := Load([]byte(`
enabled_branches:
  - master
targets:
  - builder: orphan
`))
			So(err, ShouldErrLike, "empty name")
		})

		Convey("rejects unknown scheduler system", func() {
			_, err := Load([]byte(`
enabled_branches:
  - master
targets:
  - name: Linux analyze
    scheduler: jenkins
`))
			So(err, ShouldErrLike, "unknown scheduler system")
		})

		Convey("rejects negative timeout", func() {
			_, err := Load([]byte(`
enabled_branches:
  - master
targets:
  - name: Linux analyze
    timeout: -5
`))
			So(err, ShouldErrLike, "negative timeout")
		})

		Convey("rejects duplicate target names", func() {
			_, err := Load([]byte(`
enabled_branches:
  - master
targets:
  - name: Linux analyze
  - name: Linux analyze
`))
			So(err, ShouldErrLike, "duplicate target name")
		})

		Convey("rejects a config with no enabled branches", func() {
			_, err := Load([]byte(`
targets:
  - name: Linux analyze
`))
			So(err, ShouldErrLike, "no enabled branches")
		})

		Convey("rejects unknown dependency", func() {
			_, err := Load([]byte(`
enabled_branches:
  - master
targets:
  - name: Linux tests
    dependencies:
      - Linux build
`))
			So(err, ShouldErrLike, `depends on unknown target "Linux build"`)
		})

		Convey("rejects dependency cycles", func() {
			_, err := Load([]byte(`
enabled_branches:
  - master
targets:
  - name: A
    dependencies:
      - B
  - name: B
    dependencies:
      - C
  - name: C
    dependencies:
      - A
`))
			So(err, ShouldErrLike, "dependency cycle")
		})

		Convey("accepts a dependency chain", func() {
			cfg, err := Load([]byte(`
enabled_branches:
  - master
targets:
  - name: Linux build
  - name: Linux tests
    dependencies:
      - Linux build
`))
			So(err, ShouldBeNil)
			So(cfg.TargetNames().Has("Linux tests"), ShouldBeTrue)
		})

		Convey("rejects malformed yaml", func() {
			_, err := Load([]byte("targets: [}"))
			So(err, ShouldErrLike, "decoding scheduler config")
		})
	})
}
