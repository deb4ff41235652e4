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

// Package model contains the datastore model for the cocoon dashboard.
package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.chromium.org/luci/gae/service/datastore"
)

// RepositorySlug identifies a GitHub repository.
type RepositorySlug struct {
	Owner string
	Repo  string
}

// String returns the "owner/repo" form of the slug.
func (s RepositorySlug) String() string {
	return fmt.Sprintf("%s/%s", s.Owner, s.Repo)
}

// ParseRepositorySlug parses an "owner/repo" string.
func ParseRepositorySlug(s string) (RepositorySlug, error) {
	owner, repo, ok := strings.Cut(s, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return RepositorySlug{}, fmt.Errorf("invalid repository slug %q", s)
	}
	return RepositorySlug{Owner: owner, Repo: repo}, nil
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskNew        TaskStatus = "New"
	TaskInProgress TaskStatus = "In Progress"
	TaskSucceeded  TaskStatus = "Succeeded"
	TaskFailed     TaskStatus = "Failed"
)

// Terminal reports whether the status is an end state. Terminal statuses
// are only ever set from executor feedback.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Commit is a single landed revision of a tracked repository.
//
// The entity id is "owner/repo/sha" so that a commit observed through
// different paths (webhook, branch poll) always maps to the same row.
type Commit struct {
	ID string `gae:"$id"`

	Sha        string    `gae:"sha"`
	Branch     string    `gae:"branch"`
	Author     string    `gae:"author"`
	Message    string    `gae:"message,noindex"`
	Repository string    `gae:"repository"`
	CreateTime time.Time `gae:"create_time"`
}

// CommitID returns the entity id for a commit of slug at sha.
func CommitID(slug RepositorySlug, sha string) string {
	return fmt.Sprintf("%s/%s", slug, sha)
}

// Slug returns the owning repository of the commit.
func (c *Commit) Slug() (RepositorySlug, error) {
	return ParseRepositorySlug(c.Repository)
}

// Key returns the datastore key of the commit.
func (c *Commit) Key(ctx context.Context) *datastore.Key {
	return datastore.KeyForObj(ctx, c)
}

// Task is one execution record of a target against a commit. There is at
// most one Task per (commit, target); repeated attempts accumulate in
// BuildNumbers and Attempts rather than producing new rows.
type Task struct {
	// ID is the target name, unique under the parent commit.
	ID     string         `gae:"$id"`
	Commit *datastore.Key `gae:"$parent"`

	Builder      string     `gae:"builder"`
	Status       TaskStatus `gae:"status"`
	Bringup      bool       `gae:"bringup"`
	TestFlaky    bool       `gae:"test_flaky"`
	Attempts     int64      `gae:"attempts"`
	BuildNumbers []int64    `gae:"build_numbers"`
	CreateTime   time.Time  `gae:"create_time"`
	StartTime    time.Time  `gae:"start_time"`
	EndTime      time.Time  `gae:"end_time"`
}

// Name returns the target name the task tracks.
func (t *Task) Name() string {
	return t.ID
}

// FullTask pairs a Task with its owning Commit.
type FullTask struct {
	Task   *Task
	Commit *Commit
}

// NewTask returns a not-yet-attempted Task for target name under commit.
func NewTask(ctx context.Context, commit *Commit, name, builder string, bringup bool, now time.Time) *Task {
	return &Task{
		ID:         name,
		Commit:     commit.Key(ctx),
		Builder:    builder,
		Status:     TaskNew,
		Bringup:    bringup,
		CreateTime: now,
	}
}

// RecentCommits returns up to limit commits of slug, newest first.
func RecentCommits(ctx context.Context, slug RepositorySlug, limit int32) ([]*Commit, error) {
	q := datastore.NewQuery("Commit").
		Eq("repository", slug.String()).
		Order("-create_time").
		Limit(limit)
	commits := []*Commit{}
	if err := datastore.GetAll(ctx, q, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// TasksForCommit returns all tasks recorded under the commit.
func TasksForCommit(ctx context.Context, commit *Commit) ([]*Task, error) {
	q := datastore.NewQuery("Task").Ancestor(commit.Key(ctx))
	tasks := []*Task{}
	if err := datastore.GetAll(ctx, q, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}
