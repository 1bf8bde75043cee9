/*
Copyright 2026 The dpatch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package task holds the small data records the event loop keeps for live
// child processes and tasks whose launch is deferred behind a wait
// dependency. The task definition itself (internal/workspace.TaskDef) is
// discarded once one of these is built from it.
package task

import "time"

// Process is a live task process: a child that has been forked and not yet
// reaped. It holds no pointer back to the workspace definition it came
// from; only the name survives, so it outlives the definition's own
// lifetime.
type Process struct {
	Name      string
	Pid       int
	StartTime time.Time
}

// Elapsed returns how long the process has been running.
func (p *Process) Elapsed() time.Duration { return time.Since(p.StartTime) }

// Pending is a task definition fully materialized but deferred because its
// Wait target was live at request time. It always has a non-empty Wait;
// constructing one with an empty Wait is a bug in the caller.
type Pending struct {
	Name string
	Cmd  string
	Dir  string
	Wait string
	Vars []string
}
