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

// Package workspace loads dpatch's INI-shaped workspace file: section
// headers name tasks, "key = value" pairs describe them, and a handful of
// reserved keys (cmd, dir, wait) carry special meaning while everything
// else becomes an environment variable for the task.
package workspace

import (
	"bufio"
	"io"
	"os"
	"strings"

	"dpatch/internal/dpatcherr"
)

// TaskDef is a task definition materialized from a workspace file for one
// invocation. It is ephemeral: discarded once a launch has been attempted.
type TaskDef struct {
	Name string
	Cmd  string
	Dir  string
	Wait string
	Vars []string // ordered KEY=VALUE, workspace-declared first
}

type parseMode int

const (
	modeStart parseMode = iota
	modeValue
)

// parse streams fp one line at a time, emitting (section, key, value) for
// each completed value: at the line following it, or once more at EOF if a
// value is still pending. Continuation lines (leading whitespace) append to
// the previous value with a newline separator; blank lines flush whatever
// value was pending; comment lines (leading '#') also flush a pending
// value and are otherwise ignored.
func parse(r io.Reader, emit func(section, key, value string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	var section, key string
	var valueLines []string
	mode := modeStart

	flush := func() {
		if mode == modeValue {
			emit(section, key, strings.Join(valueLines, "\n"))
		}
		mode = modeStart
		key = ""
		valueLines = nil
	}

	for sc.Scan() {
		line := sc.Text()

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "#") {
			flush()
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if mode == modeValue {
				valueLines = append(valueLines, strings.TrimSpace(line))
			}
			continue
		}
		if strings.HasPrefix(line, "[") {
			flush()
			if end := strings.IndexByte(line, ']'); end > 0 {
				section = strings.TrimSpace(line[1:end])
			}
			continue
		}

		// key = value
		if eq := strings.IndexByte(line, '='); eq >= 0 {
			flush()
			key = strings.TrimSpace(line[:eq])
			valueLines = []string{strings.TrimSpace(line[eq+1:])}
			mode = modeValue
			continue
		}

		// Unrecognized line shape; ignore rather than aborting the scan.
	}
	flush()
}

// Load materializes the task named name out of the workspace file at path.
// envs are client-supplied "-e KEY=VALUE" overrides, appended after the
// workspace-declared vars. Returns TaskNotFound if no section matches or
// the resulting record has no cmd.
func Load(path, name string, envs []string) (*TaskDef, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, dpatcherr.Wrap("workspace.Load", dpatcherr.WorkspaceUnreadable, err)
	}
	defer fp.Close()

	found := false
	task := &TaskDef{Name: name}

	parse(fp, func(section, key, value string) {
		if section != name {
			return
		}
		found = true
		switch key {
		case "cmd":
			task.Cmd = value
		case "dir":
			task.Dir = value
		case "wait":
			task.Wait = value
		default:
			task.Vars = append(task.Vars, key+"="+value)
		}
	})

	if !found || task.Cmd == "" {
		return nil, dpatcherr.Newf("workspace.Load", dpatcherr.TaskNotFound, "task %q not found", name)
	}

	task.Vars = append(task.Vars, envs...)
	return task, nil
}

// Readable reports whether path can be opened for reading, the check the
// server performs before accepting a WorkspaceSet request.
func Readable(path string) error {
	fp, err := os.Open(path)
	if err != nil {
		return dpatcherr.Wrap("workspace.Readable", dpatcherr.WorkspaceUnreadable, err)
	}
	fp.Close()
	return nil
}
