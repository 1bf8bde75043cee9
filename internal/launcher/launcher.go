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

// Package launcher forks task commands as child processes, redirecting
// their stdout/stderr into pipes that are drained line-by-line on their own
// goroutines, and reports completion asynchronously. The callbacks fire on
// those goroutines; callers serialize them onto their own loop.
package launcher

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"time"

	"dpatch/internal/dpatcherr"
	"dpatch/internal/task"
	"dpatch/internal/workspace"
)

// DefaultShell is the shell used to run task commands. A task's cmd is
// never parsed by dpatch itself, only handed to the shell as `-c cmd`.
const DefaultShell = "/bin/sh"

// Handle is what the launcher hands back for a successfully started
// process: the live-process record plus the underlying command.
type Handle struct {
	Process *task.Process
	cmd     *exec.Cmd
}

// Launch forks def.Cmd under ShellPath -c, with def.Dir as the working
// directory (if set) and def.Vars as the complete child environment.
// onLine is called from two separate goroutines (one per stream) with
// "stdout" or "stderr" and one line of output at a time. onExit is called
// exactly once, from a third goroutine, when both streams have reached EOF
// and the child has been reaped, so every onLine call precedes it.
func Launch(shellPath string, def *workspace.TaskDef, onLine func(stream, line string), onExit func(err error)) (*Handle, error) {
	if shellPath == "" {
		shellPath = DefaultShell
	}

	cmd := exec.Command(shellPath, "-c", def.Cmd)
	if def.Dir != "" {
		cmd.Dir = def.Dir
	}
	cmd.Env = def.Vars
	if cmd.Env == nil {
		// exec treats a nil Env as "inherit the parent's environment";
		// a task with no vars must run with an empty one, not dpatch's.
		cmd.Env = []string{}
	}

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, dpatcherr.Wrap("launcher.Launch", dpatcherr.PipeFailed, err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		outPipe.Close()
		return nil, dpatcherr.Wrap("launcher.Launch", dpatcherr.PipeFailed, err)
	}

	if err := cmd.Start(); err != nil {
		outPipe.Close()
		errPipe.Close()
		return nil, dpatcherr.Wrap("launcher.Launch", dpatcherr.ForkFailed, err)
	}

	proc := &task.Process{
		Name:      def.Name,
		Pid:       cmd.Process.Pid,
		StartTime: time.Now(),
	}

	// cmd.Wait closes the pipes once the child exits, so it must not run
	// until both readers have drained their stream to EOF.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); watchPipe(outPipe, "stdout", onLine) }()
	go func() { defer readers.Done(); watchPipe(errPipe, "stderr", onLine) }()
	go func() {
		readers.Wait()
		onExit(cmd.Wait())
	}()

	return &Handle{Process: proc, cmd: cmd}, nil
}

// watchPipe reads line-delimited output off r until EOF, reporting each
// line via onLine. A zero-byte read (EOF) is not itself reported as an
// error: the authoritative end-of-task signal is the onExit callback, not
// stream closure.
func watchPipe(r io.ReadCloser, stream string, onLine func(stream, line string)) {
	defer r.Close()
	br := bufio.NewReaderSize(r, 4096)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			onLine(stream, trimNewline(line))
		}
		if err != nil {
			return
		}
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	if n := len(s); n > 0 && s[n-1] == '\r' {
		s = s[:n-1]
	}
	return s
}
