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

package server

import (
	"time"

	"dpatch/internal/dpatcherr"
	"dpatch/internal/launcher"
	"dpatch/internal/task"
	"dpatch/internal/wire"
	"dpatch/internal/workspace"
)

// handleClientFrame decodes and dispatches one client request. It always
// produces exactly one reply and closes the connection.
func (s *Server) handleClientFrame(idx int, frame []byte) {
	if _, ok := s.clients.Get(idx); !ok {
		return
	}

	msg, err := wire.Decode(frame)
	if err != nil {
		s.respond(idx, wire.NewMessage(wire.MsgErr, "Invalid command"))
		return
	}

	switch msg.Kind {
	case wire.MsgTaskRun:
		s.dispatchTaskRun(idx, msg)
	case wire.MsgWorkspaceSet:
		s.dispatchWorkspaceSet(idx, msg)
	case wire.MsgTaskInfo, wire.MsgWorkspaceInfo, wire.MsgProcInfo:
		// Reserved request kinds: the wire protocol carries them, but
		// dpatch answers introspection queries through the admin HTTP
		// surface instead, not over this socket.
		s.respond(idx, wire.NewMessage(wire.MsgErr, "not implemented"))
	default:
		s.respond(idx, wire.NewMessage(wire.MsgErr, "Invalid command"))
	}
}

func (s *Server) dispatchTaskRun(idx int, msg wire.Message) {
	if len(msg.Tokens) < 1 || msg.Tokens[0].Kind != wire.TokenArg || msg.Tokens[0].Value == "" {
		s.respond(idx, wire.NewMessage(wire.MsgErr, "Invalid command"))
		return
	}
	name := msg.Tokens[0].Value

	var envs []string
	for _, t := range msg.Tokens[1:] {
		if t.Kind == wire.TokenVar {
			envs = append(envs, t.Value)
		}
	}

	if s.workspace == "" {
		s.respond(idx, wire.NewMessage(wire.MsgErr, "No workspace configured"))
		return
	}

	def, err := workspace.Load(s.workspace, name, envs)
	if err != nil {
		s.respond(idx, wire.NewMessage(wire.MsgErr, errMessage(err)))
		return
	}

	if def.Wait != "" && s.processLive(def.Wait) {
		if s.queue.Full() {
			err := dpatcherr.New("server.dispatchTaskRun", dpatcherr.StoreFull, "Task queue capacity reached")
			s.respond(idx, wire.NewMessage(wire.MsgErr, errMessage(err)))
			return
		}
		s.queue.Push(task.Pending{Name: def.Name, Cmd: def.Cmd, Dir: def.Dir, Wait: def.Wait, Vars: def.Vars})
		s.log.Infof("queued task %q behind %q", def.Name, def.Wait)
		s.respond(idx, wire.NewMessage(wire.MsgSuccess, "Task '"+def.Name+"' put in queue"))
		return
	}

	if err := s.launchTask(def); err != nil {
		s.respond(idx, wire.NewMessage(wire.MsgErr, errMessage(err)))
		return
	}
	s.respond(idx, wire.NewMessage(wire.MsgSuccess, "Task '"+def.Name+"' started successfully"))
}

func (s *Server) dispatchWorkspaceSet(idx int, msg wire.Message) {
	if len(msg.Tokens) < 1 || msg.Tokens[0].Kind != wire.TokenArg || msg.Tokens[0].Value == "" {
		s.respond(idx, wire.NewMessage(wire.MsgErr, "Invalid command"))
		return
	}
	path := msg.Tokens[0].Value
	if err := s.setWorkspace(path); err != nil {
		s.respond(idx, wire.NewMessage(wire.MsgErr, errMessage(err)))
		return
	}
	s.respond(idx, wire.NewMessage(wire.MsgSuccess, "Workspace set to '"+path+"'"))
}

func (s *Server) processLive(name string) bool {
	live := false
	s.processes.Each(func(_ int, e *procEntry) bool {
		if e.proc.Name == name {
			live = true
			return false
		}
		return true
	})
	return live
}

// launchTask reserves a process slot and forks def.Cmd. On failure the slot
// is released again; StoreFull is returned without ever forking.
func (s *Server) launchTask(def *workspace.TaskDef) error {
	if s.processes.Full() {
		return dpatcherr.New("server.launchTask", dpatcherr.StoreFull, "Process store capacity reached")
	}

	idx, entry, ok := s.processes.PushEmpty()
	if !ok {
		return dpatcherr.New("server.launchTask", dpatcherr.StoreFull, "Process store capacity reached")
	}
	gen := s.nextGen
	s.nextGen++
	entry.gen = gen

	handle, err := s.launch(def, idx, gen)
	if err != nil {
		s.processes.Remove(idx)
		return err
	}
	entry.proc = handle.Process
	entry.handle = handle

	s.tasksLaunched.Add(1)
	s.log.Infof("launched task %q pid %d", def.Name, handle.Process.Pid)
	return nil
}

// launch wraps launcher.Launch, binding its per-line and per-exit callbacks
// to the (idx, gen) pair reserved for this process so stray callbacks
// arriving after the slot is reaped or reused are dropped rather than
// misattributed (see childLineEvent/childExitEvent handling).
func (s *Server) launch(def *workspace.TaskDef, idx, gen int) (*launcher.Handle, error) {
	return launcher.Launch(s.cfg.ShellPath, def,
		func(stream, line string) {
			s.events <- childLineEvent{idx: idx, gen: gen, stream: stream, line: line}
		},
		func(err error) {
			s.events <- childExitEvent{idx: idx, gen: gen, err: err}
		},
	)
}

func (s *Server) handleChildLine(idx, gen int, stream, line string) {
	entry, ok := s.processes.Get(idx)
	if !ok || entry.gen != gen {
		return // stale event: slot already reaped and possibly reused
	}
	kind := wire.MsgPrintOut
	if stream == "stderr" {
		kind = wire.MsgPrintErr
	}
	s.broadcast(wire.Message{Kind: kind, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: entry.proc.Name},
		{Kind: wire.TokenArg, Value: line},
	}})
}

func (s *Server) handleChildExit(idx, gen int, runErr error) {
	entry, ok := s.processes.Get(idx)
	if !ok || entry.gen != gen {
		return
	}
	name := entry.proc.Name
	elapsed := entry.proc.Elapsed()
	s.processes.Remove(idx)

	status := "0"
	if runErr != nil {
		s.tasksFailed.Add(1)
		status = runErr.Error()
	} else {
		s.tasksCompleted.Add(1)
	}

	s.log.Infof("task %q exited after %s: %s", name, elapsed.Round(time.Millisecond), status)
	s.broadcast(wire.Message{Kind: wire.MsgTaskComplete, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: name},
		{Kind: wire.TokenArg, Value: status},
	}})

	s.releaseQueued(name)
}

// releaseQueued scans the pending-task queue in reverse slot-index order
// (the same order Each always walks) and launches the first entry whose
// Wait names the task that just completed, then stops: at most one
// dependent is released per completion even if several are waiting on the
// same name. The queue entry is only removed once launchTask actually
// succeeds; a failed launch (e.g. the process store is still full) leaves
// it queued for a later completion to try again.
func (s *Server) releaseQueued(completedName string) {
	foundIdx := -1
	var pend task.Pending
	s.queue.Each(func(qi int, p *task.Pending) bool {
		if p.Wait == completedName {
			foundIdx = qi
			pend = *p
			return false
		}
		return true
	})
	if foundIdx < 0 {
		return
	}

	def := &workspace.TaskDef{Name: pend.Name, Cmd: pend.Cmd, Dir: pend.Dir, Wait: pend.Wait, Vars: pend.Vars}
	if err := s.launchTask(def); err != nil {
		s.log.Warnf("failed to launch queued task %q, leaving it queued: %v", pend.Name, err)
		return
	}
	s.queue.Remove(foundIdx)
}

func errMessage(err error) string {
	if de, ok := err.(*dpatcherr.Error); ok {
		return de.Msg
	}
	return err.Error()
}
