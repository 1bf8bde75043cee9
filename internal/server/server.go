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

// Package server implements dpatch's event loop: accepting client
// connections, dispatching task-run and workspace-set requests, launching
// and reaping child processes, releasing wait-gated queue entries, and
// fanning child output back out to connected clients.
//
// All server.Server state is owned by exactly one goroutine, the one
// running Server.Run. Every other goroutine (the TCP acceptor, one reader
// per accepted client, one line-reader per child pipe, one waiter per
// child process) communicates with it only by sending values on an
// internal event channel.
package server

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dpatch/internal/launcher"
	"dpatch/internal/logbuf"
	"dpatch/internal/slotstore"
	"dpatch/internal/task"
	"dpatch/internal/wire"
	"dpatch/internal/workspace"
)

// Config holds the server's capacity and timeout tunables.
type Config struct {
	MaxClients   int
	MaxProcesses int
	MaxQueued    int
	MaxFrame     int
	SockTimeout  time.Duration
	ShellPath    string
}

// DefaultConfig returns the settings dpatch ships with.
func DefaultConfig() Config {
	return Config{
		MaxClients:   30,
		MaxProcesses: 5,
		MaxQueued:    5,
		MaxFrame:     1024,
		SockTimeout:  5 * time.Second,
		ShellPath:    launcher.DefaultShell,
	}
}

type clientConn struct {
	conn net.Conn
}

type procEntry struct {
	proc   *task.Process
	handle *launcher.Handle
	gen    int
}

// Server is all state owned by the event loop.
type Server struct {
	cfg Config
	log *logbuf.Logger

	workspace string // active workspace file path; may be empty

	clients   *slotstore.Store[clientConn]
	processes *slotstore.Store[procEntry]
	queue     *slotstore.Store[task.Pending]

	events  chan interface{}
	nextGen int

	subMu sync.Mutex
	subs  map[chan wire.Message]struct{}

	tasksLaunched  atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
}

// New builds a Server. workspacePath may be empty (no workspace preloaded).
func New(cfg Config, log *logbuf.Logger, workspacePath string) *Server {
	return &Server{
		cfg:       cfg,
		log:       log,
		workspace: workspacePath,
		clients:   slotstore.New[clientConn](cfg.MaxClients),
		processes: slotstore.New[procEntry](cfg.MaxProcesses),
		queue:     slotstore.New[task.Pending](cfg.MaxQueued),
		events:    make(chan interface{}, 64),
		subs:      make(map[chan wire.Message]struct{}),
	}
}

// event types exchanged over Server.events. Only the Run goroutine reads
// them; everything else only ever sends.
type (
	connAcceptedEvent struct{ conn net.Conn }
	clientFrameEvent  struct {
		idx   int
		frame []byte
	}
	clientClosedEvent struct{ idx int }
	clientErrorEvent  struct {
		idx int
		err error
	}
	childLineEvent struct {
		idx, gen     int
		stream, line string
	}
	childExitEvent struct {
		idx, gen int
		err      error
	}
	snapshotRequestEvent struct{ reply chan Snapshot }
	setWorkspaceEvent    struct {
		path  string
		reply chan error
	}
)

// Run listens on ln and runs the event loop until ctx is cancelled. It
// returns once the loop has drained: live children are not killed, only
// left to run to completion and be reaped by the host init.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, ln)
	}()

	ticker := time.NewTicker(66 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cleanup()
			// Live children are left running; their line-reader and
			// waiter goroutines keep sending on
			// s.events after this loop stops reading it. Keep draining so
			// those sends never block, rather than leaking their goroutines.
			go func() {
				for range s.events {
				}
			}()
			ln.Close() // unblocks acceptLoop's pending Accept
			<-acceptDone
			return nil
		case <-ticker.C:
			// Housekeeping tick; the line/exit goroutines already drain
			// child pipes immediately, so there is nothing time-critical
			// to do here beyond bounding how soon shutdown is noticed.
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Server) handle(ev interface{}) {
	switch e := ev.(type) {
	case connAcceptedEvent:
		s.handleAccept(e.conn)
	case clientFrameEvent:
		s.handleClientFrame(e.idx, e.frame)
	case clientClosedEvent:
		s.dropClient(e.idx)
	case clientErrorEvent:
		s.log.Warnf("error reading from client %d: %v", e.idx, e.err)
		s.dropClient(e.idx)
	case childLineEvent:
		s.handleChildLine(e.idx, e.gen, e.stream, e.line)
	case childExitEvent:
		s.handleChildExit(e.idx, e.gen, e.err)
	case snapshotRequestEvent:
		e.reply <- s.snapshot()
	case setWorkspaceEvent:
		e.reply <- s.setWorkspace(e.path)
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Warnf("accept error: %v", err)
			continue
		}
		select {
		case s.events <- connAcceptedEvent{conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (s *Server) handleAccept(conn net.Conn) {
	if s.clients.Full() {
		s.log.Warnf("rejecting connection, client slots full")
		conn.Close()
		return
	}
	idx, ok := s.clients.Push(clientConn{conn: conn})
	if !ok {
		conn.Close()
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	go s.readClient(idx, conn)
}

// readClient reads exactly one request frame off conn (the server is
// request/response-with-close: one accepted socket, one request, one
// reply) and reports it back to the event loop.
func (s *Server) readClient(idx int, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.SockTimeout))
	frame, err := wire.ReadFrame(bufio.NewReader(conn), s.cfg.MaxFrame)
	if err != nil {
		s.events <- clientErrorEvent{idx: idx, err: err}
		return
	}
	s.events <- clientFrameEvent{idx: idx, frame: frame}
}

func (s *Server) dropClient(idx int) {
	c, ok := s.clients.Get(idx)
	if !ok {
		return
	}
	c.conn.Close()
	s.clients.Remove(idx)
}

// respond sends msg to the client at idx, then closes its socket and frees
// its slot: every accepted connection carries exactly one request and one
// reply.
func (s *Server) respond(idx int, msg wire.Message) {
	c, ok := s.clients.Get(idx)
	if !ok {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(s.cfg.SockTimeout))
	if _, err := c.conn.Write(wire.Encode(msg)); err != nil {
		s.log.Warnf("failed to send response to client %d: %v", idx, err)
	}
	c.conn.Close()
	s.clients.Remove(idx)
}

func (s *Server) cleanup() {
	s.clients.Each(func(idx int, c *clientConn) bool {
		c.conn.Close()
		return true
	})
}

// Snapshot is a read-only view of server state for the admin surface.
type Snapshot struct {
	Workspace string
	Processes []ProcessInfo
	Queue     []QueueInfo
	Clients   int
}

type ProcessInfo struct {
	Name    string
	Pid     int
	Elapsed time.Duration
}

type QueueInfo struct {
	Name string
	Wait string
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{Workspace: s.workspace, Clients: s.clients.Len()}
	s.processes.Each(func(idx int, e *procEntry) bool {
		snap.Processes = append(snap.Processes, ProcessInfo{
			Name: e.proc.Name, Pid: e.proc.Pid, Elapsed: e.proc.Elapsed(),
		})
		return true
	})
	s.queue.Each(func(idx int, p *task.Pending) bool {
		snap.Queue = append(snap.Queue, QueueInfo{Name: p.Name, Wait: p.Wait})
		return true
	})
	return snap
}

// Snapshot queries server state from outside the event loop via a
// request/reply round-trip on the event channel.
func (s *Server) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.events <- snapshotRequestEvent{reply: reply}:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Server) setWorkspace(path string) error {
	if err := workspace.Readable(path); err != nil {
		return err
	}
	s.workspace = path
	s.log.Infof("using workspace %q", path)
	return nil
}

// SetWorkspace validates and sets the active workspace from outside the
// event loop. Only valid while Run is executing; the -f preload instead
// hands its path to New before the loop starts.
func (s *Server) SetWorkspace(ctx context.Context, path string) error {
	reply := make(chan error, 1)
	select {
	case s.events <- setWorkspaceEvent{path: path, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogTail returns the recent system log, for the admin status page.
func (s *Server) LogTail() string {
	return s.log.Tail().String()
}

// LogLines returns the retained recent log lines, for the admin JSON API.
func (s *Server) LogLines() []string {
	return s.log.Tail().Lines()
}

// Metrics returns the running launched/completed/failed task counters, safe
// to call concurrently (they're atomic counters incremented only from the
// event loop goroutine).
func (s *Server) Metrics() (launched, completed, failed int64) {
	return s.tasksLaunched.Load(), s.tasksCompleted.Load(), s.tasksFailed.Load()
}

// Subscribe registers a channel that receives every fan-out message (the
// same stream TCP clients observe as PrintOut/PrintErr/TaskComplete),
// used by the admin surface's WebSocket log tail. The returned func
// unsubscribes. The subscriber list is pure observation, never server
// state mutation, and is touched from handler goroutines outside the
// event loop, so it carries its own mutex.
func (s *Server) Subscribe(buf int) (<-chan wire.Message, func()) {
	ch := make(chan wire.Message, buf)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
		close(ch)
	}
}

func (s *Server) publish(msg wire.Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
			// Slow subscriber; drop rather than block the event loop.
		}
	}
}
