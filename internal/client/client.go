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

// Package client implements dpatch's short-lived request front-end: build
// one request frame from a CLI invocation, send it, read the single reply,
// and optionally repeat that whenever a watched filesystem path changes.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"dpatch/internal/dpatcherr"
	"dpatch/internal/wire"

	"github.com/fsnotify/fsnotify"
)

// BuildMessage turns a CLI invocation (`run <task> [-e K=V]...` or
// `set <path>`) into the wire request it sends.
func BuildMessage(cmd string, args []string) (wire.Message, error) {
	var kind wire.MsgKind
	switch cmd {
	case "run", "r":
		kind = wire.MsgTaskRun
	case "set", "s":
		kind = wire.MsgWorkspaceSet
	case "workspace", "ws", "w":
		return wire.Message{}, fmt.Errorf("workspace info command is not implemented yet")
	case "task", "t":
		return wire.Message{}, fmt.Errorf("task info command is not implemented yet")
	case "process", "proc", "p":
		return wire.Message{}, fmt.Errorf("process info command is not implemented yet")
	default:
		return wire.Message{}, fmt.Errorf("invalid command %q", cmd)
	}

	if len(args) < 1 {
		return wire.Message{}, fmt.Errorf("%q requires an argument", cmd)
	}

	msg := wire.Message{Kind: kind}
	for i := 0; i < len(args); i++ {
		if args[i] == "-e" {
			i++
			if i >= len(args) {
				return wire.Message{}, fmt.Errorf("-e requires a KEY=VALUE argument")
			}
			if !strings.Contains(args[i], "=") {
				return wire.Message{}, fmt.Errorf("-e value %q is not KEY=VALUE", args[i])
			}
			msg.Tokens = append(msg.Tokens, wire.Token{Kind: wire.TokenVar, Value: args[i]})
			continue
		}
		msg.Tokens = append(msg.Tokens, wire.Token{Kind: wire.TokenArg, Value: args[i]})
	}
	return msg, nil
}

// Result is what Watch reports for each resend: either a decoded reply or
// an error.
type Result struct {
	Reply wire.Message
	Err   error
}

// SendOnce dials addr, writes req as a single frame, reads exactly one
// reply frame, and closes: the server's request/response-with-close
// contract seen from the other side.
func SendOnce(ctx context.Context, addr string, req wire.Message, timeout time.Duration, maxFrame int) (wire.Message, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return wire.Message{}, dpatcherr.Wrap("client.SendOnce", dpatcherr.SendFailed, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(wire.Encode(req)); err != nil {
		return wire.Message{}, dpatcherr.Wrap("client.SendOnce", dpatcherr.SendFailed, err)
	}

	frame, err := wire.ReadFrame(bufio.NewReader(conn), maxFrame)
	if err != nil {
		return wire.Message{}, dpatcherr.Wrap("client.SendOnce", dpatcherr.Timeout, err)
	}
	reply, err := wire.Decode(frame)
	if err != nil {
		return wire.Message{}, err
	}
	return reply, nil
}

// Watch resends buildReq's message to addr every time a file under dir
// changes (create, write, remove, rename), reporting each round-trip via
// onResult. It runs until ctx is cancelled.
func Watch(ctx context.Context, dir string, addr string, timeout time.Duration, maxFrame int, buildReq func() (wire.Message, error), onResult func(Result)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return dpatcherr.Wrap("client.Watch", dpatcherr.AcceptFailed, err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return dpatcherr.Wrap("client.Watch", dpatcherr.WorkspaceUnreadable, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onResult(Result{Err: dpatcherr.Wrap("client.Watch", dpatcherr.ReadFailed, err)})
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			req, err := buildReq()
			if err != nil {
				onResult(Result{Err: err})
				continue
			}
			reply, err := SendOnce(ctx, addr, req, timeout, maxFrame)
			onResult(Result{Reply: reply, Err: err})
		}
	}
}
