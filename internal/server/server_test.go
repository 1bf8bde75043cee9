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
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dpatch/internal/logbuf"
	"dpatch/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config, workspacePath string) (*Server, string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(cfg, logbuf.New(nil, logbuf.LevelWarn, true), workspacePath)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx, ln)
	}()

	stop := func() {
		cancel()
		ln.Close()
		<-done
	}
	return srv, ln.Addr().String(), stop
}

func writeWorkspace(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func sendRequest(t *testing.T, addr string, req wire.Message) wire.Message {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write(wire.Encode(req))
	require.NoError(t, err)

	frame, err := wire.ReadFrame(bufio.NewReader(conn), 4096)
	require.NoError(t, err)
	resp, err := wire.Decode(frame)
	require.NoError(t, err)
	return resp
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxClients = 8
	cfg.MaxProcesses = 1
	cfg.MaxQueued = 2
	cfg.SockTimeout = 2 * time.Second
	return cfg
}

func TestTaskRunUnknownTaskReturnsErr(t *testing.T) {
	path := writeWorkspace(t, "[a]\ncmd = echo a\n")
	_, addr, stop := newTestServer(t, testConfig(), path)
	defer stop()

	resp := sendRequest(t, addr, wire.Message{Kind: wire.MsgTaskRun, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: "does_not_exist"},
	}})

	assert.Equal(t, wire.MsgErr, resp.Kind)
	require.Len(t, resp.Tokens, 1)
	assert.Contains(t, resp.Tokens[0].Value, "does_not_exist")
}

func TestTaskRunStoreFullLeavesFirstTaskRunning(t *testing.T) {
	path := writeWorkspace(t, "[slow]\ncmd = sleep 0.3\n\n[other]\ncmd = echo hi\n")
	srv, addr, stop := newTestServer(t, testConfig(), path)
	defer stop()

	resp := sendRequest(t, addr, wire.Message{Kind: wire.MsgTaskRun, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: "slow"},
	}})
	require.Equal(t, wire.MsgSuccess, resp.Kind)

	resp = sendRequest(t, addr, wire.Message{Kind: wire.MsgTaskRun, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: "other"},
	}})
	assert.Equal(t, wire.MsgErr, resp.Kind)
	assert.Contains(t, resp.Tokens[0].Value, "Process store capacity reached")

	assert.Eventually(t, func() bool {
		launched, completed, _ := srv.Metrics()
		return launched == 1 && completed == 1
	}, 2*time.Second, 20*time.Millisecond, "the first task should still complete normally")
}

func TestWaitDependencyQueuesThenReleasesInOrder(t *testing.T) {
	path := writeWorkspace(t, "[a]\ncmd = sleep 0.2\n\n[b]\ncmd = echo b\nwait = a\n")
	cfg := testConfig()
	cfg.MaxProcesses = 5
	srv, addr, stop := newTestServer(t, cfg, path)
	defer stop()

	sub, unsubscribe := srv.Subscribe(8)
	defer unsubscribe()

	resp := sendRequest(t, addr, wire.Message{Kind: wire.MsgTaskRun, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: "a"},
	}})
	require.Equal(t, wire.MsgSuccess, resp.Kind)

	resp = sendRequest(t, addr, wire.Message{Kind: wire.MsgTaskRun, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: "b"},
	}})
	require.Equal(t, wire.MsgSuccess, resp.Kind)
	assert.Contains(t, resp.Tokens[0].Value, "queue")

	var completions []string
	timeout := time.After(3 * time.Second)
	for len(completions) < 2 {
		select {
		case msg := <-sub:
			if msg.Kind == wire.MsgTaskComplete {
				completions = append(completions, msg.Tokens[0].Value)
			}
		case <-timeout:
			t.Fatal("did not observe two TaskComplete messages in time")
		}
	}
	assert.Equal(t, []string{"a", "b"}, completions)
}

func TestWorkspaceSetRejectsUnreadablePath(t *testing.T) {
	_, addr, stop := newTestServer(t, testConfig(), "")
	defer stop()

	resp := sendRequest(t, addr, wire.Message{Kind: wire.MsgWorkspaceSet, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: "/nonexistent/workspace.ini"},
	}})
	assert.Equal(t, wire.MsgErr, resp.Kind)
}

func TestUnknownRequestKindReturnsInvalidCommand(t *testing.T) {
	_, addr, stop := newTestServer(t, testConfig(), "")
	defer stop()

	resp := sendRequest(t, addr, wire.Message{Kind: wire.MsgPing, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: "x"},
	}})
	assert.Equal(t, wire.MsgErr, resp.Kind)
	assert.Equal(t, "Invalid command", resp.Tokens[0].Value)
}

func TestReservedInfoRequestsAreNotImplemented(t *testing.T) {
	_, addr, stop := newTestServer(t, testConfig(), "")
	defer stop()

	for _, kind := range []wire.MsgKind{wire.MsgTaskInfo, wire.MsgWorkspaceInfo, wire.MsgProcInfo} {
		resp := sendRequest(t, addr, wire.Message{Kind: kind, Tokens: []wire.Token{
			{Kind: wire.TokenArg, Value: "x"},
		}})
		assert.Equal(t, wire.MsgErr, resp.Kind)
		assert.Equal(t, "not implemented", resp.Tokens[0].Value)
	}
}

func TestOverrideVariablesReachChildEnvironment(t *testing.T) {
	path := writeWorkspace(t, "[dump]\ncmd = env | grep ^DEBUG=\n")
	srv, addr, stop := newTestServer(t, testConfig(), path)
	defer stop()

	sub, unsubscribe := srv.Subscribe(8)
	defer unsubscribe()

	resp := sendRequest(t, addr, wire.Message{Kind: wire.MsgTaskRun, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: "dump"},
		{Kind: wire.TokenVar, Value: "DEBUG=1"},
	}})
	require.Equal(t, wire.MsgSuccess, resp.Kind)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-sub:
			if msg.Kind == wire.MsgPrintOut {
				assert.Equal(t, "DEBUG=1", msg.Tokens[1].Value)
				return
			}
		case <-timeout:
			t.Fatal("did not observe task output in time")
		}
	}
}
