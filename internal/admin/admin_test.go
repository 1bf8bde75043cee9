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

package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dpatch/internal/logbuf"
	"dpatch/internal/server"
	"dpatch/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, workspacePath string) (*server.Server, string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := server.DefaultConfig()
	srv := server.New(cfg, logbuf.New(nil, logbuf.LevelWarn, true), workspacePath)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx, ln)
	}()
	return srv, ln.Addr().String(), func() {
		cancel()
		ln.Close()
		<-done
	}
}

func writeWorkspace(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workspace.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func runTask(t *testing.T, tcpAddr, name string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", tcpAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write(wire.Encode(wire.Message{Kind: wire.MsgTaskRun, Tokens: []wire.Token{
		{Kind: wire.TokenArg, Value: name},
	}}))
	require.NoError(t, err)
}

func TestStatusPageRendersWithoutWorkspace(t *testing.T) {
	srv, _, stop := newTestServer(t, "")
	defer stop()

	ts := httptest.NewServer(NewRouter(srv))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dpatch status")
	assert.Contains(t, string(body), "no workspace configured")
}

func TestAPITasksReturnsJSON(t *testing.T) {
	srv, _, stop := newTestServer(t, "")
	defer stop()

	ts := httptest.NewServer(NewRouter(srv))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload tasksResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 0, payload.Clients)
	assert.Empty(t, payload.Active)
}

func TestMetricsExposesPrometheusFormat(t *testing.T) {
	srv, _, stop := newTestServer(t, "")
	defer stop()

	ts := httptest.NewServer(NewRouter(srv))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dpatch_tasks_active")
	assert.Contains(t, string(body), "dpatch_clients_connected")
}

func TestAPILogReturnsRecentLines(t *testing.T) {
	srv, _, stop := newTestServer(t, "")
	defer stop()

	ts := httptest.NewServer(NewRouter(srv))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/log")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.NotNil(t, payload.Lines)
}

func TestAPISetWorkspace(t *testing.T) {
	srv, _, stop := newTestServer(t, "")
	defer stop()

	ts := httptest.NewServer(NewRouter(srv))
	defer ts.Close()

	path := writeWorkspace(t, "[a]\ncmd = echo a\n")
	resp, err := http.Post(ts.URL+"/api/workspace", "application/json",
		strings.NewReader(`{"path": "`+path+`"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/workspace", "application/json",
		strings.NewReader(`{"path": "/nonexistent/workspace.ini"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketLogTailReceivesFanOut(t *testing.T) {
	path := writeWorkspace(t, "[greet]\ncmd = echo hello\n")
	srv, tcpAddr, stop := newTestServer(t, path)
	defer stop()

	ts := httptest.NewServer(NewRouter(srv))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/log"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond) // let the handler finish subscribing
	runTask(t, tcpAddr, "greet")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var line logLine
	for {
		require.NoError(t, conn.ReadJSON(&line))
		if line.Kind == "PrintOut" {
			break
		}
	}
	require.Len(t, line.Tokens, 2)
	assert.Equal(t, "greet", line.Tokens[0])
	assert.Equal(t, "hello", line.Tokens[1])
}
