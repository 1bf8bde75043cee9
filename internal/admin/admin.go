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

// Package admin implements dpatch's optional HTTP/WebSocket/metrics status
// surface: an HTML task list, a small JSON API, a live log WebSocket, and
// Prometheus metrics. None of it is required by the TCP wire protocol;
// the server runs with it disabled (empty bind address).
package admin

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"dpatch/internal/dpatcherr"
	"dpatch/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewRouter builds the admin surface's gin.Engine around srv.
func NewRouter(srv *server.Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", statusPage(srv))
	r.GET("/api/tasks", apiTasks(srv))
	r.GET("/api/processes", apiProcesses(srv))
	r.POST("/api/workspace", apiSetWorkspace(srv))
	r.GET("/api/log", apiLog(srv))
	r.GET("/ws/log", wsLog(srv))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(newRegistry(srv), promhttp.HandlerOpts{})))

	return r
}

func writerf(w io.Writer) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		fmt.Fprintf(w, format, args...)
	}
}

func statusPage(srv *server.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		snap, err := srv.Snapshot(ctx)
		if err != nil {
			c.String(http.StatusServiceUnavailable, "server not responding")
			return
		}

		var buf bytes.Buffer
		p := writerf(&buf)
		p("<html><head><title>dpatch</title></head>")
		p("<body><h1>dpatch status</h1>")
		if snap.Workspace != "" {
			p("<p>workspace: %s</p>", html.EscapeString(snap.Workspace))
		} else {
			p("<p>no workspace configured</p>")
		}

		p("<h2>running tasks</h2><ul>\n")
		for _, proc := range snap.Processes {
			p("<li>%s: pid=%d elapsed=%s</li>\n", html.EscapeString(proc.Name), proc.Pid, proc.Elapsed.Round(time.Second))
		}
		p("</ul>\n")

		p("<h2>queued tasks</h2><ul>\n")
		for _, q := range snap.Queue {
			p("<li>%s (waiting for %s)</li>\n", html.EscapeString(q.Name), html.EscapeString(q.Wait))
		}
		p("</ul>\n")

		p("<h2>connected clients</h2><p>%d</p>\n", snap.Clients)
		p("<h2>log</h2><pre>%s</pre>\n", html.EscapeString(srv.LogTail()))
		p("</body></html>\n")

		c.Header("Content-Type", "text/html")
		c.Writer.WriteHeader(http.StatusOK)
		io.Copy(c.Writer, &buf)
	}
}

type processJSON struct {
	Name           string  `json:"name"`
	Pid            int     `json:"pid"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type queueJSON struct {
	Name string `json:"name"`
	Wait string `json:"wait"`
}

type tasksResponse struct {
	Workspace string        `json:"workspace"`
	Active    []processJSON `json:"active"`
	Queued    []queueJSON   `json:"queued"`
	Clients   int           `json:"clients"`
}

func snapshotOrErr(c *gin.Context, srv *server.Server) (server.Snapshot, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	snap, err := srv.Snapshot(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server not responding"})
		return server.Snapshot{}, false
	}
	return snap, true
}

func apiTasks(srv *server.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, ok := snapshotOrErr(c, srv)
		if !ok {
			return
		}
		resp := tasksResponse{Workspace: snap.Workspace, Clients: snap.Clients}
		for _, p := range snap.Processes {
			resp.Active = append(resp.Active, processJSON{Name: p.Name, Pid: p.Pid, ElapsedSeconds: p.Elapsed.Seconds()})
		}
		for _, q := range snap.Queue {
			resp.Queued = append(resp.Queued, queueJSON{Name: q.Name, Wait: q.Wait})
		}
		writeJSON(c, http.StatusOK, resp)
	}
}

func apiProcesses(srv *server.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, ok := snapshotOrErr(c, srv)
		if !ok {
			return
		}
		procs := make([]processJSON, 0, len(snap.Processes))
		for _, p := range snap.Processes {
			procs = append(procs, processJSON{Name: p.Name, Pid: p.Pid, ElapsedSeconds: p.Elapsed.Seconds()})
		}
		writeJSON(c, http.StatusOK, procs)
	}
}

func writeJSON(c *gin.Context, status int, v interface{}) {
	body, err := jsonAPI.Marshal(v)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json; charset=utf-8", body)
}

// apiLog lists the retained recent system-log lines, the JSON counterpart
// of the status page's log section.
func apiLog(srv *server.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		lines := srv.LogLines()
		if lines == nil {
			lines = []string{}
		}
		writeJSON(c, http.StatusOK, gin.H{"lines": lines})
	}
}

type workspaceRequest struct {
	Path string `json:"path"`
}

// apiSetWorkspace switches the active workspace, the admin-side equivalent
// of a WorkspaceSet request over the TCP socket.
func apiSetWorkspace(srv *server.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		var req workspaceRequest
		if err != nil || jsonAPI.Unmarshal(body, &req) != nil || req.Path == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": `body must be {"path": "..."}`})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := srv.SetWorkspace(ctx, req.Path); err != nil {
			c.AbortWithStatusJSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, gin.H{"workspace": req.Path})
	}
}

// statusForError maps the wire-level error taxonomy onto HTTP statuses
// rather than inventing a parallel HTTP error vocabulary.
func statusForError(err error) int {
	switch {
	case dpatcherr.IsCode(err, dpatcherr.TaskNotFound):
		return http.StatusNotFound
	case dpatcherr.IsCode(err, dpatcherr.WorkspaceUnreadable):
		return http.StatusBadRequest
	case dpatcherr.IsCode(err, dpatcherr.StoreFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type logLine struct {
	Kind   string   `json:"kind"`
	Tokens []string `json:"tokens"`
}

// wsLog streams the same fan-out stream TCP clients observe
// (PrintOut/PrintErr/TaskComplete) as line-delimited JSON over a WebSocket,
// for a live tail in a browser.
func wsLog(srv *server.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub, unsubscribe := srv.Subscribe(32)
		defer unsubscribe()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg, ok := <-sub:
				if !ok {
					return
				}
				tokens := make([]string, len(msg.Tokens))
				for i, t := range msg.Tokens {
					tokens[i] = t.Value
				}
				body, err := jsonAPI.Marshal(logLine{Kind: msg.Kind.String(), Tokens: tokens})
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
					return
				}
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}

var (
	launchedDesc  = prometheus.NewDesc("dpatch_tasks_launched_total", "Total tasks launched.", nil, nil)
	completedDesc = prometheus.NewDesc("dpatch_tasks_completed_total", "Total tasks completed, by status.", []string{"status"}, nil)
	activeDesc    = prometheus.NewDesc("dpatch_tasks_active", "Currently running tasks.", nil, nil)
	queuedDesc    = prometheus.NewDesc("dpatch_tasks_queued", "Tasks waiting on their wait dependency.", nil, nil)
	clientsDesc   = prometheus.NewDesc("dpatch_clients_connected", "Currently accepted TCP clients.", nil, nil)
)

type collector struct {
	srv *server.Server
}

func newRegistry(srv *server.Server) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(&collector{srv: srv})
	return reg
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- launchedDesc
	ch <- completedDesc
	ch <- activeDesc
	ch <- queuedDesc
	ch <- clientsDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	launched, completed, failed := c.srv.Metrics()
	ch <- prometheus.MustNewConstMetric(launchedDesc, prometheus.CounterValue, float64(launched))
	ch <- prometheus.MustNewConstMetric(completedDesc, prometheus.CounterValue, float64(completed), "success")
	ch <- prometheus.MustNewConstMetric(completedDesc, prometheus.CounterValue, float64(failed), "failure")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.srv.Snapshot(ctx)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(activeDesc, prometheus.GaugeValue, float64(len(snap.Processes)))
	ch <- prometheus.MustNewConstMetric(queuedDesc, prometheus.GaugeValue, float64(len(snap.Queue)))
	ch <- prometheus.MustNewConstMetric(clientsDesc, prometheus.GaugeValue, float64(snap.Clients))
}
