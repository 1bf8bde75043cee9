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

	"dpatch/internal/wire"
)

// broadcast writes msg to every currently-accepted client socket and to any
// admin WebSocket subscribers. A per-socket send failure is logged and
// otherwise ignored: the client's slot is left in place, and the next read
// on it (or its own send timeout) is what ultimately discovers it is gone.
// There is no ignore-socket parameter here because a client that triggered
// a synchronous response (TaskRun/WorkspaceSet) is already closed and
// removed by respond() before any asynchronous PrintOut/TaskComplete for
// that same task can be generated.
func (s *Server) broadcast(msg wire.Message) {
	buf := wire.Encode(msg)
	s.clients.Each(func(idx int, c *clientConn) bool {
		c.conn.SetWriteDeadline(time.Now().Add(s.cfg.SockTimeout))
		if _, err := c.conn.Write(buf); err != nil {
			s.log.Warnf("fan-out send to client %d failed: %v", idx, err)
		}
		return true
	})
	s.publish(msg)
}
