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

package dpatcherr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCode(t *testing.T) {
	err := New("workspace.Load", TaskNotFound, "task \"build\" not found")
	assert.True(t, IsCode(err, TaskNotFound))
	assert.False(t, IsCode(err, StoreFull))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("no such file or directory")
	wrapped := Wrap("launcher.exec", ForkFailed, cause)
	require.Error(t, wrapped)
	assert.True(t, IsCode(wrapped, ForkFailed))
	assert.ErrorContains(t, wrapped, "no such file or directory")
}

func TestIsComparesByCodeNotMessage(t *testing.T) {
	a := New("a.Op", StoreFull, "process store capacity reached")
	b := New("b.Op", StoreFull, "task store capacity reached")
	assert.True(t, errors.Is(a, b))

	c := New("c.Op", Timeout, "process store capacity reached")
	assert.False(t, errors.Is(a, c))
}

func TestWrapNilReturnsNil(t *testing.T) {
	var err *Error = Wrap("op", Timeout, nil)
	assert.Nil(t, err)
}
