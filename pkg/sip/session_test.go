// Copyright 2024 The referd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryFindByReplaces(t *testing.T) {
	s := newTestServer(t, nil)
	sess, _ := newTestSession(t, s, "alice", "call-1", "lt1", "rt1")

	require.Equal(t, sess, s.registry.FindByReplaces(&ReplacesInfo{
		CallID: "call-1", ToTag: "lt1", FromTag: "rt1",
	}))
	require.Nil(t, s.registry.FindByReplaces(&ReplacesInfo{
		CallID: "call-2", ToTag: "lt1", FromTag: "rt1",
	}))
	require.Nil(t, s.registry.FindByReplaces(&ReplacesInfo{
		CallID: "call-1", ToTag: "other", FromTag: "rt1",
	}))
	// Tags reversed relative to the dialog do not match.
	require.Nil(t, s.registry.FindByReplaces(&ReplacesInfo{
		CallID: "call-1", ToTag: "rt1", FromTag: "lt1",
	}))
}

func TestRegistryLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	sessA, _ := newTestSession(t, s, "alice", "call-a", "alt", "art")
	sessB, _ := newTestSession(t, s, "bob", "call-b", "blt", "brt")

	require.Len(t, s.registry.All(), 2)
	require.Equal(t, sessA, s.registry.ByLocalTag("alt"))

	sessA.Close()
	require.Nil(t, s.registry.ByLocalTag("alt"))
	require.Equal(t, []*Session{sessB}, s.registry.All())
}

func TestSessionCloseIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	sess, _ := newTestSession(t, s, "alice", "call-1", "lt1", "rt1")
	ch := sess.Channel()

	sess.Close()
	sess.Close()
	require.Nil(t, sess.Channel())
	require.True(t, ch.IsDestroyed())
}

func TestSessionDeferredTerminate(t *testing.T) {
	s := newTestServer(t, nil)
	sess, _ := newTestSession(t, s, "alice", "call-1", "lt1", "rt1")

	require.False(t, sess.takeDeferredTerminate())
	sess.DeferTerminate()
	require.True(t, sess.takeDeferredTerminate())
	// The flag is consumed by the read.
	require.False(t, sess.takeDeferredTerminate())
}
