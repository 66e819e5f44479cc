// Copyright 2024 The referd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package channel implements the call-leg abstraction transfers operate on:
// a refcounted channel with variables and an observable outbound frame path.
package channel

import (
	"sync"
	"sync/atomic"

	"github.com/frostbyte73/core"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

var ErrDestroyed = errors.New("channel destroyed")

// State of a channel leg.
type State int32

const (
	StateDown = State(iota)
	StateRing
	StateUp
)

// Hook taps frames written to the channel. OnFrame runs on the media path
// and must not block. OnDestroy fires exactly once, on detach or on channel
// teardown, whichever comes first.
type Hook struct {
	OnFrame   func(ch *Channel, f *Frame) *Frame
	OnDestroy func()
}

type hookEntry struct {
	id int
	h  Hook
}

type Channel struct {
	name string

	refs      atomic.Int32
	state     atomic.Int32
	destroyed core.Fuse

	mu       sync.Mutex
	vars     map[string]string
	hooks    []hookEntry
	nextHook int
}

// New creates a channel holding one reference for the caller.
func New(name string) *Channel {
	c := &Channel{
		name: name,
		vars: make(map[string]string),
	}
	c.refs.Store(1)
	return c
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) State() State { return State(c.state.Load()) }

func (c *Channel) SetState(s State) { c.state.Store(int32(s)) }

// Answer moves the channel up, as a raw answer with no media negotiation.
func (c *Channel) Answer() { c.SetState(StateUp) }

// Ref takes an additional counted reference and returns the channel for
// chaining.
func (c *Channel) Ref() *Channel {
	c.refs.Add(1)
	return c
}

// Unref drops one reference. The last drop tears the channel down.
func (c *Channel) Unref() {
	if c.refs.Add(-1) == 0 {
		c.Hangup()
	}
}

// Hangup tears the channel down: every attached hook's OnDestroy fires and
// further writes are discarded. Idempotent; references may still be held
// afterwards.
func (c *Channel) Hangup() {
	c.destroyed.Once(func() {
		c.mu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()
		for _, e := range hooks {
			if e.h.OnDestroy != nil {
				e.h.OnDestroy()
			}
		}
	})
}

func (c *Channel) IsDestroyed() bool { return c.destroyed.IsBroken() }

// SetVariable sets a channel variable visible to downstream routing.
func (c *Channel) SetVariable(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

// Variable returns a channel variable, or empty string if unset.
func (c *Channel) Variable(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars[name]
}

// AttachHook inserts a frame hook into the write path and returns its id.
func (c *Channel) AttachHook(h Hook) (int, error) {
	if h.OnFrame == nil {
		return -1, errors.New("hook has no frame callback")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed.IsBroken() {
		return -1, ErrDestroyed
	}
	id := c.nextHook
	c.nextHook++
	c.hooks = append(c.hooks, hookEntry{id: id, h: h})
	return id, nil
}

// DetachHook removes a hook and fires its OnDestroy. Unknown ids are
// ignored; a hook may detach itself from inside OnFrame.
func (c *Channel) DetachHook(id int) {
	c.mu.Lock()
	var h Hook
	found := false
	for i, e := range c.hooks {
		if e.id == id {
			h = e.h
			found = true
			c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if found && h.OnDestroy != nil {
		h.OnDestroy()
	}
}

// WriteFrame pushes a frame through the channel's outbound path. Hooks see
// it in attach order; a hook may replace the frame. Frames written after
// hangup are dropped.
func (c *Channel) WriteFrame(f *Frame) *Frame {
	if f == nil || c.destroyed.IsBroken() {
		return f
	}
	c.mu.Lock()
	hooks := make([]hookEntry, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()
	for _, e := range hooks {
		if out := e.h.OnFrame(c, f); out != nil {
			f = out
		}
	}
	return f
}

// WriteRTP feeds an RTP packet into the write path as a voice frame.
func (c *Channel) WriteRTP(p *rtp.Packet) {
	c.WriteFrame(VoiceFromRTP(p))
}
