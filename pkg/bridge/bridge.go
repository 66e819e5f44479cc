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

// Package bridge implements media bridges and the transfer primitives that
// move channels between them.
package bridge

import (
	"sync"

	"github.com/google/uuid"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	"github.com/sipcore/referd/pkg/channel"
)

var (
	ErrNotInBridge = errors.New("channel not in a bridge")
	ErrDestroyed   = errors.New("channel destroyed")
)

// Bridge joins two or more channels' media paths.
type Bridge struct {
	id    string
	core  *Core
	chans []*channel.Channel
}

func (b *Bridge) ID() string { return b.id }

// Channels returns the current members. Callers must not retain the slice.
func (b *Bridge) Channels() []*channel.Channel {
	b.core.mu.Lock()
	defer b.core.mu.Unlock()
	out := make([]*channel.Channel, len(b.chans))
	copy(out, b.chans)
	return out
}

func (b *Bridge) Len() int {
	b.core.mu.Lock()
	defer b.core.mu.Unlock()
	return len(b.chans)
}

// Core owns all bridges and channel membership. All bridge mutation goes
// through it.
type Core struct {
	log logger.Logger

	mu     sync.Mutex
	byChan map[*channel.Channel]*Bridge
	policy Policy
}

func NewCore(log logger.Logger) *Core {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Core{
		log:    log,
		byChan: make(map[*channel.Channel]*Bridge),
	}
}

// BridgeOf returns the bridge a channel is in, or nil.
func (c *Core) BridgeOf(ch *channel.Channel) *Bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byChan[ch]
}

// Connect puts two standalone channels into a fresh bridge.
func (c *Core) Connect(a, b *channel.Channel) (*Bridge, error) {
	if a.IsDestroyed() || b.IsDestroyed() {
		return nil, ErrDestroyed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	br := c.newBridgeLocked()
	c.joinLocked(br, a)
	c.joinLocked(br, b)
	return br, nil
}

// Impart adds a channel to an existing bridge, optionally swapping out
// another member in the same operation.
func (c *Core) Impart(b *Bridge, ch, swap *channel.Channel) error {
	if ch.IsDestroyed() {
		return ErrDestroyed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if swap != nil {
		if c.byChan[swap] != b {
			return ErrNotInBridge
		}
		c.leaveLocked(swap)
	}
	c.joinLocked(b, ch)
	return nil
}

// Move replaces old with a new channel: the new channel takes over old's
// bridge slot when it has one, and old is hung up either way. This is the
// primitive behind dialog takeover, where the replaced leg must go away even
// when it was never bridged.
func (c *Core) Move(old, ch *channel.Channel) error {
	if old == nil || ch == nil || ch.IsDestroyed() {
		return ErrDestroyed
	}
	if b := c.BridgeOf(old); b != nil {
		if err := c.Impart(b, ch, old); err != nil {
			return err
		}
	}
	old.Hangup()
	return nil
}

// Kick removes a channel from its bridge, dissolving the bridge when it
// becomes empty.
func (c *Core) Kick(ch *channel.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveLocked(ch)
}

func (c *Core) newBridgeLocked() *Bridge {
	return &Bridge{id: uuid.NewString(), core: c}
}

func (c *Core) joinLocked(b *Bridge, ch *channel.Channel) {
	if old := c.byChan[ch]; old != nil {
		c.removeLocked(old, ch)
	}
	b.chans = append(b.chans, ch.Ref())
	c.byChan[ch] = b
}

func (c *Core) leaveLocked(ch *channel.Channel) {
	b := c.byChan[ch]
	if b == nil {
		return
	}
	c.removeLocked(b, ch)
}

func (c *Core) removeLocked(b *Bridge, ch *channel.Channel) {
	for i, m := range b.chans {
		if m == ch {
			b.chans = append(b.chans[:i], b.chans[i+1:]...)
			break
		}
	}
	delete(c.byChan, ch)
	ch.Unref()
}

// peerLocked returns the other member of the channel's bridge, or nil when
// the channel is standalone.
func (c *Core) peerLocked(ch *channel.Channel) *channel.Channel {
	b := c.byChan[ch]
	if b == nil {
		return nil
	}
	for _, m := range b.chans {
		if m != ch {
			return m
		}
	}
	return nil
}
