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

package bridge

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sipcore/referd/pkg/channel"
)

// Result is the outcome of a transfer primitive.
type Result int

const (
	TransferInvalid = Result(iota)
	TransferNotPermitted
	TransferFail
	TransferSuccess
)

func (r Result) String() string {
	switch r {
	case TransferNotPermitted:
		return "not_permitted"
	case TransferFail:
		return "fail"
	case TransferSuccess:
		return "success"
	}
	return "invalid"
}

// Policy may veto a transfer of the given channel.
type Policy func(ch *channel.Channel) bool

// BlindCallback runs on the channel created by a blind transfer before it
// starts routing, while nothing else can observe it.
type BlindCallback func(newChan *channel.Channel)

// SetPolicy installs a transfer policy. A nil policy permits everything.
func (c *Core) SetPolicy(p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

func (c *Core) permittedLocked(ch *channel.Channel) bool {
	return c.policy == nil || c.policy(ch)
}

// AttendedTransfer joins the peers of the transferer's two legs into one
// bridge, releasing both transferer legs from their bridges.
func (c *Core) AttendedTransfer(transferer, second *channel.Channel) Result {
	if transferer == nil || second == nil || transferer == second ||
		transferer.IsDestroyed() || second.IsDestroyed() {
		return TransferInvalid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.permittedLocked(transferer) || !c.permittedLocked(second) {
		return TransferNotPermitted
	}
	peerA := c.peerLocked(transferer)
	peerB := c.peerLocked(second)
	if peerA == nil || peerB == nil {
		return TransferFail
	}
	br := c.newBridgeLocked()
	c.joinLocked(br, peerA)
	c.joinLocked(br, peerB)
	c.leaveLocked(transferer)
	c.leaveLocked(second)
	c.log.Debugw("attended transfer complete",
		"bridgeID", br.id, "peerA", peerA.Name(), "peerB", peerB.Name())
	return TransferSuccess
}

// BlindTransfer replaces the transferer's leg with a new channel routed to
// exten in the given dialplan context. The callback sees the new channel
// before it is placed.
func (c *Core) BlindTransfer(transferer *channel.Channel, exten, context string, cb BlindCallback) Result {
	if transferer == nil || transferer.IsDestroyed() || exten == "" {
		return TransferInvalid
	}
	c.mu.Lock()
	permitted := c.permittedLocked(transferer)
	c.mu.Unlock()
	if !permitted {
		return TransferNotPermitted
	}

	name := fmt.Sprintf("Local/%s@%s-%s", exten, context, uuid.NewString()[:8])
	newChan := channel.New(name)
	newChan.SetState(channel.StateRing)
	if cb != nil {
		cb(newChan)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if peer := c.peerLocked(transferer); peer != nil {
		br := c.byChan[transferer]
		c.leaveLocked(transferer)
		c.joinLocked(br, newChan)
	}
	c.log.Debugw("blind transfer placed",
		"from", transferer.Name(), "to", newChan.Name())
	return TransferSuccess
}
