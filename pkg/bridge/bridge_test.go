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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sipcore/referd/pkg/channel"
)

func TestConnectAndPeer(t *testing.T) {
	c := NewCore(nil)
	a := channel.New("a")
	b := channel.New("b")
	defer a.Unref()
	defer b.Unref()

	br, err := c.Connect(a, b)
	require.NoError(t, err)
	require.Equal(t, 2, br.Len())
	require.Same(t, br, c.BridgeOf(a))
	require.Same(t, br, c.BridgeOf(b))
}

func TestAttendedTransfer(t *testing.T) {
	c := NewCore(nil)
	// Transferer leg1 bridged with alice, leg2 bridged with bob.
	leg1 := channel.New("leg1")
	leg2 := channel.New("leg2")
	alice := channel.New("alice")
	bob := channel.New("bob")
	_, err := c.Connect(leg1, alice)
	require.NoError(t, err)
	_, err = c.Connect(leg2, bob)
	require.NoError(t, err)

	res := c.AttendedTransfer(leg1, leg2)
	require.Equal(t, TransferSuccess, res)

	// Alice and bob end up bridged together; both transferer legs are out.
	br := c.BridgeOf(alice)
	require.NotNil(t, br)
	require.Same(t, br, c.BridgeOf(bob))
	require.Nil(t, c.BridgeOf(leg1))
	require.Nil(t, c.BridgeOf(leg2))
}

func TestAttendedTransferInvalid(t *testing.T) {
	c := NewCore(nil)
	a := channel.New("a")
	defer a.Unref()
	require.Equal(t, TransferInvalid, c.AttendedTransfer(nil, a))
	require.Equal(t, TransferInvalid, c.AttendedTransfer(a, a))

	dead := channel.New("dead")
	dead.Hangup()
	require.Equal(t, TransferInvalid, c.AttendedTransfer(a, dead))
}

func TestAttendedTransferUnbridged(t *testing.T) {
	c := NewCore(nil)
	a := channel.New("a")
	b := channel.New("b")
	defer a.Unref()
	defer b.Unref()
	require.Equal(t, TransferFail, c.AttendedTransfer(a, b))
}

func TestTransferPolicy(t *testing.T) {
	c := NewCore(nil)
	c.SetPolicy(func(ch *channel.Channel) bool { return ch.Name() != "blocked" })

	blocked := channel.New("blocked")
	other := channel.New("other")
	defer blocked.Unref()
	defer other.Unref()

	require.Equal(t, TransferNotPermitted, c.AttendedTransfer(blocked, other))
	require.Equal(t, TransferNotPermitted, c.BlindTransfer(blocked, "100", "default", nil))
}

func TestBlindTransferSwapsLeg(t *testing.T) {
	c := NewCore(nil)
	leg := channel.New("leg")
	alice := channel.New("alice")
	br, err := c.Connect(leg, alice)
	require.NoError(t, err)

	var placed *channel.Channel
	res := c.BlindTransfer(leg, "100", "default", func(newChan *channel.Channel) {
		placed = newChan
	})
	require.Equal(t, TransferSuccess, res)
	require.NotNil(t, placed)
	require.Equal(t, channel.StateRing, placed.State())

	require.Nil(t, c.BridgeOf(leg))
	require.Same(t, br, c.BridgeOf(placed))
	require.Same(t, br, c.BridgeOf(alice))
}

func TestMoveBridged(t *testing.T) {
	c := NewCore(nil)
	old := channel.New("old")
	peer := channel.New("peer")
	n := channel.New("n")
	defer peer.Unref()
	defer n.Unref()

	br, err := c.Connect(old, peer)
	require.NoError(t, err)

	require.NoError(t, c.Move(old, n))
	require.Same(t, br, c.BridgeOf(n))
	require.Same(t, br, c.BridgeOf(peer))
	require.Nil(t, c.BridgeOf(old))
	require.True(t, old.IsDestroyed())
}

func TestMoveStandalone(t *testing.T) {
	c := NewCore(nil)
	old := channel.New("old")
	n := channel.New("n")
	defer n.Unref()

	// Nothing to rejoin, but the replaced leg still goes down.
	require.NoError(t, c.Move(old, n))
	require.Nil(t, c.BridgeOf(n))
	require.True(t, old.IsDestroyed())
	require.False(t, n.IsDestroyed())
}

func TestMoveDestroyed(t *testing.T) {
	c := NewCore(nil)
	old := channel.New("old")
	defer old.Unref()

	dead := channel.New("dead")
	dead.Hangup()
	require.ErrorIs(t, c.Move(old, dead), ErrDestroyed)
	require.ErrorIs(t, c.Move(old, nil), ErrDestroyed)
	require.False(t, old.IsDestroyed())
}

func TestImpartWithSwap(t *testing.T) {
	c := NewCore(nil)
	a := channel.New("a")
	b := channel.New("b")
	n := channel.New("n")
	defer n.Unref()

	br, err := c.Connect(a, b)
	require.NoError(t, err)

	require.NoError(t, c.Impart(br, n, b))
	require.Same(t, br, c.BridgeOf(n))
	require.Nil(t, c.BridgeOf(b))
	require.Equal(t, 2, br.Len())

	require.ErrorIs(t, c.Impart(br, channel.New("x"), b), ErrNotInBridge)
}
