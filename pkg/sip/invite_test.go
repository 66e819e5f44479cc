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
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/sipcore/referd/pkg/channel"
)

func newInviteRequest(t *testing.T, replaces string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "referd", Host: "pbx.example.com"})
	from := &sip.FromHeader{Address: sip.Uri{User: "carol", Host: "client.example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", "carol-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "referd", Host: "pbx.example.com"}, Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-carol")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(testOffer))
	if replaces != "" {
		req.AppendHeader(sip.NewHeader("Replaces", replaces))
	}
	return req
}

func TestInviteNoReplaces(t *testing.T) {
	s := newTestServer(t, nil)
	sess, _ := newTestSession(t, s, "carol", "call-carol", "clt", "crt")

	tx := &testTx{}
	handled := s.HandleInviteReplaces(context.Background(), sess, newInviteRequest(t, ""), tx)
	require.False(t, handled)
	require.Empty(t, tx.Responses())
}

func TestInviteBadReplaces(t *testing.T) {
	s := newTestServer(t, nil)
	sess, _ := newTestSession(t, s, "carol", "call-carol", "clt", "crt")
	ch := sess.Channel()

	tx := &testTx{}
	handled := s.HandleInviteReplaces(context.Background(), sess, newInviteRequest(t, ";broken"), tx)
	require.True(t, handled)
	res := tx.Responses()
	require.Len(t, res, 1)
	require.Equal(t, 400, res[0].StatusCode)

	// The rejected INVITE's session does not outlive the response.
	require.Nil(t, s.registry.ByLocalTag(sess.LocalTag()))
	require.True(t, ch.IsDestroyed())
}

func TestInviteReplacesNoDialog(t *testing.T) {
	s := newTestServer(t, nil)
	sess, _ := newTestSession(t, s, "carol", "call-carol", "clt", "crt")
	ch := sess.Channel()

	tx := &testTx{}
	handled := s.HandleInviteReplaces(context.Background(), sess, newInviteRequest(t, "nope;to-tag=x;from-tag=y"), tx)
	require.True(t, handled)
	res := tx.Responses()
	require.Len(t, res, 1)
	require.Equal(t, 481, res[0].StatusCode)
	require.Nil(t, s.registry.ByLocalTag(sess.LocalTag()))
	require.True(t, ch.IsDestroyed())
}

func TestInviteReplacesNoDialogViaServer(t *testing.T) {
	s := newTestServer(t, nil)

	req := newInviteRequest(t, "nope;to-tag=x;from-tag=y")
	tx := &testServerTransaction{req: req}
	s.onInvite(req, tx)

	res := tx.Responses()
	require.Len(t, res, 1)
	require.Equal(t, 481, res[0].StatusCode)
	// No session, channel, or serializer is left behind.
	require.Empty(t, s.registry.All())
}

func TestInviteReplacesSwapsBridge(t *testing.T) {
	s := newTestServer(t, nil)
	sessB, _ := newTestSession(t, s, "bob", "call-b", "blt", "brt")
	peer := channel.New("SIP/peer")
	peer.Answer()
	_, err := s.bridges.Connect(sessB.Channel(), peer)
	require.NoError(t, err)
	oldCh := sessB.Channel()

	sessC, _ := newTestSession(t, s, "carol", "call-carol", "clt", "crt")

	tx := &testTx{}
	handled := s.HandleInviteReplaces(context.Background(), sessC, newInviteRequest(t, replacesFor(sessB)), tx)
	require.True(t, handled)
	res := tx.Responses()
	require.Len(t, res, 1)
	require.Equal(t, 200, res[0].StatusCode)
	require.NotEmpty(t, res[0].Body())
	require.Equal(t, "application/sdp", res[0].GetHeader("Content-Type").Value())

	// The new leg takes the replaced leg's slot next to the peer.
	br := s.bridges.BridgeOf(peer)
	require.NotNil(t, br)
	require.Equal(t, br, s.bridges.BridgeOf(sessC.Channel()))
	require.Nil(t, s.bridges.BridgeOf(oldCh))
	require.True(t, oldCh.IsDestroyed())

	// The replaced session is torn down once the takeover is answered.
	require.Eventually(t, func() bool {
		return s.registry.ByLocalTag(sessB.LocalTag()) == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestInviteReplacesUnbridged(t *testing.T) {
	s := newTestServer(t, nil)
	sessB, _ := newTestSession(t, s, "bob", "call-b", "blt", "brt")
	oldCh := sessB.Channel()
	sessC, _ := newTestSession(t, s, "carol", "call-carol", "clt", "crt")

	tx := &testTx{}
	handled := s.HandleInviteReplaces(context.Background(), sessC, newInviteRequest(t, replacesFor(sessB)), tx)
	require.True(t, handled)
	res := tx.Responses()
	require.Len(t, res, 1)
	require.Equal(t, 200, res[0].StatusCode)
	require.NotEmpty(t, res[0].Body())
	require.Equal(t, channel.StateUp, sessC.Channel().State())

	// Even without a bridge the replaced leg is taken out of service: the
	// takeover leaves exactly one live channel for the dialog.
	require.True(t, oldCh.IsDestroyed())
	require.False(t, sessC.Channel().IsDestroyed())

	require.Eventually(t, func() bool {
		return s.registry.ByLocalTag(sessB.LocalTag()) == nil
	}, 3*time.Second, 10*time.Millisecond)
}
