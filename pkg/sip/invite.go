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

	"github.com/emiago/sipgo/sip"

	"github.com/sipcore/referd/pkg/bridge"
	"github.com/sipcore/referd/pkg/channel"
	"github.com/sipcore/referd/pkg/errors"
	"github.com/sipcore/referd/pkg/stats"
)

// failInviteReplaces answers a failed takeover and tears the freshly created
// session down with it, so no channel or serializer outlives the rejected
// INVITE.
func (s *Server) failInviteReplaces(sess *Session, req *sip.Request, tx Responder, err error) {
	respond(tx, req, errors.StatusCode(err))
	sess.Close()
}

// HandleInviteReplaces completes an attended transfer signalled out of
// dialog: an INVITE carrying a Replaces header takes over the bridge slot of
// the session it names. Returns false when the INVITE has no Replaces header
// and normal INVITE handling should proceed.
func (s *Server) HandleInviteReplaces(ctx context.Context, sess *Session, req *sip.Request, tx Responder) bool {
	h := req.GetHeader("Replaces")
	if h == nil {
		return false
	}
	log := sess.Logger()

	info, err := ParseReplaces(h.Value())
	if err != nil {
		log.Infow("cannot parse Replaces on INVITE", "error", err)
		s.failInviteReplaces(sess, req, tx, errors.Validation("malformed Replaces header"))
		return true
	}
	other := s.registry.FindByReplaces(info)
	if other == nil {
		log.Infow("no dialog matching Replaces", "replacesCallID", info.CallID)
		s.failInviteReplaces(sess, req, tx, errors.NoSuchDialog("no dialog matching Replaces"))
		return true
	}
	log = log.WithValues("replacedCallID", other.CallID())

	// The replaced session owns its channel and bridge membership, so both
	// are fetched on its serializer.
	var (
		otherCh *channel.Channel
		br      *bridge.Bridge
	)
	err = other.serializer.SubmitSync(ctx, func() error {
		otherCh = other.Channel()
		if otherCh != nil {
			br = s.bridges.BridgeOf(otherCh)
		}
		return nil
	})
	if err != nil || otherCh == nil {
		log.Warnw("cannot fetch replaced channel", err)
		s.failInviteReplaces(sess, req, tx, errors.Execution("replaced channel unavailable"))
		return true
	}

	answer, err := answerSDP(req.Body())
	if err != nil {
		log.Infow("cannot answer SDP offer on Replaces INVITE", "error", err)
		respond(tx, req, 488)
		sess.Close()
		return true
	}

	ch := sess.Channel()
	if ch != nil {
		ch.Answer()
	}
	if err := s.bridges.Move(otherCh, ch); err != nil {
		log.Warnw("cannot take over replaced leg", err)
		s.failInviteReplaces(sess, req, tx, errors.Execution("cannot take over replaced leg"))
		return true
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	if rto := res.To(); rto != nil {
		if rto.Params == nil {
			rto.Params = sip.NewParams()
		}
		rto.Params.Add("tag", string(sess.LocalTag()))
	}
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	_ = tx.Respond(res)
	if s.mon != nil {
		s.mon.ReferReq(stats.TransferReplaces)
	}

	// Tear the replaced session down after the transaction completes so
	// its side sees the takeover before the BYE.
	other.DeferTerminate()
	go other.Close()
	log.Infow("replaced session", "bridged", br != nil)
	return true
}
