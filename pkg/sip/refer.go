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
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sipcore/referd/pkg/bridge"
	"github.com/sipcore/referd/pkg/channel"
	"github.com/sipcore/referd/pkg/dialplan"
	"github.com/sipcore/referd/pkg/errors"
	"github.com/sipcore/referd/pkg/stats"
)

// Channel variables set on the leg a transfer creates. Downstream dial logic
// and the outgoing INVITE augmenter read them.
const (
	varTransfer         = "SIPTRANSFER"
	varReferringContext = "SIPREFERRINGCONTEXT"
	varReferredByHdr    = "SIPREFERREDBYHDR"
	varReplacesHdr      = "SIPREPLACESHDR"
	varReferToHdr       = "SIPREFERTOHDR"
)

func respond(tx Responder, req *sip.Request, code int, headers ...sip.Header) {
	res := sip.NewResponseFromRequest(req, code, reasonPhrase(code), nil)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	_ = tx.Respond(res)
}

// transferResultError maps a bridge transfer result onto the error taxonomy,
// which carries the SIP status reported to the transferer.
func transferResultError(res bridge.Result) error {
	switch res {
	case bridge.TransferSuccess:
		return nil
	case bridge.TransferInvalid:
		return errors.Validation("transfer legs invalid")
	case bridge.TransferNotPermitted:
		return errors.Forbidden("transfer not permitted")
	}
	return errors.Execution("transfer failed")
}

func transferResultCode(res bridge.Result) int {
	return errors.StatusCode(transferResultError(res))
}

// HandleRefer processes an in-dialog REFER on sess. It always answers the
// transaction exactly once: 202 up front when an implicit subscription is
// created, or a single final response when the transferer suppressed it.
func (s *Server) HandleRefer(ctx context.Context, sess *Session, req *sip.Request, tx Responder) {
	ctx, span := Tracer.Start(ctx, "Server.HandleRefer")
	defer span.End()
	if s.mon != nil {
		s.mon.ReferReqRaw()
	}
	log := sess.Logger()

	referTo := req.GetHeader("Refer-To")
	if referTo == nil {
		log.Infow("REFER without Refer-To")
		if s.mon != nil {
			s.mon.ReferError("no_refer_to")
		}
		respond(tx, req, 400)
		return
	}
	target, replaces, err := parseReferTo(referTo.Value())
	if err != nil {
		log.Infow("cannot parse Refer-To", "referTo", referTo.Value(), "error", err)
		if s.mon != nil {
			s.mon.ReferError("bad_refer_to")
		}
		respond(tx, req, 400)
		return
	}

	// RFC 4488: the transferer may ask us to skip the implicit
	// subscription. Anything but a "true" prefix counts as suppression.
	suppressed := false
	if h := req.GetHeader("Refer-Sub"); h != nil {
		suppressed = !strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value())), "true")
	}

	var referredBy string
	if h := req.GetHeader("Referred-By"); h != nil {
		referredBy = h.Value()
	}

	kind := stats.TransferBlind
	if replaces != "" {
		kind = stats.TransferAttended
	}

	var p *Progress
	if !suppressed {
		p = s.allocProgress(sess, req, kind)
		if p == nil {
			if s.mon != nil {
				s.mon.ReferError("alloc")
			}
			respond(tx, req, 500)
			return
		}
		respond(tx, req, 202, sip.NewHeader("Refer-Sub", "true"))
		// Initial progress so the transferer sees the subscription is
		// live before any transfer outcome.
		p.QueueNotify(SubStateActive, 100)
	}

	var dispatchErr error
	if replaces != "" {
		dispatchErr = s.referAttended(ctx, sess, target, replaces, referredBy, p)
	} else {
		dispatchErr = s.referBlind(ctx, sess, target.User, referredBy, p)
	}
	code := errors.StatusCode(dispatchErr)

	if s.mon != nil {
		if dispatchErr == nil {
			s.mon.ReferReq(kind)
		} else {
			s.mon.ReferError(errors.ClassOf(dispatchErr).String())
		}
	}

	if p != nil {
		// A failed dispatch ends the subscription right away. On
		// success the monitor keeps reporting: the framehook for blind
		// transfers, the attended task's own terminal for attended.
		if dispatchErr != nil {
			p.Terminal(code)
		}
		p.release()
		return
	}
	respond(tx, req, code, sip.NewHeader("Refer-Sub", "false"))
}

// allocProgress creates the transfer monitor and its implicit subscription.
// The caller owns one reference and must release it.
func (s *Server) allocProgress(sess *Session, req *sip.Request, kind stats.TransferKind) *Progress {
	// In-dialog requests go to the peer's contact; fall back to its From
	// address when the REFER carried none.
	target := req.From().Address
	if ct := req.Contact(); ct != nil {
		target = ct.Address
	}
	var tm *stats.TransferMonitor
	if s.mon != nil {
		tm = s.mon.NewTransfer(kind)
	}
	sub := newSubscription(sess.Logger(), sess, target, req.CSeq().SeqNo)
	p := newProgress(sess.Logger(), sess, sub, s.mon, tm)
	sess.setProgress(p)
	if age := s.conf.MaxSubscriptionAge; age > 0 {
		time.AfterFunc(time.Duration(age)*time.Second, func() {
			sub.Terminate(context.Background())
		})
	}
	return p
}

// referAttended resolves the Replaces target and queues the transfer onto the
// replaced session's serializer. The returned error only covers dispatch: the
// transfer outcome itself is reported through the subscription once the
// queued task runs. Queueing instead of waiting is what keeps two dialogs
// that REFER each other from deadlocking their serializers.
func (s *Server) referAttended(_ context.Context, sess *Session, target sip.Uri, replaces, referredBy string, p *Progress) error {
	info, err := ParseReplaces(replaces)
	if err != nil {
		sess.Logger().Infow("cannot parse Replaces in Refer-To", "error", err)
		return errors.Validation("malformed Replaces in Refer-To")
	}
	other := s.registry.FindByReplaces(info)
	if other == nil {
		// Not one of ours. Hand it to the dialplan as a blind transfer
		// if an external replaces extension is configured.
		if !s.dialplan.Exists(s.conf.TransferContext, dialplan.ExternalReplaces) {
			sess.Logger().Infow("no external replaces extension", "context", s.conf.TransferContext)
			return errors.NotFound("no extension for external Replaces")
		}
		vars := map[string]string{
			varReplacesHdr: info.String(),
			varReferToHdr:  target.String(),
		}
		return s.blindToExtension(sess, dialplan.ExternalReplaces, s.conf.TransferContext, referredBy, vars, p)
	}
	if other.Channel() == nil {
		sess.Logger().Infow("replaces target has no active channel", "otherCallID", other.CallID())
		return errors.Decline("replaces target has no active channel")
	}

	if p != nil {
		p.ref()
	}
	err = other.serializer.SubmitAsync(func() {
		result := s.bridges.AttendedTransfer(sess.Channel(), other.Channel())
		code := transferResultCode(result)
		if code == 200 {
			// Let the 200 notification reach the transferer before
			// the dialog is torn down.
			sess.DeferTerminate()
		}
		if p != nil {
			// Attended transfers have no leg to watch, so the
			// outcome is always reported here, success included.
			p.Terminal(code)
			p.release()
		}
		sess.Logger().Infow("attended transfer done", "result", result.String(), "code", code)
	})
	if err != nil {
		sess.Logger().Warnw("cannot queue attended transfer", err)
		if p != nil {
			p.release()
		}
		return errors.Execution("cannot queue attended transfer")
	}
	return nil
}

// referBlind validates the target extension and starts a blind transfer.
func (s *Server) referBlind(_ context.Context, sess *Session, exten, referredBy string, p *Progress) error {
	referCtx := s.conf.TransferContext
	if c := sess.Channel(); c != nil {
		if v := c.Variable(varReferringContext); v != "" {
			referCtx = v
		}
	}
	if exten == "" || !s.dialplan.Exists(referCtx, exten) {
		sess.Logger().Infow("blind transfer target not found", "exten", exten, "context", referCtx)
		return errors.NotFound("no extension %q in context %q", exten, referCtx)
	}
	return s.blindToExtension(sess, exten, referCtx, referredBy, nil, p)
}

func (s *Server) blindToExtension(sess *Session, exten, referCtx, referredBy string, vars map[string]string, p *Progress) error {
	cb := func(newChan *channel.Channel) {
		newChan.SetVariable(varTransfer, "yes")
		newChan.SetVariable(varReferringContext, referCtx)
		if referredBy != "" {
			newChan.SetVariable(varReferredByHdr, referredBy)
		}
		for k, v := range vars {
			newChan.SetVariable(k, v)
		}
		if p != nil {
			if err := p.watchChannel(newChan); err != nil {
				// The transfer itself went through; report it as
				// done rather than failing the REFER.
				sess.Logger().Warnw("cannot watch transfer target", err)
				p.QueueNotify(SubStateTerminated, 200)
			}
		}
	}
	result := s.bridges.BlindTransfer(sess.Channel(), exten, referCtx, cb)
	if err := transferResultError(result); err != nil {
		sess.Logger().Infow("blind transfer failed", "exten", exten, "result", result.String())
		return err
	}
	// The transferer leg was swapped out, so it terminates once the
	// progress notifications have drained.
	sess.DeferTerminate()
	sess.Logger().Infow("blind transfer dispatched", "exten", exten)
	return nil
}
