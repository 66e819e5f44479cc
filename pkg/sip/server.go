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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/icholy/digest"

	"github.com/livekit/protocol/logger"

	"github.com/sipcore/referd/pkg/bridge"
	"github.com/sipcore/referd/pkg/channel"
	"github.com/sipcore/referd/pkg/config"
	"github.com/sipcore/referd/pkg/dialplan"
	"github.com/sipcore/referd/pkg/stats"
)

const (
	digestLimit = 500
	// referSeenSize bounds the retransmission dedupe cache.
	referSeenSize = 1024
)

type inProgressInvite struct {
	from      string
	challenge digest.Challenge
}

// Server terminates SIP dialogs and orchestrates call transfers on them.
type Server struct {
	log  logger.Logger
	conf *config.Config
	mon  *stats.Monitor

	registry *Registry
	dialplan *dialplan.Registry
	bridges  *bridge.Core

	sipUA  *sipgo.UserAgent
	sipSrv *sipgo.Server
	sipCli *sipgo.Client

	// referSeen dedupes REFER retransmissions by Call-ID and CSeq,
	// remembering the shape of the original response for replay.
	referSeen *lru.Cache[string, *referReply]

	imu               sync.Mutex
	inProgressInvites []*inProgressInvite

	closed core.Fuse
}

func NewServer(log logger.Logger, conf *config.Config, mon *stats.Monitor) (*Server, error) {
	dp := dialplan.NewRegistry()
	for ctx, extens := range conf.Dialplan {
		for _, e := range extens {
			dp.Add(ctx, e)
		}
	}
	seen, err := lru.New[string, *referReply](referSeenSize)
	if err != nil {
		return nil, err
	}
	return &Server{
		log:       log,
		conf:      conf,
		mon:       mon,
		registry:  NewRegistry(),
		dialplan:  dp,
		bridges:   bridge.NewCore(log),
		referSeen: seen,
	}, nil
}

func (s *Server) Registry() *Registry           { return s.registry }
func (s *Server) Dialplan() *dialplan.Registry  { return s.dialplan }
func (s *Server) Bridges() *bridge.Core         { return s.bridges }

func (s *Server) Start(ctx context.Context, agent *sipgo.UserAgent) error {
	var err error
	if agent == nil {
		agent, err = sipgo.NewUA(
			sipgo.WithUserAgent(s.conf.UserAgent),
		)
		if err != nil {
			return err
		}
	}
	s.sipUA = agent

	if s.sipSrv, err = sipgo.NewServer(agent); err != nil {
		return err
	}
	if s.sipCli, err = sipgo.NewClient(agent); err != nil {
		return err
	}

	s.sipSrv.OnInvite(s.onInvite)
	s.sipSrv.OnBye(s.onBye)
	s.sipSrv.OnRefer(s.onRefer)
	s.sipSrv.OnSubscribe(s.onSubscribe)
	s.sipSrv.OnNotify(func(req *sip.Request, tx sip.ServerTransaction) {
		if id, code, err := handleNotify(req); err == nil {
			s.log.Debugw("transfer progress from peer", "eventID", id, "code", code)
		}
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})
	s.sipSrv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})

	addr := fmt.Sprintf("%s:%d", s.conf.BindAddress, s.conf.SIPPort)
	for _, tr := range []Transport{TransportUDP, TransportTCP} {
		tr := tr
		go func() {
			if err := s.sipSrv.ListenAndServe(ctx, string(tr), addr); err != nil && !s.closed.IsBroken() {
				s.log.Errorw("sip listener stopped", err, "transport", tr)
			}
		}()
	}
	if tc := s.conf.TLS; tc != nil {
		tlsConf, err := loadTLS(tc)
		if err != nil {
			return err
		}
		tlsAddr := fmt.Sprintf("%s:%d", s.conf.BindAddress, tc.Port)
		go func() {
			if err := s.sipSrv.ListenAndServeTLS(ctx, string(TransportTLS), tlsAddr, tlsConf); err != nil && !s.closed.IsBroken() {
				s.log.Errorw("sip tls listener stopped", err)
			}
		}()
	}
	s.log.Infow("sip server started", "addr", addr)
	return nil
}

func (s *Server) Stop() {
	s.closed.Once(func() {
		for _, sess := range s.registry.All() {
			sess.Close()
		}
		if s.sipSrv != nil {
			_ = s.sipSrv.Close()
		}
		if s.sipCli != nil {
			_ = s.sipCli.Close()
		}
	})
}

// findDialog resolves an in-dialog request to the session it belongs to. The
// peer's From tag is our remote tag and the To tag is ours.
func (s *Server) findDialog(req *sip.Request) *Session {
	cid := req.CallID()
	if cid == nil {
		return nil
	}
	fromTag, err := getFromTag(req)
	if err != nil {
		return nil
	}
	toTag, err := getToTag(req)
	if err != nil {
		return nil
	}
	return s.registry.FindByReplaces(&ReplacesInfo{
		CallID:  cid.Value(),
		ToTag:   string(toTag),
		FromTag: string(fromTag),
	})
}

func (s *Server) handleInviteAuth(req *sip.Request, tx sip.ServerTransaction, from, username, password string) (ok bool) {
	if username == "" || password == "" {
		return true
	}
	s.imu.Lock()
	defer s.imu.Unlock()

	var inviteState *inProgressInvite
	for i := range s.inProgressInvites {
		if s.inProgressInvites[i].from == from {
			inviteState = s.inProgressInvites[i]
		}
	}
	if inviteState == nil {
		if len(s.inProgressInvites) >= digestLimit {
			s.inProgressInvites = s.inProgressInvites[1:]
		}
		inviteState = &inProgressInvite{from: from}
		s.inProgressInvites = append(s.inProgressInvites, inviteState)
	}

	h := req.GetHeader("Proxy-Authorization")
	if h == nil {
		inviteState.challenge = digest.Challenge{
			Realm:     s.conf.UserAgent,
			Nonce:     fmt.Sprintf("%d", time.Now().UnixMicro()),
			Algorithm: "MD5",
		}
		res := sip.NewResponseFromRequest(req, 407, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("Proxy-Authenticate", inviteState.challenge.String()))
		_ = tx.Respond(res)
		return false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 401, "Bad credentials", nil))
		return false
	}
	digCred, err := digest.Digest(&inviteState.challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil || cred.Response != digCred.Response {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 401, "Unauthorized", nil))
		return false
	}
	return true
}

func (s *Server) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if s.mon != nil && !s.mon.CanAccept() {
		respond(tx, req, 503)
		return
	}
	from := req.From()
	to := req.To()
	if from == nil || to == nil {
		respond(tx, req, 400)
		return
	}
	fromUser := from.Address.User

	if len(s.conf.Users) > 0 {
		pass, ok := s.conf.Users[fromUser]
		if !ok {
			respond(tx, req, 403)
			return
		}
		if !s.handleInviteAuth(req, tx, from.Address.String(), fromUser, pass) {
			return
		}
	}

	if sess := s.findDialog(req); sess != nil {
		s.onReinvite(sess, req, tx)
		return
	}

	timer, err := negotiateSessionTimer(req)
	if err != nil {
		if err == errSessionIntervalTooSmall {
			res := sip.NewResponseFromRequest(req, 422, "Session Interval Too Small", nil)
			res.AppendHeader(sip.NewHeader("Min-SE", fmt.Sprintf("%d", minSessionExpires)))
			_ = tx.Respond(res)
		} else {
			respond(tx, req, 400)
		}
		return
	}

	localTag := LocalTag(uuid.NewString()[:12])
	sig := newDialogSignaling(s.sipCli, req, localTag)
	ch := channel.New(fmt.Sprintf("SIP/%s-%s", fromUser, uuid.NewString()[:8]))
	ch.SetState(channel.StateRing)
	sess := NewSession(s.log, s.registry, sig, ch)

	if s.HandleInviteReplaces(context.Background(), sess, req, tx) {
		return
	}

	answer, err := answerSDP(req.Body())
	if err != nil {
		sess.Logger().Infow("cannot answer SDP offer", "error", err)
		sess.Close()
		respond(tx, req, 488)
		return
	}
	ch.Answer()

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	if rto := res.To(); rto != nil {
		if rto.Params == nil {
			rto.Params = sip.NewParams()
		}
		rto.Params.Add("tag", string(localTag))
	}
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	timer.addToResponse(res)
	if err := tx.Respond(res); err != nil {
		sess.Logger().Warnw("cannot respond to INVITE", err)
		sess.Close()
		return
	}
	if timer.Expires > 0 {
		sess.setSessionTimer(newSessionTimer(sess.Logger(), timer.Expires, func() {
			go sess.hangupRemote()
		}))
	}
	sess.Logger().Infow("session established", "channel", ch.Name())
}

// onReinvite answers a session refresh inside an established dialog. The SDP
// is re-answered unchanged and the session timer, if any, re-armed.
func (s *Server) onReinvite(sess *Session, req *sip.Request, tx sip.ServerTransaction) {
	var body []byte
	if len(req.Body()) > 0 {
		answer, err := answerSDP(req.Body())
		if err != nil {
			sess.Logger().Infow("cannot answer re-INVITE SDP", "error", err)
			respond(tx, req, 488)
			return
		}
		body = answer
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	if body != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if st := sess.sessionTimer(); st != nil {
		st.Refresh()
	}
	if err := tx.Respond(res); err != nil {
		sess.Logger().Warnw("cannot respond to re-INVITE", err)
	}
}

func (s *Server) onBye(req *sip.Request, tx sip.ServerTransaction) {
	sess := s.findDialog(req)
	if sess == nil {
		respond(tx, req, 481)
		return
	}
	respond(tx, req, 200)
	sess.Logger().Infow("session ended by remote")
	go sess.Close()
}

// referReply remembers the transaction answer to the first copy of a REFER
// so retransmissions can be replayed with the same shape, Refer-Sub included.
type referReply struct {
	mu       sync.Mutex
	code     int
	referSub string
}

func (r *referReply) record(res *sip.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code != 0 {
		return
	}
	r.code = int(res.StatusCode)
	if h := res.GetHeader("Refer-Sub"); h != nil {
		r.referSub = h.Value()
	}
}

func (r *referReply) snapshot() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.referSub
}

// referReplyRecorder captures the first response on its way out.
type referReplyRecorder struct {
	tx    Responder
	reply *referReply
}

func (r *referReplyRecorder) Respond(res *sip.Response) error {
	r.reply.record(res)
	return r.tx.Respond(res)
}

func (s *Server) onRefer(req *sip.Request, tx sip.ServerTransaction) {
	cid := req.CallID()
	cseq := req.CSeq()
	if cid == nil || cseq == nil {
		respond(tx, req, 400)
		return
	}
	// REFER retransmissions must not dispatch the transfer twice.
	key := fmt.Sprintf("%s/%d", cid.Value(), cseq.SeqNo)
	if reply, dup := s.referSeen.Get(key); dup {
		code, referSub := reply.snapshot()
		if code == 0 {
			// The first copy is still being dispatched.
			code, referSub = 202, "true"
		}
		var hs []sip.Header
		if referSub != "" {
			hs = append(hs, sip.NewHeader("Refer-Sub", referSub))
		}
		respond(tx, req, code, hs...)
		return
	}
	sess := s.findDialog(req)
	if sess == nil {
		respond(tx, req, 481)
		return
	}
	reply := &referReply{}
	s.referSeen.Add(key, reply)
	err := sess.serializer.SubmitAsync(func() {
		s.HandleRefer(context.Background(), sess, req, &referReplyRecorder{tx: tx, reply: reply})
	})
	if err != nil {
		respond(tx, req, 481)
	}
}

// onSubscribe handles re-subscriptions and unsubscribes for the implicit
// refer-event subscription. Expires: 0 ends it.
func (s *Server) onSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	ev := req.GetHeader("Event")
	if ev == nil || !strings.HasPrefix(strings.ToLower(ev.Value()), "refer") {
		respond(tx, req, 489)
		return
	}
	sess := s.findDialog(req)
	if sess == nil {
		respond(tx, req, 481)
		return
	}
	p := sess.Progress()
	if p == nil {
		respond(tx, req, 481)
		return
	}
	expires := ""
	if h := req.GetHeader("Expires"); h != nil {
		expires = strings.TrimSpace(h.Value())
	}
	respond(tx, req, 200, sip.NewHeader("Expires", expires))
	if expires == "0" {
		sess.Logger().Infow("remote unsubscribed from transfer events")
		p.subH.Terminate(context.Background())
	}
}

// dialogSignaling sends in-dialog requests for a session accepted by the
// server.
type dialogSignaling struct {
	cli *sipgo.Client

	from     sip.Uri
	to       sip.Uri
	contact  sip.Uri
	callID   string
	localTag LocalTag
	tag      RemoteTag
	headers  Headers

	dropped core.Fuse
}

func newDialogSignaling(cli *sipgo.Client, invite *sip.Request, localTag LocalTag) *dialogSignaling {
	c := &dialogSignaling{
		cli:      cli,
		localTag: localTag,
	}
	if from := invite.From(); from != nil {
		c.from = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			c.tag = RemoteTag(tag)
		}
	}
	if to := invite.To(); to != nil {
		c.to = to.Address
	}
	if cid := invite.CallID(); cid != nil {
		c.callID = cid.Value()
	}
	c.contact = c.from
	if ct := invite.Contact(); ct != nil {
		c.contact = ct.Address
	}
	c.headers = invite.Headers()
	return c
}

func (c *dialogSignaling) From() sip.Uri          { return c.from }
func (c *dialogSignaling) To() sip.Uri            { return c.to }
func (c *dialogSignaling) ID() LocalTag           { return c.localTag }
func (c *dialogSignaling) Tag() RemoteTag         { return c.tag }
func (c *dialogSignaling) CallID() string         { return c.callID }
func (c *dialogSignaling) RemoteHeaders() Headers { return c.headers }

func (c *dialogSignaling) WriteRequest(req *sip.Request) error {
	if c.dropped.IsBroken() {
		return fmt.Errorf("signaling dropped")
	}
	return c.cli.WriteRequest(req)
}

func (c *dialogSignaling) Transaction(req *sip.Request) (sip.ClientTransaction, error) {
	if c.dropped.IsBroken() {
		return nil, fmt.Errorf("signaling dropped")
	}
	return c.cli.TransactionRequest(context.Background(), req)
}

func (c *dialogSignaling) Drop() {
	c.dropped.Break()
}
