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
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"

	"github.com/sipcore/referd/pkg/channel"
	"github.com/sipcore/referd/pkg/tasks"
)

// Session is one established SIP dialog handled by the orchestrator, together
// with the media channel that backs it. All transfer work for a session runs
// on its serializer.
type Session struct {
	log logger.Logger
	reg *Registry
	sig Signaling

	callID    string
	localTag  LocalTag
	remoteTag RemoteTag

	serializer *tasks.Serializer

	// dlgMu guards the dialog-scoped state below. It is the lock transfer
	// tasks and remote unsubscribes contend on, so it must never be held
	// while submitting to another session's serializer.
	dlgMu    sync.Mutex
	channel  *channel.Channel
	progress *Progress
	timer    *sessionTimer
	// deferredTerminate delays hanging up the session until the terminal
	// transfer notification has gone out.
	deferredTerminate bool

	closed core.Fuse
}

func NewSession(log logger.Logger, reg *Registry, sig Signaling, ch *channel.Channel) *Session {
	s := &Session{
		log:       log,
		reg:       reg,
		sig:       sig,
		callID:    sig.CallID(),
		localTag:  sig.ID(),
		remoteTag: sig.Tag(),
		channel:   ch,
	}
	s.log = LoggerWithParams(s.log, sig)
	s.serializer = tasks.NewSerializer("session", s.log)
	if reg != nil {
		reg.add(s)
	}
	return s
}

func (s *Session) CallID() string      { return s.callID }
func (s *Session) LocalTag() LocalTag  { return s.localTag }
func (s *Session) Tag() RemoteTag      { return s.remoteTag }
func (s *Session) Logger() logger.Logger { return s.log }

func (s *Session) Channel() *channel.Channel {
	s.dlgMu.Lock()
	defer s.dlgMu.Unlock()
	return s.channel
}

// Progress returns the active transfer monitor, if any.
func (s *Session) Progress() *Progress {
	s.dlgMu.Lock()
	defer s.dlgMu.Unlock()
	return s.progress
}

func (s *Session) setProgress(p *Progress) {
	s.dlgMu.Lock()
	s.progress = p
	s.dlgMu.Unlock()
}

func (s *Session) setSessionTimer(st *sessionTimer) {
	s.dlgMu.Lock()
	s.timer = st
	s.dlgMu.Unlock()
}

func (s *Session) sessionTimer() *sessionTimer {
	s.dlgMu.Lock()
	defer s.dlgMu.Unlock()
	return s.timer
}

// hangupRemote sends an in-dialog BYE to the peer and closes the session.
func (s *Session) hangupRemote() {
	bye := sip.NewRequest(sip.BYE, s.sig.From())
	from := &sip.FromHeader{Address: s.sig.To(), Params: sip.NewParams()}
	from.Params.Add("tag", string(s.localTag))
	bye.AppendHeader(from)
	to := &sip.ToHeader{Address: s.sig.From(), Params: sip.NewParams()}
	to.Params.Add("tag", string(s.remoteTag))
	bye.AppendHeader(to)
	callID := sip.CallIDHeader(s.callID)
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})
	sendBye(s.sig, bye)
	s.Close()
}

// DeferTerminate marks the session to be hung up once the terminal transfer
// notification is delivered instead of immediately.
func (s *Session) DeferTerminate() {
	s.dlgMu.Lock()
	s.deferredTerminate = true
	s.dlgMu.Unlock()
}

func (s *Session) takeDeferredTerminate() bool {
	s.dlgMu.Lock()
	defer s.dlgMu.Unlock()
	v := s.deferredTerminate
	s.deferredTerminate = false
	return v
}

// Close tears the session down. A session marked for deferred termination
// first lets its pending transfer notifications flush, so the transferer sees
// the terminal NOTIFY before the signaling goes away. Then the media channel
// is hung up, the serializer drained, and the session removed from its
// registry. Safe to call twice.
func (s *Session) Close() {
	s.closed.Once(func() {
		if s.takeDeferredTerminate() {
			if p := s.Progress(); p != nil {
				p.flush(notifyFlushTimeout)
			}
		}
		if s.reg != nil {
			s.reg.remove(s)
		}
		s.dlgMu.Lock()
		ch := s.channel
		s.channel = nil
		st := s.timer
		s.timer = nil
		s.dlgMu.Unlock()
		if st != nil {
			st.Stop()
		}
		if ch != nil {
			ch.Hangup()
		}
		s.serializer.Close()
		if s.sig != nil {
			s.sig.Drop()
		}
	})
}

// Registry tracks live sessions so REFER and INVITE-with-Replaces can resolve
// dialog identifiers to sessions.
type Registry struct {
	mu    sync.RWMutex
	byTag map[LocalTag]*Session
}

func NewRegistry() *Registry {
	return &Registry{byTag: make(map[LocalTag]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.byTag[s.localTag] = s
	r.mu.Unlock()
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.byTag[s.localTag] == s {
		delete(r.byTag, s.localTag)
	}
	r.mu.Unlock()
}

func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byTag))
	for _, s := range r.byTag {
		out = append(out, s)
	}
	return out
}

func (r *Registry) ByLocalTag(tag LocalTag) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTag[tag]
}

// FindByReplaces resolves a Replaces triple to the session it names. The
// to-tag identifies our side of the dialog and the from-tag the peer's.
func (r *Registry) FindByReplaces(info *ReplacesInfo) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byTag {
		if s.callID == info.CallID &&
			s.localTag == LocalTag(info.ToTag) &&
			s.remoteTag == RemoteTag(info.FromTag) {
			return s
		}
	}
	return nil
}
