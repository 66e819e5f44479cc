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
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/livekit/protocol/logger"
)

const (
	subActive     = "active"
	subTerminated = "terminated"
)

func newSubscriptionFSM() *fsm.FSM {
	return fsm.NewFSM(
		subActive,
		fsm.Events{
			{Name: "terminate", Src: []string{subActive}, Dst: subTerminated},
		}, nil,
	)
}

// Subscription is the implicit refer-event subscription created by an
// accepted REFER. It delivers sipfrag NOTIFYs to the transferer until a
// terminal notification or a remote unsubscribe ends it.
type Subscription struct {
	log     logger.Logger
	sess    *Session
	sig     Signaling
	target  sip.Uri
	eventID uint32
	fsm     *fsm.FSM

	mu    sync.Mutex
	owner *Progress
}

func newSubscription(log logger.Logger, sess *Session, target sip.Uri, eventID uint32) *Subscription {
	return &Subscription{
		log:     log.WithValues("eventID", eventID),
		sess:    sess,
		sig:     sess.sig,
		target:  target,
		eventID: eventID,
		fsm:     newSubscriptionFSM(),
	}
}

func (s *Subscription) EventID() uint32 { return s.eventID }

func (s *Subscription) Terminated() bool {
	return s.fsm.Current() == subTerminated
}

// setOwner binds the transfer monitor to the subscription. The binding holds
// one monitor reference, dropped when the binding is cleared.
func (s *Subscription) setOwner(p *Progress) {
	s.mu.Lock()
	s.owner = p
	s.mu.Unlock()
	p.ref()
}

func (s *Subscription) clearOwner(p *Progress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != p {
		return false
	}
	s.owner = nil
	return true
}

func (s *Subscription) sendNotify(state SubscriptionState, code int) {
	if state == SubStateTerminated {
		_ = s.fsm.Event(context.Background(), "terminate")
	}
	req := newNotifyRequest(s.target, s.eventID, state, code)
	if err := s.sig.WriteRequest(req); err != nil {
		s.log.Warnw("cannot send transfer NOTIFY", err, "code", code, "state", state.String())
		return
	}
	s.log.Debugw("sent transfer NOTIFY", "code", code, "state", state.String())
}

// Terminate handles a remote unsubscribe. The monitor, if still bound, is
// told synchronously that its subscription is gone so that no further
// notifications are attempted on it.
func (s *Subscription) Terminate(ctx context.Context) {
	if err := s.fsm.Event(ctx, "terminate"); err != nil {
		return
	}
	s.mu.Lock()
	p := s.owner
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.ref()
	err := p.serializer.SubmitSync(ctx, func() error {
		p.detachSubscription()
		return nil
	})
	if err != nil {
		s.log.Warnw("cannot detach transfer monitor", err)
	}
	p.release()
}
