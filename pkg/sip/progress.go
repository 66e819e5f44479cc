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
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/sipcore/referd/pkg/channel"
	"github.com/sipcore/referd/pkg/stats"
	"github.com/sipcore/referd/pkg/tasks"
)

// Progress monitors one accepted REFER and delivers its progress
// notifications. It is reference counted: the creator holds one reference,
// the subscription binding another, and every queued notification a
// transient one. When the count reaches zero the serializer is drained and
// the metrics closed out.
//
// The sub field is only touched from serializer tasks, which is what makes
// the terminal notification race-free: whichever task observes sub first
// wins, later ones are no-ops.
type Progress struct {
	log        logger.Logger
	sess       *Session
	serializer *tasks.Serializer
	eventID    uint32
	mon        *stats.Monitor
	tm         *stats.TransferMonitor

	refs     atomic.Int32
	teardown sync.Once

	// serializer-task state
	sub *Subscription

	// subH is an immutable handle to the same subscription, used by remote
	// unsubscribe handling. Liveness checks always go through sub.
	subH *Subscription

	// framehook state
	hookMu     sync.Mutex
	hookCh     *channel.Channel
	hookID     int
	sawControl atomic.Bool
}

func newProgress(log logger.Logger, sess *Session, sub *Subscription, mon *stats.Monitor, tm *stats.TransferMonitor) *Progress {
	p := &Progress{
		log:     log.WithValues("eventID", sub.EventID()),
		sess:    sess,
		eventID: sub.EventID(),
		mon:     mon,
		tm:      tm,
		sub:     sub,
		subH:    sub,
	}
	p.serializer = tasks.NewSerializer("transfer", p.log)
	p.refs.Store(1)
	sub.setOwner(p)
	if tm != nil {
		tm.SubscriptionStart()
	}
	return p
}

func (p *Progress) ref() {
	p.refs.Add(1)
}

func (p *Progress) release() {
	if p.refs.Add(-1) != 0 {
		return
	}
	p.teardown.Do(func() {
		if p.tm != nil {
			p.tm.SubscriptionEnd()
		}
		// Close drains remaining tasks and must not run on the
		// serializer's own worker.
		go p.serializer.Close()
	})
}

// notifyFlushTimeout bounds how long a deferred teardown waits for the
// terminal notification to go out.
const notifyFlushTimeout = 2 * time.Second

// flush blocks until every notification queued so far has run, bounded by the
// timeout. Called from session teardown, never from a serializer task.
func (p *Progress) flush(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = p.serializer.SubmitSync(ctx, func() error { return nil })
}

// detachSubscription severs the monitor from its subscription and drops the
// binding reference. Must run on the serializer.
func (p *Progress) detachSubscription() {
	sub := p.sub
	if sub == nil {
		return
	}
	p.sub = nil
	if sub.clearOwner(p) {
		p.release()
	}
}

type notification struct {
	p     *Progress
	code  int
	state SubscriptionState
}

// run executes on the monitor's serializer. After the subscription is gone
// every further notification is dropped, which keeps late synthesized
// failures harmless.
func (n notification) run() {
	p := n.p
	sub := p.sub
	if sub == nil {
		p.log.Debugw("dropping transfer notification, subscription gone", "code", n.code)
		return
	}
	if n.state == SubStateTerminated {
		// Clear the binding before the NOTIFY goes out so a remote
		// unsubscribe racing with it cannot double-clear.
		p.detachSubscription()
	}
	sub.sendNotify(n.state, n.code)
	if p.mon != nil {
		p.mon.NotifySent(n.state.String())
	}
}

// QueueNotify schedules a progress notification. Safe to call from any
// goroutine and after termination, in which case it does nothing.
func (p *Progress) QueueNotify(state SubscriptionState, code int) {
	p.ref()
	n := notification{p: p, code: code, state: state}
	err := p.serializer.SubmitAsync(func() {
		defer p.release()
		n.run()
	})
	if err != nil {
		p.release()
	}
}

// watchChannel attaches the monitor to a channel so call progress on it is
// translated into notifications.
func (p *Progress) watchChannel(ch *channel.Channel) error {
	p.ref()
	id, err := ch.AttachHook(channel.Hook{
		OnFrame:   p.observeFrame,
		OnDestroy: p.hookDestroyed,
	})
	if err != nil {
		p.release()
		return err
	}
	p.hookMu.Lock()
	p.hookCh = ch
	p.hookID = id
	p.hookMu.Unlock()
	return nil
}

func (p *Progress) detachHook() {
	p.hookMu.Lock()
	ch, id := p.hookCh, p.hookID
	p.hookCh = nil
	p.hookMu.Unlock()
	if ch != nil {
		ch.DetachHook(id)
	}
}

func (p *Progress) observeFrame(ch *channel.Channel, f *channel.Frame) *channel.Frame {
	code, state, ok := p.classify(f)
	if !ok {
		return f
	}
	p.QueueNotify(state, code)
	if state == SubStateTerminated {
		// The destroy callback will synthesize a failure, which the
		// serializer drops once the terminal notification has run.
		p.detachHook()
	}
	return f
}

// classify maps call progress on the transfer target to the SIP status the
// transferer should see.
func (p *Progress) classify(f *channel.Frame) (int, SubscriptionState, bool) {
	switch f.Type {
	case channel.FrameVoice:
		// Media with no signalled progress means the call was picked
		// up without telling us. Report success and stop watching.
		if !p.sawControl.Load() {
			return 200, SubStateTerminated, true
		}
	case channel.FrameControl:
		p.sawControl.Store(true)
		switch f.Control {
		case channel.ControlRing, channel.ControlRinging:
			return 180, SubStateActive, true
		case channel.ControlBusy:
			return 486, SubStateTerminated, true
		case channel.ControlCongestion:
			return 503, SubStateTerminated, true
		case channel.ControlProgress:
			return 183, SubStateActive, true
		case channel.ControlProceeding:
			return 100, SubStateActive, true
		case channel.ControlAnswer:
			return 200, SubStateTerminated, true
		}
	}
	return 0, SubStateActive, false
}

// hookDestroyed runs when the watched channel goes away. If no terminal
// notification was delivered yet this reports the transfer as failed; if one
// was, the queued failure is a no-op.
func (p *Progress) hookDestroyed() {
	p.QueueNotify(SubStateTerminated, 503)
	p.release()
}

// Terminal reports a final transfer outcome.
func (p *Progress) Terminal(code int) {
	p.QueueNotify(SubStateTerminated, code)
	if p.tm != nil {
		outcome := "success"
		if code >= 300 {
			outcome = "fail"
		}
		p.tm.Complete(outcome)
	}
}
