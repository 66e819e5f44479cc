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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/livekit/protocol/logger"
)

const (
	timerExtension = "timer"
	// minSessionExpires is the RFC 4028 minimum session interval.
	minSessionExpires = 90
)

// errSessionIntervalTooSmall maps to a 422 response carrying our Min-SE.
var errSessionIntervalTooSmall = fmt.Errorf("session interval too small")

// sessionTimerInfo is the session interval negotiated on an INVITE.
// A zero Expires means the peer did not ask for session timers.
type sessionTimerInfo struct {
	Expires int
}

// negotiateSessionTimer parses Session-Expires and Min-SE from an INVITE.
func negotiateSessionTimer(req *sip.Request) (sessionTimerInfo, error) {
	h := req.GetHeader("Session-Expires")
	if h == nil {
		return sessionTimerInfo{}, nil
	}
	val, _, _ := strings.Cut(h.Value(), ";")
	expires, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return sessionTimerInfo{}, fmt.Errorf("invalid Session-Expires: %q", h.Value())
	}
	if expires < minSessionExpires {
		return sessionTimerInfo{}, errSessionIntervalTooSmall
	}
	return sessionTimerInfo{Expires: expires}, nil
}

// addToResponse advertises the accepted interval. The peer is always made the
// refresher; this endpoint only tracks expiry.
func (i sessionTimerInfo) addToResponse(res *sip.Response) {
	if i.Expires == 0 {
		return
	}
	res.AppendHeader(sip.NewHeader("Require", timerExtension))
	res.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d;refresher=uac", i.Expires)))
}

// sessionTimer hangs a dialog up when the peer stops refreshing it. Each
// refresh re-arms the deadline; stale timers are ignored by generation.
type sessionTimer struct {
	log      logger.Logger
	expires  int
	onExpiry func()

	mu      sync.Mutex
	gen     uint64
	timer   *time.Timer
	stopped bool
}

func newSessionTimer(log logger.Logger, expires int, onExpiry func()) *sessionTimer {
	st := &sessionTimer{
		log:      log.WithValues("sessionExpires", expires),
		expires:  expires,
		onExpiry: onExpiry,
	}
	st.mu.Lock()
	st.armLocked()
	st.mu.Unlock()
	return st
}

// armLocked schedules expiry slightly before the interval ends, per RFC 4028.
func (st *sessionTimer) armLocked() {
	st.gen++
	gen := st.gen
	deadline := st.expires - min(32, st.expires/3)
	st.timer = time.AfterFunc(time.Duration(deadline)*time.Second, func() {
		st.expired(gen)
	})
}

func (st *sessionTimer) expired(gen uint64) {
	st.mu.Lock()
	stale := st.stopped || gen != st.gen
	st.mu.Unlock()
	if stale {
		return
	}
	st.log.Warnw("session expired without refresh", nil)
	st.onExpiry()
}

// Refresh re-arms the expiry deadline. Called on every session refresh
// request from the peer.
func (st *sessionTimer) Refresh() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.armLocked()
	st.log.Debugw("session refreshed")
}

func (st *sessionTimer) Stop() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return
	}
	st.stopped = true
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}
